package timer

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Source is the hardware timer: a monotonically increasing tick counter.
type Source interface {
	Ticks() uint64
}

// ClockSource emulates the mtime register: ticks elapsed since boot at a
// fixed frequency, driven by a clock.Clock so tests can use clock.NewMock().
type ClockSource struct {
	clk  clock.Clock
	boot time.Time
	conv Converter
}

// NewClockSource starts counting at clk.Now().
func NewClockSource(clk clock.Clock, conv Converter) *ClockSource {
	if clk == nil {
		clk = clock.New()
	}
	return &ClockSource{clk: clk, boot: clk.Now(), conv: conv}
}

func (s *ClockSource) Ticks() uint64 {
	d := s.clk.Since(s.boot)
	if d < 0 {
		return 0
	}
	return s.conv.UsToTicks(uint64(d / time.Microsecond))
}

// NowUs reads the source and converts in one step.
func NowUs(src Source, conv Converter) uint64 {
	return conv.TicksToUs(src.Ticks())
}
