// Package timer converts hardware timer ticks into the time units user
// programs see: microseconds, {sec, usec} pairs and the 16-bit-second
// millisecond window used by task_info.
package timer

import (
	"math/bits"

	"github.com/nmxmxh/inos_mm/kernel/config"
)

// TimeVal is the {sec, usec} pair returned by get_time.
type TimeVal struct {
	Sec  uint64
	Usec uint64
}

// Converter turns ticks into microseconds for a fixed clock frequency.
type Converter struct {
	freq uint64
}

// NewConverter panics on a zero frequency; config.Validate rejects it first.
func NewConverter(clockFreq uint64) Converter {
	if clockFreq == 0 {
		panic("timer: zero clock frequency")
	}
	return Converter{freq: clockFreq}
}

// ClockFreq returns the divisor of the conversion.
func (c Converter) ClockFreq() uint64 { return c.freq }

// TicksToUs computes ticks*1e6/freq with a 128-bit intermediate, truncating.
func (c Converter) TicksToUs(ticks uint64) uint64 {
	hi, lo := bits.Mul64(ticks, config.MicrosPerSec)
	if hi >= c.freq {
		// quotient would not fit in 64 bits
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, c.freq)
	return q
}

// UsToTicks is the inverse used by tests and the clock source, truncating.
func (c Converter) UsToTicks(us uint64) uint64 {
	hi, lo := bits.Mul64(us, c.freq)
	if hi >= config.MicrosPerSec {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, config.MicrosPerSec)
	return q
}

// ToTimeVal splits us so that Sec*1e6+Usec == us.
func ToTimeVal(us uint64) TimeVal {
	return TimeVal{
		Sec:  us / config.MicrosPerSec,
		Usec: us % config.MicrosPerSec,
	}
}

// Micros recombines a TimeVal.
func (tv TimeVal) Micros() uint64 {
	return tv.Sec*config.MicrosPerSec + tv.Usec
}

// Millis folds us into the 16-bit-second millisecond window:
// ((us/1e6)&0xFFFF)*1000 + (us%1e6)/1000. The seconds part wraps every
// 65536s (~18h12m) of uptime; task_info reports exactly this value.
func Millis(us uint64) uint64 {
	return ((us/config.MicrosPerSec)&0xFFFF)*1000 + (us%config.MicrosPerSec)/1000
}

// ElapsedMs is Millis(now) - Millis(start). It goes negative when the window
// wrapped between start and now.
func ElapsedMs(startUs, nowUs uint64) int64 {
	return int64(Millis(nowUs)) - int64(Millis(startUs))
}
