// Package frame allocates physical page frames. The frame pool is the one
// structure shared by every core, so all bitmap access happens under a
// mutex held only for the bit flips; zeroing runs outside it.
package frame

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/nmxmxh/inos_mm/kernel/mm/physmem"
	"github.com/nmxmxh/inos_mm/kernel/utils"
)

var (
	ErrExhausted    = errors.New("out of physical frames")
	ErrNotAllocated = errors.New("frame not allocated")
)

// Allocator hands out frames in [first, end).
type Allocator struct {
	first uint64
	end   uint64
	mem   physmem.Memory
	log   *utils.Logger

	mu    sync.Mutex
	used  *bitset.BitSet // bit i <=> frame first+i allocated
	hint  uint           // next index to probe
	count uint
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total     uint64
	Allocated uint64
	Free      uint64
}

// NewAllocator manages frames [first, end) of mem.
func NewAllocator(mem physmem.Memory, first, end uint64, logger *utils.Logger) *Allocator {
	if end < first {
		end = first
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Allocator{
		first: first,
		end:   end,
		mem:   mem,
		log:   logger,
		used:  bitset.New(uint(end - first)),
	}
}

func (a *Allocator) size() uint { return uint(a.end - a.first) }

// grab marks n free frames used, or none.
func (a *Allocator) grab(n int) ([]uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint(n) > a.size()-a.count {
		return nil, ErrExhausted
	}
	out := make([]uint64, 0, n)
	idx := a.hint
	for len(out) < n {
		i, ok := a.used.NextClear(idx)
		if !ok || i >= a.size() {
			// wrap around once; count guarantees enough clear bits exist
			i, ok = a.used.NextClear(0)
			if !ok || i >= a.size() {
				panic("frame: bitmap out of sync with count")
			}
		}
		a.used.Set(i)
		out = append(out, a.first+uint64(i))
		idx = i + 1
	}
	a.count += uint(n)
	a.hint = idx
	return out, nil
}

// Alloc returns one zeroed frame.
func (a *Allocator) Alloc() (uint64, error) {
	ppns, err := a.AllocN(1)
	if err != nil {
		return 0, err
	}
	return ppns[0], nil
}

// AllocN returns n zeroed frames, or ErrExhausted with nothing allocated.
func (a *Allocator) AllocN(n int) ([]uint64, error) {
	if n <= 0 {
		return nil, nil
	}
	ppns, err := a.grab(n)
	if err != nil {
		a.log.Debug("frame allocation failed", utils.Int("want", n), utils.Uint64("free", a.Stats().Free))
		return nil, err
	}
	for _, ppn := range ppns {
		if err := a.mem.ZeroFrame(ppn); err != nil {
			a.FreeAll(ppns)
			return nil, utils.Wrapf(err, "zero frame %#x", ppn)
		}
	}
	return ppns, nil
}

// Free returns a frame to the pool.
func (a *Allocator) Free(ppn uint64) error {
	if ppn < a.first || ppn >= a.end {
		return fmt.Errorf("free frame %#x: %w", ppn, ErrNotAllocated)
	}
	i := uint(ppn - a.first)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.used.Test(i) {
		return fmt.Errorf("free frame %#x: %w", ppn, ErrNotAllocated)
	}
	a.used.Clear(i)
	a.count--
	if i < a.hint {
		a.hint = i
	}
	return nil
}

// FreeAll releases every frame in ppns, logging (not returning) double frees.
func (a *Allocator) FreeAll(ppns []uint64) {
	for _, ppn := range ppns {
		if err := a.Free(ppn); err != nil {
			a.log.Error("frame release failed", utils.Err(err))
		}
	}
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Total:     uint64(a.size()),
		Allocated: uint64(a.count),
		Free:      uint64(a.size() - a.count),
	}
}
