// Package mm owns each task's user address space: the sorted list of mapped
// regions, the Sv39 page table that backs them and the program break.
//
// A MemorySet is only mutated by its owning task while that task is the
// running context, so it carries no lock. The frame pool underneath is the
// shared, locked resource.
package mm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/mm/pagetable"
	"github.com/nmxmxh/inos_mm/kernel/mm/physmem"
	"github.com/nmxmxh/inos_mm/kernel/utils"
)

// FramePool is the physical frame allocator.
type FramePool interface {
	Alloc() (uint64, error)
	AllocN(n int) ([]uint64, error)
	Free(ppn uint64) error
}

// MemorySet is one task's address space.
type MemorySet struct {
	pt      *pagetable.PageTable
	frames  FramePool
	regions []Region // sorted by StartPage, pairwise disjoint
	brk     uint64
	log     *utils.Logger
}

// NewMemorySet creates an address space holding only the user stack.
func NewMemorySet(mem physmem.Memory, frames FramePool, logger *utils.Logger) (*MemorySet, error) {
	if logger == nil {
		logger = utils.NopLogger()
	}
	pt, err := pagetable.New(mem, frames)
	if err != nil {
		return nil, err
	}
	ms := &MemorySet{pt: pt, frames: frames, brk: config.HeapBottom, log: logger}

	stack := Region{
		StartPage: (config.UserStackTop - config.UserStackSize) >> config.PageSizeBits,
		PageCount: config.UserStackSize >> config.PageSizeBits,
		Perm:      pagetable.PermR | pagetable.PermW,
		Kind:      KindStack,
	}
	if err := ms.mapRegion(stack); err != nil {
		_ = pt.Destroy()
		return nil, utils.WrapError(err, "map user stack")
	}
	ms.insert(stack)
	return ms, nil
}

// Token identifies this address space for user pointer translation.
func (ms *MemorySet) Token() uint64 { return ms.pt.Token() }

// Regions returns a copy of the region list in address order.
func (ms *MemorySet) Regions() []Region {
	return append([]Region(nil), ms.regions...)
}

// Brk is the current program break.
func (ms *MemorySet) Brk() uint64 { return ms.brk }

// Mmap maps [start, start+length) with fresh zeroed frames. length is
// rounded up to whole pages. Either every page is mapped or none is.
func (ms *MemorySet) Mmap(start, length, perm uint64) error {
	if start%config.PageSize != 0 {
		return ErrAlignment
	}
	if length == 0 {
		return ErrInvalidLength
	}
	if _, ok := pagetable.EncodePerm(perm); !ok {
		return ErrPermission
	}
	pages := pagesFor(length)
	startPage := start >> config.PageSizeBits
	endPage := startPage + pages
	if pages > config.UserSpaceEnd>>config.PageSizeBits || endPage > config.UserSpaceEnd>>config.PageSizeBits {
		return ErrOutOfRange
	}
	if r, ok := ms.firstOverlap(startPage, endPage, nil); ok {
		ms.log.Debug("mmap overlap", utils.Addr("start", start), utils.String("existing", r.String()))
		return ErrOverlap
	}

	r := Region{StartPage: startPage, PageCount: pages, Perm: perm, Kind: KindMmap}
	if err := ms.mapRegion(r); err != nil {
		return err
	}
	ms.insert(r)
	ms.log.Debug("mmap", utils.String("region", r.String()))
	return nil
}

// Munmap removes the mmap region that is exactly [start, start+length).
// Sub-ranges and ranges spanning several regions are not split.
func (ms *MemorySet) Munmap(start, length uint64) error {
	if start%config.PageSize != 0 {
		return ErrAlignment
	}
	startPage := start >> config.PageSizeBits
	pages := pagesFor(length)
	i := ms.find(startPage)
	if i < 0 || ms.regions[i].PageCount != pages || ms.regions[i].Kind != KindMmap {
		return ErrNotFound
	}
	r := ms.regions[i]
	if err := ms.unmapPages(r.StartPage, r.EndPage()); err != nil {
		return err
	}
	ms.regions = append(ms.regions[:i], ms.regions[i+1:]...)
	ms.log.Debug("munmap", utils.String("region", r.String()))
	return nil
}

// ChangeBrk moves the program break by delta bytes and returns the old
// break. The heap grows from config.HeapBottom; growth may not run into
// another region.
func (ms *MemorySet) ChangeBrk(delta int64) (uint64, error) {
	old := ms.brk
	var next uint64
	if delta < 0 {
		d := uint64(-delta)
		if d > old-config.HeapBottom {
			return 0, ErrBrkUnderflow
		}
		next = old - d
	} else {
		next = old + uint64(delta)
		if next < old || next > config.UserSpaceEnd {
			return 0, ErrOutOfRange
		}
	}

	bottom := config.HeapBottom >> config.PageSizeBits
	curEnd := bottom + pagesFor(old-config.HeapBottom)
	newEnd := bottom + pagesFor(next-config.HeapBottom)

	switch {
	case newEnd > curEnd:
		heap := func(r Region) bool { return r.Kind == KindHeap }
		if _, ok := ms.firstOverlap(curEnd, newEnd, heap); ok {
			return 0, ErrOverlap
		}
		grow := Region{StartPage: curEnd, PageCount: newEnd - curEnd, Perm: pagetable.PermR | pagetable.PermW, Kind: KindHeap}
		if err := ms.mapRegion(grow); err != nil {
			return 0, err
		}
	case newEnd < curEnd:
		if err := ms.unmapPages(newEnd, curEnd); err != nil {
			return 0, err
		}
	}
	ms.setHeap(bottom, newEnd-bottom)
	ms.brk = next
	return old, nil
}

// Recycle unmaps every region and releases the page table. A region that
// fails to unmap does not stop the rest from being released. The set is
// unusable afterwards.
func (ms *MemorySet) Recycle() error {
	var errs []error
	for _, r := range ms.regions {
		if err := ms.unmapPages(r.StartPage, r.EndPage()); err != nil {
			errs = append(errs, fmt.Errorf("unmap %s: %w", r, err))
		}
	}
	ms.regions = nil
	if err := ms.pt.Destroy(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// mapRegion backs r with new frames, rolling back on any failure. Tables
// installed by a failed call are released too.
func (ms *MemorySet) mapRegion(r Region) error {
	ppns, err := ms.frames.AllocN(int(r.PageCount))
	if err != nil {
		return fmt.Errorf("map %d pages: %w", r.PageCount, err)
	}
	mark := ms.pt.Mark()
	flags := r.flags()
	for i, ppn := range ppns {
		if err := ms.pt.Map(r.StartPage+uint64(i), ppn, flags); err != nil {
			for j := 0; j < i; j++ {
				_, _ = ms.pt.Unmap(r.StartPage + uint64(j))
			}
			ms.release(ppns)
			if terr := ms.pt.TrimTables(mark); terr != nil {
				ms.log.Error("table rollback failed", utils.Err(terr))
			}
			return fmt.Errorf("map page %#x: %w", r.StartPage+uint64(i), err)
		}
	}
	return nil
}

// unmapPages clears [start, end) and frees the backing frames. A page that
// cannot be unmapped is reported but does not stop the rest.
func (ms *MemorySet) unmapPages(start, end uint64) error {
	ppns := make([]uint64, 0, end-start)
	var errs []error
	for vpn := start; vpn < end; vpn++ {
		ppn, err := ms.pt.Unmap(vpn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ppns = append(ppns, ppn)
	}
	ms.release(ppns)
	return errors.Join(errs...)
}

func (ms *MemorySet) release(ppns []uint64) {
	for _, ppn := range ppns {
		if err := ms.frames.Free(ppn); err != nil {
			ms.log.Error("frame release failed", utils.Addr("ppn", ppn), utils.Err(err))
		}
	}
}

// firstOverlap scans the sorted list for a region intersecting
// [start, end) pages, skipping regions for which skip returns true.
func (ms *MemorySet) firstOverlap(start, end uint64, skip func(Region) bool) (Region, bool) {
	// first region ending after start
	i := sort.Search(len(ms.regions), func(i int) bool { return ms.regions[i].EndPage() > start })
	for ; i < len(ms.regions) && ms.regions[i].StartPage < end; i++ {
		r := ms.regions[i]
		if skip != nil && skip(r) {
			continue
		}
		if r.overlaps(start, end) {
			return r, true
		}
	}
	return Region{}, false
}

// find returns the index of the region starting at startPage, or -1.
func (ms *MemorySet) find(startPage uint64) int {
	i := sort.Search(len(ms.regions), func(i int) bool { return ms.regions[i].StartPage >= startPage })
	if i < len(ms.regions) && ms.regions[i].StartPage == startPage {
		return i
	}
	return -1
}

func (ms *MemorySet) insert(r Region) {
	i := sort.Search(len(ms.regions), func(i int) bool { return ms.regions[i].StartPage > r.StartPage })
	ms.regions = append(ms.regions, Region{})
	copy(ms.regions[i+1:], ms.regions[i:])
	ms.regions[i] = r
}

// setHeap replaces the heap record; zero pages drops it.
func (ms *MemorySet) setHeap(bottom, pages uint64) {
	if i := ms.find(bottom); i >= 0 && ms.regions[i].Kind == KindHeap {
		ms.regions = append(ms.regions[:i], ms.regions[i+1:]...)
	}
	if pages > 0 {
		ms.insert(Region{StartPage: bottom, PageCount: pages, Perm: pagetable.PermR | pagetable.PermW, Kind: KindHeap})
	}
}
