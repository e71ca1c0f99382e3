package mm

import (
	"fmt"

	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/mm/pagetable"
)

// RegionKind tells where a region came from.
type RegionKind uint8

const (
	KindMmap RegionKind = iota
	KindStack
	KindHeap
)

func (k RegionKind) String() string {
	switch k {
	case KindMmap:
		return "mmap"
	case KindStack:
		return "stack"
	case KindHeap:
		return "heap"
	default:
		return "unknown"
	}
}

// Region is a run of pages with uniform permissions.
type Region struct {
	StartPage uint64
	PageCount uint64
	Perm      uint64 // mmap mask: 1=R 2=W 4=X
	Kind      RegionKind
}

// EndPage is one past the last page.
func (r Region) EndPage() uint64 { return r.StartPage + r.PageCount }

func (r Region) Start() uint64 { return r.StartPage << config.PageSizeBits }
func (r Region) End() uint64   { return r.EndPage() << config.PageSizeBits }

// overlaps reports whether [start, end) pages intersect r.
func (r Region) overlaps(start, end uint64) bool {
	return start < r.EndPage() && end > r.StartPage
}

func (r Region) flags() pagetable.Flags {
	f, _ := pagetable.EncodePerm(r.Perm)
	return f
}

func (r Region) String() string {
	f := r.flags()
	return fmt.Sprintf("%-5s %#x-%#x %s", r.Kind, r.Start(), r.End(), f)
}

// pagesFor rounds a byte length up to whole pages.
func pagesFor(length uint64) uint64 {
	return length/config.PageSize + min(length%config.PageSize, 1)
}
