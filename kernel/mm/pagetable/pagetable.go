// Package pagetable implements a three-level Sv39 page table stored in
// simulated physical memory, plus the translate-then-copy path for user
// pointers.
//
// Each table is one 4KiB frame holding 512 little-endian 8-byte entries.
// A PTE is ppn<<10 | flags. The address-space token is the satp value
// (mode 8 << 60 | root ppn), which is all a walker needs to translate.
package pagetable

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/mm/physmem"
)

const (
	levels     = 3
	ptesPerTbl = 512
	pteSize    = 8
	ppnShift   = 10
	ppnMask    = (uint64(1) << 44) - 1

	satpModeSv39 = uint64(8) << 60
)

var (
	ErrAlreadyMapped = errors.New("page already mapped")
	ErrNotMapped     = errors.New("page not mapped")
	ErrBadToken      = errors.New("address space token is not an Sv39 satp")
)

// FrameSource is the frame allocator as seen by the page table.
type FrameSource interface {
	Alloc() (uint64, error)
	Free(ppn uint64) error
}

// PTE is one page-table entry.
type PTE uint64

func newPTE(ppn uint64, flags Flags) PTE {
	return PTE(ppn<<ppnShift | uint64(flags))
}

func (e PTE) PPN() uint64  { return uint64(e) >> ppnShift & ppnMask }
func (e PTE) Flags() Flags { return Flags(e) }
func (e PTE) Valid() bool  { return e.Flags().Valid() }

// PageTable walks and edits one address space's tables.
type PageTable struct {
	root   uint64
	mem    physmem.Memory
	frames FrameSource
	owned  []uint64 // table frames allocated by this table, root first
	slots  []uint64 // physical address of the PTE pointing at owned[i]; 0 for the root
}

// New allocates a root table.
func New(mem physmem.Memory, frames FrameSource) (*PageTable, error) {
	root, err := frames.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocate root table: %w", err)
	}
	return &PageTable{root: root, mem: mem, frames: frames, owned: []uint64{root}, slots: []uint64{0}}, nil
}

// FromToken returns a read-only walker for the address space named by token.
// Map and Unmap on it fail.
func FromToken(mem physmem.Memory, token uint64) (*PageTable, error) {
	if token&^ppnMask != satpModeSv39 {
		return nil, ErrBadToken
	}
	return &PageTable{root: token & ppnMask, mem: mem}, nil
}

// Token is the satp value of this table.
func (pt *PageTable) Token() uint64 {
	return satpModeSv39 | pt.root
}

// TableFrames reports how many frames the table structure itself holds.
func (pt *PageTable) TableFrames() int { return len(pt.owned) }

func indexes(vpn uint64) [levels]uint64 {
	return [levels]uint64{
		(vpn >> 18) & (ptesPerTbl - 1),
		(vpn >> 9) & (ptesPerTbl - 1),
		vpn & (ptesPerTbl - 1),
	}
}

func pteAddr(tablePPN, idx uint64) uint64 {
	return tablePPN<<config.PageSizeBits + idx*pteSize
}

func (pt *PageTable) load(addr uint64) (PTE, error) {
	v, err := pt.mem.ReadUint64(addr)
	return PTE(v), err
}

func (pt *PageTable) store(addr uint64, e PTE) error {
	return pt.mem.WriteUint64(addr, uint64(e))
}

// walk returns the physical address of the leaf slot for vpn. With create
// set, missing intermediate tables are allocated; otherwise a missing table
// yields ok=false.
func (pt *PageTable) walk(vpn uint64, create bool) (addr uint64, ok bool, err error) {
	table := pt.root
	idx := indexes(vpn)
	for level := 0; level < levels; level++ {
		addr = pteAddr(table, idx[level])
		if level == levels-1 {
			return addr, true, nil
		}
		e, err := pt.load(addr)
		if err != nil {
			return 0, false, err
		}
		if !e.Valid() {
			if !create {
				return 0, false, nil
			}
			if pt.frames == nil {
				return 0, false, errors.New("page table is read-only")
			}
			next, err := pt.frames.Alloc()
			if err != nil {
				return 0, false, fmt.Errorf("allocate level-%d table: %w", level+1, err)
			}
			pt.owned = append(pt.owned, next)
			pt.slots = append(pt.slots, addr)
			e = newPTE(next, FlagV)
			if err := pt.store(addr, e); err != nil {
				return 0, false, err
			}
		}
		table = e.PPN()
	}
	return 0, false, nil
}

// Map installs vpn -> ppn with flags|V.
func (pt *PageTable) Map(vpn, ppn uint64, flags Flags) error {
	if pt.frames == nil {
		return errors.New("page table is read-only")
	}
	addr, _, err := pt.walk(vpn, true)
	if err != nil {
		return err
	}
	e, err := pt.load(addr)
	if err != nil {
		return err
	}
	if e.Valid() {
		return fmt.Errorf("vpn %#x: %w", vpn, ErrAlreadyMapped)
	}
	return pt.store(addr, newPTE(ppn, flags|FlagV))
}

// Unmap clears the leaf for vpn and returns the frame it pointed to.
func (pt *PageTable) Unmap(vpn uint64) (uint64, error) {
	if pt.frames == nil {
		return 0, errors.New("page table is read-only")
	}
	addr, ok, err := pt.walk(vpn, false)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("vpn %#x: %w", vpn, ErrNotMapped)
	}
	e, err := pt.load(addr)
	if err != nil {
		return 0, err
	}
	if !e.Valid() {
		return 0, fmt.Errorf("vpn %#x: %w", vpn, ErrNotMapped)
	}
	if err := pt.store(addr, 0); err != nil {
		return 0, err
	}
	return e.PPN(), nil
}

// Translate returns the valid leaf PTE for vpn.
func (pt *PageTable) Translate(vpn uint64) (PTE, bool) {
	addr, ok, err := pt.walk(vpn, false)
	if err != nil || !ok {
		return 0, false
	}
	e, err := pt.load(addr)
	if err != nil || !e.Valid() || !e.Flags().isLeaf() {
		return 0, false
	}
	return e, true
}

// TranslateVA maps a virtual address to its physical address.
func (pt *PageTable) TranslateVA(va uint64) (uint64, Flags, bool) {
	e, ok := pt.Translate(va >> config.PageSizeBits)
	if !ok {
		return 0, 0, false
	}
	return e.PPN()<<config.PageSizeBits | va&(config.PageSize-1), e.Flags(), true
}

// Mark returns a point TrimTables can roll the table structure back to.
func (pt *PageTable) Mark() int { return len(pt.owned) }

// TrimTables releases the tables installed since mark, newest first, and
// clears the entries that pointed at them. Every leaf mapped under those
// tables must already be unmapped.
func (pt *PageTable) TrimTables(mark int) error {
	if pt.frames == nil || mark < 1 {
		return nil
	}
	var errs []error
	for i := len(pt.owned) - 1; i >= mark; i-- {
		if err := pt.store(pt.slots[i], 0); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := pt.frames.Free(pt.owned[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if mark < len(pt.owned) {
		pt.owned = pt.owned[:mark]
		pt.slots = pt.slots[:mark]
	}
	return errors.Join(errs...)
}

// Destroy releases the table frames. Leaf frames belong to the caller and
// must have been unmapped and freed already.
func (pt *PageTable) Destroy() error {
	if pt.frames == nil {
		return nil
	}
	var errs []error
	for _, ppn := range pt.owned {
		if err := pt.frames.Free(ppn); err != nil {
			errs = append(errs, err)
		}
	}
	pt.owned = nil
	pt.slots = nil
	return errors.Join(errs...)
}
