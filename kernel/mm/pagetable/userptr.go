package pagetable

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/mm/physmem"
)

// ErrFault is returned for any user access that the page table does not
// permit: unmapped page, missing U bit, or missing R/W/X for the access.
var ErrFault = errors.New("user memory fault")

// Access is the kind of user memory access being checked.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExecute
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "unknown"
	}
}

func (a Access) allowedBy(f Flags) bool {
	if !f.User() {
		return false
	}
	switch a {
	case AccessRead:
		return f.Readable()
	case AccessWrite:
		return f.Writable()
	case AccessExecute:
		return f.Executable()
	}
	return false
}

// segment is the part of a user buffer that falls in one page.
type segment struct {
	pa  uint64
	off int
	n   int
}

// UserMemory translates user virtual addresses of any address space (named
// by its token) and copies through physical memory. User pointers are never
// assumed contiguous: every page of a buffer is translated separately.
type UserMemory struct {
	mem physmem.Memory
}

func NewUserMemory(mem physmem.Memory) *UserMemory {
	return &UserMemory{mem: mem}
}

// segments translates [va, va+n) page by page, failing before any copy if
// one page does not allow the access.
func (u *UserMemory) segments(token, va uint64, n int, access Access) ([]segment, error) {
	if n == 0 {
		return nil, nil
	}
	if va+uint64(n) < va || va+uint64(n) > config.UserSpaceEnd {
		return nil, fmt.Errorf("%s [%#x, +%d): %w", access, va, n, ErrFault)
	}
	pt, err := FromToken(u.mem, token)
	if err != nil {
		return nil, err
	}
	segs := make([]segment, 0, 2)
	off := 0
	for off < n {
		cur := va + uint64(off)
		pa, flags, ok := pt.TranslateVA(cur)
		if !ok || !access.allowedBy(flags) {
			return nil, fmt.Errorf("%s at %#x: %w", access, cur, ErrFault)
		}
		chunk := int(config.PageSize - cur%config.PageSize)
		if chunk > n-off {
			chunk = n - off
		}
		segs = append(segs, segment{pa: pa, off: off, n: chunk})
		off += chunk
	}
	return segs, nil
}

// CopyOut writes src to user address va.
func (u *UserMemory) CopyOut(token, va uint64, src []byte) error {
	segs, err := u.segments(token, va, len(src), AccessWrite)
	if err != nil {
		return err
	}
	for _, s := range segs {
		if err := u.mem.WriteAt(s.pa, src[s.off:s.off+s.n]); err != nil {
			return err
		}
	}
	return nil
}

// CopyIn reads len(dst) bytes from user address va.
func (u *UserMemory) CopyIn(token, va uint64, dst []byte) error {
	segs, err := u.segments(token, va, len(dst), AccessRead)
	if err != nil {
		return err
	}
	for _, s := range segs {
		if err := u.mem.ReadAt(s.pa, dst[s.off:s.off+s.n]); err != nil {
			return err
		}
	}
	return nil
}

// Check reports whether n bytes at va permit access.
func (u *UserMemory) Check(token, va uint64, n int, access Access) error {
	_, err := u.segments(token, va, n, access)
	return err
}
