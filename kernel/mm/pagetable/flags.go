package pagetable

import "strings"

// Flags are the low 8 bits of an Sv39 page-table entry.
type Flags uint8

const (
	FlagV Flags = 1 << iota // valid
	FlagR                   // readable
	FlagW                   // writable
	FlagX                   // executable
	FlagU                   // user accessible
	FlagG                   // global
	FlagA                   // accessed
	FlagD                   // dirty
)

// User permission bits as passed to mmap.
const (
	PermR = 1 << 0
	PermW = 1 << 1
	PermX = 1 << 2

	permMask = PermR | PermW | PermX
)

// EncodePerm turns an mmap permission mask into leaf flags. It rejects an
// empty mask and any bit above X. The result always carries U: this path
// only ever maps user memory.
func EncodePerm(perm uint64) (Flags, bool) {
	if perm == 0 || perm&^permMask != 0 {
		return 0, false
	}
	return FlagU | Flags(perm<<1), true
}

// Perm recovers the mmap mask from leaf flags.
func (f Flags) Perm() uint64 {
	return uint64(f>>1) & permMask
}

func (f Flags) Readable() bool   { return f&FlagR != 0 }
func (f Flags) Writable() bool   { return f&FlagW != 0 }
func (f Flags) Executable() bool { return f&FlagX != 0 }
func (f Flags) User() bool       { return f&FlagU != 0 }
func (f Flags) Valid() bool      { return f&FlagV != 0 }

// isLeaf: a valid entry with any of R/W/X points at a page, not a table.
func (f Flags) isLeaf() bool { return f&(FlagR|FlagW|FlagX) != 0 }

func (f Flags) String() string {
	const names = "VRWXUGAD"
	var b strings.Builder
	for i := 0; i < 8; i++ {
		if f&(1<<i) != 0 {
			b.WriteByte(names[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}
