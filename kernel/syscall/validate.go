package syscall

import (
	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/mm"
)

// ValidateMmap gates mmap before the address space is touched.
func ValidateMmap(start, perm uint64) error {
	if start%config.PageSize != 0 {
		return mm.ErrAlignment
	}
	if perm&^0x7 != 0 || perm&0x7 == 0 {
		return mm.ErrPermission
	}
	return nil
}

// ValidateMunmap gates munmap.
func ValidateMunmap(start uint64) error {
	if start%config.PageSize != 0 {
		return mm.ErrAlignment
	}
	return nil
}
