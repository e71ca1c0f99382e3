package mm

import (
	"errors"

	"github.com/nmxmxh/inos_mm/kernel/mm/frame"
)

var (
	ErrAlignment     = errors.New("address not page aligned")
	ErrPermission    = errors.New("invalid permission mask")
	ErrInvalidLength = errors.New("zero-length mapping")
	ErrOutOfRange    = errors.New("range outside user address space")
	ErrOverlap       = errors.New("range overlaps an existing region")
	ErrNotFound      = errors.New("no region matches range exactly")
	ErrBrkUnderflow  = errors.New("program break below heap bottom")

	// ErrExhausted is the frame allocator's exhaustion error.
	ErrExhausted = frame.ErrExhausted
)
