// Package physmem simulates the machine's DRAM: a flat byte array addressed
// by physical address, starting at config.PhysBase.
package physmem

import (
	"encoding/binary"
	"errors"

	"github.com/nmxmxh/inos_mm/kernel/config"
)

// Memory abstracts access to physical memory. Page tables and user frames
// are both read and written through it.
type Memory interface {
	Base() uint64
	Size() uint64
	ReadAt(pa uint64, dest []byte) error
	WriteAt(pa uint64, src []byte) error
	ReadUint64(pa uint64) (uint64, error)
	WriteUint64(pa uint64, v uint64) error
	ZeroFrame(ppn uint64) error
}

var ErrOutOfBounds = errors.New("physical address out of bounds")
var ErrMisaligned = errors.New("physical address is not 8-byte aligned")

// InMemory stores DRAM contents in a local byte slice.
type InMemory struct {
	base uint64
	data []byte
}

// NewInMemory creates frames*PageSize bytes of DRAM at config.PhysBase.
func NewInMemory(frames uint64) *InMemory {
	return &InMemory{
		base: config.PhysBase,
		data: make([]byte, frames*config.PageSize),
	}
}

func (m *InMemory) Base() uint64 { return m.base }

func (m *InMemory) Size() uint64 { return uint64(len(m.data)) }

// FirstPPN and EndPPN bound the frame numbers backed by this memory.
func (m *InMemory) FirstPPN() uint64 { return m.base >> config.PageSizeBits }
func (m *InMemory) EndPPN() uint64 {
	return (m.base + uint64(len(m.data))) >> config.PageSizeBits
}

func (m *InMemory) slice(pa, n uint64) ([]byte, error) {
	if pa < m.base || pa-m.base+n > uint64(len(m.data)) || pa+n < pa {
		return nil, ErrOutOfBounds
	}
	off := pa - m.base
	return m.data[off : off+n], nil
}

func (m *InMemory) ReadAt(pa uint64, dest []byte) error {
	b, err := m.slice(pa, uint64(len(dest)))
	if err != nil {
		return err
	}
	copy(dest, b)
	return nil
}

func (m *InMemory) WriteAt(pa uint64, src []byte) error {
	b, err := m.slice(pa, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

func (m *InMemory) ReadUint64(pa uint64) (uint64, error) {
	if pa%8 != 0 {
		return 0, ErrMisaligned
	}
	b, err := m.slice(pa, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *InMemory) WriteUint64(pa uint64, v uint64) error {
	if pa%8 != 0 {
		return ErrMisaligned
	}
	b, err := m.slice(pa, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (m *InMemory) ZeroFrame(ppn uint64) error {
	b, err := m.slice(ppn<<config.PageSizeBits, config.PageSize)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}
