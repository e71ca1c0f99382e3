package pagetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/mm/frame"
	"github.com/nmxmxh/inos_mm/kernel/mm/physmem"
)

type fixture struct {
	mem    *physmem.InMemory
	frames *frame.Allocator
	pt     *PageTable
}

func newFixture(t *testing.T, nframes uint64) *fixture {
	t.Helper()
	mem := physmem.NewInMemory(nframes)
	frames := frame.NewAllocator(mem, mem.FirstPPN(), mem.EndPPN(), nil)
	pt, err := New(mem, frames)
	require.NoError(t, err)
	return &fixture{mem: mem, frames: frames, pt: pt}
}

func TestEncodePerm(t *testing.T) {
	for perm := uint64(1); perm <= 7; perm++ {
		f, ok := EncodePerm(perm)
		require.True(t, ok, "perm %d", perm)
		assert.True(t, f.User(), "user bit always set")
		assert.False(t, f.Valid(), "V is added by Map")
		assert.Equal(t, perm&PermR != 0, f.Readable())
		assert.Equal(t, perm&PermW != 0, f.Writable())
		assert.Equal(t, perm&PermX != 0, f.Executable())
		assert.Equal(t, perm, f.Perm())
	}
}

func TestEncodePermRejects(t *testing.T) {
	for _, perm := range []uint64{0, 8, 9, 15, 0x10, 1 << 63} {
		_, ok := EncodePerm(perm)
		assert.False(t, ok, "perm %#x", perm)
	}
}

func TestFlagsString(t *testing.T) {
	f, _ := EncodePerm(PermR | PermW)
	assert.Equal(t, "-RW-U---", f.String())
	assert.Equal(t, "VRWXU---", (f | FlagX | FlagV).String())
}

func TestMapTranslateUnmap(t *testing.T) {
	fx := newFixture(t, 16)
	data, err := fx.frames.Alloc()
	require.NoError(t, err)

	vpn := uint64(0x1)
	flags, _ := EncodePerm(PermR | PermW)
	require.NoError(t, fx.pt.Map(vpn, data, flags))
	assert.Equal(t, 3, fx.pt.TableFrames(), "root plus two intermediate tables")

	e, ok := fx.pt.Translate(vpn)
	require.True(t, ok)
	assert.Equal(t, data, e.PPN())
	assert.Equal(t, flags|FlagV, e.Flags())

	pa, f, ok := fx.pt.TranslateVA(vpn<<config.PageSizeBits + 0x123)
	require.True(t, ok)
	assert.Equal(t, data<<config.PageSizeBits+0x123, pa)
	assert.True(t, f.Writable())

	assert.ErrorIs(t, fx.pt.Map(vpn, data, flags), ErrAlreadyMapped)

	ppn, err := fx.pt.Unmap(vpn)
	require.NoError(t, err)
	assert.Equal(t, data, ppn)

	_, ok = fx.pt.Translate(vpn)
	assert.False(t, ok)
	_, err = fx.pt.Unmap(vpn)
	assert.ErrorIs(t, err, ErrNotMapped)
	_, err = fx.pt.Unmap(0x3_0000)
	assert.ErrorIs(t, err, ErrNotMapped, "missing intermediate table")
}

func TestTokenRoundTrip(t *testing.T) {
	fx := newFixture(t, 16)
	data, err := fx.frames.Alloc()
	require.NoError(t, err)
	flags, _ := EncodePerm(PermR)
	require.NoError(t, fx.pt.Map(0x42, data, flags))

	view, err := FromToken(fx.mem, fx.pt.Token())
	require.NoError(t, err)
	e, ok := view.Translate(0x42)
	require.True(t, ok)
	assert.Equal(t, data, e.PPN())

	assert.Error(t, view.Map(0x43, data, flags), "token views are read-only")

	_, err = FromToken(fx.mem, 0x1234)
	assert.ErrorIs(t, err, ErrBadToken)
}

func TestDestroyFreesTables(t *testing.T) {
	fx := newFixture(t, 16)
	flags, _ := EncodePerm(PermR)
	data, err := fx.frames.Alloc()
	require.NoError(t, err)
	require.NoError(t, fx.pt.Map(0x1, data, flags))
	_, err = fx.pt.Unmap(0x1)
	require.NoError(t, err)
	require.NoError(t, fx.frames.Free(data))

	require.NoError(t, fx.pt.Destroy())
	assert.Equal(t, uint64(0), fx.frames.Stats().Allocated)
}

func TestMapFailsWhenTablesExhausted(t *testing.T) {
	fx := newFixture(t, 2) // root + one more frame
	flags, _ := EncodePerm(PermR)
	err := fx.pt.Map(0x1, fx.mem.FirstPPN(), flags)
	assert.ErrorIs(t, err, frame.ErrExhausted)
}

func TestTrimTablesRollsBackToMark(t *testing.T) {
	fx := newFixture(t, 16)
	data, err := fx.frames.Alloc()
	require.NoError(t, err)
	free := fx.frames.Stats().Free

	mark := fx.pt.Mark()
	require.NoError(t, fx.pt.Map(0x1, data, FlagR|FlagU))
	assert.Equal(t, 3, fx.pt.TableFrames())
	_, err = fx.pt.Unmap(0x1)
	require.NoError(t, err)

	require.NoError(t, fx.pt.TrimTables(mark))
	assert.Equal(t, 1, fx.pt.TableFrames())
	assert.Equal(t, free, fx.frames.Stats().Free)
	_, ok := fx.pt.Translate(0x1)
	assert.False(t, ok)

	// the cleared root entry lets the walk install fresh tables
	require.NoError(t, fx.pt.Map(0x1, data, FlagR|FlagU))
	_, ok = fx.pt.Translate(0x1)
	assert.True(t, ok)
}
