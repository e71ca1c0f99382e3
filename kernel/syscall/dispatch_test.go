package syscall

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/mm"
	"github.com/nmxmxh/inos_mm/kernel/mm/frame"
	"github.com/nmxmxh/inos_mm/kernel/mm/pagetable"
	"github.com/nmxmxh/inos_mm/kernel/mm/physmem"
	"github.com/nmxmxh/inos_mm/kernel/task"
	"github.com/nmxmxh/inos_mm/kernel/timer"
)

// MockScheduler is a mock implementation of Scheduler
type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Suspend(t *task.Task) {
	m.Called(t)
}

func (m *MockScheduler) Exit(t *task.Task, code int) {
	m.Called(t, code)
}

type harness struct {
	sched   *MockScheduler
	clk     *clock.Mock
	frames  *frame.Allocator
	user    *pagetable.UserMemory
	console *bytes.Buffer
	disp    *Dispatcher
	task    *task.Task
}

const stackBase = config.UserStackTop - config.UserStackSize

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := physmem.NewInMemory(256)
	frames := frame.NewAllocator(mem, mem.FirstPPN(), mem.EndPPN(), nil)
	space, err := mm.NewMemorySet(mem, frames, nil)
	require.NoError(t, err)

	clk := clock.NewMock()
	conv := timer.NewConverter(config.Default().ClockFreq)
	src := timer.NewClockSource(clk, conv)

	h := &harness{
		sched:   &MockScheduler{},
		clk:     clk,
		frames:  frames,
		user:    pagetable.NewUserMemory(mem),
		console: &bytes.Buffer{},
		task:    task.New(1, "test", space),
	}
	h.disp = NewDispatcher(Deps{
		Scheduler: h.sched,
		Timer:     src,
		Converter: conv,
		User:      h.user,
		Console:   h.console,
	})

	clk.Add(3 * time.Second)
	require.NoError(t, h.task.SetStatus(task.Ready, src.Ticks()))
	require.NoError(t, h.task.SetStatus(task.Running, src.Ticks()))
	return h
}

func (h *harness) call(id uint64, a0, a1, a2 uint64) int64 {
	return h.disp.Dispatch(h.task, id, Args{a0, a1, a2})
}

func (h *harness) munmap(start, length uint64) int64 {
	return h.call(SysMunmap, start, length, 0)
}

func (h *harness) mmapRegions() []mm.Region {
	var out []mm.Region
	for _, r := range h.task.Space.Regions() {
		if r.Kind == mm.KindMmap {
			out = append(out, r)
		}
	}
	return out
}

func TestYieldCountsAndTaskInfo(t *testing.T) {
	h := newHarness(t)
	h.sched.On("Suspend", h.task).Return()

	const n = 7
	for i := 0; i < n; i++ {
		assert.Equal(t, int64(0), h.call(SysYield, 0, 0, 0))
	}
	h.sched.AssertNumberOfCalls(t, "Suspend", n)

	h.clk.Add(1500 * time.Millisecond)
	ptr := stackBase + 64
	require.Equal(t, int64(0), h.call(SysTaskInfo, ptr, 0, 0))

	raw := make([]byte, TaskInfoSize)
	require.NoError(t, h.user.CopyIn(h.task.Token(), ptr, raw))
	info, err := DecodeTaskInfo(raw)
	require.NoError(t, err)

	assert.Equal(t, task.Running, info.Status)
	assert.Equal(t, uint32(n), info.SyscallTimes[SysYield])
	assert.Equal(t, uint32(1), info.SyscallTimes[SysTaskInfo], "task_info counts itself")
	assert.Equal(t, int64(1500), info.Time)
}

func TestGetTimeStraddlingPages(t *testing.T) {
	h := newHarness(t)
	h.clk.Add(250 * time.Millisecond)

	// 8 bytes on the lower stack page, 8 on the upper one
	ptr := stackBase + config.PageSize - 8
	require.Equal(t, int64(0), h.call(SysGetTime, ptr, 0, 0))

	raw := make([]byte, TimeValSize)
	require.NoError(t, h.user.CopyIn(h.task.Token(), ptr, raw))
	tv, err := DecodeTimeVal(raw)
	require.NoError(t, err)
	assert.Equal(t, timer.TimeVal{Sec: 3, Usec: 250_000}, tv)
}

func TestGetTimeBadPointer(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, int64(-1), h.call(SysGetTime, 0x5000, 0, 0))
	assert.Equal(t, int64(-1), h.call(SysTaskInfo, 0, 0, 0))
}

func TestMmapEndToEnd(t *testing.T) {
	h := newHarness(t)
	tok := h.task.Token()

	require.Equal(t, int64(0), h.call(SysMmap, 0x1000, 4096, 3))
	require.NoError(t, h.user.CopyOut(tok, 0x1000, []byte("hello")))
	got := make([]byte, 5)
	require.NoError(t, h.user.CopyIn(tok, 0x1000, got))
	assert.Equal(t, "hello", string(got))

	assert.Equal(t, int64(-1), h.call(SysMmap, 0x1000, 4096, 3), "overlap")
	assert.Equal(t, int64(0), h.munmap(0x1000, 4096))
	assert.ErrorIs(t, h.user.CopyIn(tok, 0x1000, got), pagetable.ErrFault)
	assert.ErrorIs(t, h.user.CopyOut(tok, 0x1000, got), pagetable.ErrFault)

	assert.Equal(t, uint32(2), h.disp.rec.Snapshot(h.task).SyscallCounts[SysMmap])
}

func TestMmapRejections(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, int64(-1), h.call(SysMmap, 0x1001, 4096, 3), "misaligned")
	assert.Equal(t, int64(-1), h.call(SysMmap, 0x1000, 4096, 0), "no permission")
	assert.Equal(t, int64(-1), h.call(SysMmap, 0x1000, 4096, 8), "bit above X")
	assert.Equal(t, int64(-1), h.call(SysMmap, 0x1000, 4096, 0xFF), "high bits")
	assert.Equal(t, int64(-1), h.call(SysMmap, 0x1000, 0, 3), "zero length")
	assert.Empty(t, h.mmapRegions())

	assert.Equal(t, int64(-1), h.call(SysMmap, 0x1000, 1<<30, 3), "exhausted")
	assert.Empty(t, h.mmapRegions())
}

func TestMmapAllPermissions(t *testing.T) {
	h := newHarness(t)
	tok := h.task.Token()

	for perm := uint64(1); perm <= 7; perm++ {
		start := perm << 20
		require.Equal(t, int64(0), h.call(SysMmap, start, 100, perm))
		checks := map[pagetable.Access]uint64{
			pagetable.AccessRead:    pagetable.PermR,
			pagetable.AccessWrite:   pagetable.PermW,
			pagetable.AccessExecute: pagetable.PermX,
		}
		for access, bit := range checks {
			err := h.user.Check(tok, start+99, 1, access)
			assert.Equal(t, perm&bit != 0, err == nil, "perm %d %s", perm, access)
		}
	}
}

func TestMunmapRequiresExactMatch(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, int64(0), h.call(SysMmap, 0x10000, 2*4096, 3))

	assert.Equal(t, int64(-1), h.munmap(0x10000, 4096))
	assert.Equal(t, int64(-1), h.munmap(0x11000, 4096))
	assert.Equal(t, int64(-1), h.munmap(0x10800, 4096), "misaligned")
	assert.Len(t, h.mmapRegions(), 1)

	assert.Equal(t, int64(0), h.munmap(0x10000, 2*4096))
	assert.Empty(t, h.mmapRegions())
}

func TestBrkReturnsPreviousBreak(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, int64(config.HeapBottom), h.call(SysBrk, 4096, 0, 0))
	assert.Equal(t, int64(config.HeapBottom+4096), h.call(SysBrk, uint64(0xFFFF_FFFF_FFFF_F000), 0, 0), "shrink by a page")
	assert.Equal(t, int64(-1), h.call(SysBrk, uint64(0xFFFF_FFFF_FFFF_FFFF), 0, 0), "below heap bottom")
}

func TestWriteCopiesUserBuffer(t *testing.T) {
	h := newHarness(t)
	msg := []byte("hello, world\n")
	ptr := stackBase + config.PageSize - 5
	require.NoError(t, h.user.CopyOut(h.task.Token(), ptr, msg))

	assert.Equal(t, int64(len(msg)), h.call(SysWrite, FdStdout, ptr, uint64(len(msg))))
	assert.Equal(t, string(msg), h.console.String())

	assert.Equal(t, int64(-1), h.call(SysWrite, 7, ptr, 1), "bad fd")
	assert.Equal(t, int64(-1), h.call(SysWrite, FdStdout, 0x9000, 1), "unmapped buffer")
}

func TestUnknownAndOutOfRangeIds(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, int64(-1), h.call(1, 0, 0, 0))
	assert.Equal(t, uint32(1), h.disp.rec.Snapshot(h.task).SyscallCounts[1], "in-range ids are counted")

	assert.NotPanics(t, func() {
		assert.Equal(t, int64(-1), h.call(config.MaxSyscallNum, 0, 0, 0))
		assert.Equal(t, int64(-1), h.call(^uint64(0), 0, 0, 0))
	})
}

func TestExitReturningIsFatal(t *testing.T) {
	h := newHarness(t)
	h.sched.On("Exit", h.task, -3).Return()

	err := catchPanic(func() { h.call(SysExit, uint64(0xFFFF_FFFD), 0, 0) })
	assert.ErrorIs(t, err, ErrUnreachable)
	h.sched.AssertExpectations(t)
}

func TestDispatchAfterExitIsFatal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.task.SetStatus(task.Exited, 0))

	err := catchPanic(func() { h.call(SysYield, 0, 0, 0) })
	assert.ErrorIs(t, err, ErrUnreachable)
	h.sched.AssertNotCalled(t, "Suspend", mock.Anything)
}

func TestValidators(t *testing.T) {
	assert.NoError(t, ValidateMmap(0x1000, 7))
	assert.ErrorIs(t, ValidateMmap(0x1004, 7), mm.ErrAlignment)
	assert.ErrorIs(t, ValidateMmap(0x1000, 0), mm.ErrPermission)
	assert.ErrorIs(t, ValidateMmap(0x1000, 9), mm.ErrPermission)
	assert.NoError(t, ValidateMunmap(0))
	assert.ErrorIs(t, ValidateMunmap(4095), mm.ErrAlignment)
}

func TestABILayout(t *testing.T) {
	assert.Equal(t, 2016, TaskInfoSize)

	var info TaskInfo
	info.Status = task.Running
	info.SyscallTimes[SysYield] = 3
	info.Time = -5
	b := EncodeTaskInfo(info)
	require.Len(t, b, TaskInfoSize)
	assert.Equal(t, byte(2), b[0])
	assert.Equal(t, byte(3), b[4+4*SysYield])
	assert.Equal(t, byte(0xFB), b[2008])

	_, err := DecodeTaskInfo(b[:100])
	assert.Error(t, err)
	_, err = DecodeTimeVal(nil)
	assert.Error(t, err)
}

func catchPanic(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = errors.New("non-error panic")
		}
	}()
	fn()
	return nil
}
