package sched_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/mm"
	"github.com/nmxmxh/inos_mm/kernel/mm/frame"
	"github.com/nmxmxh/inos_mm/kernel/mm/pagetable"
	"github.com/nmxmxh/inos_mm/kernel/mm/physmem"
	"github.com/nmxmxh/inos_mm/kernel/sched"
	"github.com/nmxmxh/inos_mm/kernel/syscall"
	"github.com/nmxmxh/inos_mm/kernel/task"
	"github.com/nmxmxh/inos_mm/kernel/timer"
	"github.com/nmxmxh/inos_mm/kernel/user"
)

type rig struct {
	mem    *physmem.InMemory
	frames *frame.Allocator
	sched  *sched.Scheduler
	nextID int
}

func newRig(t *testing.T, cores int) *rig {
	t.Helper()
	mem := physmem.NewInMemory(1024)
	frames := frame.NewAllocator(mem, mem.FirstPPN(), mem.EndPPN(), nil)
	conv := timer.NewConverter(config.Default().ClockFreq)
	src := timer.NewClockSource(clock.NewMock(), conv)

	s, err := sched.New(cores, src, nil)
	require.NoError(t, err)
	um := pagetable.NewUserMemory(mem)
	disp := syscall.NewDispatcher(syscall.Deps{
		Scheduler: s,
		Timer:     src,
		Converter: conv,
		User:      um,
	})
	s.Bind(disp, um)
	return &rig{mem: mem, frames: frames, sched: s}
}

func (r *rig) spawn(t *testing.T, name string, prog user.Program) *task.Task {
	t.Helper()
	space, err := mm.NewMemorySet(r.mem, r.frames, nil)
	require.NoError(t, err)
	r.nextID++
	tk := task.New(r.nextID, name, space)
	require.NoError(t, r.sched.Add(tk, prog))
	return tk
}

func (r *rig) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.sched.Run(ctx))
}

func exitCodes(results []sched.Result) map[string]int {
	out := make(map[string]int, len(results))
	for _, res := range results {
		out[res.Name] = res.ExitCode
	}
	return out
}

func TestRoundRobinSingleCore(t *testing.T) {
	r := newRig(t, 1)
	var trace []string
	worker := func(name string) user.Program {
		return func(env *user.Env) {
			for i := 0; i < 3; i++ {
				trace = append(trace, fmt.Sprintf("%s%d", name, i))
				env.Yield()
			}
		}
	}
	r.spawn(t, "a", worker("a"))
	r.spawn(t, "b", worker("b"))
	r.run(t)

	assert.Equal(t, []string{"a0", "b0", "a1", "b1", "a2", "b2"}, trace)
}

func TestExitCodes(t *testing.T) {
	r := newRig(t, 1)
	var afterExit bool

	r.spawn(t, "returns", func(env *user.Env) {})
	r.spawn(t, "exits", func(env *user.Env) {
		env.Exit(7)
		afterExit = true
	})
	r.spawn(t, "faults", func(env *user.Env) {
		env.Load(0x0, 8)
	})
	r.spawn(t, "exec-fault", func(env *user.Env) {
		if env.Mmap(0x2000, 4096, pagetable.PermR|pagetable.PermW) != 0 {
			env.Exit(9)
		}
		env.Exec(0x2000)
	})
	r.spawn(t, "panics", func(env *user.Env) {
		panic("boom")
	})
	r.run(t)

	assert.False(t, afterExit)
	assert.Equal(t, map[string]int{
		"returns":    0,
		"exits":      7,
		"faults":     sched.ExitFault,
		"exec-fault": sched.ExitFault,
		"panics":     sched.ExitPanic,
	}, exitCodes(r.sched.Results()))
}

func TestExitedTasksReleaseFrames(t *testing.T) {
	r := newRig(t, 1)
	tasks := []*task.Task{
		r.spawn(t, "mapper", func(env *user.Env) {
			env.Mmap(0x10000, 8*4096, 3)
			env.Sbrk(3 * 4096)
		}),
		r.spawn(t, "leaker", func(env *user.Env) {
			env.Mmap(0x20000, 4*4096, 7)
			env.Load(0x0, 1)
		}),
	}
	require.NotZero(t, r.frames.Stats().Allocated)
	r.run(t)

	for _, tk := range tasks {
		assert.Equal(t, task.Exited, tk.Status())
		assert.Nil(t, tk.Space)
	}
	assert.Zero(t, r.frames.Stats().Allocated)
}

func TestCurrentIsRunningTask(t *testing.T) {
	r := newRig(t, 1)
	var seen []int
	prog := func(env *user.Env) {
		if cur := r.sched.Current(0); cur != nil {
			seen = append(seen, cur.ID)
		}
		assert.Equal(t, env.TaskID(), seen[len(seen)-1])
	}
	r.spawn(t, "one", prog)
	r.spawn(t, "two", prog)
	r.run(t)

	assert.Equal(t, []int{1, 2}, seen)
	assert.Nil(t, r.sched.Current(0))
	assert.Nil(t, r.sched.Current(5))
}

func TestMultiCore(t *testing.T) {
	r := newRig(t, 4)
	var mu sync.Mutex
	yields := make(map[int]int)

	const tasks = 16
	for i := 0; i < tasks; i++ {
		r.spawn(t, fmt.Sprintf("t%d", i), func(env *user.Env) {
			base := uint64(0x100000)
			for j := 0; j < 5; j++ {
				if env.Mmap(base, 4096, 3) != 0 {
					env.Exit(1)
				}
				env.StoreUint64(base, uint64(env.TaskID()))
				env.Yield()
				if env.LoadUint64(base) != uint64(env.TaskID()) {
					env.Exit(2)
				}
				env.Munmap(base, 4096)
				mu.Lock()
				yields[env.TaskID()]++
				mu.Unlock()
			}
			info, ret := env.TaskInfo()
			if ret != 0 || info.SyscallTimes[syscall.SysYield] != 5 {
				env.Exit(3)
			}
		})
	}
	r.run(t)

	results := r.sched.Results()
	require.Len(t, results, tasks)
	for _, res := range results {
		assert.Zero(t, res.ExitCode, res.Name)
	}
	for id := 1; id <= tasks; id++ {
		assert.Equal(t, 5, yields[id])
	}
	assert.Zero(t, r.frames.Stats().Allocated)
}

func TestCancelStopsSuspendedTasks(t *testing.T) {
	r := newRig(t, 2)
	r.spawn(t, "spinner", func(env *user.Env) {
		for {
			env.Yield()
		}
	})
	r.spawn(t, "quick", func(env *user.Env) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.sched.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	left := r.sched.Unfinished()
	require.Len(t, left, 1)
	assert.Equal(t, "spinner", left[0].Name)
	assert.Equal(t, map[string]int{"quick": 0}, exitCodes(r.sched.Results()))
}

func TestLifecycleErrors(t *testing.T) {
	_, err := sched.New(0, nil, nil)
	assert.ErrorIs(t, err, sched.ErrNoCores)

	s, err := sched.New(1, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Run(context.Background()), sched.ErrNotBound)

	r := newRig(t, 1)
	tk := r.spawn(t, "x", func(env *user.Env) {})
	assert.ErrorIs(t, r.sched.Add(tk, func(env *user.Env) {}), sched.ErrDuplicate)
	r.run(t)

	assert.ErrorIs(t, r.sched.Run(context.Background()), sched.ErrStarted)
	space, err := mm.NewMemorySet(r.mem, r.frames, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, r.sched.Add(task.New(99, "late", space), func(env *user.Env) {}), sched.ErrStarted)
}
