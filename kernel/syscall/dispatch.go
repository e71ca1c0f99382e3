package syscall

import (
	"errors"
	"fmt"
	"io"

	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/mm/pagetable"
	"github.com/nmxmxh/inos_mm/kernel/task"
	"github.com/nmxmxh/inos_mm/kernel/timer"
	"github.com/nmxmxh/inos_mm/kernel/utils"
)

// ErrUnreachable is raised (as a panic) when control comes back from a
// path that must not return, such as exit. The scheduler contains it to the
// offending task.
var ErrUnreachable = errors.New("control returned past task exit")

var (
	errUnknownSyscall = errors.New("unknown syscall")
	errBadFd          = errors.New("unsupported file descriptor")
)

// Scheduler is the part of the task scheduler the syscall layer hands off to.
type Scheduler interface {
	// Suspend makes t Ready and returns once t runs again.
	Suspend(t *task.Task)
	// Exit marks t Exited with code and never returns to t.
	Exit(t *task.Task, code int)
}

// Args are the three argument registers a0..a2.
type Args [3]uint64

// Deps wires the dispatcher to its collaborators.
type Deps struct {
	Scheduler Scheduler
	Timer     timer.Source
	Converter timer.Converter
	User      *pagetable.UserMemory
	Recorder  *task.Recorder
	Console   io.Writer
	Logger    *utils.Logger
}

// Dispatcher routes syscalls for whichever task is passed in; it holds no
// notion of a current task.
type Dispatcher struct {
	sched   Scheduler
	timer   timer.Source
	conv    timer.Converter
	user    *pagetable.UserMemory
	rec     *task.Recorder
	console io.Writer
	log     *utils.Logger
}

func NewDispatcher(d Deps) *Dispatcher {
	if d.Logger == nil {
		d.Logger = utils.NopLogger()
	}
	if d.Recorder == nil {
		d.Recorder = task.NewRecorder(d.Logger)
	}
	if d.Console == nil {
		d.Console = io.Discard
	}
	return &Dispatcher{
		sched:   d.Scheduler,
		timer:   d.Timer,
		conv:    d.Converter,
		user:    d.User,
		rec:     d.Recorder,
		console: d.Console,
		log:     d.Logger,
	}
}

// Dispatch runs syscall id for t and returns the a0 result: a non-negative
// value on success, -1 on any failure.
func (d *Dispatcher) Dispatch(t *task.Task, id uint64, args Args) int64 {
	if t.Status() == task.Exited {
		d.unreachable(t, id)
	}
	if id >= config.MaxSyscallNum {
		d.log.Debug("syscall id out of range", utils.Int("task", t.ID), utils.Uint64("id", id))
		return -1
	}
	d.rec.RecordSyscall(t, int(id))

	if d.log.Enabled(utils.DEBUG) {
		d.log.Debug("syscall", utils.Int("task", t.ID), utils.String("name", Name(id)),
			utils.Addr("a0", args[0]), utils.Addr("a1", args[1]), utils.Addr("a2", args[2]))
	}

	ret, err := d.handle(t, id, args)
	if err != nil {
		d.log.Debug("syscall failed", utils.Int("task", t.ID), utils.String("name", Name(id)), utils.Err(err))
		return -1
	}
	return ret
}

func (d *Dispatcher) handle(t *task.Task, id uint64, a Args) (int64, error) {
	switch id {
	case SysExit:
		d.sysExit(t, int(int32(a[0])))
		return 0, nil // not reached
	case SysYield:
		return d.sysYield(t)
	case SysGetTime:
		return d.sysGetTime(t, a[0], a[1])
	case SysTaskInfo:
		return d.sysTaskInfo(t, a[0])
	case SysMmap:
		return d.sysMmap(t, a[0], a[1], a[2])
	case SysMunmap:
		return d.sysMunmap(t, a[0], a[1])
	case SysBrk:
		return d.sysBrk(t, int64(int32(a[0])))
	case SysWrite:
		return d.sysWrite(t, a[0], a[1], a[2])
	default:
		return 0, fmt.Errorf("%w %d", errUnknownSyscall, id)
	}
}

// unreachable logs and halts the current task's context.
func (d *Dispatcher) unreachable(t *task.Task, id uint64) {
	d.log.Error("task resumed after exit", utils.Int("task", t.ID), utils.String("syscall", Name(id)))
	panic(fmt.Errorf("task %d: %w", t.ID, ErrUnreachable))
}
