// Package kernel wires the simulated machine together: physical memory, the
// frame allocator, the timer, the scheduler and the syscall layer.
package kernel

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

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
	"github.com/nmxmxh/inos_mm/kernel/utils"
)

// KernelState represents the lifecycle state of the kernel
type KernelState int32

const (
	StateUninitialized KernelState = iota
	StateBooted
	StateRunning
	StateStopping
	StateStopped
	StatePanic
)

var stateNames = map[KernelState]string{
	StateUninitialized: "UNINITIALIZED",
	StateBooted:        "BOOTED",
	StateRunning:       "RUNNING",
	StateStopping:      "STOPPING",
	StateStopped:       "STOPPED",
	StatePanic:         "PANIC",
}

func (s KernelState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

const shutdownTimeout = 5 * time.Second

// Kernel is the root object owning every subsystem.
type Kernel struct {
	state  atomic.Int32
	config config.Config
	logger *utils.Logger
	bootID string

	clk     clock.Clock
	console io.Writer

	mem        *physmem.InMemory
	frames     *frame.Allocator
	conv       timer.Converter
	timer      *timer.ClockSource
	user       *pagetable.UserMemory
	scheduler  *sched.Scheduler
	dispatcher *syscall.Dispatcher
	shutdown   *utils.GracefulShutdown

	mu        sync.Mutex
	tasks     []*task.Task
	startTime time.Time
}

// Option customizes a Kernel at construction.
type Option func(*Kernel)

// WithClock replaces the wall clock behind the hardware timer.
func WithClock(clk clock.Clock) Option {
	return func(k *Kernel) { k.clk = clk }
}

func WithLogger(logger *utils.Logger) Option {
	return func(k *Kernel) { k.logger = logger }
}

// WithConsole sets where write(1|2, ...) output goes. Defaults to stdout.
func WithConsole(w io.Writer) Option {
	return func(k *Kernel) { k.console = w }
}

// New boots a kernel for cfg. Tasks are added with Spawn and run with Run.
func New(cfg config.Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k := &Kernel{
		config:  cfg,
		bootID:  utils.GenerateID(),
		clk:     clock.New(),
		console: os.Stdout,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.logger == nil {
		k.logger = utils.NewLogger(utils.LoggerConfig{
			Level:     cfg.Level(),
			Component: "kernel",
			Colorize:  cfg.Colorize,
		})
	}
	k.logger = k.logger.With(utils.String("boot", k.bootID[:8]))
	k.setState(StateUninitialized)

	k.mem = physmem.NewInMemory(cfg.Frames)
	k.frames = frame.NewAllocator(k.mem, k.mem.FirstPPN(), k.mem.EndPPN(), k.logger.Named("frame"))
	k.conv = timer.NewConverter(cfg.ClockFreq)
	k.timer = timer.NewClockSource(k.clk, k.conv)
	k.user = pagetable.NewUserMemory(k.mem)

	s, err := sched.New(cfg.Cores, k.timer, k.logger.Named("sched"))
	if err != nil {
		return nil, err
	}
	k.scheduler = s
	k.dispatcher = syscall.NewDispatcher(syscall.Deps{
		Scheduler: s,
		Timer:     k.timer,
		Converter: k.conv,
		User:      k.user,
		Console:   k.console,
		Logger:    k.logger.Named("syscall"),
	})
	s.Bind(k.dispatcher, k.user)
	k.shutdown = utils.NewGracefulShutdown(shutdownTimeout, k.logger.Named("shutdown"))

	k.setState(StateBooted)
	k.logger.Info("kernel booted",
		utils.Uint64("frames", cfg.Frames),
		utils.Int("cores", cfg.Cores),
		utils.Uint64("clock_freq", cfg.ClockFreq))
	return k, nil
}

// Spawn creates a task with a fresh address space running prog. Tasks can
// only be spawned before Run.
func (k *Kernel) Spawn(name string, prog user.Program) (*task.Task, error) {
	if st := k.State(); st != StateBooted {
		return nil, fmt.Errorf("spawn %q: kernel is %s", name, st)
	}
	space, err := mm.NewMemorySet(k.mem, k.frames, k.logger.Named("mm").With(utils.String("task", name)))
	if err != nil {
		return nil, utils.Wrapf(err, "spawn %q", name)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	t := task.New(len(k.tasks)+1, name, space)
	if err := k.scheduler.Add(t, prog); err != nil {
		_ = space.Recycle()
		return nil, err
	}
	k.tasks = append(k.tasks, t)
	k.logger.Debug("task spawned", utils.Int("task", t.ID), utils.String("name", name))
	return t, nil
}

// Run schedules every spawned task until all exit or ctx is cancelled,
// then reclaims whatever is left.
func (k *Kernel) Run(ctx context.Context) (err error) {
	if !k.transitionState(StateBooted, StateRunning) {
		return fmt.Errorf("run: kernel is %s", k.State())
	}
	k.startTime = k.clk.Now()
	defer k.recoverPanic(&err)

	runErr := k.scheduler.Run(ctx)

	k.setState(StateStopping)
	for _, t := range k.scheduler.Unfinished() {
		k.logger.Warn("reclaiming unfinished task", utils.Int("task", t.ID), utils.String("status", t.Status().String()))
		k.shutdown.Register(func() error {
			if t.Space == nil {
				return nil
			}
			err := t.Space.Recycle()
			t.Space = nil
			return err
		})
	}
	shutErr := k.shutdown.Shutdown(context.Background())

	k.setState(StateStopped)
	st := k.frames.Stats()
	k.logger.Info("kernel stopped",
		utils.Duration("uptime", k.clk.Since(k.startTime)),
		utils.Int("exited", len(k.scheduler.Results())),
		utils.Uint64("frames_in_use", st.Allocated))

	if runErr != nil {
		return runErr
	}
	return shutErr
}

// Stats is a point-in-time view of the kernel.
type Stats struct {
	State   KernelState
	BootID  string
	Frames  frame.Stats
	Spawned int
	Exited  []sched.Result
}

func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	spawned := len(k.tasks)
	k.mu.Unlock()
	return Stats{
		State:   k.State(),
		BootID:  k.bootID,
		Frames:  k.frames.Stats(),
		Spawned: spawned,
		Exited:  k.scheduler.Results(),
	}
}

// BootID identifies this boot in logs.
func (k *Kernel) BootID() string { return k.bootID }

func (k *Kernel) State() KernelState {
	return KernelState(k.state.Load())
}

func (k *Kernel) StateName() string {
	return k.State().String()
}

func (k *Kernel) setState(s KernelState) {
	k.state.Store(int32(s))
}

func (k *Kernel) transitionState(from, to KernelState) bool {
	return k.state.CompareAndSwap(int32(from), int32(to))
}

// recoverPanic turns a panic on the Run goroutine into an error.
func (k *Kernel) recoverPanic(err *error) {
	if r := recover(); r != nil {
		k.setState(StatePanic)
		k.logger.Error("KERNEL PANIC",
			utils.Any("reason", r),
			utils.String("stack", string(debug.Stack())))
		*err = fmt.Errorf("kernel panic: %v", r)
	}
}
