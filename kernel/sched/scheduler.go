// Package sched runs tasks round-robin on a fixed set of cores. Each task
// executes on its own goroutine but only while a core has handed it control;
// a yield or exit hands control back, so at most one task runs per core and
// a task's state is only touched by the context currently running it.
package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/inos_mm/kernel/mm/pagetable"
	"github.com/nmxmxh/inos_mm/kernel/task"
	"github.com/nmxmxh/inos_mm/kernel/timer"
	"github.com/nmxmxh/inos_mm/kernel/user"
	"github.com/nmxmxh/inos_mm/kernel/utils"
)

// Exit codes assigned by the scheduler rather than the program.
const (
	ExitPanic = -1
	ExitFault = -2
)

var (
	ErrStarted   = errors.New("scheduler already started")
	ErrNotBound  = errors.New("scheduler has no syscall trap bound")
	ErrUnknown   = errors.New("task not managed by this scheduler")
	ErrNoCores   = errors.New("scheduler needs at least one core")
	ErrDuplicate = errors.New("task already added")
)

type trapKind int

const (
	trapYield trapKind = iota
	trapExit
)

// control is the scheduler-private state of one task.
type control struct {
	prog     user.Program
	resume   chan struct{}
	trap     chan trapKind
	launched bool

	// written only by the task goroutine
	exitCalled bool
	killed     bool
}

// Result is the outcome of a finished task.
type Result struct {
	ID       int
	Name     string
	ExitCode int
}

// Scheduler is a round-robin scheduler over Cores worker loops.
type Scheduler struct {
	cores int
	timer timer.Source
	log   *utils.Logger

	trap user.Trap
	mem  *pagetable.UserMemory

	mu      sync.Mutex
	tasks   []*task.Task
	ctl     map[*task.Task]*control
	current []*task.Task
	results []Result
	live    int
	started bool

	ready chan *task.Task
	done  chan struct{}
	stop  chan struct{}
}

func New(cores int, src timer.Source, logger *utils.Logger) (*Scheduler, error) {
	if cores < 1 {
		return nil, ErrNoCores
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Scheduler{
		cores:   cores,
		timer:   src,
		log:     logger,
		ctl:     make(map[*task.Task]*control),
		current: make([]*task.Task, cores),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}, nil
}

// Bind sets the syscall trap programs call into. The dispatcher needs the
// scheduler to exist first, so this happens after New.
func (s *Scheduler) Bind(trap user.Trap, mem *pagetable.UserMemory) {
	s.trap = trap
	s.mem = mem
}

// Add registers t to run prog. Tasks can only be added before Run.
func (s *Scheduler) Add(t *task.Task, prog user.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, ok := s.ctl[t]; ok {
		return fmt.Errorf("task %d: %w", t.ID, ErrDuplicate)
	}
	if err := t.SetStatus(task.Ready, 0); err != nil {
		return err
	}
	s.tasks = append(s.tasks, t)
	s.ctl[t] = &control{
		prog:   prog,
		resume: make(chan struct{}),
		trap:   make(chan trapKind, 1),
	}
	return nil
}

// Run dispatches tasks until all have exited or ctx is cancelled. It may be
// called once.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	if s.trap == nil {
		s.mu.Unlock()
		return ErrNotBound
	}
	s.started = true
	s.live = len(s.tasks)
	s.ready = make(chan *task.Task, len(s.tasks))
	for _, t := range s.tasks {
		s.ready <- t
	}
	if s.live == 0 {
		close(s.done)
	}
	s.mu.Unlock()

	s.log.Info("scheduler starting", utils.Int("cores", s.cores), utils.Int("tasks", s.live))

	g, gctx := errgroup.WithContext(ctx)
	for core := 0; core < s.cores; core++ {
		core := core
		g.Go(func() error { return s.loop(gctx, core) })
	}
	err := g.Wait()
	if err != nil {
		close(s.stop)
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context, core int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case t := <-s.ready:
			s.runOnce(core, t)
		}
	}
}

// runOnce gives t the core until it yields or exits.
func (s *Scheduler) runOnce(core int, t *task.Task) {
	s.mu.Lock()
	c := s.ctl[t]
	s.current[core] = t
	s.mu.Unlock()

	if err := t.SetStatus(task.Running, s.timer.Ticks()); err != nil {
		s.log.Error("dispatch", utils.Int("core", core), utils.Err(err))
	}
	if !c.launched {
		c.launched = true
		go s.launch(t, c)
	} else {
		c.resume <- struct{}{}
	}

	kind := <-c.trap

	s.mu.Lock()
	s.current[core] = nil
	s.mu.Unlock()

	switch kind {
	case trapYield:
		if err := t.SetStatus(task.Ready, 0); err != nil {
			s.log.Error("yield", utils.Int("task", t.ID), utils.Err(err))
		}
		s.ready <- t
	case trapExit:
		s.finish(t)
	}
}

// launch runs the program on the task's goroutine. However the program
// ends, control goes back to the core as an exit.
func (s *Scheduler) launch(t *task.Task, c *control) {
	defer func() {
		r := recover()
		if c.killed {
			return
		}
		switch {
		case r != nil:
			if f, ok := user.IsFault(r); ok {
				s.log.Warn("task killed by memory fault", utils.Int("task", t.ID), utils.Err(f))
				t.SetExitCode(ExitFault)
			} else {
				s.log.Error("task panicked", utils.Int("task", t.ID), utils.Any("panic", r))
				t.SetExitCode(ExitPanic)
			}
		case !c.exitCalled:
			t.SetExitCode(0)
		}
		c.trap <- trapExit
	}()
	c.prog(user.NewEnv(t, s.trap, s.mem))
}

func (s *Scheduler) finish(t *task.Task) {
	if err := t.SetStatus(task.Exited, 0); err != nil {
		s.log.Error("exit", utils.Int("task", t.ID), utils.Err(err))
	}
	if t.Space != nil {
		if err := t.Space.Recycle(); err != nil {
			s.log.Error("recycle address space", utils.Int("task", t.ID), utils.Err(err))
		}
		t.Space = nil
	}
	s.log.Info("task exited", utils.Int("task", t.ID), utils.String("name", t.Name), utils.Int("code", t.ExitCode()))

	s.mu.Lock()
	s.results = append(s.results, Result{ID: t.ID, Name: t.Name, ExitCode: t.ExitCode()})
	s.live--
	if s.live == 0 {
		close(s.done)
	}
	s.mu.Unlock()
}

// Suspend is called on t's goroutine: it gives the core back and blocks
// until t is dispatched again.
func (s *Scheduler) Suspend(t *task.Task) {
	c := s.control(t)
	c.trap <- trapYield
	select {
	case <-c.resume:
	case <-s.stop:
		c.killed = true
		runtime.Goexit()
	}
}

// Exit is called on t's goroutine and never returns to it. The core is
// handed back once the goroutine has unwound.
func (s *Scheduler) Exit(t *task.Task, code int) {
	c := s.control(t)
	t.SetExitCode(code)
	c.exitCalled = true
	runtime.Goexit()
}

func (s *Scheduler) control(t *task.Task) *control {
	s.mu.Lock()
	c, ok := s.ctl[t]
	s.mu.Unlock()
	if !ok {
		panic(fmt.Errorf("task %d: %w", t.ID, ErrUnknown))
	}
	return c
}

// Current returns the task running on core, or nil.
func (s *Scheduler) Current(core int) *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if core < 0 || core >= len(s.current) {
		return nil
	}
	return s.current[core]
}

// Results lists finished tasks in exit order.
func (s *Scheduler) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

// Unfinished lists tasks that had not exited when Run returned.
func (s *Scheduler) Unfinished() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status() != task.Exited {
			out = append(out, t)
		}
	}
	return out
}
