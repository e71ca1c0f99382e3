// Package task holds the per-task control block: lifecycle status, the
// address space and the syscall telemetry reported by task_info.
package task

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/mm"
)

// Status is the task lifecycle state. The numeric values are the user ABI.
type Status uint32

const (
	UnInit Status = iota
	Ready
	Running
	Exited
)

var statusNames = map[Status]string{
	UnInit:  "UNINIT",
	Ready:   "READY",
	Running: "RUNNING",
	Exited:  "EXITED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("STATUS(%d)", uint32(s))
}

var ErrBadTransition = errors.New("illegal task status transition")

// legal lists the successors of each state. Exited is terminal.
var legal = map[Status][]Status{
	UnInit:  {Ready},
	Ready:   {Running},
	Running: {Ready, Exited},
}

// Task is a task control block.
type Task struct {
	ID   int
	Name string

	// Space is the task's address space; nil once recycled.
	Space *mm.MemorySet

	status        Status
	syscallCounts [config.MaxSyscallNum]uint32
	startTicks    uint64
	started       bool
	exitCode      int
}

// New returns an UnInit task owning space.
func New(id int, name string, space *mm.MemorySet) *Task {
	return &Task{ID: id, Name: name, Space: space}
}

func (t *Task) Status() Status { return t.status }

// SetStatus moves the task along the lifecycle. The first move to Running
// stamps the start time used by task_info.
func (t *Task) SetStatus(next Status, nowTicks uint64) error {
	for _, s := range legal[t.status] {
		if s == next {
			if next == Running && !t.started {
				t.started = true
				t.startTicks = nowTicks
			}
			t.status = next
			return nil
		}
	}
	return fmt.Errorf("task %d %s -> %s: %w", t.ID, t.status, next, ErrBadTransition)
}

// StartTicks is the timer value at first dispatch; zero before that.
func (t *Task) StartTicks() uint64 { return t.startTicks }

func (t *Task) ExitCode() int        { return t.exitCode }
func (t *Task) SetExitCode(code int) { t.exitCode = code }

// Token is the address-space token for user pointer translation.
func (t *Task) Token() uint64 { return t.Space.Token() }

func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s) %s", t.ID, t.Name, t.status)
}
