package task

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/utils"
)

// ErrSyscallOutOfRange marks a dispatcher bug: a counter index outside the
// table. It is raised as a panic, never returned.
var ErrSyscallOutOfRange = errors.New("syscall id outside counter table")

// Snapshot is a point-in-time copy of a task's telemetry.
type Snapshot struct {
	Status        Status
	SyscallCounts [config.MaxSyscallNum]uint32
	StartTicks    uint64
}

// Recorder updates and reads task telemetry. Counters are only touched by
// the owning task while it runs and status only changes at switch points,
// so neither path locks.
type Recorder struct {
	log *utils.Logger
}

func NewRecorder(logger *utils.Logger) *Recorder {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Recorder{log: logger}
}

// RecordSyscall bumps the counter for id. An out-of-range id panics.
func (r *Recorder) RecordSyscall(t *Task, id int) {
	if id < 0 || id >= config.MaxSyscallNum {
		err := fmt.Errorf("%w: %d", ErrSyscallOutOfRange, id)
		r.log.Error("telemetry assertion failed", utils.Int("task", t.ID), utils.Err(err))
		panic(err)
	}
	t.syscallCounts[id]++
}

// Snapshot copies the task's status, counters and start time.
func (r *Recorder) Snapshot(t *Task) Snapshot {
	return Snapshot{
		Status:        t.status,
		SyscallCounts: t.syscallCounts,
		StartTicks:    t.startTicks,
	}
}
