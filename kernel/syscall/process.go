package syscall

import (
	"fmt"

	"github.com/nmxmxh/inos_mm/kernel/task"
	"github.com/nmxmxh/inos_mm/kernel/timer"
	"github.com/nmxmxh/inos_mm/kernel/utils"
)

func (d *Dispatcher) sysExit(t *task.Task, code int) {
	d.log.Debug("exit", utils.Int("task", t.ID), utils.Int("code", code))
	d.sched.Exit(t, code)
	d.unreachable(t, SysExit)
}

func (d *Dispatcher) sysYield(t *task.Task) (int64, error) {
	d.sched.Suspend(t)
	return 0, nil
}

// sysGetTime writes a TimeVal to ptr. tz is ignored.
func (d *Dispatcher) sysGetTime(t *task.Task, ptr, _ uint64) (int64, error) {
	us := timer.NowUs(d.timer, d.conv)
	if err := d.user.CopyOut(t.Token(), ptr, EncodeTimeVal(timer.ToTimeVal(us))); err != nil {
		return 0, err
	}
	return 0, nil
}

func (d *Dispatcher) sysTaskInfo(t *task.Task, ptr uint64) (int64, error) {
	snap := d.rec.Snapshot(t)
	now := timer.NowUs(d.timer, d.conv)
	info := TaskInfo{
		Status:       snap.Status,
		SyscallTimes: snap.SyscallCounts,
		Time:         timer.ElapsedMs(d.conv.TicksToUs(snap.StartTicks), now),
	}
	if err := d.user.CopyOut(t.Token(), ptr, EncodeTaskInfo(info)); err != nil {
		return 0, err
	}
	return 0, nil
}

func (d *Dispatcher) sysMmap(t *task.Task, start, length, perm uint64) (int64, error) {
	if err := ValidateMmap(start, perm); err != nil {
		return 0, err
	}
	if err := t.Space.Mmap(start, length, perm); err != nil {
		return 0, err
	}
	return 0, nil
}

func (d *Dispatcher) sysMunmap(t *task.Task, start, length uint64) (int64, error) {
	if err := ValidateMunmap(start); err != nil {
		return 0, err
	}
	if err := t.Space.Munmap(start, length); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysBrk moves the break by a 32-bit signed delta and returns the previous
// break.
func (d *Dispatcher) sysBrk(t *task.Task, delta int64) (int64, error) {
	old, err := t.Space.ChangeBrk(delta)
	if err != nil {
		return 0, err
	}
	return int64(old), nil
}

// sysWrite copies n bytes from user memory to the console.
func (d *Dispatcher) sysWrite(t *task.Task, fd, buf, n uint64) (int64, error) {
	if fd != FdStdout && fd != FdStderr {
		return 0, fmt.Errorf("%w %d", errBadFd, fd)
	}
	if n > 1<<20 {
		n = 1 << 20
	}
	data := make([]byte, n)
	if err := d.user.CopyIn(t.Token(), buf, data); err != nil {
		return 0, err
	}
	written, err := d.console.Write(data)
	return int64(written), err
}
