// Package user is the user-mode side of the machine: programs are plain Go
// functions that reach the kernel only through the syscall trap and touch
// memory only through their own address space.
package user

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/mm/pagetable"
	"github.com/nmxmxh/inos_mm/kernel/syscall"
	"github.com/nmxmxh/inos_mm/kernel/task"
	"github.com/nmxmxh/inos_mm/kernel/timer"
)

// Program is a user program. Returning from it is the same as exit(0).
type Program func(env *Env)

// Trap is the syscall entry point the environment traps into.
type Trap interface {
	Dispatch(t *task.Task, id uint64, args syscall.Args) int64
}

// Fault is raised (as a panic) when a program touches memory its address
// space does not allow. The scheduler turns it into a forced exit.
type Fault struct {
	Addr   uint64
	Access pagetable.Access
	Err    error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("user %s fault at %#x: %v", f.Access, f.Addr, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// IsFault reports whether a recovered panic value is a user memory fault.
func IsFault(v interface{}) (*Fault, bool) {
	err, ok := v.(error)
	if !ok {
		return nil, false
	}
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// scratchTop is the top of the user stack, used to stage syscall structs.
const scratchTop = config.UserStackTop

// Env is the view a running program has of the machine.
type Env struct {
	t    *task.Task
	trap Trap
	mem  *pagetable.UserMemory
}

func NewEnv(t *task.Task, trap Trap, mem *pagetable.UserMemory) *Env {
	return &Env{t: t, trap: trap, mem: mem}
}

// TaskID is the id of the calling task.
func (e *Env) TaskID() int { return e.t.ID }

func (e *Env) call(id uint64, a0, a1, a2 uint64) int64 {
	return e.trap.Dispatch(e.t, id, syscall.Args{a0, a1, a2})
}

// Raw issues syscall id with raw register arguments.
func (e *Env) Raw(id uint64, a0, a1, a2 uint64) int64 {
	return e.call(id, a0, a1, a2)
}

// Exit ends the task. It does not return.
func (e *Env) Exit(code int) {
	e.call(syscall.SysExit, uint64(int64(code)), 0, 0)
}

func (e *Env) Yield() int64 {
	return e.call(syscall.SysYield, 0, 0, 0)
}

// GetTime returns the wall time as seen by get_time.
func (e *Env) GetTime() (timer.TimeVal, int64) {
	ptr := e.alloca(syscall.TimeValSize)
	if ret := e.call(syscall.SysGetTime, ptr, 0, 0); ret != 0 {
		return timer.TimeVal{}, ret
	}
	tv, _ := syscall.DecodeTimeVal(e.Load(ptr, syscall.TimeValSize))
	return tv, 0
}

// TaskInfo returns the kernel's telemetry for the calling task.
func (e *Env) TaskInfo() (syscall.TaskInfo, int64) {
	ptr := e.alloca(syscall.TaskInfoSize)
	if ret := e.call(syscall.SysTaskInfo, ptr, 0, 0); ret != 0 {
		return syscall.TaskInfo{}, ret
	}
	info, _ := syscall.DecodeTaskInfo(e.Load(ptr, syscall.TaskInfoSize))
	return info, 0
}

func (e *Env) Mmap(start, length, perm uint64) int64 {
	return e.call(syscall.SysMmap, start, length, perm)
}

func (e *Env) Munmap(start, length uint64) int64 {
	return e.call(syscall.SysMunmap, start, length, 0)
}

// Sbrk moves the program break and returns the previous one, or -1.
func (e *Env) Sbrk(delta int64) int64 {
	return e.call(syscall.SysBrk, uint64(delta), 0, 0)
}

// Write stages p on the user stack and writes it to fd. Large buffers go
// out one page at a time.
func (e *Env) Write(fd uint64, p []byte) int64 {
	var total int64
	for len(p) > 0 {
		n := len(p)
		if n > config.PageSize {
			n = config.PageSize
		}
		ptr := e.alloca(n)
		e.Store(ptr, p[:n])
		ret := e.call(syscall.SysWrite, fd, ptr, uint64(n))
		if ret < 0 {
			return ret
		}
		total += ret
		p = p[n:]
	}
	return total
}

func (e *Env) Println(a ...interface{}) int64 {
	return e.Write(syscall.FdStdout, []byte(fmt.Sprintln(a...)))
}

func (e *Env) Printf(format string, a ...interface{}) int64 {
	return e.Write(syscall.FdStdout, []byte(fmt.Sprintf(format, a...)))
}

// Store writes p at va, faulting if any byte is not writable.
func (e *Env) Store(va uint64, p []byte) {
	if err := e.mem.CopyOut(e.t.Token(), va, p); err != nil {
		panic(&Fault{Addr: va, Access: pagetable.AccessWrite, Err: err})
	}
}

// Load reads n bytes at va, faulting if any byte is not readable.
func (e *Env) Load(va uint64, n int) []byte {
	b := make([]byte, n)
	if err := e.mem.CopyIn(e.t.Token(), va, b); err != nil {
		panic(&Fault{Addr: va, Access: pagetable.AccessRead, Err: err})
	}
	return b
}

func (e *Env) StoreUint64(va, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.Store(va, b[:])
}

func (e *Env) LoadUint64(va uint64) uint64 {
	return binary.LittleEndian.Uint64(e.Load(va, 8))
}

// Exec faults unless the page at va may be executed.
func (e *Env) Exec(va uint64) {
	if err := e.mem.Check(e.t.Token(), va, 1, pagetable.AccessExecute); err != nil {
		panic(&Fault{Addr: va, Access: pagetable.AccessExecute, Err: err})
	}
}

// Probe reports whether n bytes at va allow access, without faulting.
func (e *Env) Probe(va uint64, n int, access pagetable.Access) bool {
	return e.mem.Check(e.t.Token(), va, n, access) == nil
}

// alloca reserves n bytes at the top of the user stack, 8-byte aligned.
// Each call reuses the same area; the previous contents are not kept.
func (e *Env) alloca(n int) uint64 {
	return (scratchTop - uint64(n)) &^ 7
}
