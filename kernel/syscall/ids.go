// Package syscall is the syscall entry layer: it validates raw register
// arguments, records per-task telemetry, and delegates to the address space
// or the scheduler. Every failure reaches the caller as -1.
package syscall

// Syscall numbers (RISC-V Linux numbering).
const (
	SysWrite    = 64
	SysExit     = 93
	SysYield    = 124
	SysGetTime  = 169
	SysBrk      = 214
	SysMunmap   = 215
	SysMmap     = 222
	SysTaskInfo = 410
)

var syscallNames = map[uint64]string{
	SysWrite:    "write",
	SysExit:     "exit",
	SysYield:    "yield",
	SysGetTime:  "get_time",
	SysBrk:      "brk",
	SysMunmap:   "munmap",
	SysMmap:     "mmap",
	SysTaskInfo: "task_info",
}

// Name returns the syscall's name, or "unknown".
func Name(id uint64) string {
	if n, ok := syscallNames[id]; ok {
		return n
	}
	return "unknown"
}

// Standard file descriptors accepted by write.
const (
	FdStdout = 1
	FdStderr = 2
)
