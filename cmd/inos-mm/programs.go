package main

import (
	"github.com/nmxmxh/inos_mm/kernel/mm/pagetable"
	"github.com/nmxmxh/inos_mm/kernel/syscall"
	"github.com/nmxmxh/inos_mm/kernel/user"
)

var demos = map[string]user.Program{
	"hello":     hello,
	"telemetry": telemetry,
	"mmap":      mmapDemo,
	"brk":       brkDemo,
	"fault":     faultDemo,
}

func hello(env *user.Env) {
	env.Println("hello from task", env.TaskID())
}

func telemetry(env *user.Env) {
	const rounds = 10
	for i := 0; i < rounds; i++ {
		env.Yield()
	}
	info, ret := env.TaskInfo()
	if ret != 0 {
		env.Exit(1)
	}
	tv, _ := env.GetTime()
	env.Printf("telemetry: status=%s yields=%d task_info=%d elapsed=%dms now=%d.%06ds\n",
		info.Status, info.SyscallTimes[syscall.SysYield], info.SyscallTimes[syscall.SysTaskInfo],
		info.Time, tv.Sec, tv.Usec)
}

func mmapDemo(env *user.Env) {
	const base, size = 0x4000_0000, 3 * 4096
	if env.Mmap(base, size, pagetable.PermR|pagetable.PermW) != 0 {
		env.Exit(1)
	}
	for off := uint64(0); off < size; off += 4096 {
		env.StoreUint64(base+off, off)
	}
	sum := uint64(0)
	for off := uint64(0); off < size; off += 4096 {
		sum += env.LoadUint64(base + off)
	}
	overlap := env.Mmap(base+4096, 4096, pagetable.PermR)
	partial := env.Munmap(base, 4096)
	whole := env.Munmap(base, size)
	env.Printf("mmap: sum=%d overlap=%d partial_munmap=%d munmap=%d readable_after=%v\n",
		sum, overlap, partial, whole, env.Probe(base, 1, pagetable.AccessRead))
}

func brkDemo(env *user.Env) {
	old := env.Sbrk(2 * 4096)
	if old < 0 {
		env.Exit(1)
	}
	top := uint64(old) + 4096
	env.StoreUint64(top, 7)
	v := env.LoadUint64(top)
	grown := env.Sbrk(-4096)
	env.Printf("brk: heap=%#x grown_to=%#x value=%d top_mapped_after_shrink=%v\n",
		old, grown, v, env.Probe(top, 1, pagetable.AccessRead))
}

func faultDemo(env *user.Env) {
	env.Println("fault: writing to a read-only page")
	if env.Mmap(0x2000, 4096, pagetable.PermR) != 0 {
		env.Exit(1)
	}
	env.StoreUint64(0x2000, 1)
	env.Println("fault: unreachable")
}
