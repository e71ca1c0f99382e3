package syscall

import (
	"encoding/binary"
	"errors"

	"github.com/nmxmxh/inos_mm/kernel/config"
	"github.com/nmxmxh/inos_mm/kernel/task"
	"github.com/nmxmxh/inos_mm/kernel/timer"
)

// User-visible struct layouts, little-endian with C alignment:
//
//	TimeVal  { sec u64 @0; usec u64 @8 }                                  16 bytes
//	TaskInfo { status u32 @0; syscall_times [500]u32 @4; time u64 @2008 } 2016 bytes
const (
	TimeValSize = 16

	taskInfoTimesOff = 4
	taskInfoTimeOff  = taskInfoTimesOff + 4*config.MaxSyscallNum + 4 // padded to 8
	TaskInfoSize     = taskInfoTimeOff + 8
)

var errShortBuffer = errors.New("buffer shorter than struct")

// TaskInfo is what task_info writes into user memory.
type TaskInfo struct {
	Status       task.Status
	SyscallTimes [config.MaxSyscallNum]uint32
	// Time is the elapsed milliseconds in the 16-bit-second window.
	Time int64
}

func EncodeTimeVal(tv timer.TimeVal) []byte {
	b := make([]byte, TimeValSize)
	binary.LittleEndian.PutUint64(b[0:], tv.Sec)
	binary.LittleEndian.PutUint64(b[8:], tv.Usec)
	return b
}

func DecodeTimeVal(b []byte) (timer.TimeVal, error) {
	if len(b) < TimeValSize {
		return timer.TimeVal{}, errShortBuffer
	}
	return timer.TimeVal{
		Sec:  binary.LittleEndian.Uint64(b[0:]),
		Usec: binary.LittleEndian.Uint64(b[8:]),
	}, nil
}

func EncodeTaskInfo(info TaskInfo) []byte {
	b := make([]byte, TaskInfoSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(info.Status))
	for i, n := range info.SyscallTimes {
		binary.LittleEndian.PutUint32(b[taskInfoTimesOff+4*i:], n)
	}
	// negative (wrapped) values keep their two's-complement bits, as a usize would
	binary.LittleEndian.PutUint64(b[taskInfoTimeOff:], uint64(info.Time))
	return b
}

func DecodeTaskInfo(b []byte) (TaskInfo, error) {
	var info TaskInfo
	if len(b) < TaskInfoSize {
		return info, errShortBuffer
	}
	info.Status = task.Status(binary.LittleEndian.Uint32(b[0:]))
	for i := range info.SyscallTimes {
		info.SyscallTimes[i] = binary.LittleEndian.Uint32(b[taskInfoTimesOff+4*i:])
	}
	info.Time = int64(binary.LittleEndian.Uint64(b[taskInfoTimeOff:]))
	return info, nil
}
