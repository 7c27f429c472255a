// Copyright 2022 The Lariat Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

package sigdelegator

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// signalSetSize is the kernel sigset size rt_* syscalls expect.
const signalSetSize = 8

func newDefaultSyscalls() hostSyscalls {
	return realSyscalls{}
}

// realSyscalls issues the raw host syscalls. RawSyscall is used for the
// calls that run during signal setup and inside handlers (rt_sigaction,
// rt_sigprocmask, sigaltstack, rt_sigpending): they must not give the Go
// runtime a scheduling point, nor let it interpose its own signal
// bookkeeping. rt_sigsuspend, rt_sigtimedwait and signalfd4 go through
// Syscall, which tells the scheduler the thread may block.
type realSyscalls struct{}

func (realSyscalls) rtSigaction(signal int32, act, oldact *sigAction) error {
	if _, _, e := unix.RawSyscall6(unix.SYS_RT_SIGACTION,
		uintptr(signal),
		uintptr(unsafe.Pointer(act)),
		uintptr(unsafe.Pointer(oldact)),
		signalSetSize, 0, 0); e != 0 {
		return e
	}
	return nil
}

func (realSyscalls) rtSigprocmask(how int32, set, oldset *uint64) error {
	if _, _, e := unix.RawSyscall6(unix.SYS_RT_SIGPROCMASK,
		uintptr(how),
		uintptr(unsafe.Pointer(set)),
		uintptr(unsafe.Pointer(oldset)),
		signalSetSize, 0, 0); e != 0 {
		return e
	}
	return nil
}

func (realSyscalls) sigaltstack(ss, oss *stackT) error {
	if _, _, e := unix.RawSyscall(unix.SYS_SIGALTSTACK,
		uintptr(unsafe.Pointer(ss)),
		uintptr(unsafe.Pointer(oss)), 0); e != 0 {
		return e
	}
	return nil
}

func (realSyscalls) rtSigsuspend(mask uint64) error {
	if _, _, e := unix.Syscall(unix.SYS_RT_SIGSUSPEND,
		uintptr(unsafe.Pointer(&mask)), signalSetSize, 0); e != 0 {
		return e
	}
	return nil
}

func (realSyscalls) rtSigtimedwait(set uint64, info *byte, timeout *timespec) (int32, error) {
	r, _, e := unix.Syscall6(unix.SYS_RT_SIGTIMEDWAIT,
		uintptr(unsafe.Pointer(&set)),
		uintptr(unsafe.Pointer(info)),
		uintptr(unsafe.Pointer(timeout)),
		signalSetSize, 0, 0)
	if e != 0 {
		return 0, e
	}
	return int32(r), nil
}

func (realSyscalls) signalfd4(fd int32, mask uint64, flags int32) (int32, error) {
	r, _, e := unix.Syscall6(unix.SYS_SIGNALFD4,
		uintptr(fd),
		uintptr(unsafe.Pointer(&mask)),
		signalSetSize,
		uintptr(flags), 0, 0)
	if e != 0 {
		return 0, e
	}
	return int32(r), nil
}

func (realSyscalls) sigpending() (uint64, error) {
	var set uint64
	if _, _, e := unix.RawSyscall(unix.SYS_RT_SIGPENDING,
		uintptr(unsafe.Pointer(&set)), signalSetSize, 0); e != 0 {
		return 0, e
	}
	return set, nil
}

func (realSyscalls) tgkill(pid, tid int, signal int32) error {
	return unix.Tgkill(pid, tid, unix.Signal(signal))
}

func (realSyscalls) gettid() int {
	return unix.Gettid()
}

func (realSyscalls) getpid() int {
	return unix.Getpid()
}

func (realSyscalls) mmapStack(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func (realSyscalls) munmapStack(b []byte) error {
	return unix.Munmap(b)
}
