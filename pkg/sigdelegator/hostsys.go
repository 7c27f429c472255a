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

package sigdelegator

import "unsafe"

// stackBase returns the lowest address of a mapped stack region.
func stackBase(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// Host signal numbers (arm64 Linux).
const (
	sigILL   = 4
	sigTRAP  = 5
	sigABRT  = 6
	sigBUS   = 7
	sigFPE   = 8
	sigKILL  = 9
	sigSEGV  = 11
	sigCHLD  = 17
	sigCONT  = 18
	sigSTOP  = 19
	sigURG   = 23
	sigXCPU  = 24
	sigXFSZ  = 25
	sigWINCH = 28
	sigSYS   = 31
	sigQUIT  = 3
)

// Host sigaction flags.
const (
	saSigInfo  = 0x00000004
	saRestorer = 0x04000000
	saOnStack  = 0x08000000
	saRestart  = 0x10000000
	saNoDefer  = 0x40000000
)

// sigAction is struct sigaction as rt_sigaction(2) consumes it.
type sigAction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     uint64
}

// stackT is the host stack_t for sigaltstack(2).
type stackT struct {
	Sp    uint64
	Flags int32
	_     uint32
	Size  uint64
}

// timespec for rt_sigtimedwait.
type timespec struct {
	Sec  int64
	Nsec int64
}

// hostSyscalls is the raw host interface the delegator drives. It is a
// seam for tests; the production implementation performs raw syscalls
// that bypass the Go runtime's signal management.
type hostSyscalls interface {
	rtSigaction(signal int32, act, oldact *sigAction) error
	rtSigprocmask(how int32, set, oldset *uint64) error
	sigaltstack(ss, oss *stackT) error
	rtSigsuspend(mask uint64) error
	rtSigtimedwait(set uint64, info *byte, timeout *timespec) (int32, error)
	signalfd4(fd int32, mask uint64, flags int32) (int32, error)
	sigpending() (uint64, error)
	tgkill(pid, tid int, signal int32) error
	gettid() int
	getpid() int
	mmapStack(size int) ([]byte, error)
	munmapStack(b []byte) error
}
