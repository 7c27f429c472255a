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

// Package syscalls holds the guest syscall definition table.
//
// Definitions are tagged by arity; the dispatcher selects the matching
// function field by NumArgs. Actual syscall semantics are registered by
// the frontend and are outside the translator core.
package syscalls

import (
	"sync"

	"golang.org/x/sys/unix"

	"lariat.dev/lariat/pkg/core"
	"lariat.dev/lariat/pkg/log"
)

// MaxSyscalls bounds the guest syscall number space.
const MaxSyscalls = 512

// Arguments carries the raw guest syscall argument slots.
type Arguments struct {
	Args [6]uint64
}

// The per-arity handler signatures. A handler receives the calling
// thread's guest frame.
type (
	Fn0 func(frame *core.CPUState) uint64
	Fn1 func(frame *core.CPUState, a0 uint64) uint64
	Fn2 func(frame *core.CPUState, a0, a1 uint64) uint64
	Fn3 func(frame *core.CPUState, a0, a1, a2 uint64) uint64
	Fn4 func(frame *core.CPUState, a0, a1, a2, a3 uint64) uint64
	Fn5 func(frame *core.CPUState, a0, a1, a2, a3, a4 uint64) uint64
	Fn6 func(frame *core.CPUState, a0, a1, a2, a3, a4, a5 uint64) uint64
)

// Definition is one syscall's entry: an arity tag and the matching
// function. Exactly the field selected by NumArgs is set.
type Definition struct {
	NumArgs uint8

	Ptr0 Fn0
	Ptr1 Fn1
	Ptr2 Fn2
	Ptr3 Fn3
	Ptr4 Fn4
	Ptr5 Fn5
	Ptr6 Fn6

	// TraceFmt is the strace-style format for debug tracing.
	TraceFmt string
}

// Table is the dispatch table for one guest personality.
type Table struct {
	defs [MaxSyscalls]Definition

	// unimplemented tracks which unknown syscalls were already logged.
	mu            sync.Mutex
	unimplemented [MaxSyscalls / 64]uint64
}

// NewTable returns a table where every slot reports ENOSYS.
func NewTable() *Table {
	return &Table{}
}

// Register0 installs a 0-argument handler.
func (t *Table) Register0(num uint64, fn Fn0) { t.def(num).NumArgs = 0; t.def(num).Ptr0 = fn }

// Register1 installs a 1-argument handler.
func (t *Table) Register1(num uint64, fn Fn1) { t.def(num).NumArgs = 1; t.def(num).Ptr1 = fn }

// Register2 installs a 2-argument handler.
func (t *Table) Register2(num uint64, fn Fn2) { t.def(num).NumArgs = 2; t.def(num).Ptr2 = fn }

// Register3 installs a 3-argument handler.
func (t *Table) Register3(num uint64, fn Fn3) { t.def(num).NumArgs = 3; t.def(num).Ptr3 = fn }

// Register4 installs a 4-argument handler.
func (t *Table) Register4(num uint64, fn Fn4) { t.def(num).NumArgs = 4; t.def(num).Ptr4 = fn }

// Register5 installs a 5-argument handler.
func (t *Table) Register5(num uint64, fn Fn5) { t.def(num).NumArgs = 5; t.def(num).Ptr5 = fn }

// Register6 installs a 6-argument handler.
func (t *Table) Register6(num uint64, fn Fn6) { t.def(num).NumArgs = 6; t.def(num).Ptr6 = fn }

func (t *Table) def(num uint64) *Definition {
	if num >= MaxSyscalls {
		log.Panicf("Syscall number %d out of range", num)
	}
	return &t.defs[num]
}

// Definition returns the entry for a syscall number, or nil if out of
// range.
func (t *Table) Definition(num uint64) *Definition {
	if num >= MaxSyscalls {
		return nil
	}
	return &t.defs[num]
}

// Handle dispatches one guest syscall by arity.
func (t *Table) Handle(frame *core.CPUState, num uint64, args *Arguments) uint64 {
	d := t.Definition(num)
	if d == nil {
		return t.unimplementedSyscall(num)
	}
	a := &args.Args
	switch d.NumArgs {
	case 0:
		if d.Ptr0 != nil {
			return d.Ptr0(frame)
		}
	case 1:
		if d.Ptr1 != nil {
			return d.Ptr1(frame, a[0])
		}
	case 2:
		if d.Ptr2 != nil {
			return d.Ptr2(frame, a[0], a[1])
		}
	case 3:
		if d.Ptr3 != nil {
			return d.Ptr3(frame, a[0], a[1], a[2])
		}
	case 4:
		if d.Ptr4 != nil {
			return d.Ptr4(frame, a[0], a[1], a[2], a[3])
		}
	case 5:
		if d.Ptr5 != nil {
			return d.Ptr5(frame, a[0], a[1], a[2], a[3], a[4])
		}
	case 6:
		if d.Ptr6 != nil {
			return d.Ptr6(frame, a[0], a[1], a[2], a[3], a[4], a[5])
		}
	}
	return t.unimplementedSyscall(num)
}

// unimplementedSyscall returns -ENOSYS, logging the first occurrence of
// each unknown number.
func (t *Table) unimplementedSyscall(num uint64) uint64 {
	if num < MaxSyscalls {
		t.mu.Lock()
		seen := t.unimplemented[num/64]&(1<<(num%64)) != 0
		t.unimplemented[num/64] |= 1 << (num % 64)
		t.mu.Unlock()
		if !seen {
			log.Warningf("Unhandled guest syscall %d", num)
		}
	}
	errno := int64(unix.ENOSYS)
	return uint64(-errno)
}
