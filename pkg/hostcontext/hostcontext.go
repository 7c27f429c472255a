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

// Package hostcontext provides uniform access to the ARM64 host trap
// context delivered to signal handlers, and the backup frames the
// dispatcher stacks while a guest thread is interrupted.
package hostcontext

import (
	"lariat.dev/lariat/pkg/core"
)

// RedZoneSize is the host ABI red zone below the stack pointer. The
// AAPCS64 has none.
const RedZoneSize = 0

// StateRegister is the host register the JIT dedicates to the pointer at
// the thread's CurrentFrame.
const StateRegister = 28

// SignalContext64 is the host mcontext_t (struct sigcontext,
// arch/arm64/include/uapi/asm/sigcontext.h).
type SignalContext64 struct {
	FaultAddr uint64
	Regs      [31]uint64
	Sp        uint64
	Pc        uint64
	Pstate    uint64
	_         [8]byte       // __attribute__((__aligned__(16)))
	Fpsimd    FpsimdContext // size = 528
	Reserved  [3568]uint8
}

type aarch64Ctx struct {
	Magic uint32
	Size  uint32
}

// FpsimdContext is the FP/SIMD record at the head of the sigcontext
// reserved area.
type FpsimdContext struct {
	Head  aarch64Ctx
	Fpsr  uint32
	Fpcr  uint32
	Vregs [64]uint64 // [32]uint128
}

// Stack is the host stack_t.
type Stack struct {
	Sp    uint64
	Flags int32
	_     uint32
	Size  uint64
}

// UContext64 is the host ucontext
// (arch/arm64/include/uapi/asm/ucontext.h).
type UContext64 struct {
	Flags  uint64
	Link   uint64
	Stack  Stack
	Sigset uint64
	// glibc uses a 1024-bit sigset_t
	_ [(1024 - 64) / 8]byte
	// sigcontext must be aligned to 16-byte
	_ [8]byte
	// last for future expansion
	MContext SignalContext64
}

// GetPc returns the trapping program counter.
//
//go:nosplit
func GetPc(uc *UContext64) uint64 {
	return uc.MContext.Pc
}

// SetPc redirects the context to resume at pc.
//
//go:nosplit
func SetPc(uc *UContext64, pc uint64) {
	uc.MContext.Pc = pc
}

// GetSp returns the stack pointer at trap.
//
//go:nosplit
func GetSp(uc *UContext64) uint64 {
	return uc.MContext.Sp
}

// SetSp rewrites the context's stack pointer.
//
//go:nosplit
func SetSp(uc *UContext64, sp uint64) {
	uc.MContext.Sp = sp
}

// GetReg returns general purpose register n.
//
//go:nosplit
func GetReg(uc *UContext64, n int) uint64 {
	return uc.MContext.Regs[n]
}

// SetReg rewrites general purpose register n.
//
//go:nosplit
func SetReg(uc *UContext64, n int, v uint64) {
	uc.MContext.Regs[n] = v
}

// SetState points the dedicated state register at the thread's
// CurrentFrame.
//
//go:nosplit
func SetState(uc *UContext64, frame uint64) {
	uc.MContext.Regs[StateRegister] = frame
}

// ContextBackup captures everything needed to resume a trapped thread: the
// host machine context and the guest CPU state at the moment of the trap.
// Frames are placed below the host SP at trap and stacked LIFO.
type ContextBackup struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
	Fpsimd FpsimdContext

	// GuestState is the copy of the thread's CurrentFrame at trap.
	GuestState core.CPUState

	// Signal is the host signal that created this frame.
	Signal int32
	_      uint32
}

// BackupContext copies the resumable parts of uc into b.
//
//go:nosplit
func BackupContext(uc *UContext64, b *ContextBackup) {
	b.Regs = uc.MContext.Regs
	b.Sp = uc.MContext.Sp
	b.Pc = uc.MContext.Pc
	b.Pstate = uc.MContext.Pstate
	b.Fpsimd = uc.MContext.Fpsimd
}

// RestoreContext writes b back into uc.
//
//go:nosplit
func RestoreContext(uc *UContext64, b *ContextBackup) {
	uc.MContext.Regs = b.Regs
	uc.MContext.Sp = b.Sp
	uc.MContext.Pc = b.Pc
	uc.MContext.Pstate = b.Pstate
	uc.MContext.Fpsimd = b.Fpsimd
}
