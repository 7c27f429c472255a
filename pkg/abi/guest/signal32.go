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

package guest

// Indices into MContext32.Gregs, following the i386 Linux ucontext greg_t
// ordering.
const (
	Reg32GS = iota
	Reg32FS
	Reg32ES
	Reg32DS
	Reg32EDI
	Reg32ESI
	Reg32EBP
	Reg32ESP
	Reg32EBX
	Reg32EDX
	Reg32ECX
	Reg32EAX
	Reg32TRAPNO
	Reg32ERR
	Reg32EIP
	Reg32CS
	Reg32EFL
	Reg32UESP
	Reg32SS

	// NGreg32 is the number of 32-bit gregs.
	NGreg32
)

// fpstate magic values distinguishing the classic FPU frame from the
// fxsr-extended one.
const (
	// FPStateMagicExtended marks an fpstate whose fxsr area is valid.
	FPStateMagicExtended = 0x0000

	// FPStateMagicFPU marks an fpstate carrying only the classic 108-byte
	// FPU frame; guests must not trust the fxsr area.
	FPStateMagicFPU = 0xffff
)

// SigInfo32 is the 32-bit guest siginfo_t.
type SigInfo32 struct {
	Signo int32
	Errno int32
	Code  int32

	// Fields is the 32-bit _sifields union, padded so that the struct
	// occupies 128 bytes.
	Fields [128 - 12]byte
}

// SetAddr mutates the si_addr field of a fault siginfo.
func (s *SigInfo32) SetAddr(v uint32) {
	byteOrder.PutUint32(s.Fields[0:4], v)
}

// SetPID mutates the si_pid field.
func (s *SigInfo32) SetPID(v int32) {
	byteOrder.PutUint32(s.Fields[0:4], uint32(v))
}

// SetUID mutates the si_uid field.
func (s *SigInfo32) SetUID(v int32) {
	byteOrder.PutUint32(s.Fields[4:8], uint32(v))
}

// SetStatus mutates the si_status field.
func (s *SigInfo32) SetStatus(v int32) {
	byteOrder.PutUint32(s.Fields[8:12], uint32(v))
}

// SetUtime mutates the si_utime field. The 32-bit clock_t truncates.
func (s *SigInfo32) SetUtime(v int64) {
	byteOrder.PutUint32(s.Fields[12:16], uint32(v))
}

// SetStime mutates the si_stime field.
func (s *SigInfo32) SetStime(v int64) {
	byteOrder.PutUint32(s.Fields[16:20], uint32(v))
}

// Stack32 is the 32-bit guest stack_t.
type Stack32 struct {
	Sp    uint32
	Flags int32
	Size  uint32
}

// FPReg32 is one 10-byte x87 register in the classic FPU frame.
type FPReg32 struct {
	Significand [4]uint16
	Exponent    uint16
}

// FPXReg32 is one 16-byte register slot in the fxsr area.
type FPXReg32 struct {
	Significand [4]uint16
	Exponent    uint16
	_           [3]uint16
}

// XMMReg32 is one 16-byte SSE register in the fxsr area.
type XMMReg32 struct {
	Element [4]uint32
}

// FPState32 is the 32-bit guest _libc_fpstate: the classic 108-byte FPU
// frame, the status/magic pair, and the fxsr extension.
type FPState32 struct {
	Cw      uint32
	Sw      uint32
	Tag     uint32
	IpOff   uint32
	CsSel   uint32
	DataOff uint32
	DataSel uint32
	St      [8]FPReg32

	Status uint16

	// Magic selects between FPStateMagicFPU and FPStateMagicExtended.
	// The translator currently produces only the classic frame for
	// 32-bit guests, so it stores FPStateMagicFPU; the XMM registers in
	// the fxsr area below are not populated.
	Magic uint16

	FxsrEnv [6]uint32
	Mxcsr   uint32
	_       uint32
	FxsrSt  [8]FPXReg32
	Xmm     [8]XMMReg32
	_       [56]uint32
}

// MContext32 is the 32-bit guest mcontext_t.
type MContext32 struct {
	Gregs [NGreg32]uint32

	// Fpregs is a 32-bit guest pointer to the fpstate.
	Fpregs  uint32
	Oldmask uint32
	Cr2     uint32
}

// UContext32 is the 32-bit guest ucontext_t.
type UContext32 struct {
	Flags    uint32
	Link     uint32
	Stack    Stack32
	MContext MContext32

	// Sigmask is the glibc 1024-bit sigset_t.
	Sigmask [32]uint32

	// FPRegsMem is the in-frame fpstate that MContext.Fpregs points at.
	FPRegsMem FPState32
}

// EpollEvent32 is the 32-bit guest struct epoll_event. The i386 ABI packs
// it: there is no padding between Events and the 64-bit data field, so the
// struct occupies 12 bytes.
type EpollEvent32 struct {
	Events uint32
	Data   [2]uint32
}
