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

// Package unaligned emulates host atomic instructions that trapped with an
// alignment fault.
//
// The host's exclusive/acquire/release/CAS instructions require natural
// alignment; x86 guests are entitled to atomics at any address. When the
// JIT's atomic sequence traps with BUS_ADRALN, the handlers here decode
// the trapping instruction, perform an equivalent atomic operation out of
// narrower aligned host primitives, write the guest-visible results back
// into the trap context, and advance the host PC past the emulated code.
package unaligned

import (
	"unsafe"

	"lariat.dev/lariat/pkg/hostcontext"
	"lariat.dev/lariat/pkg/log"
)

// busADRALN is the Linux si_code value for SIGBUS alignment faults
// (BUS_ADRALN in asm-generic/siginfo.h). golang.org/x/sys/unix does not
// expose si_code constants, so it is defined here.
const (
	busADRALN = 1
	busADRERR = 2
)

func instructionAt(pc uint64) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(pc)))
}

// HandleSIGBUS is the entry point from the host SIGBUS handler. It returns
// whether the trap was recognized and emulated; the trap context's PC has
// been advanced past the emulated sequence on success.
func HandleSIGBUS(uc *hostcontext.UContext64, si *hostcontext.SignalInfo) bool {
	if si.Code != busADRALN {
		// Only alignment faults are emulatable.
		return false
	}

	pc := hostcontext.GetPc(uc)
	instr := instructionAt(pc)

	switch {
	case instr&caspalMask == caspalInst:
		if !handleCASPair(uc, instr) {
			return false
		}
	case instr&casalMask == casalInst:
		if !handleCAS(uc, instr) {
			return false
		}
	case instr&ldaxpMask == ldaxpInst:
		if !handleLoad128(uc, instr) {
			return false
		}
	case instr&ldstMask == ldarInst:
		if !handleLoad(uc, instr) {
			return false
		}
	case instr&ldstMask == stlrInst:
		if !handleStore(uc, instr) {
			return false
		}
	case instr&atomicMemMask == atomicMemInst:
		if !handleAtomicMemOp(uc, instr) {
			return false
		}
	case instr&ldstMask == ldaxrInst:
		skip := handleExclusive(uc, pc, instr)
		if skip == 0 {
			return false
		}
		hostcontext.SetPc(uc, pc+skip)
		return true
	default:
		return false
	}

	hostcontext.SetPc(uc, pc+4)
	return true
}

// handleCASPair emulates a misaligned CASP: a 64-bit payload held in two
// consecutive 32-bit registers. The 64-bit-pair form is not emulated; the
// JIT never emits it against guest memory.
func handleCASPair(uc *hostcontext.UContext64, instr uint32) bool {
	if instr>>30&1 != 0 {
		return false
	}

	desiredReg1 := rdReg(instr)
	desiredReg2 := desiredReg1 + 1
	expectedReg1 := rmReg(instr)
	expectedReg2 := expectedReg1 + 1
	addr := uintptr(hostcontext.GetReg(uc, rnReg(instr)))

	desired := hostcontext.GetReg(uc, desiredReg2)<<32 | hostcontext.GetReg(uc, desiredReg1)&0xffffffff
	expected := hostcontext.GetReg(uc, expectedReg2)<<32 | hostcontext.GetReg(uc, expectedReg1)&0xffffffff

	res := casOp(addr, 8, false, desired, expected, opIdentitySrc, opIdentitySrc)

	// Whether the exchange landed or not, the expected pair carries the
	// observed value back to the guest.
	hostcontext.SetReg(uc, expectedReg1, res&0xffffffff)
	hostcontext.SetReg(uc, expectedReg2, res>>32)
	return true
}

// handleCAS emulates a misaligned single-register CASAL of 2, 4 or 8
// bytes. Byte CAS cannot misalign.
func handleCAS(uc *hostcontext.UContext64, instr uint32) bool {
	size := accessSize(instr)
	if size != 2 && size != 4 && size != 8 {
		return false
	}

	desiredReg := rdReg(instr)
	expectedReg := rmReg(instr)
	addr := uintptr(hostcontext.GetReg(uc, rnReg(instr)))

	res := casOp(addr, size, false,
		hostcontext.GetReg(uc, desiredReg),
		hostcontext.GetReg(uc, expectedReg),
		opIdentitySrc, opIdentitySrc)

	// Pass or fail, the expected register receives the observed value.
	if expectedReg != zeroRegister {
		hostcontext.SetReg(uc, expectedReg, res)
	}
	return true
}

// handleAtomicMemOp emulates a misaligned LD<op>/SWP atomic memory
// operation.
func handleAtomicMemOp(uc *hostcontext.UContext64, instr uint32) bool {
	size := accessSize(instr)
	if size != 2 && size != 4 && size != 8 {
		return false
	}

	var desiredFn opFunc
	switch instr >> 12 & 0xf {
	case atomicAddOp:
		desiredFn = opAdd
	case atomicClrOp:
		desiredFn = opAndNot
	case atomicEorOp:
		desiredFn = opEor
	case atomicSetOp:
		desiredFn = opOr
	case atomicSwapOp:
		desiredFn = opIdentitySrc
	default:
		log.Warningf("Unhandled atomic mem op %#02x", instr>>12&0xf)
		return false
	}

	resultReg := rdReg(instr)
	sourceReg := rmReg(instr)
	addr := uintptr(hostcontext.GetReg(uc, rnReg(instr)))

	res := casOp(addr, size, true, hostcontext.GetReg(uc, sourceReg), 0, opCurrent, desiredFn)

	// The destination receives the memory value from before the
	// operation.
	if resultReg != zeroRegister {
		hostcontext.SetReg(uc, resultReg, res)
	}
	return true
}

// handleLoad emulates a misaligned LDAR.
func handleLoad(uc *hostcontext.UContext64, instr uint32) bool {
	size := accessSize(instr)
	resultReg := rdReg(instr)
	addr := uintptr(hostcontext.GetReg(uc, rnReg(instr)))

	var res uint64
	switch size {
	case 2:
		res = uint64(doLoad16(addr))
	case 4:
		res = uint64(doLoad32(addr))
	case 8:
		res = doLoad64(addr)
	default:
		return false
	}

	if resultReg != zeroRegister {
		hostcontext.SetReg(uc, resultReg, res)
	}
	return true
}

// handleStore emulates a misaligned STLR by exchanging against whatever
// value is currently in memory. A concurrent store may win the race; that
// ordering is indistinguishable from this store having happened first.
func handleStore(uc *hostcontext.UContext64, instr uint32) bool {
	size := accessSize(instr)
	if size != 2 && size != 4 && size != 8 {
		return false
	}

	dataReg := rdReg(instr)
	addr := uintptr(hostcontext.GetReg(uc, rnReg(instr)))

	casOp(addr, size, false, hostcontext.GetReg(uc, dataReg), 0, opCurrent, opIdentitySrc)
	return true
}

// handleLoad128 emulates a misaligned 128-bit LDAXP into two 64-bit
// destination registers.
func handleLoad128(uc *hostcontext.UContext64, instr uint32) bool {
	resultReg := rdReg(instr)
	resultReg2 := rt2Reg(instr)
	addr := uintptr(hostcontext.GetReg(uc, rnReg(instr)))

	lo, hi := doLoad128(addr)
	if resultReg != zeroRegister {
		hostcontext.SetReg(uc, resultReg, lo)
	}
	if resultReg2 != zeroRegister {
		hostcontext.SetReg(uc, resultReg2, hi)
	}
	return true
}
