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

package unaligned

import (
	"lariat.dev/lariat/pkg/hostcontext"
	"lariat.dev/lariat/pkg/log"
)

// exclusiveOp identifies the ALU operation inside an exclusive idiom.
type exclusiveOp int

const (
	opTypeSwap exclusiveOp = iota
	opTypeAdd
	opTypeSub
	opTypeNeg
	opTypeAnd
	opTypeOr
	opTypeEor
)

// handleExclusive emulates the JIT's load-exclusive idiom after one of its
// instructions trapped on alignment:
//
//	[1] ldaxr   tmp, [addr]
//	[2] <alu>   d, tmp, src          ; absent for swap
//	[3] stlxr   status, d, [addr]
//	[4] cbnz    status, [1]
//	[5] mov     dst, tmp             ; fetch variants only
//
// The idiom is identified by scanning forward at most five instructions
// from the trapping PC. The non-fetch form reuses the scratch register as
// the store-exclusive status, which is how the two are told apart; for the
// fetch form the pre-operation memory value is written to the destination
// register. A NEG is a SUB whose first operand is the zero register; a
// swap has no ALU op and sources its data from the store-exclusive.
//
// The whole idiom is emulated as one atomic RMW, and the returned byte
// count advances the host PC past the closing CBNZ. A return of 0 declines
// the trap.
func handleExclusive(uc *hostcontext.UContext64, pc uint64, instr uint32) uint64 {
	resultReg := rdReg(instr)
	addressReg := rnReg(instr)
	addr := uintptr(hostcontext.GetReg(uc, addressReg))

	var skipInstructions uint64
	atomicFetch := false
	op := opTypeSwap
	dataSourceReg := 0

	// Scan forward at most five instructions for the rest of the idiom.
	for i := uint64(1); i < 6; i++ {
		next := instructionAt(pc + i*4)
		switch {
		case next&aluMask == addInst:
			op = opTypeAdd
			dataSourceReg = rmReg(next)
		case next&aluMask == subInst:
			if rnReg(next) == zeroRegister {
				op = opTypeNeg
			} else {
				op = opTypeSub
			}
			dataSourceReg = rmReg(next)
		case next&aluMask == andInst:
			op = opTypeAnd
			dataSourceReg = rmReg(next)
		case next&aluMask == orrInst:
			op = opTypeOr
			dataSourceReg = rmReg(next)
		case next&aluMask == eorInst:
			op = opTypeEor
			dataSourceReg = rmReg(next)
		case next&stlxrMask == stlxrInst:
			if storeAddressReg := rnReg(next); storeAddressReg != addressReg {
				log.Panicf("Store-exclusive memory register didn't match the load-exclusive register")
			}
			statusReg := rmReg(next)
			storeResultReg := rdReg(next)
			// The fetch form keeps the loaded value, so it cannot reuse
			// the data register for the status.
			atomicFetch = statusReg != storeResultReg
			if op == opTypeSwap {
				// No ALU op in between; the source is in the
				// store-exclusive itself.
				dataSourceReg = storeResultReg
			}
		case next&cbnzMask == cbnzInst:
			// Skip to just past the loop-closing branch.
			skipInstructions = i + 1
		default:
			log.Panicf("Unknown instruction %#08x inside exclusive atomic idiom", next)
		}
		if skipInstructions != 0 {
			break
		}
	}

	size := accessSize(instr)
	if size != 2 && size != 4 && size != 8 {
		return 0
	}

	var desiredFn opFunc
	switch op {
	case opTypeSwap:
		desiredFn = opIdentitySrc
	case opTypeAdd:
		desiredFn = opAdd
	case opTypeSub:
		desiredFn = opSub
	case opTypeNeg:
		desiredFn = opNeg
	case opTypeAnd:
		desiredFn = opAnd
	case opTypeOr:
		desiredFn = opOr
	case opTypeEor:
		desiredFn = opEor
	default:
		log.Warningf("Unhandled exclusive atomic op %d", op)
		return 0
	}

	res := casOp(addr, size, true, hostcontext.GetReg(uc, dataSourceReg), 0, opCurrent, desiredFn)

	if atomicFetch && resultReg != zeroRegister {
		// The fetch destination receives the memory value from before
		// the ALU op.
		hostcontext.SetReg(uc, resultReg, res)
	}

	return skipInstructions * 4
}
