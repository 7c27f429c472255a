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

// Mask/pattern pairs for the host instructions the JIT emits for guest
// atomics. An instruction matches a class when instr&mask == pattern.
const (
	// CASPAL: compare-and-swap pair, acquire-release. Bit 30 selects the
	// operand size (0 = 32-bit pair).
	caspalMask = 0xBFE0FC00
	caspalInst = 0x0860FC00

	// CASAL: single-register compare-and-swap, acquire-release. Bits
	// 31:30 are the size.
	casalMask = 0x3FE0FC00
	casalInst = 0x08E0FC00

	// LD<op>/SWP atomic memory operations. The opcode nibble lives at
	// bits 15:12.
	atomicMemMask = 0x3B200C00
	atomicMemInst = 0x38200000

	// LDAR / STLR / LDAXR: non-RMW acquire loads, release stores, and
	// the load-exclusive that heads the JIT's CAS idiom.
	ldstMask  = 0x3FFFFC00
	ldarInst  = 0x08DFFC00
	stlrInst  = 0x089FFC00
	ldaxrInst = 0x085FFC00

	// STLXR: store-exclusive release.
	stlxrMask = 0x3FE0FC00
	stlxrInst = 0x0800FC00

	// LDAXP with 64-bit registers: the 128-bit acquire load pair.
	ldaxpMask = 0xFFFF8000
	ldaxpInst = 0xC87F8000

	// CBNZ closes the exclusive idiom.
	cbnzMask = 0x7F000000
	cbnzInst = 0x35000000

	// Shifted-register ALU ops that may appear inside the exclusive
	// idiom.
	aluMask = 0x7F200000
	addInst = 0x0B000000
	subInst = 0x4B000000
	andInst = 0x0A000000
	orrInst = 0x2A000000
	eorInst = 0x4A000000
)

// Opcode nibble values of the atomic memory operations.
const (
	atomicAddOp  = 0x0
	atomicClrOp  = 0x1
	atomicEorOp  = 0x2
	atomicSetOp  = 0x3
	atomicSwapOp = 0x8
)

// zeroRegister is the encoding of xzr/wzr; writes to it are suppressed.
const zeroRegister = 31

func rdReg(instr uint32) int {
	return int(instr & 0x1f)
}

func rnReg(instr uint32) int {
	return int(instr >> 5 & 0x1f)
}

func rmReg(instr uint32) int {
	return int(instr >> 16 & 0x1f)
}

// rt2Reg is the second destination of a load pair.
func rt2Reg(instr uint32) int {
	return int(instr >> 10 & 0x1f)
}

// accessSize decodes the operand size in bytes from bits 31:30.
func accessSize(instr uint32) uint {
	return 1 << (instr >> 30)
}
