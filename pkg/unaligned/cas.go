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
	"lariat.dev/lariat/pkg/atomicbitops"
	"lariat.dev/lariat/pkg/telemetry"
)

// An opFunc derives the expected or desired value of a CAS loop from the
// value currently in memory (cur) and a source operand (src). Results are
// truncated to the access width by the caller.
type opFunc func(cur, src uint64) uint64

func opIdentitySrc(_, src uint64) uint64 { return src }
func opCurrent(cur, _ uint64) uint64     { return cur }
func opAdd(cur, src uint64) uint64       { return cur + src }
func opSub(cur, src uint64) uint64       { return cur - src }
func opAnd(cur, src uint64) uint64       { return cur & src }
func opAndNot(cur, src uint64) uint64    { return cur &^ src }
func opOr(cur, src uint64) uint64        { return cur | src }
func opEor(cur, src uint64) uint64       { return cur ^ src }
func opNeg(cur, _ uint64) uint64         { return -cur }

// region selects the containment strategy for a width-byte access at addr:
// the aligned container that fully covers it, or a boundary-straddling
// dual-CAS when none exists.
//
//	width | off = addr mod 16 | strategy
//	  2   | 0..2              | 32-bit container
//	  2   | 3..6              | 64-bit container
//	  2   | 7..14             | 128-bit container
//	  2   | 15                | dual 8-bit
//	  4   | 0..4              | 64-bit container
//	  4   | 5..12             | 128-bit container
//	  4   | 13..15            | dual 32-bit
//	  8   | 0..8              | 128-bit container
//	  8   | 9..15             | dual 64-bit
func region(addr uintptr, width uint) (container uint, dual bool) {
	off := uint(addr & 15)
	switch width {
	case 2:
		switch {
		case off <= 2:
			return 4, false
		case off <= 6:
			return 8, false
		case off <= 14:
			return 16, false
		}
	case 4:
		switch {
		case off <= 4:
			return 8, false
		case off <= 12:
			return 16, false
		}
	case 8:
		if off <= 8 {
			return 16, false
		}
	}
	return 0, true
}

func loadContainer(base uintptr, container uint) atomicbitops.Uint128 {
	switch container {
	case 4:
		return atomicbitops.U128(uint64(atomicbitops.LoadAcquire32(base)))
	case 8:
		return atomicbitops.U128(atomicbitops.LoadAcquire64(base))
	default:
		return atomicbitops.LoadAcquire128(base)
	}
}

func casContainer(base uintptr, container uint, expected, desired atomicbitops.Uint128) (atomicbitops.Uint128, bool) {
	switch container {
	case 4:
		e := uint32(expected.Lo)
		ok := atomicbitops.StoreCAS32(&e, uint32(desired.Lo), base)
		return atomicbitops.U128(uint64(e)), ok
	case 8:
		e := expected.Lo
		ok := atomicbitops.StoreCAS64(&e, desired.Lo, base)
		return atomicbitops.U128(e), ok
	default:
		return atomicbitops.CompareAndSwap128(base, expected, desired)
	}
}

func loadHalf(addr uintptr, halfBytes uint) uint64 {
	switch halfBytes {
	case 1:
		return uint64(atomicbitops.LoadAcquire8(addr))
	case 4:
		return uint64(atomicbitops.LoadAcquire32(addr))
	default:
		return atomicbitops.LoadAcquire64(addr)
	}
}

func casHalf(addr uintptr, expected *uint64, desired uint64, halfBytes uint) bool {
	switch halfBytes {
	case 1:
		e := uint8(*expected)
		ok := atomicbitops.StoreCAS8(&e, uint8(desired), addr)
		*expected = uint64(e)
		return ok
	case 4:
		e := uint32(*expected)
		ok := atomicbitops.StoreCAS32(&e, uint32(desired), addr)
		*expected = uint64(e)
		return ok
	default:
		return atomicbitops.StoreCAS64(expected, desired, addr)
	}
}

// casOp emulates one width-byte atomic read-modify-write (or pure CAS) at
// addr. expectedFn and desiredFn derive the CAS operands from the value
// observed in memory; retry selects RMW semantics (loop until the exchange
// lands) versus the single-shot semantics of CAS and store-release (a
// genuine mismatch is final).
//
// The return value is the width-byte slice that decides the guest-visible
// result: the pre-operation memory value on success, or the observed value
// on a failed CAS.
func casOp(addr uintptr, width uint, retry bool, desiredSrc, expectedSrc uint64, expectedFn, desiredFn opFunc) uint64 {
	// A straddle of a 64-byte line is an x86 split lock; a straddle of a
	// 16-byte line already exceeds what single host primitives can cover.
	if uint(addr&63) > 64-width {
		telemetry.SplitLock.Set()
	}
	if uint(addr&15) > 16-width {
		telemetry.SplitLock16B.Set()
	}

	container, dual := region(addr, width)
	if dual {
		return casDual(addr, width, retry, desiredSrc, expectedSrc, expectedFn, desiredFn)
	}
	return casAligned(addr, width, container, retry, desiredSrc, expectedSrc, expectedFn, desiredFn)
}

// casAligned runs the CAS loop inside a single aligned container word that
// fully covers the access.
func casAligned(addr uintptr, width, container uint, retry bool, desiredSrc, expectedSrc uint64, expectedFn, desiredFn opFunc) uint64 {
	alignment := uint(addr & uintptr(container-1))
	base := addr &^ uintptr(container-1)
	shift := alignment * 8
	widthMask := atomicbitops.ByteMask(width).Lo
	mask := atomicbitops.ByteMask(width).Lsh(shift)
	negMask := mask.Not()

	for {
		actual := loadContainer(base, container)
		cur := actual.Rsh(shift).Lo & widthMask

		desired := desiredFn(cur, desiredSrc) & widthMask
		expected := expectedFn(cur, expectedSrc) & widthMask

		tmpExpected := actual.And(negMask).Or(atomicbitops.U128(expected).Lsh(shift))
		tmpDesired := tmpExpected.And(negMask).Or(atomicbitops.U128(desired).Lsh(shift))

		prev, ok := casContainer(base, container, tmpExpected, tmpDesired)
		if ok {
			return expected
		}
		if retry {
			// RMW semantics retry until the exchange lands.
			continue
		}
		if !prev.And(negMask).Eq(tmpDesired.And(negMask)) {
			// Bits outside our slice changed underneath the CAS; the
			// slice itself is undecided, so try again.
			continue
		}
		// The slice decided the failure (including the case where another
		// writer stored our desired value first). Report what we saw.
		return prev.And(mask).Rsh(shift).Lo
	}
}

// casDual runs the boundary-straddle loop: the access spans two adjacent
// aligned half words, CASed upper half first. If the lower CAS fails after
// the upper committed the operation has torn; for CAS semantics the guest
// re-evaluates from the returned observed value, for RMW semantics there
// is no recovery without hardware transactional memory and the torn value
// is reported as the failed expected.
func casDual(addr uintptr, width uint, retry bool, desiredSrc, expectedSrc uint64, expectedFn, desiredFn opFunc) uint64 {
	var halfBytes uint
	switch width {
	case 2:
		halfBytes = 1
	case 4:
		halfBytes = 4
	default:
		halfBytes = 8
	}
	alignment := uint(addr & uintptr(halfBytes-1))
	base := addr &^ uintptr(halfBytes-1)
	hi := base + uintptr(halfBytes)
	shift := alignment * 8
	halfBits := halfBytes * 8
	halfMask := atomicbitops.ByteMask(halfBytes).Lo
	widthMask := atomicbitops.ByteMask(width).Lo
	mask := atomicbitops.ByteMask(width).Lsh(shift)
	negMask := mask.Not()

	for {
		// Upper half first; the loop's visibility argument depends on
		// this order being stable.
		upper := loadHalf(hi, halfBytes)
		lower := loadHalf(base, halfBytes)
		actual := atomicbitops.U128(upper).Lsh(halfBits).Or(atomicbitops.U128(lower))
		cur := actual.Rsh(shift).Lo & widthMask

		desired := desiredFn(cur, desiredSrc) & widthMask
		expected := expectedFn(cur, expectedSrc) & widthMask

		tmpExpected := actual.And(negMask).Or(atomicbitops.U128(expected).Lsh(shift))
		tmpDesired := tmpExpected.And(negMask).Or(atomicbitops.U128(desired).Lsh(shift))

		tear := false
		if tmpExpected.Eq(actual) {
			expHi := tmpExpected.Rsh(halfBits).Lo & halfMask
			expLo := tmpExpected.Lo & halfMask
			desHi := tmpDesired.Rsh(halfBits).Lo & halfMask
			desLo := tmpDesired.Lo & halfMask

			if casHalf(hi, &expHi, desHi, halfBytes) {
				if casHalf(base, &expLo, desLo, halfBytes) {
					return expected
				}
				tear = true
			}
			tmpExpected = atomicbitops.U128(expHi).Lsh(halfBits).Or(atomicbitops.U128(expLo))
		} else {
			// Mismatch up front.
			tmpExpected = actual
		}

		if !tmpExpected.And(negMask).Eq(tmpDesired.And(negMask)) {
			// Bits outside our slice changed; try again.
			continue
		}
		failed := tmpExpected.And(mask).Rsh(shift).Lo
		if retry {
			if tear {
				// The upper half already committed. XXX: resolve with TME.
				return failed
			}
			continue
		}
		return failed
	}
}
