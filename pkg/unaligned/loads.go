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
	"encoding/binary"

	"lariat.dev/lariat/pkg/atomicbitops"
)

// The misaligned acquire loads. Single-region cases read the covering
// aligned container; boundary straddles read the upper half before the
// lower, mirroring the CAS loops, and are permitted to tear.

func doLoad16(addr uintptr) uint16 {
	if addr&15 == 15 {
		// Crosses the 16-byte boundary; two byte loads, upper first.
		upper := atomicbitops.LoadAcquire8(addr + 1)
		lower := atomicbitops.LoadAcquire8(addr)
		return uint16(upper)<<8 | uint16(lower)
	}
	if addr&7 == 7 {
		// Crosses an 8-byte boundary but stays in the 16-byte line.
		shift := uint(addr&15) * 8
		v := atomicbitops.LoadAcquire128(addr &^ 15)
		return uint16(v.Rsh(shift).Lo)
	}
	if addr&3 == 3 {
		// Crosses a 4-byte boundary. The earlier cases exclude offset 7
		// within the 8-byte word, so addr&^3 is 8-byte aligned here.
		shift := uint(addr&3) * 8
		return uint16(atomicbitops.LoadAcquire64(addr&^3) >> shift)
	}
	shift := uint(addr&3) * 8
	return uint16(atomicbitops.LoadAcquire32(addr&^3) >> shift)
}

func doLoad32(addr uintptr) uint32 {
	if addr&15 > 12 {
		// Crosses the 16-byte boundary; dual 32-bit load, upper first.
		shift := uint(addr&3) * 8
		base := addr &^ 3
		upper := atomicbitops.LoadAcquire32(base + 4)
		lower := atomicbitops.LoadAcquire32(base)
		return uint32((uint64(upper)<<32 | uint64(lower)) >> shift)
	}
	if addr&7 >= 5 {
		shift := uint(addr&15) * 8
		v := atomicbitops.LoadAcquire128(addr &^ 15)
		return uint32(v.Rsh(shift).Lo)
	}
	shift := uint(addr&7) * 8
	return uint32(atomicbitops.LoadAcquire64(addr&^7) >> shift)
}

func doLoad64(addr uintptr) uint64 {
	if addr&15 > 8 {
		// Crosses the 16-byte boundary; dual 64-bit load, upper first.
		shift := uint(addr&7) * 8
		base := addr &^ 7
		upper := atomicbitops.LoadAcquire64(base + 8)
		lower := atomicbitops.LoadAcquire64(base)
		v := atomicbitops.U128FromParts(upper, lower)
		return v.Rsh(shift).Lo
	}
	shift := uint(addr&15) * 8
	v := atomicbitops.LoadAcquire128(addr &^ 15)
	return v.Rsh(shift).Lo
}

func doLoad128(addr uintptr) (lo, hi uint64) {
	// Any misalignment crosses a 16-byte boundary, so this is always two
	// 128-bit loads, upper first.
	alignment := uint(addr & 15)
	base := addr &^ 15
	upper := atomicbitops.LoadAcquire128(base + 16)
	lower := atomicbitops.LoadAcquire128(base)

	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], lower.Lo)
	binary.LittleEndian.PutUint64(buf[8:], lower.Hi)
	binary.LittleEndian.PutUint64(buf[16:], upper.Lo)
	binary.LittleEndian.PutUint64(buf[24:], upper.Hi)

	lo = binary.LittleEndian.Uint64(buf[alignment:])
	hi = binary.LittleEndian.Uint64(buf[alignment+8:])
	return lo, hi
}
