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

//go:build !arm64
// +build !arm64

package atomicbitops

import (
	"sync"
	"unsafe"
)

// The production host is arm64. This fallback exists so the packages built
// on these primitives remain testable on development machines; it is atomic
// only with respect to other users of this package.
var mu128 sync.Mutex

func loadAcquire128(addr uintptr) (lo, hi uint64) {
	mu128.Lock()
	lo = *(*uint64)(unsafe.Pointer(addr))
	hi = *(*uint64)(unsafe.Pointer(addr + 8))
	mu128.Unlock()
	return lo, hi
}

func compareAndSwap128(addr uintptr, oldLo, oldHi, newLo, newHi uint64) (prevLo, prevHi uint64, ok bool) {
	mu128.Lock()
	defer mu128.Unlock()
	pLo := (*uint64)(unsafe.Pointer(addr))
	pHi := (*uint64)(unsafe.Pointer(addr + 8))
	prevLo, prevHi = *pLo, *pHi
	if prevLo != oldLo || prevHi != oldHi {
		return prevLo, prevHi, false
	}
	*pLo, *pHi = newLo, newHi
	return prevLo, prevHi, true
}
