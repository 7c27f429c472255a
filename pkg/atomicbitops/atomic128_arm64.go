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

//go:build arm64
// +build arm64

package atomicbitops

// loadAcquire128 is implemented in atomic128_arm64.s as LDAXP; CLREX.
//
//go:noescape
func loadAcquire128(addr uintptr) (lo, hi uint64)

// compareAndSwap128 is implemented in atomic128_arm64.s as an
// LDAXP/STLXP loop. The failure path issues CLREX.
//
//go:noescape
func compareAndSwap128(addr uintptr, oldLo, oldHi, newLo, newHi uint64) (prevLo, prevHi uint64, ok bool)
