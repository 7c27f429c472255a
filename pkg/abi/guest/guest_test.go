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

import (
	"testing"
	"unsafe"
)

// The guest reads these structures byte for byte; any size drift is an ABI
// break.
func TestLayoutSizes(t *testing.T) {
	for _, tc := range []struct {
		name string
		size uintptr
		want uintptr
	}{
		{"SigInfo64", unsafe.Sizeof(SigInfo64{}), 128},
		{"SigInfo32", unsafe.Sizeof(SigInfo32{}), 128},
		{"Stack64", unsafe.Sizeof(Stack64{}), 24},
		{"Stack32", unsafe.Sizeof(Stack32{}), 12},
		{"FPState64", unsafe.Sizeof(FPState64{}), 512},
		{"FPState32", unsafe.Sizeof(FPState32{}), 624},
		{"MContext64", unsafe.Sizeof(MContext64{}), 256},
		{"MContext32", unsafe.Sizeof(MContext32{}), 88},
		{"UContext64", unsafe.Sizeof(UContext64{}), 968},
		{"UContext32", unsafe.Sizeof(UContext32{}), 860},
		{"EpollEvent32", unsafe.Sizeof(EpollEvent32{}), 12},
	} {
		if tc.size != tc.want {
			t.Errorf("sizeof(%s) = %d, want %d", tc.name, tc.size, tc.want)
		}
	}
}

func TestLayoutOffsets(t *testing.T) {
	var uc64 UContext64
	if off := unsafe.Offsetof(uc64.MContext); off != 40 {
		t.Errorf("UContext64.MContext at offset %d, want 40", off)
	}
	if off := unsafe.Offsetof(uc64.FPRegsMem); off != 424 {
		t.Errorf("UContext64.FPRegsMem at offset %d, want 424", off)
	}
	var uc32 UContext32
	if off := unsafe.Offsetof(uc32.MContext); off != 20 {
		t.Errorf("UContext32.MContext at offset %d, want 20", off)
	}
	if off := unsafe.Offsetof(uc32.FPRegsMem); off != 236 {
		t.Errorf("UContext32.FPRegsMem at offset %d, want 236", off)
	}
	var fp32 FPState32
	if off := unsafe.Offsetof(fp32.Status); off != 108 {
		t.Errorf("FPState32.Status at offset %d, want 108", off)
	}
	if off := unsafe.Offsetof(fp32.Magic); off != 110 {
		t.Errorf("FPState32.Magic at offset %d, want 110", off)
	}
}

func TestFSWPacking(t *testing.T) {
	for _, tc := range []struct {
		top, c0, c1, c2, c3 uint16
		want                uint16
	}{
		{0, 0, 0, 0, 0, 0},
		{7, 0, 0, 0, 0, 0x3800},
		{0, 1, 0, 0, 0, 0x0100},
		{0, 0, 1, 0, 0, 0x0200},
		{0, 0, 0, 1, 0, 0x0400},
		{0, 0, 0, 0, 1, 0x4000},
		{3, 1, 1, 1, 1, 0x1800 | 0x0100 | 0x0200 | 0x0400 | 0x4000},
	} {
		got := PackFSW(tc.top, tc.c0, tc.c1, tc.c2, tc.c3)
		if got != tc.want {
			t.Errorf("PackFSW(%d,%d,%d,%d,%d) = %#x, want %#x", tc.top, tc.c0, tc.c1, tc.c2, tc.c3, got, tc.want)
		}
		top, c0, c1, c2, c3 := UnpackFSW(got)
		if top != tc.top || c0 != tc.c0 || c1 != tc.c1 || c2 != tc.c2 || c3 != tc.c3 {
			t.Errorf("UnpackFSW(%#x) = (%d,%d,%d,%d,%d), want (%d,%d,%d,%d,%d)",
				got, top, c0, c1, c2, c3, tc.top, tc.c0, tc.c1, tc.c2, tc.c3)
		}
	}
}

func TestSigInfoAccessors(t *testing.T) {
	var si SigInfo64
	si.SetPID(1234)
	si.SetUID(1000)
	si.SetStatus(9)
	si.SetUtime(77)
	si.SetStime(88)
	if si.PID() != 1234 || si.UID() != 1000 || si.Status() != 9 {
		t.Errorf("sigchld fields round-trip failed: pid=%d uid=%d status=%d", si.PID(), si.UID(), si.Status())
	}
	if si.Utime() != 77 || si.Stime() != 88 {
		t.Errorf("times round-trip failed: utime=%d stime=%d", si.Utime(), si.Stime())
	}

	var fault SigInfo64
	fault.SetAddr(0xdeadbeef00)
	if fault.Addr() != 0xdeadbeef00 {
		t.Errorf("Addr round-trip = %#x", fault.Addr())
	}
}

func TestFixCodeForUser(t *testing.T) {
	si := SigInfo64{Code: 0x00120001}
	si.FixCodeForUser()
	if si.Code != 1 {
		t.Errorf("positive code not masked: %#x", si.Code)
	}
	si = SigInfo64{Code: -1}
	si.FixCodeForUser()
	if si.Code != -1 {
		t.Errorf("negative code must be preserved: %d", si.Code)
	}
}
