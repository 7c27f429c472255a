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

package hostcontext

import (
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
)

func TestMContextLayout(t *testing.T) {
	if size := unsafe.Sizeof(SignalContext64{}); size != 4384 {
		t.Errorf("sizeof(SignalContext64) = %d, want 4384", size)
	}
	if size := unsafe.Sizeof(FpsimdContext{}); size != 528 {
		t.Errorf("sizeof(FpsimdContext) = %d, want 528", size)
	}
	var uc UContext64
	if off := unsafe.Offsetof(uc.MContext); off != 176 {
		t.Errorf("UContext64.MContext at offset %d, want 176", off)
	}
}

func TestAccessors(t *testing.T) {
	var uc UContext64
	SetPc(&uc, 0x11112222)
	SetSp(&uc, 0x7fff0000)
	SetReg(&uc, 3, 0xabcdef)
	SetState(&uc, 0x55550000)

	if got := GetPc(&uc); got != 0x11112222 {
		t.Errorf("GetPc = %#x", got)
	}
	if got := GetSp(&uc); got != 0x7fff0000 {
		t.Errorf("GetSp = %#x", got)
	}
	if got := GetReg(&uc, 3); got != 0xabcdef {
		t.Errorf("GetReg(3) = %#x", got)
	}
	if got := GetReg(&uc, StateRegister); got != 0x55550000 {
		t.Errorf("state register = %#x", got)
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	var uc UContext64
	for i := range uc.MContext.Regs {
		uc.MContext.Regs[i] = uint64(i) * 0x1111
	}
	uc.MContext.Sp = 0x7ffe0000
	uc.MContext.Pc = 0x400000
	uc.MContext.Pstate = 0x60000000
	uc.MContext.Fpsimd.Fpsr = 0x10
	uc.MContext.Fpsimd.Vregs[0] = 0xdeadbeef

	var b ContextBackup
	BackupContext(&uc, &b)

	var uc2 UContext64
	RestoreContext(&uc2, &b)

	if diff := cmp.Diff(uc.MContext.Regs, uc2.MContext.Regs); diff != "" {
		t.Errorf("regs mismatch (-want +got):\n%s", diff)
	}
	if uc2.MContext.Sp != uc.MContext.Sp || uc2.MContext.Pc != uc.MContext.Pc || uc2.MContext.Pstate != uc.MContext.Pstate {
		t.Errorf("sp/pc/pstate not restored: %#x %#x %#x", uc2.MContext.Sp, uc2.MContext.Pc, uc2.MContext.Pstate)
	}
	if uc2.MContext.Fpsimd != uc.MContext.Fpsimd {
		t.Errorf("fpsimd not restored")
	}
}
