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

package sigdelegator

import (
	"testing"

	"golang.org/x/sys/unix"

	"lariat.dev/lariat/pkg/abi/guest"
	"lariat.dev/lariat/pkg/core"
	"lariat.dev/lariat/pkg/hostcontext"
)

// fakeSyscalls records delegator syscall traffic without touching the
// host.
type fakeSyscalls struct {
	actions   map[int32]sigAction
	hostMask  uint64
	kills     []int32
	pendingFn func() uint64
}

func newFakeSyscalls() *fakeSyscalls {
	return &fakeSyscalls{actions: make(map[int32]sigAction)}
}

func (f *fakeSyscalls) rtSigaction(signal int32, act, oldact *sigAction) error {
	if oldact != nil {
		*oldact = f.actions[signal]
	}
	if act != nil {
		f.actions[signal] = *act
	}
	return nil
}

func (f *fakeSyscalls) rtSigprocmask(how int32, set, oldset *uint64) error {
	if oldset != nil {
		*oldset = f.hostMask
	}
	if set != nil {
		switch how {
		case sigBlock:
			f.hostMask |= *set
		case sigUnblock:
			f.hostMask &^= *set
		case sigSetmask:
			f.hostMask = *set
		}
	}
	return nil
}

func (f *fakeSyscalls) sigaltstack(ss, oss *stackT) error { return nil }
func (f *fakeSyscalls) rtSigsuspend(mask uint64) error    { return unix.EINTR }

func (f *fakeSyscalls) rtSigtimedwait(set uint64, info *byte, timeout *timespec) (int32, error) {
	return 0, unix.EAGAIN
}

func (f *fakeSyscalls) signalfd4(fd int32, mask uint64, flags int32) (int32, error) {
	return 42, nil
}

func (f *fakeSyscalls) sigpending() (uint64, error) {
	if f.pendingFn != nil {
		return f.pendingFn(), nil
	}
	return 0, nil
}

func (f *fakeSyscalls) tgkill(pid, tid int, signal int32) error {
	f.kills = append(f.kills, signal)
	return nil
}

func (f *fakeSyscalls) gettid() int { return 1001 }
func (f *fakeSyscalls) getpid() int { return 1000 }

func (f *fakeSyscalls) mmapStack(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (f *fakeSyscalls) munmapStack(b []byte) error { return nil }

func newTestDelegator(t *testing.T) (*Delegator, *fakeSyscalls, *ThreadData) {
	t.Helper()
	if global != nil {
		t.Fatal("leftover global delegator")
	}
	d := New(0x7100_0000)
	t.Cleanup(func() { global = nil })

	fake := newFakeSyscalls()
	d.sys = fake

	td := d.RegisterTLSState(&core.ThreadState{CurrentFrame: &core.CPUState{}})
	return d, fake, td
}

func TestDoubleRegisterPanics(t *testing.T) {
	_, _, _ = newTestDelegator(t)
	defer func() {
		if recover() == nil {
			t.Error("second New did not panic")
		}
	}()
	New(0x7100_0000)
}

func TestInstallHostThunk(t *testing.T) {
	d, fake, _ := newTestDelegator(t)

	d.RegisterHostSignalHandler(sigBUS, func(*core.ThreadState, int32, *hostcontext.SignalInfo, *hostcontext.UContext64) bool {
		return true
	}, true)

	act, ok := fake.actions[sigBUS]
	if !ok {
		t.Fatal("no host action installed for SIGBUS")
	}
	if act.Handler != 0x7100_0000 {
		t.Errorf("installed handler = %#x, want the thunk", act.Handler)
	}
	if act.Flags&saSigInfo == 0 || act.Flags&saOnStack == 0 {
		t.Errorf("installed flags = %#x, want SA_SIGINFO|SA_ONSTACK", act.Flags)
	}
}

func TestHostHandlerConsumesSignal(t *testing.T) {
	d, _, _ := newTestDelegator(t)

	hostCalled := false
	guestCalled := false
	d.RegisterHostSignalHandler(sigBUS, func(*core.ThreadState, int32, *hostcontext.SignalInfo, *hostcontext.UContext64) bool {
		hostCalled = true
		return true
	}, true)
	d.RegisterHostSignalHandlerForGuest(sigBUS, func(*core.ThreadState, int32, *hostcontext.SignalInfo, *hostcontext.UContext64, *core.GuestSigAction, *guest.Stack64) bool {
		guestCalled = true
		return true
	})

	d.HandleSignal(sigBUS, &hostcontext.SignalInfo{Signo: sigBUS, Code: 1}, &hostcontext.UContext64{})
	if !hostCalled {
		t.Error("host handler not consulted")
	}
	if guestCalled {
		t.Error("guest handler called although the host handler consumed the signal")
	}
}

func TestGuestDelivery(t *testing.T) {
	d, _, td := newTestDelegator(t)

	var deliveredAction core.GuestSigAction
	d.RegisterHostSignalHandlerForGuest(sigSEGV, func(_ *core.ThreadState, _ int32, _ *hostcontext.SignalInfo, _ *hostcontext.UContext64, action *core.GuestSigAction, _ *guest.Stack64) bool {
		deliveredAction = *action
		return true
	})

	action := &core.GuestSigAction{Handler: 0x400800, Flags: guest.SA_SIGINFO, Mask: 1 << (sigCHLD - 1)}
	if res := d.RegisterGuestSignalHandler(sigSEGV, action, nil); res != 0 {
		t.Fatalf("RegisterGuestSignalHandler = %d", res)
	}

	d.HandleSignal(sigSEGV, &hostcontext.SignalInfo{Signo: sigSEGV, Code: 1}, &hostcontext.UContext64{})
	if deliveredAction.Handler != 0x400800 {
		t.Fatalf("guest handler not reached, action = %#v", deliveredAction)
	}
	// The handler runs with sa_mask ORed in and the signal deferred.
	if !td.currentSignalMask.IsMember(sigCHLD) {
		t.Error("sa_mask not applied during delivery")
	}
	if !td.currentSignalMask.IsMember(sigSEGV) {
		t.Error("delivered signal not deferred without SA_NODEFER")
	}
	if td.currentSignal != sigSEGV {
		t.Errorf("current signal = %d", td.currentSignal)
	}
}

func TestMaskedSignalDeferred(t *testing.T) {
	d, fake, td := newTestDelegator(t)

	delivered := false
	d.RegisterHostSignalHandlerForGuest(sigURG, func(*core.ThreadState, int32, *hostcontext.SignalInfo, *hostcontext.UContext64, *core.GuestSigAction, *guest.Stack64) bool {
		delivered = true
		return true
	})
	d.RegisterGuestSignalHandler(sigURG, &core.GuestSigAction{Handler: 0x400800}, nil)

	// Mask it, deliver it: it must pend rather than dispatch.
	set := uint64(1) << (sigURG - 1)
	if res := d.GuestSigProcMask(sigBlock, &set, nil); res != 0 {
		t.Fatalf("GuestSigProcMask = %d", res)
	}
	d.HandleSignal(sigURG, &hostcontext.SignalInfo{Signo: sigURG}, &hostcontext.UContext64{})
	if delivered {
		t.Fatal("masked signal was delivered")
	}
	if td.pendingSignals&set == 0 {
		t.Fatal("masked signal not recorded as pending")
	}

	// Unmasking redelivers through tgkill.
	if res := d.GuestSigProcMask(sigUnblock, &set, nil); res != 0 {
		t.Fatalf("GuestSigProcMask = %d", res)
	}
	if len(fake.kills) != 1 || fake.kills[0] != sigURG {
		t.Errorf("redelivery kills = %v, want [%d]", fake.kills, sigURG)
	}
}

func TestSigProcMaskProtectsRequiredSignals(t *testing.T) {
	d, fake, _ := newTestDelegator(t)

	d.RegisterHostSignalHandler(sigBUS, func(*core.ThreadState, int32, *hostcontext.SignalInfo, *hostcontext.UContext64) bool {
		return true
	}, true)

	// The guest masks everything, including SIGBUS, SIGKILL, SIGSTOP.
	set := ^uint64(0)
	if res := d.GuestSigProcMask(sigSetmask, &set, nil); res != 0 {
		t.Fatalf("GuestSigProcMask = %d", res)
	}
	if fake.hostMask&(1<<(sigBUS-1)) != 0 {
		t.Error("required SIGBUS masked on the host")
	}

	var observed uint64
	d.GuestSigProcMask(sigBlock, nil, &observed)
	if observed&(1<<(sigKILL-1)) != 0 || observed&(1<<(sigSTOP-1)) != 0 {
		t.Error("SIGKILL/SIGSTOP made it into the guest mask")
	}
	// But the guest still believes SIGBUS is masked.
	if observed&(1<<(sigBUS-1)) == 0 {
		t.Error("guest view of its own mask lost SIGBUS")
	}
}

func TestSigAltStackRules(t *testing.T) {
	d, _, td := newTestDelegator(t)

	// Invalid flags.
	if res := d.RegisterGuestSigAltStack(&guest.Stack64{Flags: guest.SS_ONSTACK}, nil); res != -int64(unix.EINVAL) {
		t.Errorf("invalid flags = %d, want -EINVAL", res)
	}

	// Too small.
	small := &guest.Stack64{Sp: 0x10000, Size: 0x100}
	if res := d.RegisterGuestSigAltStack(small, nil); res != -int64(unix.ENOMEM) {
		t.Errorf("undersized stack = %d, want -ENOMEM", res)
	}

	// A valid stack installs.
	ok := &guest.Stack64{Sp: 0x10000, Size: guest.MinSigStackSize}
	if res := d.RegisterGuestSigAltStack(ok, nil); res != 0 {
		t.Fatalf("valid stack = %d", res)
	}

	// Reading back while off-stack reports SS_DISABLE.
	var old guest.Stack64
	if res := d.RegisterGuestSigAltStack(nil, &old); res != 0 {
		t.Fatalf("query = %d", res)
	}
	if old.Flags&guest.SS_DISABLE == 0 {
		t.Error("inactive alt stack not reported as disabled")
	}

	// While executing on the stack, reads report SS_ONSTACK and changes
	// are refused.
	td.Thread.CurrentFrame.Gregs[core.RegRSP] = 0x10000 + 0x800
	if res := d.RegisterGuestSigAltStack(nil, &old); res != 0 {
		t.Fatalf("query = %d", res)
	}
	if old.Flags&guest.SS_ONSTACK == 0 {
		t.Error("active alt stack not reported as on-stack")
	}
	if res := d.RegisterGuestSigAltStack(ok, nil); res != -int64(unix.EPERM) {
		t.Errorf("change while active = %d, want -EPERM", res)
	}
}

func TestSigactionRejectsKillStop(t *testing.T) {
	d, _, _ := newTestDelegator(t)
	action := &core.GuestSigAction{Handler: 0x400800}
	if res := d.RegisterGuestSignalHandler(sigKILL, action, nil); res != -int64(unix.EINVAL) {
		t.Errorf("SIGKILL sigaction = %d, want -EINVAL", res)
	}
	if res := d.RegisterGuestSignalHandler(sigSTOP, action, nil); res != -int64(unix.EINVAL) {
		t.Errorf("SIGSTOP sigaction = %d, want -EINVAL", res)
	}
}

func TestSigChldNoCldStopDropped(t *testing.T) {
	d, _, _ := newTestDelegator(t)

	delivered := false
	d.RegisterHostSignalHandlerForGuest(sigCHLD, func(*core.ThreadState, int32, *hostcontext.SignalInfo, *hostcontext.UContext64, *core.GuestSigAction, *guest.Stack64) bool {
		delivered = true
		return true
	})
	d.RegisterGuestSignalHandler(sigCHLD, &core.GuestSigAction{Handler: 0x400800, Flags: guest.SA_NOCLDSTOP}, nil)

	d.HandleSignal(sigCHLD, &hostcontext.SignalInfo{Signo: sigCHLD, Code: cldStopped}, &hostcontext.UContext64{})
	if delivered {
		t.Error("CLD_STOPPED delivered despite SA_NOCLDSTOP")
	}

	d.HandleSignal(sigCHLD, &hostcontext.SignalInfo{Signo: sigCHLD, Code: 1 /* CLD_EXITED */}, &hostcontext.UContext64{})
	if !delivered {
		t.Error("CLD_EXITED not delivered")
	}
}

func TestIgnoredDefaultDropped(t *testing.T) {
	d, fake, _ := newTestDelegator(t)
	// SIGWINCH defaults to ignore; no guest action registered.
	d.HandleSignal(sigWINCH, &hostcontext.SignalInfo{Signo: sigWINCH}, &hostcontext.UContext64{})
	if len(fake.kills) != 0 {
		t.Errorf("ignored-by-default signal re-raised: %v", fake.kills)
	}
}

func TestGuestSigPendingMergesHost(t *testing.T) {
	d, fake, td := newTestDelegator(t)
	td.pendingSignals = 1 << (sigURG - 1)
	fake.pendingFn = func() uint64 { return 1 << (sigCHLD - 1) }

	var set uint64
	if res := d.GuestSigPending(&set, 8); res != 0 {
		t.Fatalf("GuestSigPending = %d", res)
	}
	want := uint64(1)<<(sigURG-1) | uint64(1)<<(sigCHLD-1)
	if set != want {
		t.Errorf("pending = %#x, want %#x", set, want)
	}
	if res := d.GuestSigPending(&set, 16); res != -int64(unix.EINVAL) {
		t.Errorf("oversized sigset = %d, want -EINVAL", res)
	}
}
