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
	"unsafe"

	"golang.org/x/sys/unix"

	"lariat.dev/lariat/pkg/abi/guest"
	"lariat.dev/lariat/pkg/core"
)

func firstByte(si *guest.SigInfo64) *byte {
	return (*byte)(unsafe.Pointer(si))
}

// The guest-facing operations return kernel-style results: 0 or a
// negative errno, as the syscall layer hands back to the guest.

func errnoResult(e unix.Errno) int64 {
	return -int64(e)
}

// RegisterGuestSignalHandler emulates the guest's rt_sigaction.
func (d *Delegator) RegisterGuestSignalHandler(signal int32, action, oldAction *core.GuestSigAction) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if signal < 0 || signal > MaxSignals {
		return errnoResult(unix.EINVAL)
	}

	if oldAction != nil {
		*oldAction = d.handlers[signal].guestAction
	}

	if action != nil {
		// These dispositions can't be changed on Linux.
		if signal == sigKILL || signal == sigSTOP {
			return errnoResult(unix.EINVAL)
		}

		d.handlers[signal].guestAction = *action
		if td := d.currentThread(); td != nil {
			td.guestSAMask[signal] = SAMask{Val: action.Mask}
		}

		// Only refresh the thunk when a fresh install didn't happen.
		if !d.installHostThunk(signal) {
			d.updateHostThunk(signal)
		}
	}

	return 0
}

// RegisterGuestSigAltStack emulates the guest's sigaltstack.
func (d *Delegator) RegisterGuestSigAltStack(ss, oldSS *guest.Stack64) int64 {
	td := d.currentThread()
	if td == nil {
		return errnoResult(unix.EINVAL)
	}

	usingAltStack := false
	if td.guestAltStack.Flags&guest.SS_DISABLE == 0 && td.Thread != nil {
		sp := td.Thread.CurrentFrame.Gregs[core.RegRSP]
		usingAltStack = td.guestAltStack.Contains(sp)
	}

	if oldSS != nil {
		*oldSS = td.guestAltStack
		if usingAltStack {
			oldSS.Flags |= guest.SS_ONSTACK
		} else {
			oldSS.Flags |= guest.SS_DISABLE
		}
	}

	if ss != nil {
		// Changing the stack out from under a live handler is an error.
		if usingAltStack {
			return errnoResult(unix.EPERM)
		}

		// Only SS_AUTODISARM and SS_DISABLE may be passed in.
		if uint32(ss.Flags)&^uint32(guest.SS_AUTODISARM|guest.SS_DISABLE) != 0 {
			return errnoResult(unix.EINVAL)
		}

		if ss.Flags&guest.SS_DISABLE != 0 {
			// Disabling ignores the other fields.
			td.guestAltStack = *ss
			return 0
		}

		if ss.Size < guest.MinSigStackSize {
			return errnoResult(unix.ENOMEM)
		}

		td.guestAltStack = *ss
	}

	return 0
}

// checkForPendingSignals redelivers any pending signal that the mask no
// longer blocks. Delivery happens through a real tgkill, so the thread
// may take the signal before this returns.
func (d *Delegator) checkForPendingSignals(td *ThreadData) {
	pending := ^td.currentSignalMask.Val & td.pendingSignals
	if pending == 0 {
		return
	}
	for i := int32(0); i < MaxSignals; i++ {
		if pending&(1<<i) != 0 {
			d.sys.tgkill(td.pid, td.tid, i+1)
		}
	}
}

// GuestSigProcMask emulates the guest's rt_sigprocmask.
func (d *Delegator) GuestSigProcMask(how int32, set, oldset *uint64) int64 {
	td := d.currentThread()
	if td == nil {
		return errnoResult(unix.EINVAL)
	}

	if oldset != nil {
		*oldset = td.currentSignalMask.Val
	}

	if set != nil {
		// SIGKILL and SIGSTOP can never be masked.
		ignored := ^(uint64(1)<<(sigKILL-1) | uint64(1)<<(sigSTOP-1))
		switch how {
		case sigBlock:
			td.currentSignalMask.Val |= *set & ignored
		case sigUnblock:
			td.currentSignalMask.Val &^= *set & ignored
		case sigSetmask:
			td.currentSignalMask.Val = *set & ignored
		default:
			return errnoResult(unix.EINVAL)
		}

		// Apply to the host, hiding that required translator signals
		// stay unmasked regardless of what the guest asked for.
		hostMask := td.currentSignalMask.Val
		for i := int32(1); i <= MaxSignals; i++ {
			if d.handlers[i].required.Load() {
				hostMask &^= 1 << (i - 1)
			}
		}
		d.sys.rtSigprocmask(sigSetmask, &hostMask, nil)
	}

	d.checkForPendingSignals(td)
	return 0
}

// GuestSigPending emulates the guest's rt_sigpending.
func (d *Delegator) GuestSigPending(set *uint64, sigsetsize uint64) int64 {
	if sigsetsize > 8 {
		return errnoResult(unix.EINVAL)
	}
	td := d.currentThread()
	if td == nil {
		return errnoResult(unix.EINVAL)
	}

	*set = td.pendingSignals
	if hostPending, err := d.sys.sigpending(); err == nil {
		// Merge the signals actually pending on the host.
		*set |= hostPending
	}
	return 0
}

// GuestSigSuspend emulates the guest's rt_sigsuspend.
func (d *Delegator) GuestSigSuspend(set *uint64, sigsetsize uint64) int64 {
	if sigsetsize > 8 {
		return errnoResult(unix.EINVAL)
	}
	td := d.currentThread()
	if td == nil {
		return errnoResult(unix.EINVAL)
	}

	ignored := ^(uint64(1)<<(sigKILL-1) | uint64(1)<<(sigSTOP-1))

	td.previousSuspendMask = td.currentSignalMask
	td.currentSignalMask = SAMask{Val: *set & ignored}
	td.suspended = true

	err := d.sys.rtSigsuspend(*set & ignored)

	d.checkForPendingSignals(td)

	if err != nil {
		if e, ok := err.(unix.Errno); ok {
			return errnoResult(e)
		}
		return errnoResult(unix.EINTR)
	}
	return 0
}

// GuestSigTimedWait emulates the guest's rt_sigtimedwait. info receives
// the host siginfo bytes, which match the 64-bit guest layout.
func (d *Delegator) GuestSigTimedWait(set *uint64, info *guest.SigInfo64, timeoutSec, timeoutNsec int64, sigsetsize uint64) int64 {
	if sigsetsize > 8 {
		return errnoResult(unix.EINVAL)
	}

	var ts *timespec
	if timeoutSec >= 0 {
		ts = &timespec{Sec: timeoutSec, Nsec: timeoutNsec}
	}
	sig, err := d.sys.rtSigtimedwait(*set, firstByte(info), ts)
	if err != nil {
		if e, ok := err.(unix.Errno); ok {
			return errnoResult(e)
		}
		return errnoResult(unix.EINTR)
	}
	return int64(sig)
}

// GuestSignalFD emulates the guest's signalfd4. Translator-internal
// signals are hidden from the mask.
func (d *Delegator) GuestSignalFD(fd int32, set *uint64, sigsetsize uint64, flags int32) int64 {
	if sigsetsize > 8 {
		return errnoResult(unix.EINVAL)
	}
	td := d.currentThread()
	if td == nil {
		return errnoResult(unix.EINVAL)
	}

	var hostMask uint64
	for i := int32(0); i < MaxSignals; i++ {
		if d.handlers[i+1].required.Load() {
			continue
		}
		if *set&(1<<i) != 0 {
			hostMask |= 1 << i
		}
	}

	newFD, err := d.sys.signalfd4(fd, hostMask, flags)
	if err != nil {
		if e, ok := err.(unix.Errno); ok {
			return errnoResult(e)
		}
		return errnoResult(unix.EINVAL)
	}
	return int64(newFD)
}
