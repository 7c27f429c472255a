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
	"lariat.dev/lariat/pkg/abi/guest"
	"lariat.dev/lariat/pkg/core"
	"lariat.dev/lariat/pkg/hostcontext"
	"lariat.dev/lariat/pkg/log"
)

// si_code values of SIGCHLD that report a stop or resume rather than an
// exit.
const (
	cldTrapped   = 4
	cldStopped   = 5
	cldContinued = 6
)

// hostAltStackSize is the host-side alternate stack each guest thread
// installs for its own signal handling.
const hostAltStackSize = 1 << 16

// HandleSignal is the process entry point out of the host signal thunk.
// Routing order: translator-internal host handler, frontend handler, then
// guest delivery subject to the guest's mask and dispositions.
func HandleSignal(signal int32, info *hostcontext.SignalInfo, uc *hostcontext.UContext64) {
	global.HandleSignal(signal, info, uc)
}

// HandleSignal routes one host signal on the receiving thread.
func (d *Delegator) HandleSignal(signal int32, info *hostcontext.SignalInfo, uc *hostcontext.UContext64) {
	td := d.currentThread()
	h := &d.handlers[signal]

	if td == nil || td.Thread == nil {
		log.Warningf("[%d] Thread has received a signal and hasn't registered itself with the delegator! Programming error!", d.sys.gettid())
		d.fallbackToOldAction(signal, h)
		return
	}

	// Let the translator take first stab at handling the signal.
	if h.handler != nil && h.handler(td.Thread, signal, info, uc) {
		return
	}
	if h.frontendHandler != nil && h.frontendHandler(td.Thread, signal, info, uc) {
		return
	}

	if signal == sigCHLD {
		stopOrResume := info.Code == cldStopped || info.Code == cldContinued || info.Code == cldTrapped
		if h.guestAction.Flags&guest.SA_NOCLDSTOP != 0 && stopOrResume {
			// SA_NOCLDSTOP drops SIGCHLD for stop/continue/trap events.
			return
		}
	}

	// A masked signal is deferred; under sigsuspend the roles flip, since
	// the suspend mask is what's live.
	if td.currentSignalMask.IsMember(signal) != td.suspended {
		td.pendingSignals |= 1 << (signal - 1)
		return
	}

	if td.suspended {
		// Delivery ends the suspension; the original mask comes back.
		td.currentSignalMask = td.previousSuspendMask
		td.previousSuspendMask = SAMask{}
		td.suspended = false
	}

	// The handler runs with sa_mask ORed in, plus the signal itself
	// unless the guest asked for NODEFER.
	td.currentSignalMask.Val |= td.guestSAMask[signal].Val
	if h.guestAction.Flags&guest.SA_NODEFER == 0 {
		td.currentSignalMask.Add(signal)
	}

	td.currentSignal = signal
	td.pendingSignals &^= 1 << (signal - 1)

	switch h.guestAction.Handler {
	case core.HandlerDefault:
		if h.defaultBehaviour == BehaviourIgnore {
			return
		}
		// Default disposition terminates (with or without a core); give
		// the host's disposition the final word.
		d.fallbackToOldAction(signal, h)
		return
	case core.HandlerIgnore:
		return
	default:
		if h.guestHandler != nil && h.guestHandler(td.Thread, signal, info, uc, &h.guestAction, &td.guestAltStack) {
			return
		}
		log.Panicf("Unhandled guest exception: signal %d", signal)
	}
}

// fallbackToOldAction hands the signal to whatever disposition was in
// place before the delegator took the signal over. Handler addresses are
// not directly callable from Go, so the previous action is reinstalled
// and the signal re-raised.
func (d *Delegator) fallbackToOldAction(signal int32, h *signalHandler) {
	switch {
	case h.oldAction.Flags&saSigInfo != 0 ||
		(h.oldAction.Handler != core.HandlerDefault && h.oldAction.Handler != core.HandlerIgnore):
		d.sys.rtSigaction(signal, &h.oldAction, nil)
		d.sys.tgkill(d.sys.getpid(), d.sys.gettid(), signal)
	case h.oldAction.Handler == core.HandlerIgnore ||
		(h.oldAction.Handler == core.HandlerDefault && h.defaultBehaviour == BehaviourIgnore):
		// Do nothing.
	default:
		// Reassign back to default; the re-raised or re-triggered signal
		// then crashes the process the native way.
		var dfl sigAction
		d.sys.rtSigaction(signal, &dfl, nil)
		d.sys.tgkill(d.sys.getpid(), d.sys.gettid(), signal)
	}
}

// RegisterTLSState binds the calling host thread to a guest thread and
// installs the host-side alternate signal stack. Must be called from the
// OS thread the guest thread is pinned to.
func (d *Delegator) RegisterTLSState(t *core.ThreadState) *ThreadData {
	td := &ThreadData{
		Thread: t,
		pid:    d.sys.getpid(),
		tid:    d.sys.gettid(),
	}
	// The guest alt stack starts disabled.
	td.guestAltStack = guest.Stack64{Flags: guest.SS_DISABLE}

	stack, err := d.sys.mmapStack(hostAltStackSize)
	if err != nil {
		log.Panicf("Couldn't allocate alternate stack: %v", err)
	}
	td.altStackPtr = stack

	ss := stackT{
		Sp:   uint64(stackBase(stack)),
		Size: uint64(len(stack)),
	}
	if err := d.sys.sigaltstack(&ss, nil); err != nil {
		log.Warningf("Failed to install alternative signal stack: %v", err)
	}

	// Seed the guest mask from the current host mask.
	d.sys.rtSigprocmask(sigBlock, nil, &td.currentSignalMask.Val)

	d.threads.Store(td.tid, td)
	return td
}

// UninstallTLSState releases the thread's delegator state.
func (d *Delegator) UninstallTLSState(td *ThreadData) {
	d.sys.munmapStack(td.altStackPtr)
	td.altStackPtr = nil
	td.Thread = nil

	ss := stackT{Flags: guest.SS_DISABLE}
	if err := d.sys.sigaltstack(&ss, nil); err != nil {
		log.Warningf("Failed to uninstall alternative signal stack: %v", err)
	}

	d.threads.Delete(td.tid)
}

// sigprocmask how values.
const (
	sigBlock   = 0
	sigUnblock = 1
	sigSetmask = 2
)

// maskSignals adjusts the host mask for every asynchronous signal, or for
// one specific signal.
func (d *Delegator) maskSignals(how int32, signal int32) {
	var set uint64
	if signal == -1 {
		for i := int32(1); i <= MaxSignals; i++ {
			// Synchronous signals must stay deliverable.
			if isSynchronous(i) {
				continue
			}
			set |= 1 << (i - 1)
		}
	} else {
		set |= 1 << (signal - 1)
	}

	if err := d.sys.rtSigprocmask(how, &set, nil); err != nil {
		log.Warningf("Couldn't update the thread signal mask: %v", err)
	}
}

// MaskThreadSignals blocks all asynchronous signals on the calling thread.
// Helper threads use this so stray guest signals can't land on them.
func (d *Delegator) MaskThreadSignals() {
	d.maskSignals(sigBlock, -1)
}

// ResetThreadSignalMask unblocks all asynchronous signals.
func (d *Delegator) ResetThreadSignalMask() {
	d.maskSignals(sigUnblock, -1)
}

// BlockSignal blocks one signal on the calling thread.
func (d *Delegator) BlockSignal(signal int32) {
	d.maskSignals(sigBlock, signal)
}

// UnblockSignal unblocks one signal on the calling thread.
func (d *Delegator) UnblockSignal(signal int32) {
	d.maskSignals(sigUnblock, signal)
}

// KickThread sends a host signal directly to a registered thread.
func (d *Delegator) KickThread(td *ThreadData, signal int32) {
	d.sys.tgkill(td.pid, td.tid, signal)
}
