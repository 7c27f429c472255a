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

// Package sigdelegator routes host signals between the translator's own
// handlers and the guest's registered ones, and emulates the guest's
// procmask, sigaltstack, and pending-signal behavior.
//
// There is exactly one delegator per process, initialized at translator
// startup; signal handlers treat it as immutable.
package sigdelegator

import (
	"sync"

	"lariat.dev/lariat/pkg/abi/guest"
	"lariat.dev/lariat/pkg/atomicbitops"
	"lariat.dev/lariat/pkg/core"
	"lariat.dev/lariat/pkg/hostcontext"
	"lariat.dev/lariat/pkg/log"
)

// MaxSignals is the highest host signal number.
const MaxSignals = 64

// DefaultBehaviour is the disposition of an unhandled signal.
type DefaultBehaviour int

const (
	// BehaviourTerm terminates the process.
	BehaviourTerm DefaultBehaviour = iota

	// BehaviourCoreDump terminates with a core dump.
	BehaviourCoreDump

	// BehaviourIgnore drops the signal.
	BehaviourIgnore
)

// HostSignalHandler gets first crack at a host signal; returning true
// consumes it.
type HostSignalHandler func(t *core.ThreadState, signal int32, info *hostcontext.SignalInfo, uc *hostcontext.UContext64) bool

// GuestSignalHandler delivers a signal to the guest's registered handler.
type GuestSignalHandler func(t *core.ThreadState, signal int32, info *hostcontext.SignalInfo, uc *hostcontext.UContext64, action *core.GuestSigAction, stack *guest.Stack64) bool

// signalHandler is the per-signal routing state.
type signalHandler struct {
	handler         HostSignalHandler
	frontendHandler HostSignalHandler
	guestHandler    GuestSignalHandler

	guestAction core.GuestSigAction
	hostAction  sigAction
	oldAction   sigAction

	defaultBehaviour DefaultBehaviour
	installed        bool
	required         atomicbitops.Bool
}

// SAMask is a guest signal set.
type SAMask struct {
	Val uint64
}

// IsMember returns whether signal is in the set. Signal 0 isn't real, so
// everything is offset by one inside the set.
func (m *SAMask) IsMember(signal int32) bool {
	return m.Val>>(signal-1)&1 != 0
}

// Add inserts signal into the set.
func (m *SAMask) Add(signal int32) {
	m.Val |= 1 << (signal - 1)
}

// ThreadData is the delegator's per-thread state.
type ThreadData struct {
	Thread *core.ThreadState

	altStackPtr   []byte
	guestAltStack guest.Stack64

	// guestSAMask is the per-signal sa_mask from the guest's sigaction,
	// ORed into the mask for the duration of that handler.
	guestSAMask [MaxSignals + 1]SAMask

	// currentSignalMask is the thread's live guest signal mask.
	currentSignalMask SAMask

	// previousSuspendMask is the mask to restore after sigsuspend.
	previousSuspendMask SAMask

	currentSignal  int32
	pendingSignals uint64
	suspended      bool

	pid int
	tid int
}

// Delegator is the process-wide signal router.
type Delegator struct {
	mu sync.Mutex

	handlers [MaxSignals + 1]signalHandler

	// threads maps host tids to their registered thread state. Signal
	// handlers perform lock-free reads.
	threads sync.Map // int -> *ThreadData

	// sys performs the host syscalls; replaceable for tests.
	sys hostSyscalls

	// thunk is the host address of the JIT-generated signal entry stub
	// installed as every host sigaction.
	thunk uintptr
}

// process-wide delegator, set once at startup.
var global *Delegator

// New creates and registers the process-wide delegator. thunk is the host
// address signal dispositions point at; the stub calls HandleSignal.
func New(thunk uintptr) *Delegator {
	if global != nil {
		log.Panicf("Can't register global delegator multiple times!")
	}
	d := &Delegator{
		sys:   newDefaultSyscalls(),
		thunk: thunk,
	}

	// Signal zero isn't real, and SIGKILL/SIGSTOP can't be captured.
	d.handlers[0].installed = true
	d.handlers[sigKILL].installed = true
	d.handlers[sigSTOP].installed = true

	for sig, behaviour := range map[int32]DefaultBehaviour{
		sigQUIT:  BehaviourCoreDump,
		sigILL:   BehaviourCoreDump,
		sigTRAP:  BehaviourCoreDump,
		sigABRT:  BehaviourCoreDump,
		sigBUS:   BehaviourCoreDump,
		sigFPE:   BehaviourCoreDump,
		sigSEGV:  BehaviourCoreDump,
		sigCHLD:  BehaviourIgnore,
		sigCONT:  BehaviourIgnore,
		sigURG:   BehaviourIgnore,
		sigXCPU:  BehaviourCoreDump,
		sigXFSZ:  BehaviourCoreDump,
		sigSYS:   BehaviourCoreDump,
		sigWINCH: BehaviourIgnore,
	} {
		d.handlers[sig].defaultBehaviour = behaviour
	}

	global = d
	return d
}

// Get returns the process-wide delegator.
func Get() *Delegator {
	return global
}

// Shutdown restores every replaced host action and unregisters the
// delegator.
func (d *Delegator) Shutdown() {
	for i := int32(1); i <= MaxSignals; i++ {
		h := &d.handlers[i]
		if i == sigKILL || i == sigSTOP || !h.installed {
			continue
		}
		d.sys.rtSigaction(i, &h.oldAction, nil)
		h.installed = false
	}
	global = nil
}

func isSynchronous(signal int32) bool {
	switch signal {
	case sigBUS, sigFPE, sigILL, sigSEGV, sigTRAP:
		return true
	}
	return false
}

// SetCurrentSignal records which signal is current for the calling thread;
// the dispatcher invokes this when unwinding nested signal frames.
func (d *Delegator) SetCurrentSignal(signal int32) {
	if td := d.currentThread(); td != nil {
		td.currentSignal = signal
	}
}

func (d *Delegator) currentThread() *ThreadData {
	v, ok := d.threads.Load(d.sys.gettid())
	if !ok {
		return nil
	}
	return v.(*ThreadData)
}

// RegisterHostSignalHandler installs a translator-internal handler for a
// host signal. Required signals are never masked on behalf of the guest.
func (d *Delegator) RegisterHostSignalHandler(signal int32, fn HostSignalHandler, required bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[signal].handler = fn
	d.handlers[signal].required.Store(required)
	d.installHostThunk(signal)
}

// RegisterFrontendHostSignalHandler installs a frontend handler consulted
// after the host handler.
func (d *Delegator) RegisterFrontendHostSignalHandler(signal int32, fn HostSignalHandler, required bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[signal].frontendHandler = fn
	d.handlers[signal].required.Store(required)
	d.installHostThunk(signal)
}

// RegisterHostSignalHandlerForGuest installs the guest delivery hook.
func (d *Delegator) RegisterHostSignalHandlerForGuest(signal int32, fn GuestSignalHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[signal].guestHandler = fn
}

// installHostThunk installs the host-level thunk for signal if it isn't
// already. Returns whether a fresh installation happened.
func (d *Delegator) installHostThunk(signal int32) bool {
	h := &d.handlers[signal]
	if h.installed {
		return false
	}

	h.hostAction.Flags = saSigInfo | saOnStack
	ok := d.updateHostThunk(signal)
	h.installed = ok
	return ok
}

// updateHostThunk refreshes the host action for signal from the guest's
// action flags and mask.
func (d *Delegator) updateHostThunk(signal int32) bool {
	h := &d.handlers[signal]

	h.hostAction.Handler = uint64(d.thunk)

	if h.guestAction.Flags&guest.SA_NODEFER != 0 {
		// The guest wants NODEFER; so do we.
		h.hostAction.Flags |= saNoDefer
	}
	if (h.hostAction.Flags^h.guestAction.Flags)&guest.SA_RESTART != 0 {
		h.hostAction.Flags &^= saRestart
		h.hostAction.Flags |= h.guestAction.Flags & guest.SA_RESTART
	}

	// Mask what the guest masks, but never the signals the translator
	// itself depends on.
	for i := int32(1); i <= MaxSignals; i++ {
		if d.handlers[i].required.Load() {
			h.hostAction.Mask &^= 1 << (i - 1)
		} else if (&SAMask{Val: h.guestAction.Mask}).IsMember(i) {
			h.hostAction.Mask |= 1 << (i - 1)
		}
	}

	var old *sigAction
	if !h.installed {
		old = &h.oldAction
	}
	if err := d.sys.rtSigaction(signal, &h.hostAction, old); err != nil {
		// Signals 32 and 33 are consumed by the host libc.
		log.Warningf("Failed to install host signal thunk for signal %d: %v", signal, err)
		return false
	}
	return true
}
