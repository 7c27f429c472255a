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

// Package translator composes the core subsystems: it owns the process
// context, binds guest threads to dispatchers, and routes host traps to
// the misaligned-atomic emulator and the guest signal pipeline.
package translator

import (
	"sync"

	"lariat.dev/lariat/pkg/abi/guest"
	"lariat.dev/lariat/pkg/config"
	"lariat.dev/lariat/pkg/core"
	"lariat.dev/lariat/pkg/dispatcher"
	"lariat.dev/lariat/pkg/hostcontext"
	"lariat.dev/lariat/pkg/sigdelegator"
	"lariat.dev/lariat/pkg/unaligned"
)

// Host signal numbers the translator reserves.
const (
	sigILL = 4
	sigBUS = 7
)

// Thread pairs a guest thread with its dispatcher and delegator state.
type Thread struct {
	State      *core.ThreadState
	Dispatcher *dispatcher.Dispatcher
	TLS        *sigdelegator.ThreadData
}

// Translator is the process-wide composition root.
type Translator struct {
	Options   config.Options
	Context   *core.Context
	Delegator *sigdelegator.Delegator

	mu      sync.Mutex
	threads map[*core.ThreadState]*Thread
}

// New builds a Translator around the resolved options. thunk is the host
// signal entry stub the JIT publishes.
func New(opts config.Options, thunk uintptr) *Translator {
	return &Translator{
		Options:   opts,
		Context:   core.NewContext(),
		Delegator: sigdelegator.New(thunk),
		threads:   make(map[*core.ThreadState]*Thread),
	}
}

// RegisterThread binds the calling host thread to a new guest thread.
func (t *Translator) RegisterThread(state *core.ThreadState) *Thread {
	d := &dispatcher.Dispatcher{
		CTX:        t.Context,
		Thread:     state,
		Notifier:   t.Delegator,
		Is64Bit:    t.Options.Is64BitMode,
		SRAEnabled: t.Options.SRAEnabled,
		SRAMap:     dispatcher.DefaultSRAMap(),
	}
	th := &Thread{
		State:      state,
		Dispatcher: d,
		TLS:        t.Delegator.RegisterTLSState(state),
	}
	t.mu.Lock()
	t.threads[state] = th
	t.mu.Unlock()
	return th
}

// UnregisterThread releases a thread's translator state.
func (t *Translator) UnregisterThread(th *Thread) {
	t.Delegator.UninstallTLSState(th.TLS)
	t.mu.Lock()
	delete(t.threads, th.State)
	t.mu.Unlock()
}

func (t *Translator) threadFor(state *core.ThreadState) *Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threads[state]
}

// InstallHandlers registers the translator-internal host signal handlers:
// SIGBUS alignment traps go to the atomic emulator, SIGILL to the
// trampoline recognizer, and the reserved pause signal to the thread
// control protocol. Guest signal delivery is wired per-signal when the
// guest registers a handler.
func (t *Translator) InstallHandlers() {
	t.Delegator.RegisterHostSignalHandler(sigBUS,
		func(state *core.ThreadState, signal int32, info *hostcontext.SignalInfo, uc *hostcontext.UContext64) bool {
			return unaligned.HandleSIGBUS(uc, info)
		}, true)

	t.Delegator.RegisterHostSignalHandler(sigILL,
		func(state *core.ThreadState, signal int32, info *hostcontext.SignalInfo, uc *hostcontext.UContext64) bool {
			th := t.threadFor(state)
			if th == nil {
				return false
			}
			return th.Dispatcher.HandleSIGILL(signal, uc)
		}, true)

	t.Delegator.RegisterHostSignalHandler(int32(t.Options.PauseSignal),
		func(state *core.ThreadState, signal int32, info *hostcontext.SignalInfo, uc *hostcontext.UContext64) bool {
			th := t.threadFor(state)
			if th == nil {
				return false
			}
			return th.Dispatcher.HandleSignalPause(signal, uc)
		}, true)

	for sig := int32(1); sig <= sigdelegator.MaxSignals; sig++ {
		t.Delegator.RegisterHostSignalHandlerForGuest(sig,
			func(state *core.ThreadState, signal int32, info *hostcontext.SignalInfo, uc *hostcontext.UContext64, action *core.GuestSigAction, stack *guest.Stack64) bool {
				th := t.threadFor(state)
				if th == nil {
					return false
				}
				return th.Dispatcher.HandleGuestSignal(signal, info, uc, action, stack)
			})
	}
}

// PauseThread asks a running thread to park itself.
func (t *Translator) PauseThread(th *Thread) {
	th.State.SetSignalReason(core.SignalEventPause)
	t.Delegator.KickThread(th.TLS, int32(t.Options.PauseSignal))
}

// ResumeThread wakes a parked thread and redelivers the pause signal so
// its state is restored.
func (t *Translator) ResumeThread(th *Thread) {
	th.State.SetSignalReason(core.SignalEventReturn)
	th.State.StartRunning.Signal()
	t.Delegator.KickThread(th.TLS, int32(t.Options.PauseSignal))
}

// StopThread asks a thread to abandon guest execution.
func (t *Translator) StopThread(th *Thread) {
	th.State.SetSignalReason(core.SignalEventStop)
	t.Delegator.KickThread(th.TLS, int32(t.Options.PauseSignal))
}
