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

package core

import (
	"sync"

	"lariat.dev/lariat/pkg/atomicbitops"
	"lariat.dev/lariat/pkg/syncevent"
)

// SignalEvent is a translator-internal reason carried to a thread by the
// reserved pause signal.
type SignalEvent uint32

const (
	// SignalEventNothing means no internal event is pending.
	SignalEventNothing SignalEvent = iota

	// SignalEventPause asks the thread to park itself.
	SignalEventPause

	// SignalEventStop asks the thread to abandon execution and unwind to
	// the dispatcher entry.
	SignalEventStop

	// SignalEventReturn asks a paused thread to resume at its pre-pause
	// state.
	SignalEventReturn
)

// RunningEvents tracks a thread's execution status.
type RunningEvents struct {
	// Running is published after a paused thread wakes.
	Running atomicbitops.Bool
}

// ThreadState is the translator's bookkeeping for one guest thread. Each
// guest thread is pinned to one host OS thread.
type ThreadState struct {
	// CurrentFrame is the guest CPU state the JIT operates on.
	CurrentFrame *CPUState

	// SignalReason is read by the pause-signal handler. Senders store a
	// SignalEvent with release ordering before raising the signal.
	SignalReason atomicbitops.Uint32

	// StartRunning wakes the thread out of a pause.
	StartRunning syncevent.Event

	RunningEvents RunningEvents
}

// SetSignalReason publishes an internal event for the thread. The caller
// raises the pause signal afterwards.
func (t *ThreadState) SetSignalReason(e SignalEvent) {
	t.SignalReason.Store(uint32(e))
}

// ReadSignalReason returns the pending internal event.
func (t *ThreadState) ReadSignalReason() SignalEvent {
	return SignalEvent(t.SignalReason.Load())
}

// Context is the process-wide translator state shared by all threads.
type Context struct {
	mu sync.Mutex

	// idleWaitRefCount counts threads that are currently running; it is
	// broadcast on idleWaitCV whenever it changes so that coordinators
	// can wait for quiescence.
	idleWaitRefCount int64
	idleWaitCV       *sync.Cond

	// EntryPoints are the JIT entry addresses, immutable after Init.
	EntryPoints EntryPoints

	// CodeBuffers classifies host PCs as JIT code.
	CodeBuffers Registry
}

// NewContext returns an initialized Context.
func NewContext() *Context {
	ctx := &Context{}
	ctx.idleWaitCV = sync.NewCond(&ctx.mu)
	return ctx
}

// IdleWaitAdd adjusts the running-thread refcount and wakes idle waiters.
func (c *Context) IdleWaitAdd(delta int64) {
	c.mu.Lock()
	c.idleWaitRefCount += delta
	c.idleWaitCV.Broadcast()
	c.mu.Unlock()
}

// WaitForIdle blocks until no threads are running.
func (c *Context) WaitForIdle() {
	c.mu.Lock()
	for c.idleWaitRefCount != 0 {
		c.idleWaitCV.Wait()
	}
	c.mu.Unlock()
}
