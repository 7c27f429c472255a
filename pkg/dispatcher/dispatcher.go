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

// Package dispatcher implements the translator side of guest signal
// delivery: stacking and restoring thread state around host signals,
// synthesizing guest signal frames, and the pause/stop/return protocol
// used to coordinate guest threads.
package dispatcher

import (
	"unsafe"

	"lariat.dev/lariat/pkg/atomicbitops"
	"lariat.dev/lariat/pkg/core"
	"lariat.dev/lariat/pkg/hostcontext"
	"lariat.dev/lariat/pkg/log"
)

// maxSignalDepth bounds the per-thread stack of signal frame pointers.
// The frames themselves live on the host stack below the trapped SP; this
// only sizes the bookkeeping array, which must not grow inside a handler.
const maxSignalDepth = 128

// SignalNotifier receives the signal number that becomes current again
// when a nested signal frame is popped, so recursive signal masking can
// walk back correctly.
type SignalNotifier interface {
	SetCurrentSignal(signal int32)
}

// Dispatcher owns one guest thread's signal frames and delivery state.
type Dispatcher struct {
	CTX    *core.Context
	Thread *core.ThreadState

	// Notifier is consulted when frames are popped.
	Notifier SignalNotifier

	// Is64Bit selects the guest frame layout and calling convention.
	Is64Bit bool

	// SRAEnabled marks that guest registers live in host registers while
	// JIT code runs and must be spilled before CurrentFrame is read.
	SRAEnabled bool

	// SRAMap gives the host register holding each shadow-allocated guest
	// register.
	SRAMap [core.NGreg]int

	// SignalHandlerRefCounter counts outstanding signal frames. The JIT
	// consults it before reclaiming code memory.
	SignalHandlerRefCounter atomicbitops.Int64

	// signalFrames is the LIFO of ContextBackup addresses, one per
	// nested host signal.
	signalFrames [maxSignalDepth]uintptr
	signalDepth  int
}

// DefaultSRAMap is the JIT's static allocation of guest registers to host
// registers: x4..x19 in guest register order.
func DefaultSRAMap() [core.NGreg]int {
	var m [core.NGreg]int
	for i := range m {
		m[i] = 4 + i
	}
	return m
}

// SpillSRA copies the shadow-allocated guest registers out of the trap
// context into CurrentFrame. Must be called before CurrentFrame is read
// whenever the trap PC is inside JIT code.
func (d *Dispatcher) SpillSRA(uc *hostcontext.UContext64) {
	frame := d.Thread.CurrentFrame
	for guestReg, hostReg := range d.SRAMap {
		frame.Gregs[guestReg] = hostcontext.GetReg(uc, hostReg)
	}
}

func alignDown16(v uintptr) uintptr {
	return v &^ 15
}

// StoreThreadState pushes a new signal frame: the host machine context and
// the guest CurrentFrame are copied into a ContextBackup placed below the
// trapped host SP, and the context's SP is moved below the new frame.
func (d *Dispatcher) StoreThreadState(signal int32, uc *hostcontext.UContext64) {
	oldSP := uintptr(hostcontext.GetSp(uc))
	newSP := oldSP

	// Back off past the host red zone; nothing on arm64, but the layout
	// keeps the offset explicit.
	newSP -= hostcontext.RedZoneSize
	newSP -= unsafe.Sizeof(hostcontext.ContextBackup{})
	newSP = alignDown16(newSP)

	backup := (*hostcontext.ContextBackup)(unsafe.Pointer(newSP))
	hostcontext.BackupContext(uc, backup)
	backup.Signal = signal

	// Registers may be live in host GPRs or in the frame; save the whole
	// guest state either way.
	backup.GuestState = *d.Thread.CurrentFrame

	hostcontext.SetSp(uc, uint64(newSP))

	if d.signalDepth == maxSignalDepth {
		log.Panicf("Signal frames nested deeper than %d", maxSignalDepth)
	}
	d.signalFrames[d.signalDepth] = newSP
	d.signalDepth++
}

// RestoreThreadState pops the top signal frame, restoring the guest state
// before the host context so the guest frame exists by the time JIT code
// resumes.
func (d *Dispatcher) RestoreThreadState(uc *hostcontext.UContext64) {
	if d.signalDepth == 0 {
		log.Panicf("Trying to restore a signal frame when we don't have any")
	}
	d.signalDepth--
	backup := (*hostcontext.ContextBackup)(unsafe.Pointer(d.signalFrames[d.signalDepth]))

	*d.Thread.CurrentFrame = backup.GuestState
	hostcontext.RestoreContext(uc, backup)

	// Tell the delegator which signal is current again so recursive
	// masking walks back correctly.
	if d.Notifier != nil {
		d.Notifier.SetCurrentSignal(backup.Signal)
	}
}

// SignalFrameDepth returns the number of outstanding signal frames.
func (d *Dispatcher) SignalFrameDepth() int {
	return d.signalDepth
}

// HandleSIGILL recognizes the two synthetic return addresses the
// dispatcher plants: executing either raises SIGILL, which unwinds the
// corresponding signal frame. Any other SIGILL is declined.
func (d *Dispatcher) HandleSIGILL(signal int32, uc *hostcontext.UContext64) bool {
	pc := hostcontext.GetPc(uc)
	if pc == d.CTX.EntryPoints.SignalHandlerReturnAddress || pc == d.CTX.EntryPoints.PauseReturnInstruction {
		d.RestoreThreadState(uc)
		d.SignalHandlerRefCounter.Add(-1)
		return true
	}
	return false
}

// redirectToHandler points the trap context at a pause/stop handler stub,
// choosing the SRA-spilling variant when SRA is enabled and the trap PC is
// inside JIT code. With SRA enabled, a trap PC inside the dispatcher but
// outside JIT code is fatal: the dispatcher runs with unsynchronized guest
// context. With SRA disabled the plain variant is always chosen.
func (d *Dispatcher) redirectToHandler(uc *hostcontext.UContext64, plain, spillSRA uint64) {
	pc := uintptr(hostcontext.GetPc(uc))
	if d.SRAEnabled && d.CTX.CodeBuffers.Contains(pc, false) {
		// In JIT code; SRA must be spilled on the way out.
		hostcontext.SetPc(uc, spillSRA)
		return
	}
	if d.SRAEnabled && d.CTX.CodeBuffers.Contains(pc, true) {
		log.Panicf("Signals in dispatcher have unsynchronized context")
	}
	hostcontext.SetPc(uc, plain)
}

// HandleSignalPause services the translator-reserved pause signal
// according to the thread's published SignalReason. Returns false when no
// internal event is pending.
func (d *Dispatcher) HandleSignalPause(signal int32, uc *hostcontext.UContext64) bool {
	reason := d.Thread.ReadSignalReason()
	frame := d.Thread.CurrentFrame

	switch reason {
	case core.SignalEventPause:
		// Store our state so Return can bring us back here.
		d.StoreThreadState(signal, uc)

		d.redirectToHandler(uc,
			d.CTX.EntryPoints.ThreadPauseHandlerAddress,
			d.CTX.EntryPoints.ThreadPauseHandlerAddressSpillSRA)

		hostcontext.SetState(uc, uint64(uintptr(unsafe.Pointer(frame))))

		d.SignalHandlerRefCounter.Add(1)
		d.Thread.SetSignalReason(core.SignalEventNothing)
		return true

	case core.SignalEventStop:
		// The thread is going away; unwind straight to the dispatcher's
		// entry SP and forget every nested frame.
		hostcontext.SetSp(uc, frame.ReturningStackLocation)
		d.SignalHandlerRefCounter.Store(0)
		d.signalDepth = 0

		d.redirectToHandler(uc,
			d.CTX.EntryPoints.ThreadStopHandlerAddress,
			d.CTX.EntryPoints.ThreadStopHandlerAddressSpillSRA)

		d.Thread.SetSignalReason(core.SignalEventNothing)
		return true

	case core.SignalEventReturn:
		d.RestoreThreadState(uc)
		d.SignalHandlerRefCounter.Add(-1)
		d.Thread.SetSignalReason(core.SignalEventNothing)
		return true
	}

	return false
}

// SleepThread parks the calling thread until StartRunning is signaled,
// maintaining the context-wide idle accounting on both edges.
func (d *Dispatcher) SleepThread() {
	d.CTX.IdleWaitAdd(-1)

	d.Thread.StartRunning.Wait()

	d.Thread.RunningEvents.Running.Store(true)
	d.CTX.IdleWaitAdd(1)
}
