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

package dispatcher

import (
	"unsafe"

	"lariat.dev/lariat/pkg/abi/guest"
	"lariat.dev/lariat/pkg/core"
	"lariat.dev/lariat/pkg/hostcontext"
	"lariat.dev/lariat/pkg/log"
)

func push64(sp *uint64, v uint64) {
	*sp -= 8
	*(*uint64)(unsafe.Pointer(uintptr(*sp))) = v
}

func push32(sp *uint64, v uint32) {
	*sp -= 4
	*(*uint32)(unsafe.Pointer(uintptr(*sp))) = v
}

// HandleGuestSignal redirects the thread into its registered guest signal
// handler: it stacks the current thread state, synthesizes the guest
// siginfo/ucontext frame on the guest stack, wires up the guest calling
// convention, and points the host context back into the dispatch loop.
// The guest resumes inside JIT code at its handler; returning through the
// planted trampoline triggers sigreturn handling.
func (d *Dispatcher) HandleGuestSignal(signal int32, info *hostcontext.SignalInfo, uc *hostcontext.UContext64, action *core.GuestSigAction, stack *guest.Stack64) bool {
	trapPC := uintptr(hostcontext.GetPc(uc))

	d.StoreThreadState(signal, uc)
	frame := d.Thread.CurrentFrame

	// Ref count our faults; the JIT uses this to decide when clearing the
	// code cache is safe.
	d.SignalHandlerRefCounter.Add(1)

	hostcontext.SetPc(uc, d.CTX.EntryPoints.AbsoluteLoopTopAddressFillSRA)
	hostcontext.SetState(uc, uint64(uintptr(unsafe.Pointer(frame))))

	oldGuestSP := frame.Gregs[core.RegRSP]
	newGuestSP := oldGuestSP

	if stack.Flags&guest.SS_DISABLE == 0 {
		// If the guest is already on its alternate stack we are handling
		// recursive signals and must keep walking the same stack.
		if !stack.Contains(oldGuestSP) {
			newGuestSP = stack.Top()
		}
	}

	// Back off past the guest red zone.
	newGuestSP -= guest.RedZoneSize

	if action.Flags&guest.SA_SIGINFO != 0 &&
		info.Code != guest.SI_QUEUE && info.Code != guest.SI_USER {
		// User-originated siginfo needs no synthesized machine context;
		// everything else gets a faithful mcontext, which requires the
		// guest registers to be in CurrentFrame.
		if d.SRAEnabled {
			if !d.CTX.CodeBuffers.Contains(trapPC, false) {
				if d.CTX.CodeBuffers.Contains(trapPC, true) {
					log.Panicf("Signals in dispatcher have unsynchronized context")
				}
			} else {
				// In JIT; SRA must be spilled.
				d.SpillSRA(uc)
			}
		}

		if d.Is64Bit {
			d.buildFrame64(signal, info, frame, stack, &newGuestSP)
		} else {
			d.buildFrame32(signal, info, frame, stack, &newGuestSP)
		}

		frame.Rip = action.Handler
	} else {
		if !d.Is64Bit {
			push32(&newGuestSP, uint32(signal))
		}
		frame.Rip = action.Handler
	}

	if d.Is64Bit {
		frame.Gregs[core.RegRDI] = uint64(signal)

		push64(&newGuestSP, d.CTX.EntryPoints.SignalReturn)
		frame.Gregs[core.RegRSP] = newGuestSP
	} else {
		if d.CTX.EntryPoints.SignalReturn >= 1<<32 {
			log.Panicf("Signal return trampoline %#x needs to be below 4GB", d.CTX.EntryPoints.SignalReturn)
		}
		push32(&newGuestSP, uint32(d.CTX.EntryPoints.SignalReturn))
		frame.Gregs[core.RegRSP] = newGuestSP
	}

	return true
}

// copyRegs64 maps CurrentFrame registers into the 64-bit guest greg order.
var copyRegs64 = [...]struct {
	guestReg int
	coreReg  int
}{
	{guest.Reg64R8, core.RegR8},
	{guest.Reg64R9, core.RegR9},
	{guest.Reg64R10, core.RegR10},
	{guest.Reg64R11, core.RegR11},
	{guest.Reg64R12, core.RegR12},
	{guest.Reg64R13, core.RegR13},
	{guest.Reg64R14, core.RegR14},
	{guest.Reg64R15, core.RegR15},
	{guest.Reg64RDI, core.RegRDI},
	{guest.Reg64RSI, core.RegRSI},
	{guest.Reg64RBP, core.RegRBP},
	{guest.Reg64RBX, core.RegRBX},
	{guest.Reg64RDX, core.RegRDX},
	{guest.Reg64RAX, core.RegRAX},
	{guest.Reg64RCX, core.RegRCX},
	{guest.Reg64RSP, core.RegRSP},
}

func (d *Dispatcher) buildFrame64(signal int32, info *hostcontext.SignalInfo, frame *core.CPUState, stack *guest.Stack64, newGuestSP *uint64) {
	*newGuestSP -= uint64(unsafe.Sizeof(guest.UContext64{}))
	ucLocation := *newGuestSP
	*newGuestSP -= uint64(unsafe.Sizeof(guest.SigInfo64{}))
	siLocation := *newGuestSP

	guestUC := (*guest.UContext64)(unsafe.Pointer(uintptr(ucLocation)))
	guestSI := (*guest.SigInfo64)(unsafe.Pointer(uintptr(siLocation)))

	*guestUC = guest.UContext64{}

	// We have extended float information.
	guestUC.Flags |= guest.UC_FP_XSTATE

	// Point the mcontext at the in-frame fpstate.
	guestUC.MContext.Fpregs = ucLocation + uint64(unsafe.Offsetof(guestUC.FPRegsMem))

	gregs := &guestUC.MContext.Gregs
	gregs[guest.Reg64RIP] = frame.Rip
	gregs[guest.Reg64EFL] = 0
	gregs[guest.Reg64CSGSFS] = 0
	gregs[guest.Reg64ERR] = 0
	gregs[guest.Reg64TRAPNO] = uint64(signal)
	gregs[guest.Reg64OLDMASK] = 0
	gregs[guest.Reg64CR2] = 0
	for _, m := range copyRegs64 {
		gregs[m.guestReg] = frame.Gregs[m.coreReg]
	}

	fp := &guestUC.FPRegsMem
	for i, mm := range frame.Mm {
		fp.St[i] = guest.FPReg64{SignificandLow: mm.Low, SignificandHigh: mm.High}
	}
	for i, xmm := range frame.Xmm {
		fp.Xmm[i] = guest.XMMReg{Low: xmm.Low, High: xmm.High}
	}
	fp.Fcw = frame.FCW
	fp.Ftw = frame.FTW
	fp.Fsw = guest.PackFSW(
		uint16(frame.Flags[core.X87FlagTop]),
		uint16(frame.Flags[core.X87FlagC0]),
		uint16(frame.Flags[core.X87FlagC1]),
		uint16(frame.Flags[core.X87FlagC2]),
		uint16(frame.Flags[core.X87FlagC3]))

	guestUC.Stack = *stack

	// The host and 64-bit guest siginfo layouts match; copy verbatim.
	// User-queued payloads can hold arbitrary data, so this has to be
	// bit perfect, and for guest faults there is no way to reconstruct a
	// true guest fault address anyway.
	*guestSI = *(*guest.SigInfo64)(unsafe.Pointer(info))

	frame.Gregs[core.RegRSI] = siLocation
	frame.Gregs[core.RegRDX] = ucLocation
}

func (d *Dispatcher) buildFrame32(signal int32, info *hostcontext.SignalInfo, frame *core.CPUState, stack *guest.Stack64, newGuestSP *uint64) {
	*newGuestSP -= uint64(unsafe.Sizeof(guest.UContext32{}))
	ucLocation := *newGuestSP
	*newGuestSP -= uint64(unsafe.Sizeof(guest.SigInfo32{}))
	siLocation := *newGuestSP

	guestUC := (*guest.UContext32)(unsafe.Pointer(uintptr(ucLocation)))
	guestSI := (*guest.SigInfo32)(unsafe.Pointer(uintptr(siLocation)))

	*guestUC = guest.UContext32{}

	guestUC.Flags |= guest.UC_FP_XSTATE
	guestUC.MContext.Fpregs = uint32(ucLocation) + uint32(unsafe.Offsetof(guestUC.FPRegsMem))

	gregs := &guestUC.MContext.Gregs
	gregs[guest.Reg32GS] = uint32(frame.Gs)
	gregs[guest.Reg32FS] = uint32(frame.Fs)
	gregs[guest.Reg32ES] = uint32(frame.Es)
	gregs[guest.Reg32DS] = uint32(frame.Ds)
	gregs[guest.Reg32TRAPNO] = uint32(signal)
	gregs[guest.Reg32ERR] = 0
	gregs[guest.Reg32EIP] = uint32(frame.Rip)
	gregs[guest.Reg32CS] = uint32(frame.Cs)
	gregs[guest.Reg32EFL] = 0
	gregs[guest.Reg32UESP] = 0
	gregs[guest.Reg32SS] = uint32(frame.Ss)
	gregs[guest.Reg32EDI] = uint32(frame.Gregs[core.RegRDI])
	gregs[guest.Reg32ESI] = uint32(frame.Gregs[core.RegRSI])
	gregs[guest.Reg32EBP] = uint32(frame.Gregs[core.RegRBP])
	gregs[guest.Reg32EBX] = uint32(frame.Gregs[core.RegRBX])
	gregs[guest.Reg32EDX] = uint32(frame.Gregs[core.RegRDX])
	gregs[guest.Reg32EAX] = uint32(frame.Gregs[core.RegRAX])
	gregs[guest.Reg32ECX] = uint32(frame.Gregs[core.RegRCX])
	gregs[guest.Reg32ESP] = uint32(frame.Gregs[core.RegRSP])

	fp := &guestUC.FPRegsMem
	for i, mm := range frame.Mm {
		fp.St[i] = guest.FPReg32{
			Significand: [4]uint16{
				uint16(mm.Low),
				uint16(mm.Low >> 16),
				uint16(mm.Low >> 32),
				uint16(mm.Low >> 48),
			},
			Exponent: uint16(mm.High),
		}
	}
	// The 32-bit XMM state is not carried over; mark the frame as a
	// classic FPU frame so guests don't trust the fxsr area.
	fp.Magic = guest.FPStateMagicFPU
	fp.Cw = uint32(frame.FCW)
	fp.Tag = uint32(frame.FTW)
	fp.Sw = uint32(guest.PackFSW(
		uint16(frame.Flags[core.X87FlagTop]),
		uint16(frame.Flags[core.X87FlagC0]),
		uint16(frame.Flags[core.X87FlagC1]),
		uint16(frame.Flags[core.X87FlagC2]),
		uint16(frame.Flags[core.X87FlagC3])))

	guestUC.Stack = guest.Stack32{
		Sp:    uint32(stack.Sp),
		Flags: stack.Flags,
		Size:  uint32(stack.Size),
	}

	guestSI.Signo = info.Signo
	guestSI.Errno = info.Errno
	guestSI.Code = info.Code

	switch signal {
	case guest.SIGSEGV, guest.SIGBUS:
		// No faithful guest fault address is recoverable; report the
		// guest RIP.
		guestSI.SetAddr(uint32(frame.Rip))
	case guest.SIGCHLD:
		guestSI.SetPID(info.PID())
		guestSI.SetUID(info.UID())
		guestSI.SetStatus(info.Status())
		guestSI.SetUtime(info.Utime())
		guestSI.SetStime(info.Stime())
	default:
		// Hope for the best; most payloads copy straight over.
		copy(guestSI.Fields[:], info.Fields[:])
	}

	push32(newGuestSP, uint32(ucLocation))
	push32(newGuestSP, uint32(siLocation))
	push32(newGuestSP, uint32(signal))
}
