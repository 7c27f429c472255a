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

// EntryPoints are the host addresses of the dispatcher stubs the signal
// handlers redirect execution to, plus the guest-visible sigreturn
// trampoline. The JIT publishes them once at startup; they are immutable
// afterwards and safe to read from signal handlers.
type EntryPoints struct {
	// AbsoluteLoopTopAddressFillSRA re-enters the dispatch loop after
	// refilling shadow-allocated registers from CurrentFrame.
	AbsoluteLoopTopAddressFillSRA uint64

	// ThreadPauseHandlerAddress parks the thread; the SpillSRA variant
	// first writes shadow-allocated registers back to CurrentFrame.
	ThreadPauseHandlerAddress         uint64
	ThreadPauseHandlerAddressSpillSRA uint64

	// ThreadStopHandlerAddress leaves the dispatch loop; same SRA split.
	ThreadStopHandlerAddress         uint64
	ThreadStopHandlerAddressSpillSRA uint64

	// SignalHandlerReturnAddress and PauseReturnInstruction are the
	// synthetic return addresses whose execution raises SIGILL to get
	// back into the translator.
	SignalHandlerReturnAddress uint64
	PauseReturnInstruction     uint64

	// SignalReturn is the guest-visible trampoline pushed as the return
	// address of every synthesized guest signal frame.
	SignalReturn uint64
}
