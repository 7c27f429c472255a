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

// Guest handler sentinels, matching the guest's SIG_DFL and SIG_IGN.
const (
	HandlerDefault = 0
	HandlerIgnore  = 1
)

// GuestSigAction is the guest's registered sigaction for one signal. The
// guest's handler/sigaction union collapses into the single Handler
// address; Flags' SA_SIGINFO selects the calling convention.
type GuestSigAction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     uint64
}
