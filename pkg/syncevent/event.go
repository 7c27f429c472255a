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

// Package syncevent provides the one-shot wake primitive used for thread
// pause/resume coordination.
package syncevent

import "sync"

// Event is a single-shot auto-reset event. Wait blocks until Signal has
// been called and consumes the signal; a Signal delivered before Wait is
// not lost.
//
// The zero value is ready to use.
type Event struct {
	mu       sync.Mutex
	cond     *sync.Cond
	signaled bool
}

// Wait blocks until the event is signaled, then consumes the signal.
func (e *Event) Wait() {
	e.mu.Lock()
	for !e.signaled {
		if e.cond == nil {
			e.cond = sync.NewCond(&e.mu)
		}
		e.cond.Wait()
	}
	e.signaled = false
	e.mu.Unlock()
}

// Signal wakes one pending or future Wait.
func (e *Event) Signal() {
	e.mu.Lock()
	e.signaled = true
	if e.cond != nil {
		e.cond.Broadcast()
	}
	e.mu.Unlock()
}
