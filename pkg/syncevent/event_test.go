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

package syncevent

import (
	"testing"
	"time"
)

func TestSignalBeforeWait(t *testing.T) {
	var e Event
	e.Signal()
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not observe a prior Signal")
	}
}

func TestWaitBlocksUntilSignal(t *testing.T) {
	var e Event
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Wait returned without a Signal")
	case <-time.After(50 * time.Millisecond):
	}
	e.Signal()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Signal")
	}
}

func TestSignalIsConsumed(t *testing.T) {
	var e Event
	e.Signal()
	e.Wait()

	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second Wait returned without a second Signal")
	case <-time.After(50 * time.Millisecond):
	}
	e.Signal()
	<-done
}
