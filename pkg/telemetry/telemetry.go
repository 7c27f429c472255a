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

// Package telemetry holds process-lifetime counters recorded by the
// translator core.
//
// The values are set from signal handlers, so everything here must be
// allocation-free and async-signal-safe.
package telemetry

import (
	"io"

	"lariat.dev/lariat/pkg/atomicbitops"
)

// A Marker is a set-once boolean fact about the running guest.
type Marker struct {
	name string
	set  atomicbitops.Bool
}

// Set records the fact. Safe to call repeatedly and from signal handlers.
//
//go:nosplit
func (m *Marker) Set() {
	m.set.Store(true)
}

// Value returns whether the fact has been recorded.
func (m *Marker) Value() bool {
	return m.set.Load()
}

// Name returns the marker's report name.
func (m *Marker) Name() string {
	return m.name
}

var (
	// SplitLock is set when an emulated atomic access straddled a 64-byte
	// cacheline.
	SplitLock = Marker{name: "split-lock"}

	// SplitLock16B is set when an emulated atomic access straddled a
	// 16-byte boundary.
	SplitLock16B = Marker{name: "16byte-split"}
)

var all = []*Marker{&SplitLock, &SplitLock16B}

// Report writes the recorded markers to w, one per line. Called at
// translator shutdown.
func Report(w io.Writer) error {
	for _, m := range all {
		v := 0
		if m.Value() {
			v = 1
		}
		if _, err := io.WriteString(w, m.name+": "+string('0'+rune(v))+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears all markers. Test use only.
func Reset() {
	for _, m := range all {
		m.set.Store(false)
	}
}
