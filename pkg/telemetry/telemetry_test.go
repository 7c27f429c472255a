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

package telemetry

import (
	"strings"
	"testing"
)

func TestMarkers(t *testing.T) {
	Reset()
	if SplitLock.Value() {
		t.Fatal("marker set after reset")
	}
	SplitLock.Set()
	SplitLock.Set() // idempotent
	if !SplitLock.Value() {
		t.Fatal("marker not set")
	}

	var sb strings.Builder
	if err := Report(&sb); err != nil {
		t.Fatal(err)
	}
	got := sb.String()
	if !strings.Contains(got, "split-lock: 1") || !strings.Contains(got, "16byte-split: 0") {
		t.Errorf("report = %q", got)
	}
	Reset()
}
