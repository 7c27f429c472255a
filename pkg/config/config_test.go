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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	got := NewLoader().Resolve()
	want := Options{
		Is64BitMode:      true,
		SRAEnabled:       true,
		TelemetryEnabled: true,
		PauseSignal:      64,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLayerPrecedence(t *testing.T) {
	l := NewLoader()

	main := writeFile(t, "Config.toml", `
is_64bit_mode = false
pause_signal = 60
threads = 2
`)
	app := writeFile(t, "app.toml", `
pause_signal = 63
app_filename = "/usr/bin/guest"
`)

	if err := l.LoadFile(LayerMain, main); err != nil {
		t.Fatal(err)
	}
	if err := l.LoadFile(LayerLocalApp, app); err != nil {
		t.Fatal(err)
	}

	l.lookupEnv = func(key string) (string, bool) {
		if key == "LARIAT_PAUSE_SIGNAL" {
			return "62", true
		}
		return "", false
	}
	if err := l.LoadEnvironment(); err != nil {
		t.Fatal(err)
	}

	got := l.Resolve()
	if got.Is64BitMode {
		t.Error("main layer did not apply")
	}
	if got.Threads != 2 {
		t.Errorf("threads = %d, want the main layer value", got.Threads)
	}
	if got.AppFilename != "/usr/bin/guest" {
		t.Errorf("app_filename = %q, want the app layer value", got.AppFilename)
	}
	// Environment is the last word on pause_signal.
	if got.PauseSignal != 62 {
		t.Errorf("pause_signal = %d, want the environment value 62", got.PauseSignal)
	}
}

func TestMissingFileIsEmptyLayer(t *testing.T) {
	l := NewLoader()
	if err := l.LoadFile(LayerMain, filepath.Join(t.TempDir(), "nonexistent.toml")); err != nil {
		t.Fatalf("missing file produced an error: %v", err)
	}
	got := l.Resolve()
	if !got.Is64BitMode {
		t.Error("defaults disturbed by a missing layer")
	}
}

func TestBadEnvironmentValue(t *testing.T) {
	l := NewLoader()
	l.lookupEnv = func(key string) (string, bool) {
		if key == "LARIAT_SRA_ENABLED" {
			return "banana", true
		}
		return "", false
	}
	if err := l.LoadEnvironment(); err == nil {
		t.Error("unparseable environment value accepted")
	}
}
