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

// Package config resolves the translator's layered configuration.
//
// Values are resolved across layers in a fixed load order: the main config
// file, the global per-application file, the local per-application file,
// explicit arguments, the environment, and finally the top layer. Later
// layers override earlier ones per option.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// LayerType identifies one configuration source.
type LayerType int

// Layers in load order.
const (
	LayerMain LayerType = iota
	LayerGlobalApp
	LayerLocalApp
	LayerArguments
	LayerEnvironment
	LayerTop
)

var loadOrder = []LayerType{
	LayerMain,
	LayerGlobalApp,
	LayerLocalApp,
	LayerArguments,
	LayerEnvironment,
	LayerTop,
}

// envPrefix namespaces the environment layer's variables.
const envPrefix = "LARIAT_"

// Options are the resolved translator options the core consumes.
type Options struct {
	// Is64BitMode selects the 64-bit guest personality.
	Is64BitMode bool

	// SRAEnabled enables shadow register allocation in the JIT.
	SRAEnabled bool

	// TelemetryEnabled enables the split-lock markers.
	TelemetryEnabled bool

	// PauseSignal is the host signal reserved for thread control.
	PauseSignal int

	// AppFilename is the guest executable.
	AppFilename string

	// Threads caps the number of emulation threads; 0 means one per
	// host CPU.
	Threads int
}

// DefaultOptions returns the options in effect with no layers present.
func DefaultOptions() Options {
	return Options{
		Is64BitMode:      true,
		SRAEnabled:       true,
		TelemetryEnabled: true,
		PauseSignal:      64,
	}
}

// layerValues is one layer's partial option set; nil means unset.
type layerValues struct {
	Is64BitMode      *bool   `toml:"is_64bit_mode"`
	SRAEnabled       *bool   `toml:"sra_enabled"`
	TelemetryEnabled *bool   `toml:"telemetry_enabled"`
	PauseSignal      *int    `toml:"pause_signal"`
	AppFilename      *string `toml:"app_filename"`
	Threads          *int    `toml:"threads"`
}

func (v *layerValues) applyTo(o *Options) {
	if v == nil {
		return
	}
	if v.Is64BitMode != nil {
		o.Is64BitMode = *v.Is64BitMode
	}
	if v.SRAEnabled != nil {
		o.SRAEnabled = *v.SRAEnabled
	}
	if v.TelemetryEnabled != nil {
		o.TelemetryEnabled = *v.TelemetryEnabled
	}
	if v.PauseSignal != nil {
		o.PauseSignal = *v.PauseSignal
	}
	if v.AppFilename != nil {
		o.AppFilename = *v.AppFilename
	}
	if v.Threads != nil {
		o.Threads = *v.Threads
	}
}

// Loader accumulates layers and resolves them into Options.
type Loader struct {
	layers map[LayerType]*layerValues

	// lookupEnv is the environment source, replaceable for tests.
	lookupEnv func(string) (string, bool)
}

// NewLoader returns an empty Loader.
func NewLoader() *Loader {
	return &Loader{
		layers:    make(map[LayerType]*layerValues),
		lookupEnv: os.LookupEnv,
	}
}

// DataDirectory returns the translator's data directory, honoring the
// override and XDG conventions.
func DataDirectory() string {
	if override := os.Getenv(envPrefix + "APP_DATA_LOCATION"); override != "" {
		return override
	}
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		base, _ = os.UserHomeDir()
	}
	return filepath.Join(base, ".lariat")
}

// ConfigDirectory returns the directory holding config files, creating it
// if needed. With global set, the system-wide directory is returned
// instead.
func ConfigDirectory(global bool) string {
	if global {
		return "/usr/share/lariat"
	}
	dir := os.Getenv(envPrefix + "APP_CONFIG_LOCATION")
	if dir == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base, _ = os.UserHomeDir()
		}
		dir = filepath.Join(base, ".lariat")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		// Fall back to the working directory.
		return "."
	}
	return dir
}

// MainConfigFile returns the path of the main config file.
func MainConfigFile() string {
	if override := os.Getenv(envPrefix + "APP_CONFIG"); override != "" {
		return override
	}
	return filepath.Join(ConfigDirectory(false), "Config.toml")
}

// AppConfigFile returns the per-application config path for the named
// guest application.
func AppConfigFile(name string, global bool) string {
	return filepath.Join(ConfigDirectory(global), "AppConfig", name+".toml")
}

// LoadFile parses a TOML layer from path. A missing file leaves the layer
// empty without error; anything else fails.
func (l *Loader) LoadFile(layer LayerType, path string) error {
	var values layerValues
	if _, err := toml.DecodeFile(path, &values); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "loading config layer from %q", path)
	}
	l.layers[layer] = &values
	return nil
}

// Set stores one explicit option into a layer.
func (l *Loader) Set(layer LayerType, apply func(*layerValues)) {
	v := l.layers[layer]
	if v == nil {
		v = &layerValues{}
		l.layers[layer] = v
	}
	apply(v)
}

// LoadEnvironment fills the environment layer from LARIAT_* variables.
func (l *Loader) LoadEnvironment() error {
	var values layerValues
	var firstErr error

	boolVar := func(name string, dst **bool) {
		s, ok := l.lookupEnv(envPrefix + name)
		if !ok {
			return
		}
		v, err := strconv.ParseBool(s)
		if err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "parsing %s%s", envPrefix, name)
			return
		}
		*dst = &v
	}
	intVar := func(name string, dst **int) {
		s, ok := l.lookupEnv(envPrefix + name)
		if !ok {
			return
		}
		v, err := strconv.Atoi(s)
		if err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "parsing %s%s", envPrefix, name)
			return
		}
		*dst = &v
	}

	boolVar("IS64BIT_MODE", &values.Is64BitMode)
	boolVar("SRA_ENABLED", &values.SRAEnabled)
	boolVar("TELEMETRY_ENABLED", &values.TelemetryEnabled)
	intVar("PAUSE_SIGNAL", &values.PauseSignal)
	intVar("THREADS", &values.Threads)
	if s, ok := l.lookupEnv(envPrefix + "APP_FILENAME"); ok {
		values.AppFilename = &s
	}

	if firstErr != nil {
		return firstErr
	}
	l.layers[LayerEnvironment] = &values
	return nil
}

// Resolve folds every loaded layer over the defaults in load order.
func (l *Loader) Resolve() Options {
	o := DefaultOptions()
	for _, layer := range loadOrder {
		l.layers[layer].applyTo(&o)
	}
	return o
}
