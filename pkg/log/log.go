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

// Package log provides a minimal leveled logging facility for the
// translator.
//
// Signal handler code must not log on its fast paths; only the fatal
// invariant-violation paths are allowed to reach Panicf.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the log level.
type Level uint32

// The set of levels, in increasing order of verbosity.
const (
	// Warning indicates a problem that the translator can continue past.
	Warning Level = iota

	// Info is standard operational logging.
	Info

	// Debug is verbose logging for development.
	Debug
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "W"
	case Info:
		return "I"
	case Debug:
		return "D"
	default:
		return "?"
	}
}

var (
	// logMu serializes writes to the target.
	logMu sync.Mutex

	// target is the destination for emitted records.
	target io.Writer = os.Stderr

	// level is the current maximum emitted level.
	level atomic.Uint32
)

// SetTarget redirects log output. Intended for startup and tests only; it
// must not race with emission from signal handlers.
func SetTarget(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	target = w
}

// SetLevel adjusts the maximum emitted level.
func SetLevel(l Level) {
	level.Store(uint32(l))
}

// CurrentLevel returns the maximum emitted level.
func CurrentLevel() Level {
	return Level(level.Load())
}

// IsLogging returns whether records at level l are emitted.
func IsLogging(l Level) bool {
	return uint32(l) <= level.Load()
}

func emit(l Level, format string, args ...any) {
	if !IsLogging(l) {
		return
	}
	now := time.Now()
	logMu.Lock()
	defer logMu.Unlock()
	fmt.Fprintf(target, "%s%s %d] ", l, now.Format("0102 15:04:05.000000"), os.Getpid())
	fmt.Fprintf(target, format, args...)
	fmt.Fprintln(target)
}

// Debugf emits a debug-level record.
func Debugf(format string, args ...any) {
	emit(Debug, format, args...)
}

// Infof emits an info-level record.
func Infof(format string, args ...any) {
	emit(Info, format, args...)
}

// Warningf emits a warning-level record.
func Warningf(format string, args ...any) {
	emit(Warning, format, args...)
}

// Panicf emits the record unconditionally and panics. It is the sink for
// fatal invariant violations; callers do not expect it to return.
func Panicf(format string, args ...any) {
	emit(Warning, format, args...)
	panic(fmt.Sprintf(format, args...))
}
