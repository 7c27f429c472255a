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

//go:build !linux
// +build !linux

package sigdelegator

import "lariat.dev/lariat/pkg/log"

// Guest signal routing requires a Linux host; only the pure-logic parts of
// this package are usable elsewhere (for tests, with an injected
// hostSyscalls).
func newDefaultSyscalls() hostSyscalls {
	log.Panicf("sigdelegator requires a Linux host")
	return nil
}
