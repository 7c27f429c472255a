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

package hostcontext

import "encoding/binary"

// SignalInfo is the host siginfo_t. The arm64 host layout matches the
// x86-64 guest layout, which is what lets 64-bit guest delivery copy it
// verbatim.
type SignalInfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     uint32

	// Fields is the _sifields union.
	Fields [128 - 16]byte
}

var byteOrder = binary.LittleEndian

// PID returns the si_pid field.
func (s *SignalInfo) PID() int32 {
	return int32(byteOrder.Uint32(s.Fields[0:4]))
}

// UID returns the si_uid field.
func (s *SignalInfo) UID() int32 {
	return int32(byteOrder.Uint32(s.Fields[4:8]))
}

// Status returns the si_status field.
func (s *SignalInfo) Status() int32 {
	return int32(byteOrder.Uint32(s.Fields[8:12]))
}

// Utime returns the si_utime field.
func (s *SignalInfo) Utime() int64 {
	return int64(byteOrder.Uint64(s.Fields[16:24]))
}

// Stime returns the si_stime field.
func (s *SignalInfo) Stime() int64 {
	return int64(byteOrder.Uint64(s.Fields[24:32]))
}
