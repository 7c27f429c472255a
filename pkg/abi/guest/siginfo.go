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

package guest

import "encoding/binary"

// Both supported guests and the arm64 host are little-endian.
var byteOrder = binary.LittleEndian

// FixCodeForUser masks the kernel-internal high bits out of si_code, the
// way copy_siginfo_to_user does before exposing it to userspace.
func (s *SigInfo64) FixCodeForUser() {
	if s.Code > 0 {
		s.Code &= 0x0000ffff
	}
}

// PID returns the si_pid field.
func (s *SigInfo64) PID() int32 {
	return int32(byteOrder.Uint32(s.Fields[0:4]))
}

// SetPID mutates the si_pid field.
func (s *SigInfo64) SetPID(v int32) {
	byteOrder.PutUint32(s.Fields[0:4], uint32(v))
}

// UID returns the si_uid field.
func (s *SigInfo64) UID() int32 {
	return int32(byteOrder.Uint32(s.Fields[4:8]))
}

// SetUID mutates the si_uid field.
func (s *SigInfo64) SetUID(v int32) {
	byteOrder.PutUint32(s.Fields[4:8], uint32(v))
}

// Status returns the si_status field.
func (s *SigInfo64) Status() int32 {
	return int32(byteOrder.Uint32(s.Fields[8:12]))
}

// SetStatus mutates the si_status field.
func (s *SigInfo64) SetStatus(v int32) {
	byteOrder.PutUint32(s.Fields[8:12], uint32(v))
}

// Utime returns the si_utime field of a SIGCHLD siginfo.
func (s *SigInfo64) Utime() int64 {
	return int64(byteOrder.Uint64(s.Fields[16:24]))
}

// SetUtime mutates the si_utime field.
func (s *SigInfo64) SetUtime(v int64) {
	byteOrder.PutUint64(s.Fields[16:24], uint64(v))
}

// Stime returns the si_stime field of a SIGCHLD siginfo.
func (s *SigInfo64) Stime() int64 {
	return int64(byteOrder.Uint64(s.Fields[24:32]))
}

// SetStime mutates the si_stime field.
func (s *SigInfo64) SetStime(v int64) {
	byteOrder.PutUint64(s.Fields[24:32], uint64(v))
}

// Addr returns the si_addr field of a fault siginfo.
func (s *SigInfo64) Addr() uint64 {
	return byteOrder.Uint64(s.Fields[0:8])
}

// SetAddr mutates the si_addr field.
func (s *SigInfo64) SetAddr(v uint64) {
	byteOrder.PutUint64(s.Fields[0:8], v)
}
