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

//go:build linux
// +build linux

package syscalls

import (
	"golang.org/x/sys/unix"

	"lariat.dev/lariat/pkg/abi/guest"
)

// The 32-bit guest packs struct epoll_event to 12 bytes while the arm64
// host aligns the data field, so epoll traffic for 32-bit guests is
// converted element-wise.

// EpollEventToHost converts a 32-bit guest epoll_event to the host's.
func EpollEventToHost(e guest.EpollEvent32) unix.EpollEvent {
	return unix.EpollEvent{
		Events: e.Events,
		Fd:     int32(e.Data[0]),
		Pad:    int32(e.Data[1]),
	}
}

// EpollEventFromHost converts a host epoll_event to the 32-bit guest's.
func EpollEventFromHost(e unix.EpollEvent) guest.EpollEvent32 {
	return guest.EpollEvent32{
		Events: e.Events,
		Data:   [2]uint32{uint32(e.Fd), uint32(e.Pad)},
	}
}
