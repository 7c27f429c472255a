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

package core

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// Region is a half-open [Start, End) interval of host addresses holding
// live JIT code.
type Region struct {
	Start uintptr
	End   uintptr
}

func regionLess(a, b Region) bool {
	return a.Start < b.Start
}

// Registry tracks the live JIT code regions plus the dispatcher's own
// stub range.
//
// Mutations (JIT publish/reclaim path) copy-on-write the underlying btree
// and swap it in atomically, so Contains never takes a lock and is safe
// from signal handlers. Readers may observe a stale snapshot; the JIT must
// not reuse removed ranges until the signal-handler refcount has drained.
type Registry struct {
	mu   sync.Mutex
	tree atomic.Pointer[btree.BTreeG[Region]]

	// dispatcher is the dispatch-loop stub range, set once at startup.
	dispatcher Region
}

// Insert publishes a code region.
func (r *Registry) Insert(reg Region) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.snapshotLocked().Clone()
	t.ReplaceOrInsert(reg)
	r.tree.Store(t)
}

// Remove withdraws the region starting at start.
func (r *Registry) Remove(start uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.snapshotLocked().Clone()
	t.Delete(Region{Start: start})
	r.tree.Store(t)
}

func (r *Registry) snapshotLocked() *btree.BTreeG[Region] {
	if t := r.tree.Load(); t != nil {
		return t
	}
	t := btree.NewG(2, regionLess)
	r.tree.Store(t)
	return t
}

// SetDispatcherRange records the dispatcher stub range. Called once at
// startup before any signals can arrive.
func (r *Registry) SetDispatcherRange(reg Region) {
	r.dispatcher = reg
}

// Contains reports whether addr lies inside a published JIT code region.
// If includeDispatcher is set, the dispatcher stub range also counts.
//
//go:nosplit
func (r *Registry) Contains(addr uintptr, includeDispatcher bool) bool {
	found := false
	if t := r.tree.Load(); t != nil {
		t.DescendLessOrEqual(Region{Start: addr}, func(reg Region) bool {
			found = addr >= reg.Start && addr < reg.End
			return false
		})
	}
	if found {
		return true
	}
	if includeDispatcher {
		return addr >= r.dispatcher.Start && addr < r.dispatcher.End
	}
	return false
}
