// Copyright 2024 The Cockroach Authors
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

package syncmap

import "sync/atomic"

// entryState is the state of the value held by an entry.
//
//	present  -> deleted   Delete, LoadAndDelete
//	deleted  -> present   Store, Swap, LoadOrStore
//	deleted  -> expunged  copying the read map into a new dirty map
//	expunged -> deleted   re-adding the entry to the dirty map (mu held)
//
// An expunged entry is in the read map but not in the dirty map, so it can
// only be given a value again with mu held, after it has been added back to
// the dirty map.
type entryState uint8

const (
	present entryState = iota
	deleted
	expunged
)

func (s entryState) String() string {
	switch s {
	case present:
		return "present"
	case deleted:
		return "deleted"
	case expunged:
		return "expunged"
	default:
		return "unknown"
	}
}

// cell is an immutable snapshot of an entry. State changes replace the cell.
type cell[V any] struct {
	state entryState
	value V
}

// An entry is a slot in the map corresponding to a particular key. The same
// *entry is shared by the read map and the dirty map.
type entry[V any] struct {
	p atomic.Pointer[cell[V]]
}

func newEntry[V any](value V) *entry[V] {
	e := &entry[V]{}
	e.p.Store(&cell[V]{state: present, value: value})
	return e
}

func (e *entry[V]) load() (value V, ok bool) {
	c := e.p.Load()
	if c.state != present {
		return value, false
	}
	return c.value, true
}

// tryLoadOrStore atomically loads or stores a value if the entry is not
// expunged.
//
// If the entry is expunged, tryLoadOrStore leaves the entry unchanged and
// returns with ok==false.
func (e *entry[V]) tryLoadOrStore(value V) (actual V, loaded, ok bool) {
	c := e.p.Load()
	for {
		switch c.state {
		case expunged:
			return actual, false, false
		case present:
			return c.value, true, true
		}
		if e.p.CompareAndSwap(c, &cell[V]{state: present, value: value}) {
			return value, false, true
		}
		c = e.p.Load()
	}
}

// trySwap swaps a value if the entry has not been expunged.
//
// If the entry is expunged, trySwap returns false and leaves the entry
// unchanged.
func (e *entry[V]) trySwap(value V) (prev *cell[V], ok bool) {
	n := &cell[V]{state: present, value: value}
	for {
		c := e.p.Load()
		if c.state == expunged {
			return nil, false
		}
		if e.p.CompareAndSwap(c, n) {
			return c, true
		}
	}
}

// swapLocked unconditionally swaps a value into the entry.
//
// The entry must be known not to be expunged.
func (e *entry[V]) swapLocked(value V) *cell[V] {
	return e.p.Swap(&cell[V]{state: present, value: value})
}

// unexpungeLocked ensures that the entry is not marked as expunged.
//
// If the entry was previously expunged, it must be added to the dirty map
// before m.mu is unlocked.
func (e *entry[V]) unexpungeLocked() (wasExpunged bool) {
	c := e.p.Load()
	if c.state != expunged {
		return false
	}
	// Only the holder of mu moves an entry out of the expunged state.
	return e.p.CompareAndSwap(c, &cell[V]{state: deleted})
}

// tryExpungeLocked marks a deleted entry as expunged. It returns true if the
// entry is expunged and so must not be copied into the dirty map.
func (e *entry[V]) tryExpungeLocked() (isExpunged bool) {
	c := e.p.Load()
	for c.state == deleted {
		if e.p.CompareAndSwap(c, &cell[V]{state: expunged}) {
			return true
		}
		c = e.p.Load()
	}
	return c.state == expunged
}

func (e *entry[V]) delete() (value V, ok bool) {
	for {
		c := e.p.Load()
		if c.state != present {
			return value, false
		}
		if e.p.CompareAndSwap(c, &cell[V]{state: deleted}) {
			return c.value, true
		}
	}
}
