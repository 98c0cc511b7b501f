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

// Package syncmap provides a goroutine-safe map built from two swiss.Maps.
//
// Map follows the design of the standard library's sync.Map. A read-only
// swiss.Map is published through an atomic pointer and serves loads and
// updates of existing keys without locking. Keys added since the read map
// was published live in a dirty swiss.Map guarded by a mutex. Once enough
// loads have missed the read map, the dirty map is promoted to be the new
// read map.
package syncmap

import (
	"sync"
	"sync/atomic"

	swiss "github.com/cockroachdb/swisstable"
	"go.uber.org/zap"
)

// Map is like a Go map[K]V but is safe for concurrent use by multiple
// goroutines without additional locking or coordination. Loads, stores, and
// deletes run in amortized constant time.
//
// The Map type is optimized for two common use cases: (1) when the entry
// for a given key is only ever written once but read many times, as in
// caches that only grow, or (2) when multiple goroutines read, write, and
// overwrite entries for disjoint sets of keys.
//
// The zero Map is empty and ready for use. A Map must not be copied after
// first use.
type Map[K comparable, V any] struct {
	mu sync.Mutex

	// read contains the portion of the map's contents that are safe for
	// concurrent access (with or without mu held). The swiss.Map it points
	// to is never mutated once published, so it may be read and iterated
	// without mu. Its entries may be updated atomically.
	read atomic.Pointer[readOnly[K, V]]

	// dirty contains the portion of the map's contents that require mu to
	// be held. To ensure that the dirty map can be promoted to the read map
	// quickly, it also includes all of the non-expunged entries in the read
	// map.
	//
	// If the dirty map is nil, the next write to the map will initialize it
	// by making a shallow copy of the clean map, omitting stale entries.
	dirty *swiss.Map[K, *entry[V]]

	// misses counts the number of loads since the read map was last
	// updated that needed to lock mu to determine whether the key was
	// present. Once enough misses have occurred to cover the cost of
	// copying the dirty map, the dirty map will be promoted to the read map
	// and the next store to the map will make a new dirty copy.
	misses int

	options []swiss.Option[K, *entry[V]]
	logger  *zap.Logger
}

// readOnly is an immutable struct stored atomically in the Map.read field.
type readOnly[K comparable, V any] struct {
	m *swiss.Map[K, *entry[V]]
	// amended is true if the dirty map contains some key not in m.
	amended bool
}

func (r *readOnly[K, V]) get(key K) (*entry[V], bool) {
	if r.m == nil {
		return nil, false
	}
	return r.m.Get(key)
}

// Option configures a Map.
type Option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type optionFunc[K comparable, V any] func(m *Map[K, V])

func (f optionFunc[K, V]) apply(m *Map[K, V]) {
	f(m)
}

// WithHash specifies the hash function for the underlying swiss.Maps.
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) Option[K, V] {
	return optionFunc[K, V](func(m *Map[K, V]) {
		m.options = append(m.options, swiss.WithHash[K, *entry[V]](hash))
	})
}

// WithBackend selects the table implementation of the underlying
// swiss.Maps.
func WithBackend[K comparable, V any](backend swiss.Backend) Option[K, V] {
	return optionFunc[K, V](func(m *Map[K, V]) {
		m.options = append(m.options, swiss.WithBackend[K, *entry[V]](backend))
	})
}

// WithMaxBucketCapacity sets the split threshold of the underlying
// swiss.Maps.
func WithMaxBucketCapacity[K comparable, V any](v uint32) Option[K, V] {
	return optionFunc[K, V](func(m *Map[K, V]) {
		m.options = append(m.options, swiss.WithMaxBucketCapacity[K, *entry[V]](v))
	})
}

// WithLogger specifies a logger for debug events: promotions of the dirty
// map, and resizes of the underlying swiss.Maps.
func WithLogger[K comparable, V any](logger *zap.Logger) Option[K, V] {
	return optionFunc[K, V](func(m *Map[K, V]) {
		m.logger = logger
		m.options = append(m.options, swiss.WithLogger[K, *entry[V]](logger))
	})
}

// New returns an empty Map configured with the supplied options.
func New[K comparable, V any](options ...Option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	for _, op := range options {
		op.apply(m)
	}
	return m
}

func (m *Map[K, V]) loadReadOnly() readOnly[K, V] {
	if p := m.read.Load(); p != nil {
		return *p
	}
	return readOnly[K, V]{}
}

// Load returns the value stored in the map for a key, or the zero value if
// no value is present. The ok result indicates whether value was found in
// the map.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	read := m.loadReadOnly()
	e, ok := read.get(key)
	if !ok && read.amended {
		m.mu.Lock()
		// Avoid reporting a spurious miss if m.dirty got promoted while we
		// were blocked on m.mu. (If further loads of the same key will not
		// miss, it's not worth copying the dirty map for this key.)
		read = m.loadReadOnly()
		e, ok = read.get(key)
		if !ok && read.amended {
			e, ok = m.dirty.Get(key)
			// Regardless of whether the entry was present, record a miss:
			// this key will take the slow path until the dirty map is
			// promoted to the read map.
			m.missLocked()
		}
		m.mu.Unlock()
	}
	if !ok {
		return value, false
	}
	return e.load()
}

// Store sets the value for a key.
func (m *Map[K, V]) Store(key K, value V) {
	_, _ = m.Swap(key, value)
}

// LoadOrStore returns the existing value for the key if present. Otherwise,
// it stores and returns the given value. The loaded result is true if the
// value was loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	// Avoid locking if it's a clean hit.
	read := m.loadReadOnly()
	if e, ok := read.get(key); ok {
		actual, loaded, ok := e.tryLoadOrStore(value)
		if ok {
			return actual, loaded
		}
	}

	m.mu.Lock()
	read = m.loadReadOnly()
	if e, ok := read.get(key); ok {
		if e.unexpungeLocked() {
			m.dirty.Put(key, e)
		}
		actual, loaded, _ = e.tryLoadOrStore(value)
	} else if e, ok := m.dirtyGet(key); ok {
		actual, loaded, _ = e.tryLoadOrStore(value)
		m.missLocked()
	} else {
		if !read.amended {
			// We're adding the first new key to the dirty map. Make sure it
			// is allocated and mark the read-only map as incomplete.
			m.dirtyLocked()
			m.read.Store(&readOnly[K, V]{m: read.m, amended: true})
		}
		m.dirty.Put(key, newEntry(value))
		actual, loaded = value, false
	}
	m.mu.Unlock()

	return actual, loaded
}

// LoadAndDelete deletes the value for a key, returning the previous value if
// any. The loaded result reports whether the key was present.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	read := m.loadReadOnly()
	e, ok := read.get(key)
	if !ok && read.amended {
		m.mu.Lock()
		read = m.loadReadOnly()
		e, ok = read.get(key)
		if !ok && read.amended {
			e, ok = m.dirty.LoadAndDelete(key)
			// Regardless of whether the entry was present, record a miss:
			// this key will take the slow path until the dirty map is
			// promoted to the read map.
			m.missLocked()
		}
		m.mu.Unlock()
	}
	if ok {
		return e.delete()
	}
	return value, false
}

// Delete deletes the value for a key.
func (m *Map[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// Swap swaps the value for a key and returns the previous value if any. The
// loaded result reports whether the key was present.
func (m *Map[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	read := m.loadReadOnly()
	if e, ok := read.get(key); ok {
		if c, ok := e.trySwap(value); ok {
			if c.state != present {
				return previous, false
			}
			return c.value, true
		}
	}

	m.mu.Lock()
	read = m.loadReadOnly()
	if e, ok := read.get(key); ok {
		if e.unexpungeLocked() {
			// The entry was previously expunged, which implies that there is
			// a non-nil dirty map and this entry is not in it.
			m.dirty.Put(key, e)
		}
		if c := e.swapLocked(value); c.state == present {
			previous, loaded = c.value, true
		}
	} else if e, ok := m.dirtyGet(key); ok {
		if c := e.swapLocked(value); c.state == present {
			previous, loaded = c.value, true
		}
	} else {
		if !read.amended {
			// We're adding the first new key to the dirty map. Make sure it
			// is allocated and mark the read-only map as incomplete.
			m.dirtyLocked()
			m.read.Store(&readOnly[K, V]{m: read.m, amended: true})
		}
		m.dirty.Put(key, newEntry(value))
	}
	m.mu.Unlock()
	return previous, loaded
}

// Range calls f sequentially for each key and value present in the map. If
// f returns false, range stops the iteration.
//
// Range does not necessarily correspond to any consistent snapshot of the
// Map's contents: no key will be visited more than once, but if the value
// for any key is stored or deleted concurrently (including by f), Range may
// reflect any mapping for that key from any point during the Range call.
// Range does not block other methods on the receiver; even f itself may call
// any method on m.
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	// We need to be able to iterate over all of the keys that were already
	// present at the start of the call to Range. If read.amended is false,
	// then read.m satisfies that property without requiring us to hold m.mu
	// for a long time.
	read := m.loadReadOnly()
	if read.amended {
		// m.dirty contains keys not in read.m. Fortunately, Range is already
		// O(N) (assuming the caller does not break out early), so a call to
		// Range amortizes an entire copy of the map: we can promote the dirty
		// copy immediately!
		m.mu.Lock()
		read = m.loadReadOnly()
		if read.amended {
			m.promoteLocked()
			read = m.loadReadOnly()
		}
		m.mu.Unlock()
	}

	if read.m == nil {
		return
	}
	read.m.All(func(k K, e *entry[V]) bool {
		v, ok := e.load()
		if !ok {
			return true
		}
		return f(k, v)
	})
}

// Clear deletes all the entries, resulting in an empty Map.
func (m *Map[K, V]) Clear() {
	read := m.loadReadOnly()
	if read.m == nil && !read.amended {
		// Avoid allocating a new readOnly when the map is already clear.
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	read = m.loadReadOnly()
	if read.m != nil || read.amended {
		m.read.Store(&readOnly[K, V]{})
	}

	m.dirty = nil
	// Don't immediately promote the newly-cleared dirty map on the next
	// operation.
	m.misses = 0
}

// dirtyGet looks up key in the dirty map, which is nil until the first key
// missing from the read map is stored.
func (m *Map[K, V]) dirtyGet(key K) (*entry[V], bool) {
	if m.dirty == nil {
		return nil, false
	}
	return m.dirty.Get(key)
}

func (m *Map[K, V]) missLocked() {
	m.misses++
	if m.misses < m.dirty.Len() {
		return
	}
	m.promoteLocked()
}

// promoteLocked publishes the dirty map as the read map. The dirty map is
// not mutated again.
func (m *Map[K, V]) promoteLocked() {
	if m.logger != nil {
		if ce := m.logger.Check(zap.DebugLevel, "syncmap: dirty map promoted"); ce != nil {
			ce.Write(zap.Int("len", m.dirty.Len()), zap.Int("misses", m.misses))
		}
	}
	m.read.Store(&readOnly[K, V]{m: m.dirty})
	m.dirty = nil
	m.misses = 0
}

func (m *Map[K, V]) dirtyLocked() {
	if m.dirty != nil {
		return
	}

	read := m.loadReadOnly()
	var n int
	if read.m != nil {
		n = read.m.Len()
	}
	m.dirty = swiss.New[K, *entry[V]](n, m.options...)
	if read.m == nil {
		return
	}
	read.m.All(func(k K, e *entry[V]) bool {
		if !e.tryExpungeLocked() {
			m.dirty.Put(k, e)
		}
		return true
	})
}
