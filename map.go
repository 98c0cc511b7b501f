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

// Package swiss is a Go implementation of Swiss Tables as described in
// https://abseil.io/about/design/swisstables, combined with extendible
// hashing so that a large map is resized one table at a time. See also:
// https://faultlore.com/blah/hashbrown-tldr/.
//
// # Swiss Tables
//
// Swiss tables are hash tables that map keys to values, similar to Go's
// builtin map type. Swiss tables use open-addressing rather than chaining to
// handle collisions. A hybrid between linear and quadratic probing is used:
// linear probing within groups of small fixed size and quadratic probing at
// the group level. The key design choice of Swiss tables is the usage of a
// separate metadata array that stores 1 byte per slot in the table. 7-bits
// of this "control byte" are taken from hash(key) and the remaining bit is
// used to indicate whether the slot is empty, full or deleted. The metadata
// array allows quick probes. The generic implementation compares the 8
// control bytes of a group at a time through bit tricks (SWAR, SIMD Within A
// Register).
//
// A table is an array of groups. Each group holds 8 control bytes packed
// into a uint64 followed by 8 key/value slots. Probing takes h1(hash(key))
// modulo the number of groups as the first group to examine and then walks
// through groups using quadratic probing until it finds the key or a group
// that has at least one empty slot. See the comments on probeSeq for more
// details on the order in which groups are probed and the guarantee that
// every group is examined.
//
// Deletion is performed using tombstones (ctrlDeleted). A slot is never
// returned to the empty state once it has been filled because doing so
// could cause a lookup whose probe sequence passed through the group while
// it was full to terminate early. Tombstones are reused by later inserts and
// are dropped when a table is compacted, grown or split.
//
// # Extendible Hashing
//
// Swiss tables resize all at once which can cause long-tail latency blips.
// To bound the cost of a single resize, extendible hashing
// (https://en.wikipedia.org/wiki/Extendible_hashing) is applied on top of the
// Swiss table foundation. There is a top-level directory containing entries
// pointing to tables.
//
// The high bits of hash(key) are used to index into the table directory
// which is effectively a trie. The number of bits used is the globalDepth,
// resulting in 2^globalDepth directory entries. Adjacent entries in the
// directory are allowed to point to the same table which enables resizing to
// be done incrementally, one table at a time. Each table has a localDepth
// which is less than or equal to the globalDepth. If the localDepth for a
// table equals the globalDepth then only a single directory entry points to
// the table. Otherwise, more than one directory entry points to the table.
//
// The diagram below shows one possible scenario for the directory and
// tables. With a globalDepth of 2 the directory contains 4 entries. The
// first 2 entries point to the same table which has a localDepth of 1, while
// the last 2 entries point to different tables.
//
//	 dir(globalDepth=2)
//	+----+
//	| 00 | --\
//	+----+    +--> table[localDepth=1]
//	| 01 | --/
//	+----+
//	| 10 | ------> table[localDepth=2]
//	+----+
//	| 11 | ------> table[localDepth=2]
//	+----+
//
// The index into the directory is "hash(key) >> (64 - globalDepth)".
//
// A table that fills up is grown to twice its size until it reaches a
// configurable threshold (WithMaxBucketCapacity), after which it is split
// instead. When a table is split its entries are redistributed between two
// new tables using the next bit of hash(key) and their localDepth is one
// more than the original table's. If the new localDepth is greater than the
// globalDepth then the directory is first doubled in size.
//
// Maps containing only a single table (globalDepth == 0) never consult the
// hash bits for the directory, which gives performance that is equivalent to
// a Swiss table without extendible hashing.
//
// # Iteration
//
// Resizing never moves an entry within a table that is still in the
// directory: grow, split and compaction all build replacement tables. An
// Iterator keeps the table it is walking alive after it has been replaced
// and re-resolves the entries it finds there against the map, so the map may
// be mutated during iteration.
//
// # Backends
//
// The tables of a Map are either Swiss tables (the default) or chained
// tables in the style of Go's builtin map. See WithBackend.
package swiss

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// The default maximum capacity, in slots, a table is allowed to grow to
// before it will be split: 1024 groups.
const defaultMaxBucketCapacity uint32 = 1024 * groupSize

// ErrConcurrentWrite is the panic value reported when a mutating method is
// entered while another mutating method is in progress on the same Map.
var ErrConcurrentWrite = errors.New("swiss: concurrent map writes")

// Map is an unordered map from keys to values with Put, Get, Delete, and All
// operations. Map is inspired by Google's Swiss Tables design as implemented
// in Abseil's flat_hash_map, combined with extendible hashing. By default, a
// Map[K,V] uses the same hash function as Go's builtin map[K]V, though a
// different hash function can be specified using the WithHash option.
//
// A Map is NOT goroutine-safe. Overlapping mutations are detected on a best
// effort basis and cause a panic with ErrConcurrentWrite. Concurrent readers
// of a Map that is not being mutated are safe. See the syncmap package for a
// goroutine-safe map.
type Map[K comparable, V any] struct {
	// The hash function for keys of type K.
	hash hashFn[K]
	// The equality function for keys of type K. If nil, == is used.
	eq   equalFn[K]
	seed uintptr
	// The allocator to use for the groups of each table.
	allocator Allocator[K, V]
	logger    *zap.Logger
	backend   Backend
	// The directory of tables. Each table appears in the directory at the
	// 2^(globalDepth-localDepth) consecutive entries starting at its index.
	dir []table[K, V]
	// The number of filled slots across all tables (i.e. the number of
	// elements in the map).
	used int
	// globalDepth is the number of high bits of the hash used to index into
	// the directory.
	globalDepth uint32
	// The maximum capacity a table is allowed to grow to before it will be
	// split.
	maxBucketCapacity uint32
	// writing is set for the duration of every mutating method.
	writing bool
	_       noCopy
}

// normalizeCapacity rounds capacity to the next power of 2.
func normalizeCapacity(capacity uint32) uint32 {
	return uint32(1) << min(bits.Len32(capacity-1), 31)
}

// New constructs a new Map with the specified initial capacity. If
// initialCapacity is 0 the map will start out with zero capacity and will
// grow on the first insert. The zero value for a Map is not usable.
func New[K comparable, V any](initialCapacity int, options ...Option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(initialCapacity, options...)
	return m
}

// Init initializes a Map with the specified initial capacity. If
// initialCapacity is 0 the map will start out with zero capacity and will
// grow on the first insert. The zero value for a Map is not usable and Init
// must be called before using the map.
//
// Init is intended for usage when a Map is embedded by value in another
// structure. Init panics if the allocator fails to provide the initial
// tables.
func (m *Map[K, V]) Init(initialCapacity int, options ...Option[K, V]) {
	*m = Map[K, V]{
		hash:              defaultHash[K](),
		seed:              uintptr(fastrand64()),
		allocator:         defaultAllocator[K, V]{},
		logger:            zap.NewNop(),
		maxBucketCapacity: defaultMaxBucketCapacity,
	}

	for _, op := range options {
		op.apply(m)
	}

	if m.maxBucketCapacity < groupSize {
		m.maxBucketCapacity = groupSize
	}
	m.maxBucketCapacity = normalizeCapacity(m.maxBucketCapacity)

	// The directory starts out pointing at an empty table which reports that
	// it is full on the first insert.
	m.dir = []table[K, V]{m.emptyTable()}

	if initialCapacity > 0 {
		if err := m.presize(initialCapacity); err != nil {
			panic(err)
		}
	}

	m.checkInvariants()
}

// presize sizes the map to hold initialCapacity entries without resizing.
func (m *Map[K, V]) presize(initialCapacity int) error {
	// We consider initialCapacity to be an indication from the caller about
	// the number of records the map should hold. The realized capacity of a
	// map is 7/8 of the number of slots, so we set the target capacity to
	// initialCapacity*8/7.
	targetCapacity := uint64(initialCapacity) * groupSize / maxAvgGroupLoad
	if targetCapacity <= uint64(m.maxBucketCapacity) {
		// Normalize targetCapacity to the smallest value of the form 2^k.
		t, err := m.newTable(normalizeCapacity(uint32(targetCapacity)))
		if err != nil {
			return errors.Wrap(err, "swiss: allocating initial table")
		}
		m.dir[0] = t
		return nil
	}

	// If targetCapacity is larger than maxBucketCapacity we need to size the
	// directory appropriately. We'll size each table to maxBucketCapacity and
	// create enough tables to hold initialCapacity.
	nTables := (targetCapacity + uint64(m.maxBucketCapacity) - 1) / uint64(m.maxBucketCapacity)
	globalDepth := uint32(bits.Len64(nTables - 1))
	if globalDepth > maxLocalDepth {
		globalDepth = maxLocalDepth
	}
	dir := make([]table[K, V], 1<<globalDepth)
	for i := range dir {
		t, err := m.newTable(m.maxBucketCapacity)
		if err != nil {
			for _, t := range dir[:i] {
				m.releaseTable(t)
			}
			return errors.Wrap(err, "swiss: allocating initial tables")
		}
		tm := t.meta()
		tm.localDepth = globalDepth
		tm.index = uint32(i)
		dir[i] = t
	}
	m.dir = dir
	m.globalDepth = globalDepth
	return nil
}

// beginWrite marks the start of a mutating method and endWrite its end.
func (m *Map[K, V]) beginWrite() {
	if m.writing {
		panic(ErrConcurrentWrite)
	}
	m.writing = true
}

func (m *Map[K, V]) endWrite() {
	m.writing = false
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator. It
// is invalid to use a Map after it has been closed, though Close itself is
// idempotent.
func (m *Map[K, V]) Close() {
	m.beginWrite()
	defer m.endWrite()

	if m.allocator == nil {
		return
	}
	// Tables with an Iterator bound to them are freed by the last Iterator
	// to unbind.
	m.tables(0, func(t table[K, V]) bool {
		m.retire(t)
		return true
	})

	m.allocator = nil
	m.dir = []table[K, V]{m.emptyTable()}
	m.globalDepth = 0
	m.used = 0
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. Put panics if the map needs to
// grow and the allocator fails. Use Set to handle allocation failures.
func (m *Map[K, V]) Put(key K, value V) {
	if _, _, err := m.Set(key, value); err != nil {
		panic(err)
	}
}

// Set inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. If the key was present, the
// previous value is returned with replaced=true.
//
// If the map needs to grow to hold the new entry and the allocator fails,
// the error is returned and the map is unchanged.
func (m *Map[K, V]) Set(key K, value V) (prev V, replaced bool, err error) {
	h := m.hash(&key, m.seed)

	m.beginWrite()
	defer m.endWrite()

	for {
		t := m.table(h)
		var res insertResult
		prev, res = t.insert(m, h, key, value)
		switch res {
		case updated:
			return prev, true, nil
		case inserted:
			m.used++
			t.checkInvariants(m)
			return prev, false, nil
		}

		// The table is out of room. Resizing replaces the table, possibly
		// with two tables, so the key's table has to be located again.
		if err := m.resize(t); err != nil {
			return prev, false, err
		}
	}
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	h := m.hash(&key, m.seed)
	return m.table(h).get(m, h, key)
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning true if an entry was removed. It is a noop to delete a
// non-existent key.
func (m *Map[K, V]) Delete(key K) bool {
	_, ok := m.LoadAndDelete(key)
	return ok
}

// LoadAndDelete deletes the entry for key, returning the value it held.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, ok bool) {
	h := m.hash(&key, m.seed)

	m.beginWrite()
	defer m.endWrite()

	t := m.table(h)
	value, ok = t.delete(m, h, key)
	if ok {
		m.used--
		if m.used == 0 {
			// Reset the hash seed to make it more difficult for attackers to
			// repeatedly trigger hash collisions. See issue
			// https://github.com/golang/go/issues/25237.
			m.seed = uintptr(fastrand64())
		}
	}
	t.checkInvariants(m)
	return value, ok
}

// Clear deletes all entries from the map resulting in an empty map. The
// tables retain their capacity.
func (m *Map[K, V]) Clear() {
	m.beginWrite()
	defer m.endWrite()

	m.tables(0, func(t table[K, V]) bool {
		t.clear()
		return true
	})

	// Reset the hash seed to make it more difficult for attackers to
	// repeatedly trigger hash collisions. See issue
	// https://github.com/golang/go/issues/25237.
	m.seed = uintptr(fastrand64())
	m.used = 0
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, range stops the iteration. The map can be mutated
// during iteration: entries deleted before they are reached are not
// returned, entries updated before they are reached are returned with their
// new value, and entries inserted during iteration may or may not be
// returned. No entry present for the whole iteration is returned twice.
//
// All is compatible with range-over-func:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	it := m.Iter()
	defer it.Close()
	for {
		k, v, ok := it.Next()
		if !ok || !yield(k, v) {
			return
		}
	}
}

// GoString implements the fmt.GoStringer interface which is used when
// formatting using the "%#v" format specifier.
func (m *Map[K, V]) GoString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s  backend=%s\n", m.String(), m.backend)
	m.tables(0, func(t table[K, V]) bool {
		tm := t.meta()
		fmt.Fprintf(&buf, "table %d (%p): local-depth=%d\n", tm.index, t, tm.localDepth)
		t.goFormat(&buf)
		return true
	})
	return buf.String()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// capacity returns the total capacity of all map tables.
func (m *Map[K, V]) capacity() int {
	var capacity int
	m.tables(0, func(t table[K, V]) bool {
		capacity += int(t.capacity())
		return true
	})
	return capacity
}

// growthCapacity returns the number of entries the map can hold without
// resizing.
func (m *Map[K, V]) growthCapacity() int {
	var n int
	m.tables(0, func(t table[K, V]) bool {
		n += int(t.maxGrowth())
		return true
	})
	return n
}

func (m *Map[K, V]) equal(a, b *K) bool {
	if m.eq == nil {
		return *a == *b
	}
	return m.eq(a, b)
}

// noCopy may be embedded into structs which must not be copied after the
// first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
//lint:ignore U1000 detected by go vet
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
