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

package swiss

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Backend selects the hash table implementation used for the tables in a
// Map's directory.
type Backend uint8

const (
	// SwissBackend stores each table as an open-addressing Swiss table. This
	// is the default.
	SwissBackend Backend = iota
	// ChainedBackend stores each table as an array of 8-slot buckets with
	// chained overflow buckets. Deletion never leaves tombstones, at the cost
	// of probe lengths bounded only by the longest chain.
	ChainedBackend
)

func (b Backend) String() string {
	switch b {
	case SwissBackend:
		return "swiss"
	case ChainedBackend:
		return "chained"
	default:
		return fmt.Sprintf("Backend(%d)", uint8(b))
	}
}

// insertResult is the outcome of table.insert.
type insertResult uint8

const (
	// inserted indicates a new entry was added to the table.
	inserted insertResult = iota
	// updated indicates the key was present and its value was overwritten.
	updated
	// full indicates the key was absent and the table has no room left to
	// add it without exceeding its load factor. The table is unmodified.
	full
)

// table is the storage for all of the entries whose hashes share a directory
// prefix. The Map and the directory only interact with tables through this
// interface which allows the table implementation to be selected when the
// Map is constructed.
//
// Tables never move a live entry to a different slot. Resizing always builds
// a replacement table, which lets an Iterator walk a table in a fixed order
// while the map is mutated.
type table[K comparable, V any] interface {
	meta() *tableMeta

	// get returns the value for key, or ok=false if the key is absent.
	get(m *Map[K, V], h uintptr, key K) (value V, ok bool)
	// insert adds or updates key. See insertResult.
	insert(m *Map[K, V], h uintptr, key K, value V) (prev V, res insertResult)
	// uncheckedPut adds an entry known to be absent into a table known to
	// have room for it. Used when populating replacement tables.
	uncheckedPut(h uintptr, key K, value V)
	// delete removes key, returning the removed value.
	delete(m *Map[K, V], h uintptr, key K) (value V, ok bool)

	// len returns the number of entries in the table.
	len() int
	// capacity returns the number of slots in the table's primary storage.
	capacity() uint32
	// tombstones returns the number of deleted slots which still count
	// against the table's load factor.
	tombstones() uint32
	// maxGrowth returns the number of entries plus tombstones the table can
	// hold before it needs to be grown or split.
	maxGrowth() uint32
	// needsGrowOrSplit returns true when the table has reached its load
	// factor.
	needsGrowOrSplit() bool
	// shouldCompact returns true if a table that needs to grow has enough
	// tombstones that rebuilding it at the same capacity will free up room.
	shouldCompact() bool

	// slotCount returns the number of slots an iterator has to visit to
	// cover every entry currently in the table.
	slotCount() int
	// slotAt returns the entry stored at slot i in [0, slotCount()). ok is
	// false if the slot is not full.
	slotAt(i int) (key *K, value *V, ok bool)

	// clear removes all entries, retaining the allocated storage.
	clear()
	// release returns the table's storage to the allocator.
	release(allocator Allocator[K, V])

	checkInvariants(m *Map[K, V])
	goFormat(w io.Writer)
}

// tableMeta holds the directory bookkeeping shared by every table
// implementation.
type tableMeta struct {
	// localDepth is the number of high bits from hash(key) used to generate
	// an index for the global directory to locate this table. LocalDepth is
	// only updated when a table splits.
	localDepth uint32
	// index is the first index of the table within Map.dir. The entries in
	// Map.dir[index:index+2^(globalDepth-localDepth)] all point to this
	// table. Index is updated when the directory grows.
	index uint32

	// iterators counts the Iterators currently bound to the table. It is
	// updated atomically as concurrent readers may iterate over a map which
	// is not being mutated.
	iterators atomic.Int32
	// retired is set once the table has been replaced in the directory by a
	// grow, split or compaction. A retired table is never mutated again.
	retired atomic.Bool
	// released is set once the table's storage has been returned to the
	// allocator.
	released atomic.Bool
}

// newTable allocates an empty table of the given capacity using the map's
// backend and allocator.
func (m *Map[K, V]) newTable(capacity uint32) (table[K, V], error) {
	switch m.backend {
	case ChainedBackend:
		return newChainTable(m, capacity)
	default:
		return newSwissTable(m, capacity)
	}
}

// emptyTable returns a table with zero capacity. Inserting into it always
// reports full which triggers the allocation of real storage.
func (m *Map[K, V]) emptyTable() table[K, V] {
	switch m.backend {
	case ChainedBackend:
		return newEmptyChainTable[K, V]()
	default:
		return newEmptySwissTable[K, V]()
	}
}

// retire marks t as replaced in the directory and releases its storage
// unless an Iterator is still bound to it, in which case the last Iterator
// to unbind releases it.
func (m *Map[K, V]) retire(t table[K, V]) {
	tm := t.meta()
	tm.retired.Store(true)
	if tm.iterators.Load() == 0 {
		m.releaseTable(t)
	}
}

func (m *Map[K, V]) releaseTable(t table[K, V]) {
	freeTable(t, m.allocator)
}

// freeTable returns t's storage to allocator at most once. A nil allocator
// means the map has been closed and its tables already freed.
func freeTable[K comparable, V any](t table[K, V], allocator Allocator[K, V]) {
	if allocator == nil {
		return
	}
	if t.meta().released.CompareAndSwap(false, true) {
		t.release(allocator)
	}
}
