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

type iterState uint8

const (
	iterNotStarted iterState = iota
	iterActive
	iterExhausted
)

// Iterator is a cursor over the entries of a Map. The order of iteration is
// randomized. The map may be mutated between calls to Next with the same
// guarantees as described for Map.All.
//
// An Iterator keeps the table it is positioned in alive even if the map
// replaces it, and Close must be called to release it when iteration is
// abandoned before Next reports the end.
type Iterator[K comparable, V any] struct {
	m     *Map[K, V]
	state iterState

	// The table being walked and the number of slots to visit in it.
	t     table[K, V]
	slots int
	pos   int
	// slotOffset randomizes the starting slot within each table. It is
	// reduced modulo slots whenever a table is bound.
	slotOffset int
	// The map's allocator when iteration started. A retired table is freed
	// to it by the last Iterator to unbind, even after the map is closed.
	allocator Allocator[K, V]

	// The directory position of t at the time it was bound. If the
	// directory grows or t splits, these determine the next range of the
	// directory to visit.
	index       uint32
	localDepth  uint32
	globalDepth uint32

	// The directory index iteration started at, and the global depth at the
	// time. Iteration ends when the cursor wraps around to it.
	startIndex       uint32
	startGlobalDepth uint32
}

// Iter returns an Iterator positioned before the first entry of the map.
func (m *Map[K, V]) Iter() *Iterator[K, V] {
	return &Iterator[K, V]{m: m}
}

// Next returns the next entry of the map, or ok=false once every entry has
// been returned.
func (it *Iterator[K, V]) Next() (key K, value V, ok bool) {
	switch it.state {
	case iterExhausted:
		return key, value, false
	case iterNotStarted:
		it.start()
	}

	for {
		for it.pos < it.slots {
			i := int((uint(it.pos) + uint(it.slotOffset)) % uint(it.slots))
			it.pos++
			k, v, full := it.t.slotAt(i)
			if !full {
				continue
			}
			if !it.t.meta().retired.Load() {
				return *k, *v, true
			}
			// The table has been replaced. The entry may have been deleted
			// or updated since, so consult the map.
			if cur, found := it.m.Get(*k); found {
				return *k, cur, true
			}
		}

		if !it.advance() {
			it.Close()
			return key, value, false
		}
	}
}

// Close releases the table the iterator is positioned in. Subsequent calls
// to Next report the end of iteration. Close is idempotent.
func (it *Iterator[K, V]) Close() {
	if it.t != nil {
		it.unbind()
	}
	it.state = iterExhausted
}

func (it *Iterator[K, V]) start() {
	m := it.m
	// Randomize iteration order by starting iteration at a random table and
	// within each table at a random offset.
	r := fastrand64()
	it.slotOffset = int(uint32(r) >> 1)
	it.allocator = m.allocator
	t := m.dir[uint32(r>>32)&(m.tableCount()-1)]
	it.startIndex = t.meta().index
	it.startGlobalDepth = m.globalDepth
	it.bind(t)
	it.state = iterActive
}

func (it *Iterator[K, V]) bind(t table[K, V]) {
	tm := t.meta()
	tm.iterators.Add(1)
	it.t = t
	it.slots = t.slotCount()
	if it.slots > 0 {
		it.slotOffset %= it.slots
	}
	it.pos = 0
	it.index = tm.index
	it.localDepth = tm.localDepth
	it.globalDepth = it.m.globalDepth
}

func (it *Iterator[K, V]) unbind() {
	t := it.t
	it.t = nil
	tm := t.meta()
	if tm.iterators.Add(-1) == 0 && tm.retired.Load() {
		freeTable(t, it.allocator)
	}
}

// advance moves the iterator to the table following the directory range it
// has finished walking, returning false once iteration has wrapped around to
// the start.
func (it *Iterator[K, V]) advance() bool {
	m := it.m
	gd := m.globalDepth

	// The directory may have doubled since the current table was bound, so
	// the cached index is rescaled. The table may also have been split, in
	// which case the tables split from it cover the range the iterator has
	// already walked. Stepping by the local depth at the time of binding
	// skips all of them.
	i := adjustTableIndex(it.index, gd, it.globalDepth)
	i += tableStep(gd, it.localDepth)
	i &= m.tableCount() - 1

	if i == adjustTableIndex(it.startIndex, gd, it.startGlobalDepth) {
		return false
	}
	it.unbind()
	it.bind(m.dir[i])
	return true
}
