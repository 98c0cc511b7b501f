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
	"strings"
)

// swissTable implements Google's Swiss Tables hash table design. A Map is
// composed of 1 or more tables that are addressed using extendible hashing.
type swissTable[K comparable, V any] struct {
	tableMeta

	// groups is groupMask+1 in length and holds groupSize key/value slots and
	// their control bytes.
	groups []Group[K, V]
	// groupMask is the number of groups minus 1 which is used to quickly
	// compute i%N using a bitwise & operation. The groupMask only changes
	// when a table is resized, which always allocates a new table.
	groupMask uint32

	// The total number of slots (always 2^N). Equal to
	// `(groupMask+1)*groupSize` (unless the table is empty, when capacity is
	// 0).
	cap uint32
	// The number of filled slots (i.e. the number of elements in the table).
	used uint32
	// The number of slots we can still fill without needing to grow.
	//
	// This is stored separately due to tombstones: we do not include
	// tombstones in the growth capacity because we'd like to rebuild when the
	// table is filled with tombstones as otherwise probe sequences might get
	// unacceptably long without triggering a rebuild.
	growthLeft uint32
}

var _ table[int, int] = (*swissTable[int, int])(nil)

func newEmptySwissTable[K comparable, V any]() *swissTable[K, V] {
	// The groups slice for an empty table points to a single group where the
	// controls are all marked as empty. This simplifies the logic for probing
	// in get, insert, and delete. The empty controls will never match a probe
	// operation, and if insertion is performed growthLeft==0 will report the
	// table as full.
	return &swissTable[K, V]{
		groups: []Group[K, V]{{ctrls: emptyCtrlGroup}},
	}
}

func newSwissTable[K comparable, V any](m *Map[K, V], capacity uint32) (*swissTable[K, V], error) {
	if capacity < groupSize {
		capacity = groupSize
	}
	if invariants && capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("invariant failed: table size %d is not a power of 2", capacity))
	}

	groups, err := m.allocator.Alloc(int(capacity / groupSize))
	if err != nil {
		return nil, err
	}
	t := &swissTable[K, V]{
		groups:    groups,
		groupMask: capacity/groupSize - 1,
		cap:       capacity,
	}
	for i := range t.groups {
		t.groups[i].ctrls.SetEmpty()
	}
	t.resetGrowthLeft()
	return t, nil
}

func (t *swissTable[K, V]) meta() *tableMeta {
	return &t.tableMeta
}

func (t *swissTable[K, V]) len() int {
	return int(t.used)
}

func (t *swissTable[K, V]) capacity() uint32 {
	return t.cap
}

// maxGrowth returns the number of slots which may be full or deleted before
// the table has to be grown.
func (t *swissTable[K, V]) maxGrowth() uint32 {
	if t.cap <= groupSize {
		// If the map fits in a single group then we're able to fill all of
		// the slots except 1 (an empty slot is needed to terminate find
		// operations).
		if t.cap == 0 {
			return 0
		}
		return t.cap - 1
	}
	return (t.cap * maxAvgGroupLoad) / groupSize
}

func (t *swissTable[K, V]) resetGrowthLeft() {
	t.growthLeft = t.maxGrowth()
}

// tombstones returns the number of deleted (tombstone) entries in the table.
// A tombstone is a slot that has been deleted but is still considered
// occupied so as not to violate the probing invariant.
func (t *swissTable[K, V]) tombstones() uint32 {
	return t.maxGrowth() - t.used - t.growthLeft
}

func (t *swissTable[K, V]) needsGrowOrSplit() bool {
	return t.growthLeft == 0
}

// shouldCompact returns true if we can recover >= 1/3 of the capacity by
// dropping tombstones. Note that this heuristic differs from Abseil's and was
// experimentally determined to balance performance on the PutDelete benchmark
// vs achieving a reasonable load-factor.
func (t *swissTable[K, V]) shouldCompact() bool {
	return t.cap > groupSize && t.tombstones() >= t.cap/3
}

// get retrieves the value from the table for the specified key, returning
// ok=false if the key is not present.
func (t *swissTable[K, V]) get(m *Map[K, V], h uintptr, key K) (value V, ok bool) {
	// To find the location of a key in the table, we compute hash(key). From
	// h1(hash(key)) and the capacity, we construct a probeSeq that visits
	// every group of slots in some interesting order.
	//
	// We walk through these indices. At each index, we select the entire group
	// starting with that index and extract potential candidates: occupied slots
	// with a control byte equal to h2(hash(key)). If we find an empty slot in the
	// group, we stop and return an error. The key at candidate slot y is compared
	// with key; if key == m.slots[y].key we are done and return y; otherwise we
	// continue to the next probe index. Tombstones (ctrlDeleted) effectively
	// behave like full slots that never match the value we're looking for.
	//
	// The h2 bits ensure when we compare a key we are likely to have actually
	// found the object. That is, the chance is low that keys compare false. Thus,
	// when we search for an object, we are unlikely to call == many times. This
	// likelyhood can be analyzed as follows (assuming that h2 is a random enough
	// hash function).
	//
	// Let's assume that there are k "wrong" objects that must be examined in a
	// probe sequence. For example, when doing a find on an object that is in the
	// table, k is the number of objects between the start of the probe sequence
	// and the final found object (not including the final found object). The
	// expected number of objects with an h2 match is then k/128. Measurements and
	// analysis indicate that even at high load factors, k is less than 32,
	// meaning that the number of false positive comparisons we must perform is
	// less than 1/8 per find.
	seq := makeProbeSeq(h1(h), t.groupMask)
	for ; ; seq = seq.next() {
		g := &t.groups[seq.offset]
		match := g.ctrls.matchH2(h2(h))

		for match != 0 {
			i := match.first()
			s := &g.slots[i]
			if m.equal(&key, &s.key) {
				return s.value, true
			}
			match = match.removeFirst()
		}

		if g.ctrls.matchEmpty() != 0 {
			// Finding an empty slot means we've reached the end of the probe
			// sequence.
			return value, false
		}
	}
}

// insert adds key to the table or overwrites the value of an existing entry.
// The probe sequence is walked once: while looking for key we remember the
// first tombstone encountered. When a group with an empty slot proves the
// key is absent, the entry is written to that tombstone or, if there was
// none, to the first empty slot of the terminating group.
func (t *swissTable[K, V]) insert(
	m *Map[K, V], h uintptr, key K, value V,
) (prev V, res insertResult) {
	var deletedGroup *Group[K, V]
	var deletedSlot uint32

	seq := makeProbeSeq(h1(h), t.groupMask)
	for ; ; seq = seq.next() {
		g := &t.groups[seq.offset]
		match := g.ctrls.matchH2(h2(h))

		for match != 0 {
			i := match.first()
			s := &g.slots[i]
			if m.equal(&key, &s.key) {
				prev = s.value
				s.value = value
				return prev, updated
			}
			match = match.removeFirst()
		}

		if deletedGroup == nil {
			if match = g.ctrls.matchDeleted(); match != 0 {
				deletedGroup, deletedSlot = g, match.first()
			}
		}

		match = g.ctrls.matchEmpty()
		if match == 0 {
			continue
		}

		// Finding an empty slot means we've reached the end of the probe
		// sequence and the key is not present.
		if deletedGroup != nil {
			// Reusing a tombstone does not change growthLeft: the slot
			// already counted against the load factor.
			s := &deletedGroup.slots[deletedSlot]
			s.key = key
			s.value = value
			deletedGroup.ctrls.Set(deletedSlot, ctrl(h2(h)))
			t.used++
			return prev, inserted
		}

		if t.growthLeft == 0 {
			return prev, full
		}

		i := match.first()
		s := &g.slots[i]
		s.key = key
		s.value = value
		g.ctrls.Set(i, ctrl(h2(h)))
		t.growthLeft--
		t.used++
		return prev, inserted
	}
}

// uncheckedPut inserts an entry known not to be in the table. Used when
// populating a freshly allocated table during grow, split and compaction.
func (t *swissTable[K, V]) uncheckedPut(h uintptr, key K, value V) {
	if invariants && t.growthLeft == 0 {
		panic(fmt.Sprintf("invariant failed: growthLeft is unexpectedly 0\n%#v", t))
	}

	// Given key and its hash hash(key), to insert it, we construct a
	// probeSeq, and use it to find the first group with an unoccupied (empty
	// or deleted) slot. We place the key/value into the first such slot in
	// the group and mark it as full with key's H2.
	seq := makeProbeSeq(h1(h), t.groupMask)
	for ; ; seq = seq.next() {
		g := &t.groups[seq.offset]
		match := g.ctrls.matchEmptyOrDeleted()
		if match != 0 {
			i := match.first()
			s := &g.slots[i]
			s.key = key
			s.value = value
			if g.ctrls.Get(i) == ctrlEmpty {
				t.growthLeft--
			}
			g.ctrls.Set(i, ctrl(h2(h)))
			t.used++
			return
		}
	}
}

// delete removes the entry for key. The slot is always converted to a
// tombstone: another key's probe sequence may have passed through this group
// while it was full, and marking the slot empty would terminate that probe
// early.
func (t *swissTable[K, V]) delete(m *Map[K, V], h uintptr, key K) (value V, ok bool) {
	seq := makeProbeSeq(h1(h), t.groupMask)
	for ; ; seq = seq.next() {
		g := &t.groups[seq.offset]
		match := g.ctrls.matchH2(h2(h))

		for match != 0 {
			i := match.first()
			s := &g.slots[i]
			if m.equal(&key, &s.key) {
				value = s.value
				*s = slot[K, V]{}
				g.ctrls.Set(i, ctrlDeleted)
				t.used--
				return value, true
			}
			match = match.removeFirst()
		}

		if g.ctrls.matchEmpty() != 0 {
			return value, false
		}
	}
}

func (t *swissTable[K, V]) slotCount() int {
	if t.cap == 0 {
		return 0
	}
	return len(t.groups) * groupSize
}

func (t *swissTable[K, V]) slotAt(i int) (key *K, value *V, ok bool) {
	g := &t.groups[i/groupSize]
	j := uint32(i % groupSize)
	// Match full entries which have a high-bit of zero.
	if (g.ctrls.Get(j) & ctrlEmpty) == ctrlEmpty {
		return nil, nil, false
	}
	s := &g.slots[j]
	return &s.key, &s.value, true
}

func (t *swissTable[K, V]) clear() {
	if t.cap == 0 {
		return
	}
	for i := range t.groups {
		g := &t.groups[i]
		g.ctrls.SetEmpty()
		g.slots = [groupSize]slot[K, V]{}
	}
	t.used = 0
	t.resetGrowthLeft()
}

func (t *swissTable[K, V]) release(allocator Allocator[K, V]) {
	if t.cap > 0 {
		allocator.Free(t.groups)
	}
	t.groups = []Group[K, V]{{ctrls: emptyCtrlGroup}}
	t.groupMask = 0
	t.cap = 0
	t.used = 0
	t.growthLeft = 0
}

func (t *swissTable[K, V]) checkInvariants(m *Map[K, V]) {
	if invariants {
		// For every non-empty slot, verify we can retrieve the key using Get.
		// Count the number of used and deleted slots.
		var used uint32
		var deleted uint32
		var empty uint32
		for i := range t.groups {
			g := &t.groups[i]
			for j := uint32(0); j < groupSize; j++ {
				c := g.ctrls.Get(j)
				switch {
				case c == ctrlDeleted:
					deleted++
				case c == ctrlEmpty:
					empty++
				default:
					s := &g.slots[j]
					h := m.hash(&s.key, m.seed)
					if ctrl(h2(h)) != c {
						panic(fmt.Sprintf("invariant failed: slot(%d/%d): %v ctrl=%02x but h2=%02x\n%#v",
							i, j, s.key, c, h2(h), t))
					}
					if _, ok := t.get(m, h, s.key); !ok {
						panic(fmt.Sprintf("invariant failed: slot(%d/%d): %v not found [h2=%02x h1=%07x]\n%#v",
							i, j, s.key, h2(h), h1(h), t))
					}
					used++
				}
			}
		}

		if used != t.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%#v",
				used, t.used, t))
		}
		if deleted != t.tombstones() {
			panic(fmt.Sprintf("invariant failed: found %d tombstones, but expected %d\n%#v",
				deleted, t.tombstones(), t))
		}
		if t.cap > 0 && empty == 0 {
			panic(fmt.Sprintf("invariant failed: found no empty slots (violates probe invariant)\n%#v", t))
		}
	}
}

// GoString implements the fmt.GoStringer interface which is used when
// formatting using the "%#v" format specifier.
func (t *swissTable[K, V]) GoString() string {
	var buf strings.Builder
	t.goFormat(&buf)
	return buf.String()
}

func (t *swissTable[K, V]) goFormat(w io.Writer) {
	fmt.Fprintf(w, "capacity=%d  used=%d  growth-left=%d  tombstones=%d\n",
		t.cap, t.used, t.growthLeft, t.tombstones())
	if t.cap == 0 {
		return
	}
	for i := range t.groups {
		g := &t.groups[i]
		fmt.Fprintf(w, "  group %d\n", i)
		for j := uint32(0); j < groupSize; j++ {
			switch c := g.ctrls.Get(j); c {
			case ctrlEmpty:
				fmt.Fprintf(w, "    %d: %02x [empty]\n", j, c)
			case ctrlDeleted:
				fmt.Fprintf(w, "    %d: %02x [deleted]\n", j, c)
			default:
				s := &g.slots[j]
				fmt.Fprintf(w, "    %d: %02x [%v:%v]\n", j, c, s.key, s.value)
			}
		}
	}
}
