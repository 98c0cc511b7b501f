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

const (
	// chainLoadNum/chainLoadDen is the average number of entries per 8-slot
	// bucket at which a chained table grows: 6.5, the same load factor used
	// by Go's builtin bucketed map.
	chainLoadNum = 13
	chainLoadDen = 16
)

// chainTable is a bucketed hash table in the style of Go's builtin map. The
// primary storage is an array of groups, one per bucket, addressed by
// h1(hash) & bucketMask. When a bucket's group is full additional overflow
// groups are chained onto it.
//
// The control bytes of a chained table are either empty or full. Removing an
// entry marks its slot empty: lookups walk the whole chain for a bucket so a
// hole never hides a later entry.
type chainTable[K comparable, V any] struct {
	tableMeta

	// primary holds one group per bucket and is obtained from the allocator.
	primary []Group[K, V]
	// overflow holds the overflow groups for every bucket. They are
	// allocated from the Go heap as the number needed is not known up front.
	overflow []Group[K, V]
	// next links each group to the next group in its chain. Groups are
	// numbered with primary first, followed by overflow. A value of 0 ends
	// the chain, otherwise the next group is number next[i]-1.
	next []int32

	bucketMask uint32
	cap        uint32
	used       uint32
}

var _ table[int, int] = (*chainTable[int, int])(nil)

func newEmptyChainTable[K comparable, V any]() *chainTable[K, V] {
	return &chainTable[K, V]{
		primary: []Group[K, V]{{ctrls: emptyCtrlGroup}},
		next:    make([]int32, 1),
	}
}

func newChainTable[K comparable, V any](m *Map[K, V], capacity uint32) (*chainTable[K, V], error) {
	if capacity < groupSize {
		capacity = groupSize
	}
	groups, err := m.allocator.Alloc(int(capacity / groupSize))
	if err != nil {
		return nil, err
	}
	for i := range groups {
		groups[i].ctrls.SetEmpty()
	}
	return &chainTable[K, V]{
		primary:    groups,
		next:       make([]int32, len(groups)),
		bucketMask: capacity/groupSize - 1,
		cap:        capacity,
	}, nil
}

func (t *chainTable[K, V]) meta() *tableMeta {
	return &t.tableMeta
}

func (t *chainTable[K, V]) group(i int32) *Group[K, V] {
	if n := int32(len(t.primary)); i >= n {
		return &t.overflow[i-n]
	}
	return &t.primary[i]
}

func (t *chainTable[K, V]) bucket(h uintptr) int32 {
	return int32(uint32(h1(h)) & t.bucketMask)
}

func (t *chainTable[K, V]) len() int {
	return int(t.used)
}

func (t *chainTable[K, V]) capacity() uint32 {
	return t.cap
}

func (t *chainTable[K, V]) tombstones() uint32 {
	return 0
}

func (t *chainTable[K, V]) maxGrowth() uint32 {
	return t.cap * chainLoadNum / chainLoadDen
}

func (t *chainTable[K, V]) needsGrowOrSplit() bool {
	return t.used >= t.maxGrowth()
}

// shouldCompact is always false. A chained table has no tombstones and its
// overflow groups are only reclaimed by growing or splitting.
func (t *chainTable[K, V]) shouldCompact() bool {
	return false
}

func (t *chainTable[K, V]) get(m *Map[K, V], h uintptr, key K) (value V, ok bool) {
	for i := t.bucket(h); ; {
		g := t.group(i)
		match := g.ctrls.matchH2(h2(h))
		for match != 0 {
			j := match.first()
			s := &g.slots[j]
			if m.equal(&key, &s.key) {
				return s.value, true
			}
			match = match.removeFirst()
		}
		if t.next[i] == 0 {
			return value, false
		}
		i = t.next[i] - 1
	}
}

func (t *chainTable[K, V]) insert(
	m *Map[K, V], h uintptr, key K, value V,
) (prev V, res insertResult) {
	var emptyGroup *Group[K, V]
	var emptySlot uint32

	i := t.bucket(h)
	for {
		g := t.group(i)
		match := g.ctrls.matchH2(h2(h))
		for match != 0 {
			j := match.first()
			s := &g.slots[j]
			if m.equal(&key, &s.key) {
				prev = s.value
				s.value = value
				return prev, updated
			}
			match = match.removeFirst()
		}
		if emptyGroup == nil {
			if match = g.ctrls.matchEmpty(); match != 0 {
				emptyGroup, emptySlot = g, match.first()
			}
		}
		if t.next[i] == 0 {
			break
		}
		i = t.next[i] - 1
	}

	if t.used >= t.maxGrowth() {
		return prev, full
	}
	if emptyGroup == nil {
		emptyGroup, emptySlot = t.addOverflow(i), 0
	}
	s := &emptyGroup.slots[emptySlot]
	s.key = key
	s.value = value
	emptyGroup.ctrls.Set(emptySlot, ctrl(h2(h)))
	t.used++
	return prev, inserted
}

// addOverflow appends an empty overflow group to the chain ending at group
// tail.
func (t *chainTable[K, V]) addOverflow(tail int32) *Group[K, V] {
	t.overflow = append(t.overflow, Group[K, V]{ctrls: emptyCtrlGroup})
	t.next = append(t.next, 0)
	n := int32(len(t.primary) + len(t.overflow))
	t.next[tail] = n
	return &t.overflow[len(t.overflow)-1]
}

func (t *chainTable[K, V]) uncheckedPut(h uintptr, key K, value V) {
	i := t.bucket(h)
	for {
		g := t.group(i)
		if match := g.ctrls.matchEmpty(); match != 0 {
			j := match.first()
			s := &g.slots[j]
			s.key = key
			s.value = value
			g.ctrls.Set(j, ctrl(h2(h)))
			t.used++
			return
		}
		if t.next[i] == 0 {
			break
		}
		i = t.next[i] - 1
	}
	g := t.addOverflow(i)
	g.slots[0] = slot[K, V]{key: key, value: value}
	g.ctrls.Set(0, ctrl(h2(h)))
	t.used++
}

func (t *chainTable[K, V]) delete(m *Map[K, V], h uintptr, key K) (value V, ok bool) {
	for i := t.bucket(h); ; {
		g := t.group(i)
		match := g.ctrls.matchH2(h2(h))
		for match != 0 {
			j := match.first()
			s := &g.slots[j]
			if m.equal(&key, &s.key) {
				value = s.value
				*s = slot[K, V]{}
				g.ctrls.Set(j, ctrlEmpty)
				t.used--
				return value, true
			}
			match = match.removeFirst()
		}
		if t.next[i] == 0 {
			return value, false
		}
		i = t.next[i] - 1
	}
}

func (t *chainTable[K, V]) slotCount() int {
	if t.cap == 0 {
		return 0
	}
	return (len(t.primary) + len(t.overflow)) * groupSize
}

func (t *chainTable[K, V]) slotAt(i int) (key *K, value *V, ok bool) {
	// Clear drops the overflow groups, so an iterator may hold a slot count
	// which is larger than the table.
	gi := i / groupSize
	if t.cap == 0 || gi >= len(t.primary)+len(t.overflow) {
		return nil, nil, false
	}
	g := t.group(int32(gi))
	j := uint32(i % groupSize)
	if (g.ctrls.Get(j) & ctrlEmpty) == ctrlEmpty {
		return nil, nil, false
	}
	s := &g.slots[j]
	return &s.key, &s.value, true
}

func (t *chainTable[K, V]) clear() {
	if t.cap == 0 {
		return
	}
	for i := range t.primary {
		t.primary[i] = Group[K, V]{ctrls: emptyCtrlGroup}
	}
	t.overflow = nil
	t.next = make([]int32, len(t.primary))
	t.used = 0
}

func (t *chainTable[K, V]) release(allocator Allocator[K, V]) {
	if t.cap > 0 {
		allocator.Free(t.primary)
	}
	t.primary = []Group[K, V]{{ctrls: emptyCtrlGroup}}
	t.overflow = nil
	t.next = make([]int32, 1)
	t.bucketMask = 0
	t.cap = 0
	t.used = 0
}

func (t *chainTable[K, V]) checkInvariants(m *Map[K, V]) {
	if invariants {
		var used uint32
		for b := uint32(0); b <= t.bucketMask && t.cap > 0; b++ {
			var steps int
			for i := int32(b); ; {
				g := t.group(i)
				for j := uint32(0); j < groupSize; j++ {
					c := g.ctrls.Get(j)
					switch c {
					case ctrlDeleted:
						panic(fmt.Sprintf("invariant failed: bucket %d: tombstone in chained table\n%#v", b, t))
					case ctrlEmpty:
					default:
						s := &g.slots[j]
						h := m.hash(&s.key, m.seed)
						if uint32(t.bucket(h)) != b {
							panic(fmt.Sprintf("invariant failed: bucket %d: %v belongs in bucket %d\n%#v",
								b, s.key, t.bucket(h), t))
						}
						if ctrl(h2(h)) != c {
							panic(fmt.Sprintf("invariant failed: bucket %d: %v ctrl=%02x but h2=%02x\n%#v",
								b, s.key, c, h2(h), t))
						}
						used++
					}
				}
				if steps++; steps > len(t.next) {
					panic(fmt.Sprintf("invariant failed: bucket %d: chain cycle\n%#v", b, t))
				}
				if t.next[i] == 0 {
					break
				}
				i = t.next[i] - 1
			}
		}
		if used != t.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%#v",
				used, t.used, t))
		}
	}
}

// GoString implements the fmt.GoStringer interface which is used when
// formatting using the "%#v" format specifier.
func (t *chainTable[K, V]) GoString() string {
	var buf strings.Builder
	t.goFormat(&buf)
	return buf.String()
}

func (t *chainTable[K, V]) goFormat(w io.Writer) {
	fmt.Fprintf(w, "capacity=%d  used=%d  overflow=%d\n", t.cap, t.used, len(t.overflow))
	if t.cap == 0 {
		return
	}
	for b := uint32(0); b <= t.bucketMask; b++ {
		fmt.Fprintf(w, "  bucket %d\n", b)
		for i := int32(b); ; {
			g := t.group(i)
			for j := uint32(0); j < groupSize; j++ {
				if c := g.ctrls.Get(j); c != ctrlEmpty {
					s := &g.slots[j]
					fmt.Fprintf(w, "    %d/%d: %02x [%v:%v]\n", i, j, c, s.key, s.value)
				}
			}
			if t.next[i] == 0 {
				break
			}
			i = t.next[i] - 1
		}
	}
}
