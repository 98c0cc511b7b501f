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

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// maxLocalDepth bounds the number of hash bits used to address the
// directory. Directory sizes and steps are uint32 shifts masked to 5 bits.
const maxLocalDepth = 31

// resize makes room in the table t, which reported that it is full, by
// replacing it in the directory:
//
//   - If at least 1/3 of the table is tombstones it is compacted: rebuilt at
//     the same capacity without the tombstones.
//   - If the table is smaller than maxBucketCapacity it is grown to twice its
//     capacity.
//   - Otherwise the table is split in two by the next bit of the hash,
//     doubling the directory first if necessary.
//
// Replacement tables are fully populated before anything in the directory is
// changed. If the allocator fails, the map is left untouched and the error
// is returned.
func (m *Map[K, V]) resize(t table[K, V]) error {
	switch {
	case t.shouldCompact():
		return m.rebuild(t, t.capacity(), "compacted")
	case t.capacity() < m.maxBucketCapacity:
		return m.rebuild(t, max(2*t.capacity(), groupSize), "grown")
	default:
		return m.split(t)
	}
}

// rebuild replaces t in the directory with a table of the specified capacity
// holding the same entries.
func (m *Map[K, V]) rebuild(t table[K, V], capacity uint32, event string) error {
	nt, err := m.newTable(capacity)
	if err != nil {
		return errors.Wrapf(err, "swiss: allocating table with capacity %d", capacity)
	}
	for i, n := 0, t.slotCount(); i < n; i++ {
		k, v, ok := t.slotAt(i)
		if !ok {
			continue
		}
		nt.uncheckedPut(m.hash(k, m.seed), *k, *v)
	}

	tm, ntm := t.meta(), nt.meta()
	ntm.localDepth = tm.localDepth
	ntm.index = tm.index
	m.installTable(nt)
	m.retire(t)

	if ce := m.logger.Check(zap.DebugLevel, "swiss: table "+event); ce != nil {
		ce.Write(
			zap.Uint32("index", ntm.index),
			zap.Uint32("local-depth", ntm.localDepth),
			zap.Uint32("old-capacity", t.capacity()),
			zap.Uint32("new-capacity", capacity),
			zap.Int("used", nt.len()),
		)
	}
	nt.checkInvariants(m)
	return nil
}

// split divides the entries of t between two new tables of the same
// capacity, using the hash bit just below t's local depth, and installs them
// in the directory in place of t.
func (m *Map[K, V]) split(t table[K, V]) error {
	tm := t.meta()
	if tm.localDepth >= maxLocalDepth {
		return m.growDegenerate(t)
	}

	left, err := m.newTable(t.capacity())
	if err != nil {
		return errors.Wrapf(err, "swiss: allocating table with capacity %d", t.capacity())
	}
	right, err := m.newTable(t.capacity())
	if err != nil {
		m.releaseTable(left)
		return errors.Wrapf(err, "swiss: allocating table with capacity %d", t.capacity())
	}

	// If the bit is 0 the entry moves to left, otherwise to right. The
	// left table keeps t's index, so it stays earlier in the directory.
	mask := uintptr(1) << (ptrBits - (tm.localDepth + 1))
	for i, n := 0, t.slotCount(); i < n; i++ {
		k, v, ok := t.slotAt(i)
		if !ok {
			continue
		}
		h := m.hash(k, m.seed)
		if h&mask == 0 {
			left.uncheckedPut(h, *k, *v)
		} else {
			right.uncheckedPut(h, *k, *v)
		}
	}

	if left.len() == 0 || right.len() == 0 {
		// Every entry went to the same side. Either maxBucketCapacity is too
		// small and we got unlucky, or we have a degenerate hash function
		// (e.g. one that returns a constant in the high bits).
		m.releaseTable(left)
		m.releaseTable(right)
		return m.growDegenerate(t)
	}

	// Grow the directory if necessary. This only reindexes the tables.
	if tm.localDepth >= m.globalDepth {
		m.growDirectory(tm.localDepth + 1)
		if ce := m.logger.Check(zap.DebugLevel, "swiss: directory grown"); ce != nil {
			ce.Write(zap.Uint32("global-depth", m.globalDepth))
		}
	}

	lm, rm := left.meta(), right.meta()
	lm.localDepth = tm.localDepth + 1
	lm.index = tm.index
	rm.localDepth = lm.localDepth
	rm.index = lm.index + tableStep(m.globalDepth, lm.localDepth)
	m.installTable(left)
	m.installTable(right)
	m.retire(t)

	if ce := m.logger.Check(zap.DebugLevel, "swiss: table split"); ce != nil {
		ce.Write(
			zap.Uint32("index", lm.index),
			zap.Uint32("local-depth", lm.localDepth),
			zap.Uint32("capacity", t.capacity()),
			zap.Int("left", left.len()),
			zap.Int("right", right.len()),
		)
	}

	if invariants {
		left.checkInvariants(m)
		right.checkInvariants(m)
		m.checkInvariants()
	}
	return nil
}

// growDegenerate grows t past maxBucketCapacity instead of splitting it.
// A single one-sided split can happen by chance with a good hash function,
// so maxBucketCapacity is only doubled when t had already been grown past it
// by an earlier one-sided split, or when t can no longer be split at all.
// Following inserts into the table then do not attempt another split right
// away.
func (m *Map[K, V]) growDegenerate(t table[K, V]) error {
	repeated := t.capacity() > m.maxBucketCapacity || t.meta().localDepth >= maxLocalDepth
	if err := m.rebuild(t, 2*t.capacity(), "grown"); err != nil {
		return err
	}
	if !repeated {
		return nil
	}
	if m.maxBucketCapacity < 1<<31 {
		m.maxBucketCapacity *= 2
	}
	if ce := m.logger.Check(zap.DebugLevel, "swiss: split threshold raised"); ce != nil {
		ce.Write(zap.Uint32("max-bucket-capacity", m.maxBucketCapacity))
	}
	return nil
}

// checkLoadFactor verifies that no table in the directory holds more entries
// and tombstones than its growth threshold.
func (m *Map[K, V]) checkLoadFactor() error {
	var err error
	m.tables(0, func(t table[K, V]) bool {
		if n := uint32(t.len()) + t.tombstones(); n > t.maxGrowth() {
			err = errors.AssertionFailedf("table %d: %d used+tombstones exceeds threshold %d",
				t.meta().index, n, t.maxGrowth())
			return false
		}
		return true
	})
	return err
}

// String returns a one line summary of the map's shape, used in debug
// output.
func (m *Map[K, V]) String() string {
	return fmt.Sprintf("used=%d  global-depth=%d  table-count=%d  max-bucket-capacity=%d",
		m.used, m.globalDepth, m.tableCount(), m.maxBucketCapacity)
}
