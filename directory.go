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
)

const (
	// ptrSize and shiftMask are used to optimize code generation for
	// Map.table(), Map.tableCount(), and tableStep(). This technique was
	// lifted from the Go runtime's runtime/map.go:bucketShift() routine. Note
	// that ptrSize will be either 4 on 32-bit archs or 8 on 64-bit archs.
	ptrSize   = 4 << (^uintptr(0) >> 63)
	ptrBits   = ptrSize * 8
	shiftMask = ptrSize*8 - 1
)

// directoryIndex returns the directory index for hash h when the directory
// uses the top globalDepth bits of the hash.
func directoryIndex(h uintptr, globalDepth uint32) uint32 {
	if globalDepth == 0 {
		return 0
	}
	// When shifting by a variable amount the Go compiler inserts overflow
	// checks that the shift is less than the maximum allowed (32 or 64).
	// Masking the shift amount allows overflow checks to be elided.
	return uint32(h >> ((ptrBits - globalDepth) & shiftMask))
}

// table returns the table responsible for hash value h.
func (m *Map[K, V]) table(h uintptr) table[K, V] {
	return m.dir[directoryIndex(h, m.globalDepth)]
}

// tableCount returns the number of entries in the directory.
func (m *Map[K, V]) tableCount() uint32 {
	const shiftMask = 31
	return uint32(1) << (m.globalDepth & shiftMask)
}

// tableStep is the number of directory entries to step over to reach the
// next different table. A table occupies 1 or more contiguous entries in the
// directory specified by the range:
//
//	[t.index:t.index+tableStep(m.globalDepth, t.localDepth)]
func tableStep(globalDepth, localDepth uint32) uint32 {
	const shiftMask = 31
	return uint32(1) << ((globalDepth - localDepth) & shiftMask)
}

// adjustTableIndex adjusts the index of a table to account for the growth
// of the directory where index was captured at originalGlobalDepth and we're
// computing where that index will reside in the directory at
// currentGlobalDepth.
func adjustTableIndex(index, currentGlobalDepth, originalGlobalDepth uint32) uint32 {
	return index << ((currentGlobalDepth - originalGlobalDepth) & 31)
}

// installTable points every directory entry in the range the table occupies
// at t.
func (m *Map[K, V]) installTable(t table[K, V]) {
	tm := t.meta()
	step := tableStep(m.globalDepth, tm.localDepth)
	for i := uint32(0); i < step; i++ {
		m.dir[tm.index+i] = t
	}
}

// growDirectory doubles the directory until it has 1<<newGlobalDepth
// entries. Every table keeps the same span of hash prefixes, so a table at
// index i moves to index i<<(newGlobalDepth-globalDepth).
func (m *Map[K, V]) growDirectory(newGlobalDepth uint32) {
	if invariants && (newGlobalDepth > maxLocalDepth || newGlobalDepth <= m.globalDepth) {
		panic(fmt.Sprintf("invariant failed: unexpected newGlobalDepth %d->%d",
			m.globalDepth, newGlobalDepth))
	}

	newDir := make([]table[K, V], 1<<newGlobalDepth)
	m.tables(0, func(t table[K, V]) bool {
		tm := t.meta()
		tm.index = adjustTableIndex(tm.index, newGlobalDepth, m.globalDepth)
		step := tableStep(newGlobalDepth, tm.localDepth)
		for k := uint32(0); k < step; k++ {
			newDir[tm.index+k] = t
		}
		return true
	})
	m.dir = newDir
	m.globalDepth = newGlobalDepth
}

// tables calls yield sequentially for each distinct table in the directory,
// starting with the table covering directory entry offset&(tableCount-1). If
// yield returns false, iteration stops. Yield must not change the
// directory.
func (m *Map[K, V]) tables(offset uint32, yield func(t table[K, V]) bool) {
	n := m.tableCount()
	start := m.dir[offset&(n-1)].meta().index
	for i := start; ; {
		t := m.dir[i]
		if !yield(t) {
			return
		}
		i = (i + tableStep(m.globalDepth, t.meta().localDepth)) & (n - 1)
		if i == start {
			return
		}
	}
}

// checkDirectory verifies the structure of the directory: every table
// occupies exactly the aligned range [index, index+2^(globalDepth-localDepth))
// and no other entries, and the per-table entry counts sum to Len.
func (m *Map[K, V]) checkDirectory() error {
	n := m.tableCount()
	if uint32(len(m.dir)) != n {
		return errors.AssertionFailedf("directory has %d entries, expected %d", len(m.dir), n)
	}
	var used int
	for i := uint32(0); i < n; {
		t := m.dir[i]
		if t == nil {
			return errors.AssertionFailedf("dir[%d]: nil table", i)
		}
		tm := t.meta()
		if tm.localDepth > m.globalDepth {
			return errors.AssertionFailedf("dir[%d]: local-depth=%d is greater than global-depth=%d",
				i, tm.localDepth, m.globalDepth)
		}
		if tm.index != i {
			return errors.AssertionFailedf("dir[%d]: table index is %d", i, tm.index)
		}
		if tm.retired.Load() {
			return errors.AssertionFailedf("dir[%d]: table is retired", i)
		}
		step := tableStep(m.globalDepth, tm.localDepth)
		if i%step != 0 {
			return errors.AssertionFailedf("dir[%d]: range of %d entries is not aligned", i, step)
		}
		for j := i; j < i+step; j++ {
			if m.dir[j] != t {
				return errors.AssertionFailedf("dir[%d]: expected table at index %d", j, i)
			}
		}
		used += t.len()
		i += step
	}
	if used != m.used {
		return errors.AssertionFailedf("tables hold %d entries, but map length is %d", used, m.used)
	}
	return nil
}

// checkInvariants verifies the internal consistency of the map's structure,
// checking conditions that should always be true for a correctly functioning
// map. If any of these invariants are violated, it panics, indicating a bug
// in the map implementation.
func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if err := m.checkDirectory(); err != nil {
			panic(fmt.Sprintf("invariant failed: %v\n%#v", err, m))
		}
		m.tables(0, func(t table[K, V]) bool {
			t.checkInvariants(m)
			return true
		})
	}
}
