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
	"math/rand/v2"

	"github.com/dolthub/maphash"
)

// hashFn computes the hash of the key pointed to by key using seed. The top
// bits of the result select a table in the directory, the low 7 bits are
// stored in the control byte and the remaining bits select the start of the
// probe sequence.
type hashFn[K comparable] func(key *K, seed uintptr) uintptr

// equalFn reports whether the keys pointed to by a and b are equal.
type equalFn[K comparable] func(a, b *K) bool

// defaultHash returns a hash function for K built on the same AES/memhash
// based hasher used by Go's builtin map[K]V. The per-map seed is mixed into
// the result so that reseeding a map redistributes its keys.
func defaultHash[K comparable]() hashFn[K] {
	hasher := maphash.NewHasher[K]()
	return func(key *K, seed uintptr) uintptr {
		return uintptr(mix64(hasher.Hash(*key) ^ uint64(seed)))
	}
}

// mix64 is the splitmix64 finalizer. It is a bijection on uint64.
func mix64(h uint64) uint64 {
	h ^= h >> 30
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 27
	h *= 0x94d049bb133111eb
	h ^= h >> 31
	return h
}

func fastrand64() uint64 {
	return rand.Uint64()
}
