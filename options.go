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

import "go.uber.org/zap"

// Option provide an interface to do work on Map while it is being created.
type Option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The top bits of the hash select a table in the directory and the low 7
// bits are stored in the control bytes, so all of the bits should be well
// mixed. A constant hash function is permitted but degrades the map to a
// linear scan.
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) Option[K, V] {
	return hashOption[K, V]{hash}
}

type equalOption[K comparable, V any] struct {
	equal func(a, b *K) bool
}

func (op equalOption[K, V]) apply(m *Map[K, V]) {
	m.eq = op.equal
}

// WithEqual is an option to specify the key equality function to use for a
// Map[K,V] in place of ==. Keys which are equal must hash to the same value.
func WithEqual[K comparable, V any](equal func(a, b *K) bool) Option[K, V] {
	return equalOption[K, V]{equal}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows the
// GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that groups be
// freed then Map.Close must be called in order to ensure Free is called.
type Allocator[K comparable, V any] interface {
	// Alloc should return a slice equivalent to make([]Group[K,V], n), or an
	// error if the memory is not available. A failed allocation leaves the
	// Map unchanged and is reported by Map.Set.
	Alloc(n int) ([]Group[K, V], error)

	// Free can optionally release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by Alloc. A slice is
	// freed once the table using it has been replaced and no Iterator is
	// positioned in it.
	Free(v []Group[K, V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) Alloc(n int) ([]Group[K, V], error) {
	return make([]Group[K, V], n), nil
}

func (defaultAllocator[K, V]) Free(_ []Group[K, V]) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) Option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type maxBucketCapacityOption[K comparable, V any] struct {
	maxBucketCapacity uint32
}

func (op maxBucketCapacityOption[K, V]) apply(m *Map[K, V]) {
	m.maxBucketCapacity = op.maxBucketCapacity
}

// WithMaxBucketCapacity is an option to specify the maximum capacity, in
// slots, a table may grow to before it is split. The value is rounded up to
// a power of 2 of at least 8. Specifying a very large value results in a
// map with a single table.
func WithMaxBucketCapacity[K comparable, V any](v uint32) Option[K, V] {
	return maxBucketCapacityOption[K, V]{v}
}

type backendOption[K comparable, V any] struct {
	backend Backend
}

func (op backendOption[K, V]) apply(m *Map[K, V]) {
	m.backend = op.backend
}

// WithBackend is an option to select the table implementation used by a
// Map[K,V]. The default is SwissBackend.
func WithBackend[K comparable, V any](backend Backend) Option[K, V] {
	return backendOption[K, V]{backend}
}

type loggerOption[K comparable, V any] struct {
	logger *zap.Logger
}

func (op loggerOption[K, V]) apply(m *Map[K, V]) {
	if op.logger != nil {
		m.logger = op.logger
	}
}

// WithLogger is an option to specify a logger which receives debug level
// events when the map's tables are grown, split or compacted, and when its
// directory is doubled.
func WithLogger[K comparable, V any](logger *zap.Logger) Option[K, V] {
	return loggerOption[K, V]{logger}
}
