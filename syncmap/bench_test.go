package syncmap

import (
	"sync"
	"testing"

	"github.com/alphadose/haxmap"
	swiss "github.com/cockroachdb/swisstable"
	"github.com/cornelk/hashmap"
)

const benchmarkItemCount = 1024

type concurrentMap interface {
	load(k uintptr) (uintptr, bool)
	store(k, v uintptr)
}

type syncMap struct{ m *Map[uintptr, uintptr] }

func (s syncMap) load(k uintptr) (uintptr, bool) { return s.m.Load(k) }
func (s syncMap) store(k, v uintptr)             { s.m.Store(k, v) }

type stdSyncMap struct{ m *sync.Map }

func (s stdSyncMap) load(k uintptr) (uintptr, bool) {
	v, ok := s.m.Load(k)
	if !ok {
		return 0, false
	}
	return v.(uintptr), true
}
func (s stdSyncMap) store(k, v uintptr) { s.m.Store(k, v) }

type haxMap struct{ m *haxmap.Map[uintptr, uintptr] }

func (s haxMap) load(k uintptr) (uintptr, bool) { return s.m.Get(k) }
func (s haxMap) store(k, v uintptr)             { s.m.Set(k, v) }

type hashMap struct{ m *hashmap.Map[uintptr, uintptr] }

func (s hashMap) load(k uintptr) (uintptr, bool) { return s.m.Get(k) }
func (s hashMap) store(k, v uintptr)             { s.m.Set(k, v) }

var impls = []struct {
	name   string
	newMap func() concurrentMap
}{
	{"syncmap", func() concurrentMap { return syncMap{New[uintptr, uintptr]()} }},
	{"syncmap-chained", func() concurrentMap {
		return syncMap{New[uintptr, uintptr](WithBackend[uintptr, uintptr](swiss.ChainedBackend))}
	}},
	{"sync.Map", func() concurrentMap { return stdSyncMap{&sync.Map{}} }},
	{"haxmap", func() concurrentMap { return haxMap{haxmap.New[uintptr, uintptr]()} }},
	{"hashmap", func() concurrentMap { return hashMap{hashmap.New[uintptr, uintptr]()} }},
}

func setup(b *testing.B, newMap func() concurrentMap) concurrentMap {
	b.Helper()
	m := newMap()
	for i := uintptr(0); i < benchmarkItemCount; i++ {
		m.store(i, i)
	}
	return m
}

func BenchmarkRead(b *testing.B) {
	for _, impl := range impls {
		b.Run(impl.name, func(b *testing.B) {
			m := setup(b, impl.newMap)
			// Promote any keys still held in a dirty map.
			for i := uintptr(0); i < benchmarkItemCount; i++ {
				m.load(benchmarkItemCount + i)
			}
			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					for i := uintptr(0); i < benchmarkItemCount; i++ {
						j, _ := m.load(i)
						if j != i {
							b.Fail()
						}
					}
				}
			})
		})
	}
}

func BenchmarkReadWrite(b *testing.B) {
	for _, impl := range impls {
		b.Run(impl.name, func(b *testing.B) {
			m := setup(b, impl.newMap)
			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				var n uintptr
				for pb.Next() {
					n++
					if n%16 == 0 {
						// Overwrite an existing key.
						m.store(n%benchmarkItemCount, n%benchmarkItemCount)
						continue
					}
					for i := uintptr(0); i < benchmarkItemCount; i++ {
						j, _ := m.load(i)
						if j != i {
							b.Fail()
						}
					}
				}
			})
		})
	}
}

func BenchmarkWrite(b *testing.B) {
	for _, impl := range impls {
		b.Run(impl.name, func(b *testing.B) {
			m := impl.newMap()
			b.ResetTimer()

			for n := 0; n < b.N; n++ {
				for i := uintptr(0); i < benchmarkItemCount; i++ {
					m.store(i, i)
				}
			}
		})
	}
}
