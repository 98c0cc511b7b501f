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

package main

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	swiss "github.com/cockroachdb/swisstable"
	"github.com/cockroachdb/swisstable/syncmap"
	"github.com/google/btree"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// A divergence is a point where a map disagreed with the builtin map it was
// run against.
type divergence struct {
	run string
	key int
	op  string
	got string
	exp string
}

func (d divergence) String() string {
	return fmt.Sprintf("%s: %s(%d): got %s, expected %s", d.run, d.op, d.key, d.got, d.exp)
}

func divergenceLess(a, b divergence) bool {
	if a.run != b.run {
		return a.run < b.run
	}
	if a.key != b.key {
		return a.key < b.key
	}
	return a.op < b.op
}

// report collects divergences ordered by run and key. Only the first
// divergence for each (run, key, op) is kept.
type report struct {
	mu    sync.Mutex
	items *btree.BTreeG[divergence]
}

func newReport() *report {
	return &report{items: btree.NewG[divergence](8, divergenceLess)}
}

func (r *report) add(d divergence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items.Get(d); !ok {
		r.items.ReplaceOrInsert(d)
	}
}

func (r *report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items.Len()
}

func (r *report) log(logger *zap.Logger, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	r.items.Ascend(func(d divergence) bool {
		logger.Error("divergence",
			zap.String("run", d.run),
			zap.String("op", d.op),
			zap.Int("key", d.key),
			zap.String("got", d.got),
			zap.String("expected", d.exp))
		n++
		return n < limit
	})
}

func mapOptions[V any](cfg *Config, backend swiss.Backend, logger *zap.Logger) []swiss.Option[int, V] {
	opts := []swiss.Option[int, V]{
		swiss.WithBackend[int, V](backend),
		swiss.WithMaxBucketCapacity[int, V](cfg.MaxBucketCapacity),
		swiss.WithLogger[int, V](logger),
	}
	if cfg.DegenerateHash {
		opts = append(opts, swiss.WithHash[int, V](func(*int, uintptr) uintptr { return 0 }))
	}
	return opts
}

// checker compares the results of operations on a swiss.Map against a
// builtin map.
type checker struct {
	run    string
	m      *swiss.Map[int, int]
	model  map[int]int
	report *report
}

func (c *checker) diverged(key int, op string, got, exp any) {
	c.report.add(divergence{
		run: c.run,
		key: key,
		op:  op,
		got: fmt.Sprint(got),
		exp: fmt.Sprint(exp),
	})
}

func (c *checker) set(k, v int) error {
	prev, replaced, err := c.m.Set(k, v)
	if err != nil {
		return err
	}
	expPrev, expReplaced := c.model[k]
	if replaced != expReplaced || prev != expPrev {
		c.diverged(k, "set", fmt.Sprint(prev, replaced), fmt.Sprint(expPrev, expReplaced))
	}
	c.model[k] = v
	return nil
}

func (c *checker) get(k int) {
	v, ok := c.m.Get(k)
	expV, expOK := c.model[k]
	if ok != expOK || v != expV {
		c.diverged(k, "get", fmt.Sprint(v, ok), fmt.Sprint(expV, expOK))
	}
}

func (c *checker) delete(k int) {
	v, ok := c.m.LoadAndDelete(k)
	expV, expOK := c.model[k]
	if ok != expOK || v != expV {
		c.diverged(k, "delete", fmt.Sprint(v, ok), fmt.Sprint(expV, expOK))
	}
	delete(c.model, k)
}

// iterate walks the map while mutating it. Every entry returned must hold
// its current value, no entry may be returned twice, and every entry that
// was present throughout must be returned.
func (c *checker) iterate(rng *rand.Rand, keys int) error {
	seen := make(map[int]struct{}, len(c.model))
	touched := make(map[int]struct{})
	start := make(map[int]struct{}, len(c.model))
	for k := range c.model {
		start[k] = struct{}{}
	}

	var err error
	c.m.All(func(k, v int) bool {
		if _, ok := seen[k]; ok {
			// A key deleted and reinserted during iteration may be returned
			// again.
			if _, ok := touched[k]; !ok {
				c.diverged(k, "iterate", "duplicate", "single")
			}
		}
		seen[k] = struct{}{}
		if expV, ok := c.model[k]; !ok || expV != v {
			c.diverged(k, "iterate", fmt.Sprint(v, true), fmt.Sprint(expV, ok))
		}

		switch r := rng.IntN(10); {
		case r == 0:
			d := rng.IntN(keys)
			touched[d] = struct{}{}
			c.delete(d)
		case r == 1:
			u := rng.IntN(keys)
			touched[u] = struct{}{}
			if err = c.set(u, rng.Int()); err != nil {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	for k := range start {
		if _, ok := touched[k]; ok {
			continue
		}
		if _, ok := seen[k]; !ok {
			c.diverged(k, "iterate", "missing", "present")
		}
	}
	return nil
}

func (c *checker) checkLen() {
	if c.m.Len() != len(c.model) {
		c.diverged(-1, "len", c.m.Len(), len(c.model))
	}
}

// runSequential applies a random sequence of operations to a swiss.Map and
// a builtin map and records where they disagree.
func runSequential(cfg *Config, backend swiss.Backend, seed uint64, rep *report, logger *zap.Logger) error {
	run := "sequential/" + backend.String()
	logger = logger.With(zap.String("run", run))
	rng := rand.New(rand.NewPCG(seed, uint64(backend)))

	m := swiss.New[int, int](0, mapOptions[int](cfg, backend, logger)...)
	defer m.Close()
	c := &checker{run: run, m: m, model: make(map[int]int), report: rep}

	start := time.Now()
	for i := 0; i < cfg.Ops; i++ {
		k := rng.IntN(cfg.Keys)
		switch r := rng.IntN(1000); {
		case r < 450:
			if err := c.set(k, rng.Int()); err != nil {
				return errors.Wrapf(err, "%s: op %d", run, i)
			}
		case r < 700:
			c.get(k)
		case r < 990:
			c.delete(k)
		case r < 999:
			c.checkLen()
		default:
			if rng.IntN(20) == 0 {
				m.Clear()
				clear(c.model)
				continue
			}
			if err := c.iterate(rng, cfg.Keys); err != nil {
				return errors.Wrapf(err, "%s: op %d", run, i)
			}
		}
	}
	c.checkLen()
	for k := range c.model {
		c.get(k)
	}

	logger.Info("sequential run complete",
		zap.Int("ops", cfg.Ops),
		zap.Int("len", m.Len()),
		zap.Stringer("map", m),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// runConcurrent drives a syncmap.Map from cfg.Workers goroutines of an ants
// pool. Each worker owns a disjoint slice of the key space and checks the
// map against its own builtin map. Readers range over the whole map while
// the workers run.
func runConcurrent(cfg *Config, backend swiss.Backend, seed uint64, rep *report, logger *zap.Logger) error {
	run := "concurrent/" + backend.String()
	logger = logger.With(zap.String("run", run))

	var panicMu sync.Mutex
	var panicErr error
	fail := func(v interface{}) {
		panicMu.Lock()
		defer panicMu.Unlock()
		if panicErr == nil {
			panicErr = errors.Newf("%s: worker panicked: %v", run, v)
		}
	}
	pool, err := ants.NewPool(cfg.Workers+1, ants.WithPanicHandler(fail))
	if err != nil {
		return errors.Wrap(err, "creating worker pool")
	}
	defer pool.Release()

	opts := []syncmap.Option[int, int]{
		syncmap.WithBackend[int, int](backend),
		syncmap.WithMaxBucketCapacity[int, int](cfg.MaxBucketCapacity),
		syncmap.WithLogger[int, int](logger),
	}
	if cfg.DegenerateHash {
		opts = append(opts, syncmap.WithHash[int, int](func(*int, uintptr) uintptr { return 0 }))
	}
	m := syncmap.New[int, int](opts...)

	models := make([]map[int]int, cfg.Workers)
	opsPerWorker := cfg.Ops / cfg.Workers
	start := time.Now()

	var workers sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		models[w] = make(map[int]int)
		workers.Add(1)
		err := pool.Submit(func() {
			defer workers.Done()
			defer func() {
				if r := recover(); r != nil {
					fail(r)
				}
			}()
			model := models[w]
			rng := rand.New(rand.NewPCG(seed, uint64(w)))
			base := w * cfg.Keys
			for i := 0; i < opsPerWorker; i++ {
				k := base + rng.IntN(cfg.Keys)
				expV, expOK := model[k]
				switch r := rng.IntN(100); {
				case r < 40:
					v := rng.Int()
					prev, loaded := m.Swap(k, v)
					if loaded != expOK || prev != expV {
						rep.add(divergence{run: run, key: k, op: "swap",
							got: fmt.Sprint(prev, loaded), exp: fmt.Sprint(expV, expOK)})
					}
					model[k] = v
				case r < 50:
					v := rng.Int()
					actual, loaded := m.LoadOrStore(k, v)
					if loaded != expOK || (expOK && actual != expV) {
						rep.add(divergence{run: run, key: k, op: "load-or-store",
							got: fmt.Sprint(actual, loaded), exp: fmt.Sprint(expV, expOK)})
					}
					if !expOK {
						model[k] = v
					}
				case r < 70:
					v, loaded := m.LoadAndDelete(k)
					if loaded != expOK || v != expV {
						rep.add(divergence{run: run, key: k, op: "load-and-delete",
							got: fmt.Sprint(v, loaded), exp: fmt.Sprint(expV, expOK)})
					}
					delete(model, k)
				default:
					v, ok := m.Load(k)
					if ok != expOK || v != expV {
						rep.add(divergence{run: run, key: k, op: "load",
							got: fmt.Sprint(v, ok), exp: fmt.Sprint(expV, expOK)})
					}
				}
			}
		})
		if err != nil {
			workers.Done()
			return errors.Wrap(err, "submitting worker")
		}
	}

	done := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	if err := pool.Submit(func() {
		defer readers.Done()
		defer func() {
			if r := recover(); r != nil {
				fail(r)
			}
		}()
		for {
			select {
			case <-done:
				return
			default:
			}
			m.Range(func(k, _ int) bool {
				if k < 0 || k >= cfg.Workers*cfg.Keys {
					rep.add(divergence{run: run, key: k, op: "range", got: "present", exp: "out of range"})
				}
				return true
			})
		}
	}); err != nil {
		readers.Done()
		close(done)
		workers.Wait()
		return errors.Wrap(err, "submitting reader")
	}

	workers.Wait()
	close(done)
	readers.Wait()
	panicMu.Lock()
	err = panicErr
	panicMu.Unlock()
	if err != nil {
		return err
	}

	// With the workers stopped the map must match the union of the models.
	expected := make(map[int]int)
	for _, model := range models {
		for k, v := range model {
			expected[k] = v
		}
	}
	var n int
	m.Range(func(k, v int) bool {
		n++
		if expV, ok := expected[k]; !ok || expV != v {
			rep.add(divergence{run: run, key: k, op: "range",
				got: fmt.Sprint(v, true), exp: fmt.Sprint(expV, ok)})
		}
		return true
	})
	if n != len(expected) {
		rep.add(divergence{run: run, key: -1, op: "range-len", got: fmt.Sprint(n), exp: fmt.Sprint(len(expected))})
	}

	logger.Info("concurrent run complete",
		zap.Int("workers", cfg.Workers),
		zap.Int("ops", opsPerWorker*cfg.Workers),
		zap.Int("len", n),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// run executes the sequential and concurrent runs for every configured
// backend and returns the divergences found.
func run(cfg *Config, logger *zap.Logger) (*report, error) {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	logger.Info("starting", zap.Uint64("seed", seed), zap.Strings("backends", cfg.Backends))

	rep := newReport()
	for _, name := range cfg.Backends {
		backend, err := parseBackend(name)
		if err != nil {
			return nil, err
		}
		if err := runSequential(cfg, backend, seed, rep, logger); err != nil {
			return rep, err
		}
		if err := runConcurrent(cfg, backend, seed, rep, logger); err != nil {
			return rep, err
		}
	}
	return rep, nil
}
