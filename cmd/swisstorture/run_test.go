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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, defaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "torture.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
seed = 7
ops = 500
backends = ["chained"]
degenerate-hash = true

[log]
level = "debug"
`), 0o644))
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint64(7), cfg.Seed)
	require.Equal(t, 500, cfg.Ops)
	require.Equal(t, []string{"chained"}, cfg.Backends)
	require.True(t, cfg.DegenerateHash)
	require.Equal(t, "debug", cfg.Log.Level)
	// Unset fields keep their defaults.
	require.Equal(t, defaultConfig().Keys, cfg.Keys)
	require.NoError(t, cfg.validate())

	require.NoError(t, os.WriteFile(path, []byte("bogus = 1\n"), 0o644))
	_, err = loadConfig(path)
	require.ErrorContains(t, err, "unknown keys: bogus")
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		err    string
	}{
		{"keys", func(c *Config) { c.Keys = 0 }, "keys must be positive"},
		{"workers", func(c *Config) { c.Workers = 0 }, "workers must be positive"},
		{"backend", func(c *Config) { c.Backends = []string{"robinhood"} }, `unknown backend "robinhood"`},
		{"no-backends", func(c *Config) { c.Backends = nil }, "no backends"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, `log level "loud"`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.modify(&cfg)
			require.ErrorContains(t, cfg.validate(), tc.err)
		})
	}
}

func TestRun(t *testing.T) {
	for _, degenerate := range []bool{false, true} {
		cfg := defaultConfig()
		cfg.Seed = 1
		cfg.Ops = 20000
		cfg.Keys = 500
		cfg.MaxBucketCapacity = 8
		cfg.DegenerateHash = degenerate
		if degenerate {
			cfg.Ops = 2000
			cfg.Keys = 50
		}
		rep, err := run(&cfg, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
		require.NoError(t, err)
		require.Equal(t, 0, rep.Len())
	}
}

func TestReportOrder(t *testing.T) {
	rep := newReport()
	rep.add(divergence{run: "b", key: 1, op: "get"})
	rep.add(divergence{run: "a", key: 2, op: "get"})
	rep.add(divergence{run: "a", key: 1, op: "set", got: "first"})
	rep.add(divergence{run: "a", key: 1, op: "set", got: "second"})
	require.Equal(t, 3, rep.Len())

	var got []string
	rep.items.Ascend(func(d divergence) bool {
		got = append(got, d.String())
		return true
	})
	require.Equal(t, []string{
		"a: set(1): got first, expected ",
		"a: get(2): got , expected ",
		"b: get(1): got , expected ",
	}, got)
}
