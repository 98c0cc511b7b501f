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
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	swiss "github.com/cockroachdb/swisstable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls a torture run. It is read from a toml file and individual
// fields may be overridden on the command line.
type Config struct {
	// Seed for the operation generator. Zero picks a random seed.
	Seed uint64 `toml:"seed"`
	// Ops is the number of operations applied to each map.
	Ops int `toml:"ops"`
	// Keys bounds the key space. A small key space exercises deletes and
	// overwrites, a large one exercises growth and splits.
	Keys int `toml:"keys"`
	// Workers is the number of goroutines driving the concurrent map.
	Workers int `toml:"workers"`
	// Backends lists the table implementations to run against.
	Backends []string `toml:"backends"`
	// MaxBucketCapacity is the split threshold. Small values force the
	// directory to grow early.
	MaxBucketCapacity uint32 `toml:"max-bucket-capacity"`
	// DegenerateHash replaces the hash function with one that maps every
	// key to the same value.
	DegenerateHash bool `toml:"degenerate-hash"`

	Log LogConfig `toml:"log"`
}

// LogConfig configures the run's logger. Output goes to stderr unless a
// file is named, in which case it is rotated by size.
type LogConfig struct {
	Level      string `toml:"level"`
	Filename   string `toml:"filename"`
	MaxSize    int    `toml:"max-size"`
	MaxBackups int    `toml:"max-backups"`
	MaxDays    int    `toml:"max-days"`
}

func defaultConfig() Config {
	return Config{
		Ops:               200000,
		Keys:              10000,
		Workers:           4,
		Backends:          []string{swiss.SwissBackend.String(), swiss.ChainedBackend.String()},
		MaxBucketCapacity: 64,
		Log: LogConfig{
			Level:   "info",
			MaxSize: 64,
		},
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, errors.Wrapf(err, "loading config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i := range undecoded {
			keys[i] = undecoded[i].String()
		}
		return cfg, errors.Newf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Ops < 0 {
		return errors.Newf("ops must be non-negative: %d", cfg.Ops)
	}
	if cfg.Keys <= 0 {
		return errors.Newf("keys must be positive: %d", cfg.Keys)
	}
	if cfg.Workers <= 0 {
		return errors.Newf("workers must be positive: %d", cfg.Workers)
	}
	if len(cfg.Backends) == 0 {
		return errors.New("no backends")
	}
	for _, name := range cfg.Backends {
		if _, err := parseBackend(name); err != nil {
			return err
		}
	}
	if _, err := parseLevel(cfg.Log.Level); err != nil {
		return err
	}
	return nil
}

func parseBackend(name string) (swiss.Backend, error) {
	for _, b := range []swiss.Backend{swiss.SwissBackend, swiss.ChainedBackend} {
		if b.String() == name {
			return b, nil
		}
	}
	return 0, errors.Newf("unknown backend %q", name)
}

func parseLevel(s string) (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, errors.Wrapf(err, "log level %q", s)
	}
	return level, nil
}

func newLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var ws zapcore.WriteSyncer
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Filename != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxDays,
		})
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		ws = zapcore.Lock(os.Stderr)
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zap.New(zapcore.NewCore(enc, ws, level)), nil
}
