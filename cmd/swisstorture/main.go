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

// Command swisstorture runs randomized operations against swiss.Map and
// syncmap.Map and compares every result with a builtin map. It exits with a
// non-zero status if any result differs.
//
//	swisstorture -config torture.toml -seed 42 -ops 1000000
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
)

const maxReported = 100

func main() {
	os.Exit(mainImpl())
}

func mainImpl() int {
	var (
		configPath = flag.String("config", "", "path to a toml config file")
		seed       = flag.Uint64("seed", 0, "operation generator seed (0 picks a random seed)")
		ops        = flag.Int("ops", -1, "operations per map")
		workers    = flag.Int("workers", 0, "goroutines driving the concurrent map")
		logFile    = flag.String("log-file", "", "write the log to this file, rotating it by size")
		verbose    = flag.Bool("v", false, "log map resize events")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		return 2
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			cfg.Seed = *seed
		case "ops":
			cfg.Ops = *ops
		case "workers":
			cfg.Workers = *workers
		case "log-file":
			cfg.Log.Filename = *logFile
		case "v":
			if *verbose {
				cfg.Log.Level = "debug"
			}
		}
	})
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	rep, err := run(&cfg, logger)
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		return 1
	}
	if n := rep.Len(); n > 0 {
		rep.log(logger, maxReported)
		logger.Error("maps diverged", zap.Int("divergences", n))
		return 1
	}
	logger.Info("no divergences")
	return 0
}
