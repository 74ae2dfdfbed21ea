// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging builds the process-wide structured logger, grounded on
// setupLogger in cmd/operator/main.go of the teacher repository.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Valid values for the verbose_logging configuration option's underlying
// level name.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// New builds a logfmt logger writing to os.Stderr, filtered to lvl. An
// unrecognized lvl is an error, not a silent fallback, so a typo in
// configuration fails startup instead of quietly logging at the wrong
// verbosity.
func New(lvl string) (log.Logger, error) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	switch strings.ToLower(lvl) {
	case LevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case LevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case LevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case LevelError:
		logger = level.NewFilter(logger, level.AllowError())
	default:
		return nil, fmt.Errorf("logging: unrecognized level %q", lvl)
	}
	return logger, nil
}

// ForVerbose returns the level name implied by the verbose_logging
// configuration flag: debug when true, info otherwise.
func ForVerbose(verbose bool) string {
	if verbose {
		return LevelDebug
	}
	return LevelInfo
}
