// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package logging sets up the process-wide logger. The level comes from
// STATEWARD_LOG (trace, debug, info, warn, error; default info) and
// STATEWARD_LOG_FORMAT=json switches to JSON output.
package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

const (
	envLog       = "STATEWARD_LOG"
	envLogFormat = "STATEWARD_LOG_FORMAT"
)

// NewRootLogger builds the root logger writing to w (os.Stderr when nil).
// Subsystems derive their own loggers via Named.
func NewRootLogger(w io.Writer) hclog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "stateward",
		Level:      level(),
		Output:     w,
		JSONFormat: os.Getenv(envLogFormat) == "json",
	})
}

func level() hclog.Level {
	v := os.Getenv(envLog)
	if v == "" {
		return hclog.Info
	}
	if l := hclog.LevelFromString(v); l != hclog.NoLevel {
		return l
	}
	return hclog.Info
}
