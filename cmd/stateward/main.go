// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// stateward is a state-backend coordination service: versioned storage for
// opaque infrastructure state payloads with mutual-exclusion locking,
// optimistic serial checks and crash-safe recovery.
package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"

	"github.com/stateward/stateward/internal/logging"
	"github.com/stateward/stateward/version"
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	logger := logging.NewRootLogger(os.Stderr)
	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	c := cli.NewCLI("stateward", version.String())
	c.Args = args
	c.Commands = map[string]cli.CommandFactory{
		"server": func() (cli.Command, error) {
			return &serverCommand{ui: ui, log: logger}, nil
		},
		"show": func() (cli.Command, error) {
			return &showCommand{ui: ui, log: logger}, nil
		},
		"history": func() (cli.Command, error) {
			return &historyCommand{ui: ui, log: logger}, nil
		},
		"unlock": func() (cli.Command, error) {
			return &unlockCommand{ui: ui, log: logger}, nil
		},
		"restore": func() (cli.Command, error) {
			return &restoreCommand{ui: ui, log: logger}, nil
		},
		"prune": func() (cli.Command, error) {
			return &pruneCommand{ui: ui, log: logger}, nil
		},
	}

	status, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return status
}
