// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/stateward/stateward/internal/coordinator"
	"github.com/stateward/stateward/internal/ledger"
	"github.com/stateward/stateward/internal/lockmgr"
	"github.com/stateward/stateward/internal/server"
	"github.com/stateward/stateward/internal/statekey"
)

type serverCommand struct {
	ui  cli.Ui
	log hclog.Logger
}

func (c *serverCommand) Synopsis() string { return "Run the coordination service HTTP server" }

func (c *serverCommand) Help() string {
	return strings.TrimSpace(`
Usage: stateward server [options]

  Serves the state coordination API over HTTP.

Options:
  -addr=127.0.0.1:8420   Listen address.
  -token=...             Require this bearer token on every request
                         (default: $STATEWARD_TOKEN, or no auth if unset).
` + backendHelp)
}

func (c *serverCommand) Run(args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.Usage = func() { c.ui.Error(c.Help()) }
	var bf backendFlags
	bf.register(fs)
	addr := fs.String("addr", "127.0.0.1:8420", "listen address")
	token := fs.String("token", os.Getenv("STATEWARD_TOKEN"), "bearer token required for API access")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	svc, err := bf.buildService(ctx, c.log)
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	defer svc.close()

	srv := server.New(svc.locks, svc.ledger, svc.coord, svc.audit, c.log.Named("server"), *token)
	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	c.log.Info("stateward server listening", "addr", *addr, "backend", bf.backendType)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		c.ui.Error(err.Error())
		return 1
	}
	return 0
}

type showCommand struct {
	ui  cli.Ui
	log hclog.Logger
}

func (c *showCommand) Synopsis() string { return "Show the current version and lock of a state key" }

func (c *showCommand) Help() string {
	return strings.TrimSpace(`
Usage: stateward show -key=<key> [options]

  Prints the current version metadata and, if present, the current lock.
  This read does not take the lock and may be stale.
` + backendHelp)
}

func (c *showCommand) Run(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.Usage = func() { c.ui.Error(c.Help()) }
	var bf backendFlags
	bf.register(fs)
	rawKey := fs.String("key", "", "state key")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	key, svc, ok := prepare(ctx, c.ui, c.log, &bf, *rawKey)
	if !ok {
		return 1
	}
	defer svc.close()

	v, _, err := svc.coord.Peek(ctx, key.String())
	if err != nil {
		c.ui.Error(coordinator.Diagnose(key.String(), err))
		return 1
	}
	c.ui.Output(fmt.Sprintf("%s: serial %d, fingerprint %s, %d bytes, written %s by %s",
		v.Key, v.Serial, v.Fingerprint, v.Size, v.CreatedAt.Format(time.RFC3339), v.CreatedBy))

	lock, err := svc.locks.Current(ctx, key.String())
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	if lock != nil {
		c.ui.Output(lock.String())
	}
	return 0
}

type historyCommand struct {
	ui  cli.Ui
	log hclog.Logger
}

func (c *historyCommand) Synopsis() string { return "List the version history of a state key" }

func (c *historyCommand) Help() string {
	return strings.TrimSpace(`
Usage: stateward history -key=<key> [options]

Options:
  -limit=0       Show at most this many versions (0 for all).
  -oldest        Oldest first instead of newest first.
` + backendHelp)
}

func (c *historyCommand) Run(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.Usage = func() { c.ui.Error(c.Help()) }
	var bf backendFlags
	bf.register(fs)
	rawKey := fs.String("key", "", "state key")
	limit := fs.Int("limit", 0, "maximum versions to show")
	oldest := fs.Bool("oldest", false, "oldest first")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	key, svc, ok := prepare(ctx, c.ui, c.log, &bf, *rawKey)
	if !ok {
		return 1
	}
	defer svc.close()

	versions, err := svc.ledger.History(ctx, key.String(), ledger.HistoryOptions{
		OldestFirst: *oldest,
		Limit:       *limit,
	})
	if err != nil {
		c.ui.Error(coordinator.Diagnose(key.String(), err))
		return 1
	}
	for _, v := range versions {
		c.ui.Output(fmt.Sprintf("serial %d  %s  %d bytes  %s  %s",
			v.Serial, v.CreatedAt.Format(time.RFC3339), v.Size, v.CreatedBy, v.Fingerprint))
	}
	return 0
}

type unlockCommand struct {
	ui  cli.Ui
	log hclog.Logger
}

func (c *unlockCommand) Synopsis() string { return "Release a state lock" }

func (c *unlockCommand) Help() string {
	return strings.TrimSpace(`
Usage: stateward unlock -key=<key> -id=<lock-id> [options]

  Releases the named lock. With -force, clears a lock whose holder is
  gone; the exact lock id and a -reason are still required, and the
  action is recorded in the audit log.

Options:
  -force          Force-release, ignoring lease state.
  -reason=...     Why the lock is being force-released (required with -force).
` + backendHelp)
}

func (c *unlockCommand) Run(args []string) int {
	fs := flag.NewFlagSet("unlock", flag.ContinueOnError)
	fs.Usage = func() { c.ui.Error(c.Help()) }
	var bf backendFlags
	bf.register(fs)
	rawKey := fs.String("key", "", "state key")
	id := fs.String("id", "", "lock id")
	force := fs.Bool("force", false, "force release")
	reason := fs.String("reason", "", "reason for the force release")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id == "" {
		c.ui.Error("unlock requires the exact -id of the lock being released")
		return 1
	}

	ctx := context.Background()
	key, svc, ok := prepare(ctx, c.ui, c.log, &bf, *rawKey)
	if !ok {
		return 1
	}
	defer svc.close()

	var err error
	if *force {
		err = svc.locks.ForceRelease(ctx, key.String(), *id, who(), *reason)
	} else {
		err = svc.locks.Release(ctx, key.String(), *id)
	}
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	c.ui.Output(fmt.Sprintf("Lock released on %q", key))
	return 0
}

type restoreCommand struct {
	ui  cli.Ui
	log hclog.Logger
}

func (c *restoreCommand) Synopsis() string { return "Restore a prior state version as a new version" }

func (c *restoreCommand) Help() string {
	return strings.TrimSpace(`
Usage: stateward restore -key=<key> -serial=<n> -reason=... [options]

  Re-commits the payload of the named prior serial as a new version.
  History is never rewritten; the restored payload gets the next serial.
` + backendHelp)
}

func (c *restoreCommand) Run(args []string) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	fs.Usage = func() { c.ui.Error(c.Help()) }
	var bf backendFlags
	bf.register(fs)
	rawKey := fs.String("key", "", "state key")
	serial := fs.Uint64("serial", 0, "serial to restore")
	reason := fs.String("reason", "", "why this restore is happening")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	key, svc, ok := prepare(ctx, c.ui, c.log, &bf, *rawKey)
	if !ok {
		return 1
	}
	defer svc.close()

	v, err := svc.coord.Restore(ctx, key.String(), coordinator.SessionOptions{
		Who:       who(),
		Operation: lockmgr.OpManual,
	}, *serial, *reason)
	if err != nil {
		c.ui.Error(coordinator.Diagnose(key.String(), err))
		return 1
	}
	c.ui.Output(fmt.Sprintf("Restored serial %d of %q as new serial %d", *serial, key, v.Serial))
	return 0
}

type pruneCommand struct {
	ui  cli.Ui
	log hclog.Logger
}

func (c *pruneCommand) Synopsis() string { return "Remove old state versions per a retention policy" }

func (c *pruneCommand) Help() string {
	return strings.TrimSpace(`
Usage: stateward prune -key=<key> [options]

  Permanently removes versions outside the retention policy. The current
  version and versions younger than -min-age are never removed.

Options:
  -keep=10        Retain at least this many of the newest versions.
  -min-age=168h   Never remove versions younger than this.
` + backendHelp)
}

func (c *pruneCommand) Run(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	fs.Usage = func() { c.ui.Error(c.Help()) }
	var bf backendFlags
	bf.register(fs)
	rawKey := fs.String("key", "", "state key")
	keep := fs.Int("keep", 10, "versions to retain")
	minAge := fs.Duration("min-age", 168*time.Hour, "minimum age before removal")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ctx := context.Background()
	key, svc, ok := prepare(ctx, c.ui, c.log, &bf, *rawKey)
	if !ok {
		return 1
	}
	defer svc.close()

	removed, err := svc.coord.Prune(ctx, key.String(), coordinator.SessionOptions{
		Who:       who(),
		Operation: lockmgr.OpManual,
	}, ledger.RetentionPolicy{KeepLast: *keep, MinAge: *minAge})
	if err != nil {
		c.ui.Error(coordinator.Diagnose(key.String(), err))
		return 1
	}
	c.ui.Output(fmt.Sprintf("Removed %d versions of %q", removed, key))
	return 0
}

const backendHelp = `
Backend options:
  -backend=filesystem    Backend type: filesystem, inmem, s3, gcs or azure.
  -dir=.stateward        Base directory (filesystem backend).
  -bucket=...            Bucket name (s3 and gcs backends).
  -prefix=...            Object name prefix.
  -table=...             DynamoDB lock table (s3 backend).
  -lockfile              Also use S3 lock objects (s3 backend).
  -audit-file=...        Append audit records to this file.
`

func prepare(ctx context.Context, ui cli.Ui, log hclog.Logger, bf *backendFlags, rawKey string) (statekey.Key, *service, bool) {
	key, err := statekey.Parse(rawKey)
	if err != nil {
		ui.Error(err.Error())
		return "", nil, false
	}
	svc, err := bf.buildService(ctx, log)
	if err != nil {
		ui.Error(err.Error())
		return "", nil, false
	}
	return key, svc, true
}
