// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package coordinator orchestrates the read-modify-write cycle over the
// lock manager, version ledger and blob store: acquire the key's lock, hand
// the caller the current snapshot, commit the replacement under a
// base-serial check, and release the lock on every exit path.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/stateward/stateward/internal/audit"
	"github.com/stateward/stateward/internal/ledger"
	"github.com/stateward/stateward/internal/lockmgr"
)

// ErrAborted is returned (possibly wrapped) by a SessionFunc to skip the
// commit. The session releases the lock and reports Unchanged.
var ErrAborted = errors.New("session aborted by caller")

// ErrConcurrentModification reports that the ledger moved underneath a held
// lock. That means something bypassed locking (for example a direct push),
// so it is fatal for the session and never retried silently.
var ErrConcurrentModification = errors.New("state changed while session lock was held")

// State is the snapshot handed to a SessionFunc.
type State struct {
	Key         string
	Serial      uint64
	Fingerprint string
	Data        []byte

	// Exists is false when the key has never been written; Serial is then
	// zero and Data nil, representing the empty initial state.
	Exists bool
}

// SessionFunc receives the current state and returns the replacement
// payload. Returning an error wrapping ErrAborted skips the commit.
type SessionFunc func(ctx context.Context, current *State) ([]byte, error)

// SessionResult reports what a session did.
type SessionResult struct {
	Key string

	// Committed is false when the session aborted without writing.
	Committed bool

	// Version is the newly committed version, nil when not Committed.
	Version *ledger.Version
}

// SessionOptions configure WithSession and Restore.
type SessionOptions struct {
	Who       string
	Operation lockmgr.Operation

	// LeaseDuration and WaitTimeout pass through to the lock manager; see
	// lockmgr.AcquireOptions.
	LeaseDuration time.Duration
	WaitTimeout   time.Duration
}

// Coordinator wires the components together. It owns no storage of its
// own; the lock manager owns lock lifecycle, the ledger owns serials and
// the current pointer, and the blob store owns payload bytes.
type Coordinator struct {
	locks  *lockmgr.Manager
	ledger *ledger.Ledger
	audit  audit.Log
	log    hclog.Logger
}

func New(locks *lockmgr.Manager, led *ledger.Ledger, auditLog audit.Log, logger hclog.Logger) *Coordinator {
	if auditLog == nil {
		auditLog = audit.NewMemLog()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Coordinator{locks: locks, ledger: led, audit: auditLog, log: logger}
}

// WithSession runs fn inside a locked read-modify-write session on key.
//
// The lock is released exactly once on every exit path: normal commit,
// abort, error from any phase, context cancellation, and panic inside fn.
// Guaranteed release is the central reliability contract here; a session
// that could leak its lock would strand every later caller.
func (c *Coordinator) WithSession(ctx context.Context, key string, opts SessionOptions, fn SessionFunc) (result *SessionResult, err error) {
	lock, err := c.locks.Acquire(ctx, key, lockmgr.AcquireOptions{
		Who:           opts.Who,
		Operation:     opts.Operation,
		LeaseDuration: opts.LeaseDuration,
		WaitTimeout:   opts.WaitTimeout,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if relErr := c.locks.Release(context.WithoutCancel(ctx), key, lock.ID); relErr != nil {
			c.log.Error("failed to release session lock", "key", key, "id", lock.ID, "error", relErr)
			if err == nil {
				err = fmt.Errorf("failed to release lock on %q: %w", key, relErr)
			}
		}
	}()

	current, err := c.read(ctx, key, opts.Who)
	if err != nil {
		return nil, err
	}

	newPayload, err := fn(ctx, current)
	if err != nil {
		if errors.Is(err, ErrAborted) {
			c.log.Debug("session aborted without changes", "key", key, "who", opts.Who)
			return &SessionResult{Key: key, Committed: false}, nil
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	version, err := c.commit(ctx, key, current.Serial, newPayload, opts.Who)
	if err != nil {
		return nil, err
	}
	return &SessionResult{Key: key, Committed: true, Version: version}, nil
}

// Restore is the disaster-recovery push: it re-commits the payload of an
// explicitly named prior serial as a new version. History is never
// truncated or rewritten, the target serial is never guessed, and a reason
// is mandatory. The key's lock is held for the whole operation.
func (c *Coordinator) Restore(ctx context.Context, key string, opts SessionOptions, targetSerial uint64, reason string) (*ledger.Version, error) {
	if reason == "" {
		return nil, fmt.Errorf("restore of %q requires a reason", key)
	}
	if targetSerial == 0 {
		return nil, fmt.Errorf("restore of %q requires an explicit target serial", key)
	}
	if opts.Operation == "" {
		opts.Operation = lockmgr.OpManual
	}

	var restored *ledger.Version
	_, err := c.WithSession(ctx, key, opts, func(ctx context.Context, current *State) ([]byte, error) {
		target, err := c.ledger.At(ctx, key, targetSerial)
		if err != nil {
			return nil, err
		}
		payload, err := c.ledger.Payload(ctx, target)
		if err != nil {
			return nil, err
		}
		c.log.Warn("restoring state from prior serial",
			"key", key, "target_serial", targetSerial, "current_serial", current.Serial,
			"who", opts.Who, "reason", reason)
		return payload, nil
	})
	if err != nil {
		c.record(ctx, key, "", opts.Who, audit.ActionRestore, audit.OutcomeError,
			fmt.Sprintf("serial %d: %s: %s", targetSerial, reason, err))
		return nil, err
	}

	restored, err = c.ledger.Current(ctx, key)
	if err != nil {
		return nil, err
	}
	c.record(ctx, key, "", opts.Who, audit.ActionRestore, audit.OutcomeSuccess,
		fmt.Sprintf("serial %d restored as %d: %s", targetSerial, restored.Serial, reason))
	return restored, nil
}

// Prune removes versions outside the retention policy, under the key's
// lock. Removal is permanent; the policy floor (current version, MinAge
// window) is enforced by the ledger.
func (c *Coordinator) Prune(ctx context.Context, key string, opts SessionOptions, policy ledger.RetentionPolicy) (int, error) {
	if opts.Operation == "" {
		opts.Operation = lockmgr.OpManual
	}
	lock, err := c.locks.Acquire(ctx, key, lockmgr.AcquireOptions{
		Who:           opts.Who,
		Operation:     opts.Operation,
		LeaseDuration: opts.LeaseDuration,
		WaitTimeout:   opts.WaitTimeout,
	})
	if err != nil {
		return 0, err
	}
	defer func() {
		if relErr := c.locks.Release(context.WithoutCancel(ctx), key, lock.ID); relErr != nil {
			c.log.Error("failed to release prune lock", "key", key, "id", lock.ID, "error", relErr)
		}
	}()

	removed, err := c.ledger.Prune(ctx, key, policy)
	if err != nil {
		c.record(ctx, key, lock.ID, opts.Who, audit.ActionPrune, audit.OutcomeError, err.Error())
		return 0, err
	}
	c.record(ctx, key, lock.ID, opts.Who, audit.ActionPrune, audit.OutcomeSuccess,
		fmt.Sprintf("removed %d versions", removed))
	return removed, nil
}

// Peek returns the current version and payload without taking the lock.
// The result may be stale by the time the caller sees it; callers needing
// a consistent mutate cycle must use WithSession.
func (c *Coordinator) Peek(ctx context.Context, key string) (*ledger.Version, []byte, error) {
	v, err := c.ledger.Current(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	payload, err := c.ledger.Payload(ctx, v)
	if err != nil {
		return nil, nil, err
	}
	return v, payload, nil
}

func (c *Coordinator) read(ctx context.Context, key, who string) (*State, error) {
	v, err := c.ledger.Current(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		// Never written: the session starts from the empty initial state.
		c.record(ctx, key, "", who, audit.ActionRead, audit.OutcomeSuccess, "initial state")
		return &State{Key: key}, nil
	}
	if err != nil {
		c.record(ctx, key, "", who, audit.ActionRead, audit.OutcomeError, err.Error())
		return nil, err
	}
	payload, err := c.ledger.Payload(ctx, v)
	if err != nil {
		c.record(ctx, key, "", who, audit.ActionRead, audit.OutcomeError, err.Error())
		return nil, err
	}
	c.record(ctx, key, "", who, audit.ActionRead, audit.OutcomeSuccess, fmt.Sprintf("serial %d", v.Serial))
	return &State{
		Key:         key,
		Serial:      v.Serial,
		Fingerprint: v.Fingerprint,
		Data:        payload,
		Exists:      true,
	}, nil
}

func (c *Coordinator) commit(ctx context.Context, key string, baseSerial uint64, payload []byte, who string) (*ledger.Version, error) {
	version, err := c.ledger.Commit(ctx, key, baseSerial, payload, who)
	if err != nil {
		var conflict *ledger.ConflictError
		if errors.As(err, &conflict) {
			// We held the lock, so a moved serial means locking was
			// bypassed. Loud and fatal.
			c.log.Error("ledger moved under a held lock",
				"key", key, "base_serial", baseSerial, "current_serial", conflict.CurrentSerial)
			c.record(ctx, key, "", who, audit.ActionWrite, audit.OutcomeDenied, conflict.Error())
			return nil, fmt.Errorf("%w: %s", ErrConcurrentModification, conflict)
		}
		c.record(ctx, key, "", who, audit.ActionWrite, audit.OutcomeError, err.Error())
		return nil, err
	}
	c.record(ctx, key, "", who, audit.ActionWrite, audit.OutcomeSuccess, fmt.Sprintf("serial %d", version.Serial))
	return version, nil
}

func (c *Coordinator) record(ctx context.Context, key, id, who string, action audit.Action, outcome audit.Outcome, detail string) {
	if err := c.audit.Append(ctx, audit.Record{
		Key:     key,
		LockID:  id,
		Who:     who,
		Action:  action,
		Outcome: outcome,
		Detail:  detail,
	}); err != nil {
		c.log.Error("failed to append audit record", "key", key, "action", action, "error", err)
	}
}
