// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/stateward/stateward/internal/audit"
)

const (
	// DefaultLease is used when AcquireOptions.LeaseDuration is zero.
	DefaultLease = 10 * time.Minute

	basePollInterval = 500 * time.Millisecond
	maxPollInterval  = 5 * time.Second
)

// AcquireOptions configure one lock acquisition.
type AcquireOptions struct {
	Who       string
	Operation Operation

	// LeaseDuration bounds how long the lock is considered live without a
	// renewal. Zero means DefaultLease.
	LeaseDuration time.Duration

	// WaitTimeout bounds how long Acquire will wait for a competing lock
	// to clear. Zero means fail immediately with a *LockError describing
	// the current holder.
	WaitTimeout time.Duration
}

// Manager layers lease bookkeeping and a bounded wait loop over a backend
// Locker, and emits audit records for every lock transition.
type Manager struct {
	locker Locker
	audit  audit.Log
	log    hclog.Logger
}

func NewManager(locker Locker, auditLog audit.Log, logger hclog.Logger) *Manager {
	if auditLog == nil {
		auditLog = audit.NewMemLog()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{locker: locker, audit: auditLog, log: logger}
}

// Acquire obtains the lock for key or reports who has it. The backend's
// conditional create is the arbitration point; the manager only adds the
// polling loop, bounded by opts.WaitTimeout.
func (m *Manager) Acquire(ctx context.Context, key string, opts AcquireOptions) (*LockInfo, error) {
	lease := opts.LeaseDuration
	if lease <= 0 {
		lease = DefaultLease
	}
	info := NewLockInfo(key, opts.Who, opts.Operation, lease)

	deadline := time.Now().Add(opts.WaitTimeout)
	interval := basePollInterval
	for {
		// Expiry is computed per attempt so a long wait does not eat into
		// the lease.
		now := time.Now().UTC()
		info.Created = now
		info.Expires = now.Add(lease)

		err := m.locker.TryLock(ctx, key, info)
		if err == nil {
			m.log.Debug("state lock acquired", "key", key, "id", info.ID, "who", info.Who, "operation", info.Operation)
			m.record(ctx, key, info.ID, opts.Who, audit.ActionLockAcquire, audit.OutcomeSuccess, "")
			return info, nil
		}

		var lockErr *LockError
		if !errors.As(err, &lockErr) {
			m.record(ctx, key, "", opts.Who, audit.ActionLockAcquire, audit.OutcomeError, err.Error())
			return nil, err
		}

		if opts.WaitTimeout == 0 {
			m.record(ctx, key, "", opts.Who, audit.ActionLockAcquire, audit.OutcomeDenied, lockErr.Error())
			return nil, lockErr
		}
		if !time.Now().Add(interval).Before(deadline) {
			m.record(ctx, key, "", opts.Who, audit.ActionLockAcquire, audit.OutcomeDenied, lockErr.Error())
			return nil, fmt.Errorf("%w after %s: %s", ErrLockWaitTimeout, opts.WaitTimeout, lockErr)
		}

		m.log.Debug("state lock held, waiting", "key", key, "holder", lockErr.Info.Who, "retry_in", interval)
		select {
		case <-ctx.Done():
			m.record(ctx, key, "", opts.Who, audit.ActionLockAcquire, audit.OutcomeError, ctx.Err().Error())
			return nil, ctx.Err()
		case <-time.After(jitter(interval)):
		}
		if interval < maxPollInterval {
			interval *= 2
		}
	}
}

// Renew extends the lease of a held lock by its original lease duration.
// An expired lease that has not yet been cleared can still be renewed; one
// that was force-released or reassigned cannot.
func (m *Manager) Renew(ctx context.Context, key, id string) error {
	current, err := m.locker.CurrentLock(ctx, key)
	if err != nil {
		return err
	}
	if current == nil || current.ID != id {
		return ErrLeaseExpired
	}
	expires := time.Now().UTC().Add(current.Lease)
	if err := m.locker.Renew(ctx, key, id, expires); err != nil {
		return err
	}
	m.log.Debug("state lock renewed", "key", key, "id", id, "expires", expires)
	return nil
}

// Release cooperatively releases the lock. A second release of the same id
// reports ErrNotHeld rather than success so callers notice double-release
// bugs, but it is safe: the slot is simply already empty.
func (m *Manager) Release(ctx context.Context, key, id string) error {
	err := m.locker.Unlock(ctx, key, id)
	switch {
	case err == nil:
		m.log.Debug("state lock released", "key", key, "id", id)
		m.record(ctx, key, id, "", audit.ActionLockRelease, audit.OutcomeSuccess, "")
		return nil
	case errors.Is(err, ErrNotHeld), errors.Is(err, ErrLockMismatch):
		m.record(ctx, key, id, "", audit.ActionLockRelease, audit.OutcomeDenied, err.Error())
		return err
	default:
		m.record(ctx, key, id, "", audit.ActionLockRelease, audit.OutcomeError, err.Error())
		return err
	}
}

// ForceRelease clears the lock for key regardless of its lease state. The
// exact lock id must be supplied so that a lock which changed concurrently
// is never cleared by accident, and a reason is mandatory: force release is
// an explicit, logged administrative act, never an implicit cleanup.
func (m *Manager) ForceRelease(ctx context.Context, key, id, who, reason string) error {
	if reason == "" {
		return fmt.Errorf("force release of %q requires a reason", key)
	}
	err := m.locker.ForceUnlock(ctx, key, id)
	if err != nil {
		outcome := audit.OutcomeError
		if errors.Is(err, ErrLockMismatch) || errors.Is(err, ErrNotHeld) {
			outcome = audit.OutcomeDenied
		}
		m.record(ctx, key, id, who, audit.ActionLockForceRelease, outcome, reason+": "+err.Error())
		return err
	}
	m.log.Warn("state lock force-released", "key", key, "id", id, "who", who, "reason", reason)
	m.record(ctx, key, id, who, audit.ActionLockForceRelease, audit.OutcomeSuccess, reason)
	return nil
}

// Current returns the lock currently recorded for key, or nil. This is a
// diagnostic read; the result may be stale by the time the caller acts on
// it.
func (m *Manager) Current(ctx context.Context, key string) (*LockInfo, error) {
	return m.locker.CurrentLock(ctx, key)
}

func (m *Manager) record(ctx context.Context, key, id, who string, action audit.Action, outcome audit.Outcome, detail string) {
	err := m.audit.Append(ctx, audit.Record{
		Key:     key,
		LockID:  id,
		Who:     who,
		Action:  action,
		Outcome: outcome,
		Detail:  detail,
	})
	if err != nil {
		m.log.Error("failed to append audit record", "key", key, "action", action, "error", err)
	}
}

func jitter(d time.Duration) time.Duration {
	// Up to 25% random skew so that competing waiters don't poll in step.
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
