// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package lockmgr implements mutual-exclusion locking for state keys. Each
// key has at most one live lock at any time; lock arbitration is delegated
// to a backend Locker whose acquisition primitive must be an atomic
// conditional create (DynamoDB conditional put, GCS generation precondition,
// Azure blob lease, O_EXCL lock file, and so on).
package lockmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// Operation describes what the lock holder intends to do with the state.
// It is informational, recorded for diagnostics and the audit trail.
type Operation string

const (
	OpPlan    Operation = "plan"
	OpApply   Operation = "apply"
	OpDestroy Operation = "destroy"
	OpImport  Operation = "import"
	OpManual  Operation = "manual"
)

// ParseOperation validates an operation name from external input.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpPlan, OpApply, OpDestroy, OpImport, OpManual:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

var (
	// ErrNotHeld is returned when releasing a lock that is not currently
	// held, including a second release of the same lock id.
	ErrNotHeld = errors.New("lock not held")

	// ErrLockMismatch is returned when the supplied lock id does not match
	// the lock currently recorded for the key.
	ErrLockMismatch = errors.New("lock id does not match current lock")

	// ErrLeaseExpired is returned by Renew when the lease lapsed and the
	// lock was since cleared or reassigned.
	ErrLeaseExpired = errors.New("lock lease expired and is no longer held")

	// ErrLockWaitTimeout is returned by Acquire when the wait timeout
	// elapses while another holder still has the lock.
	ErrLockWaitTimeout = errors.New("timed out waiting for state lock")
)

// LockInfo describes one live lock. It is stored JSON-encoded by every
// backend so that a competing caller can report who is holding the lock.
type LockInfo struct {
	// ID is an opaque unique token generated at acquisition time.
	ID string `json:"id"`

	// Key is the state key the lock covers.
	Key string `json:"key"`

	// Who identifies the principal holding the lock, conventionally
	// "user@host" or a job identifier.
	Who string `json:"who"`

	// Operation is what the holder said it was going to do.
	Operation Operation `json:"operation"`

	Created time.Time `json:"created"`

	// Expires is when the lease lapses unless renewed. A lapsed lock is
	// never cleared automatically; it only becomes eligible for an
	// administrative force release.
	Expires time.Time `json:"expires"`

	// Lease is the original lease duration, used to size renewals.
	Lease time.Duration `json:"lease"`
}

// NewLockInfo creates a LockInfo with a fresh unique ID and creation time.
func NewLockInfo(key string, who string, op Operation, lease time.Duration) *LockInfo {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// uuid generation reads the platform entropy source; if that is
		// broken there is no useful way to continue.
		panic(fmt.Errorf("failed to generate lock id: %w", err))
	}
	now := time.Now().UTC()
	return &LockInfo{
		ID:        id,
		Key:       key,
		Who:       who,
		Operation: op,
		Created:   now,
		Expires:   now.Add(lease),
		Lease:     lease,
	}
}

// Stale reports whether the lease has lapsed without renewal.
func (l *LockInfo) Stale() bool {
	return time.Now().After(l.Expires)
}

// Marshal returns the JSON encoding of the lock info for storage in a
// backend's lock slot.
func (l *LockInfo) Marshal() []byte {
	buf, err := json.Marshal(l)
	if err != nil {
		panic(fmt.Errorf("failed to marshal lock info: %w", err))
	}
	return buf
}

func (l *LockInfo) String() string {
	stale := ""
	if l.Stale() {
		stale = " (lease expired)"
	}
	return fmt.Sprintf("lock %s on %q held by %s for %s since %s%s",
		l.ID, l.Key, l.Who, l.Operation, l.Created.Format(time.RFC3339), stale)
}

// LockError is returned when a lock cannot be acquired because another
// holder has it. Info carries the competing lock for diagnostic display.
type LockError struct {
	Info *LockInfo
	Err  error
}

func (e *LockError) Error() string {
	if e.Info != nil {
		return fmt.Sprintf("%s: %s", e.Err, e.Info)
	}
	return e.Err.Error()
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// Locker is the backend seam for lock arbitration. Implementations must
// guarantee that TryLock is atomic: two concurrent calls for the same key
// must never both succeed while a live lock record exists.
type Locker interface {
	// TryLock attempts a single conditional acquisition. If the key is
	// already locked it returns a *LockError carrying the current holder.
	TryLock(ctx context.Context, key string, info *LockInfo) error

	// Renew extends the recorded lease of the lock with the given id.
	// Returns ErrLeaseExpired if no lock with that id is recorded.
	Renew(ctx context.Context, key, id string, expires time.Time) error

	// Unlock removes the lock if id matches. Returns ErrNotHeld when no
	// lock is recorded, ErrLockMismatch when a different lock is.
	Unlock(ctx context.Context, key, id string) error

	// ForceUnlock removes the lock regardless of lease state, but only if
	// id matches exactly. Returns ErrLockMismatch otherwise.
	ForceUnlock(ctx context.Context, key, id string) error

	// CurrentLock returns the recorded lock for the key, or nil if the
	// slot is empty.
	CurrentLock(ctx context.Context, key string) (*LockInfo, error)
}
