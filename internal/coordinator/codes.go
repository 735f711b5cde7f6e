// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

package coordinator

import (
	"errors"
	"fmt"

	"github.com/stateward/stateward/internal/backend"
	"github.com/stateward/stateward/internal/blob"
	"github.com/stateward/stateward/internal/ledger"
	"github.com/stateward/stateward/internal/lockmgr"
)

// ErrPermissionDenied is returned by the authorization layer. Fatal, no
// retry.
var ErrPermissionDenied = errors.New("permission denied")

// Code is the result taxonomy surfaced to the CLI and wire layers. Every
// failure from a session maps to exactly one code.
type Code string

const (
	CodeOK                     Code = "ok"
	CodeLockTimeout            Code = "lock-timeout"
	CodeLockDenied             Code = "lock-denied"
	CodeConcurrentModification Code = "concurrent-modification"
	CodeNotFound               Code = "not-found"
	CodeStorageUnavailable     Code = "storage-unavailable"
	CodeCorrupt                Code = "corrupt"
	CodePermissionDenied       Code = "permission-denied"
	CodeInternal               Code = "internal"
)

// CodeFor classifies err. Unknown errors classify as CodeInternal: a
// failure the taxonomy doesn't name is a defect, not a new category.
func CodeFor(err error) Code {
	var lockErr *lockmgr.LockError
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, lockmgr.ErrLockWaitTimeout):
		return CodeLockTimeout
	case errors.As(err, &lockErr):
		return CodeLockDenied
	case errors.Is(err, ErrConcurrentModification):
		return CodeConcurrentModification
	case errors.Is(err, blob.ErrCorrupt):
		return CodeCorrupt
	case errors.Is(err, backend.ErrUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	default:
		return CodeInternal
	}
}

// Retryable reports whether the caller may reasonably retry after backoff.
// The coordinator itself never retries on the caller's behalf; retry
// policy belongs to the caller.
func (c Code) Retryable() bool {
	switch c {
	case CodeLockTimeout, CodeLockDenied, CodeStorageUnavailable:
		return true
	}
	return false
}

// Diagnose renders err as an actionable message for operators: what
// happened, who is involved, and what to do next.
func Diagnose(key string, err error) string {
	code := CodeFor(err)
	switch code {
	case CodeOK:
		return ""
	case CodeLockDenied:
		var lockErr *lockmgr.LockError
		errors.As(err, &lockErr)
		if lockErr.Info != nil {
			next := "Wait for the holder to finish and retry."
			if lockErr.Info.Stale() {
				next = "The lease has expired; if the holder is known to be gone, an administrator can force-release with this lock id."
			}
			return fmt.Sprintf("State %q is locked: %s. %s", key, lockErr.Info, next)
		}
		return fmt.Sprintf("State %q is locked. Wait and retry.", key)
	case CodeLockTimeout:
		return fmt.Sprintf("Timed out waiting for the lock on %q. Another operation is still running; retry later rather than force-unlocking.", key)
	case CodeConcurrentModification:
		return fmt.Sprintf("State %q changed while the lock was held: %s. Something wrote around the lock manager; inspect the version history before retrying.", key, err)
	case CodeCorrupt:
		return fmt.Sprintf("Stored state for %q failed integrity verification: %s. Do not retry; restore from a known-good prior serial.", key, err)
	case CodeStorageUnavailable:
		return fmt.Sprintf("Storage backing %q is unavailable: %s. Retry with backoff.", key, err)
	case CodeNotFound:
		return fmt.Sprintf("No state found for %q: %s.", key, err)
	case CodePermissionDenied:
		return fmt.Sprintf("Not authorized to operate on %q. Contact an administrator.", key)
	default:
		return fmt.Sprintf("Internal error operating on %q: %s. This is a defect; the session was aborted and the lock released.", key, err)
	}
}
