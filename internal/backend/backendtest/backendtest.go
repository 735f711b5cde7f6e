// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package backendtest provides conformance helpers shared by backend
// implementations' tests.
package backendtest

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stateward/stateward/internal/backend"
	"github.com/stateward/stateward/internal/lockmgr"
)

// TestStorage exercises the backend.Storage contract.
func TestStorage(t *testing.T, s backend.Storage) {
	t.Helper()
	ctx := context.Background()

	// Absent objects read as nil without error.
	data, err := s.Get(ctx, "missing/object")
	if err != nil {
		t.Fatalf("Get of absent object: %v", err)
	}
	if data != nil {
		t.Fatalf("Get of absent object returned %q, want nil", data)
	}

	want := []byte("hello stateward")
	if err := s.Put(ctx, "dir/a", want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "dir/a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}

	// Overwrite is last-write-wins.
	want2 := []byte("replaced")
	if err := s.Put(ctx, "dir/a", want2); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err = s.Get(ctx, "dir/a")
	if err != nil {
		t.Fatalf("Get after overwrite: %v", err)
	}
	if !bytes.Equal(got, want2) {
		t.Fatalf("Get after overwrite returned %q, want %q", got, want2)
	}

	if err := s.Put(ctx, "dir/b", []byte("b")); err != nil {
		t.Fatalf("Put dir/b: %v", err)
	}
	if err := s.Put(ctx, "other/c", []byte("c")); err != nil {
		t.Fatalf("Put other/c: %v", err)
	}
	names, err := s.List(ctx, "dir/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "dir/a" || names[1] != "dir/b" {
		t.Fatalf("List returned %v, want [dir/a dir/b]", names)
	}

	if err := s.Delete(ctx, "dir/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	data, err = s.Get(ctx, "dir/a")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if data != nil {
		t.Fatalf("Get after delete returned %q, want nil", data)
	}

	// Deleting an absent object is not an error.
	if err := s.Delete(ctx, "dir/a"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

// TestLocker exercises the lockmgr.Locker contract.
func TestLocker(t *testing.T, l lockmgr.Locker) {
	t.Helper()
	ctx := context.Background()
	const key = "env/app"

	infoA := lockmgr.NewLockInfo(key, "alice@workstation", lockmgr.OpApply, time.Minute)
	if err := l.TryLock(ctx, key, infoA); err != nil {
		t.Fatalf("first TryLock: %v", err)
	}

	// A second acquisition must be denied with the current holder's info.
	infoB := lockmgr.NewLockInfo(key, "bob@ci", lockmgr.OpPlan, time.Minute)
	err := l.TryLock(ctx, key, infoB)
	var lockErr *lockmgr.LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("second TryLock returned %v, want *LockError", err)
	}
	if lockErr.Info == nil || lockErr.Info.ID != infoA.ID {
		t.Fatalf("LockError.Info = %+v, want holder %s", lockErr.Info, infoA.ID)
	}

	current, err := l.CurrentLock(ctx, key)
	if err != nil {
		t.Fatalf("CurrentLock: %v", err)
	}
	if current == nil || current.ID != infoA.ID {
		t.Fatalf("CurrentLock = %+v, want %s", current, infoA.ID)
	}

	// Renewal moves the expiry; renewing with a wrong id fails.
	newExpiry := time.Now().UTC().Add(2 * time.Minute).Truncate(time.Second)
	if err := l.Renew(ctx, key, infoA.ID, newExpiry); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if err := l.Renew(ctx, key, infoB.ID, newExpiry); !errors.Is(err, lockmgr.ErrLeaseExpired) {
		t.Fatalf("Renew with wrong id returned %v, want ErrLeaseExpired", err)
	}

	// Unlock with the wrong id must not clear the real lock.
	if err := l.Unlock(ctx, key, infoB.ID); !errors.Is(err, lockmgr.ErrLockMismatch) {
		t.Fatalf("Unlock with wrong id returned %v, want ErrLockMismatch", err)
	}
	if err := l.ForceUnlock(ctx, key, infoB.ID); !errors.Is(err, lockmgr.ErrLockMismatch) {
		t.Fatalf("ForceUnlock with wrong id returned %v, want ErrLockMismatch", err)
	}
	current, err = l.CurrentLock(ctx, key)
	if err != nil {
		t.Fatalf("CurrentLock after mismatched unlocks: %v", err)
	}
	if current == nil || current.ID != infoA.ID {
		t.Fatalf("lock was disturbed by mismatched unlock attempts: %+v", current)
	}

	if err := l.Unlock(ctx, key, infoA.ID); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := l.Unlock(ctx, key, infoA.ID); !errors.Is(err, lockmgr.ErrNotHeld) {
		t.Fatalf("double Unlock returned %v, want ErrNotHeld", err)
	}

	// The slot is free again.
	infoC := lockmgr.NewLockInfo(key, "carol@laptop", lockmgr.OpDestroy, time.Minute)
	if err := l.TryLock(ctx, key, infoC); err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	if err := l.ForceUnlock(ctx, key, infoC.ID); err != nil {
		t.Fatalf("ForceUnlock: %v", err)
	}
	current, err = l.CurrentLock(ctx, key)
	if err != nil {
		t.Fatalf("CurrentLock after force unlock: %v", err)
	}
	if current != nil {
		t.Fatalf("lock still present after force unlock: %+v", current)
	}
}
