// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

package server_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stateward/stateward/internal/audit"
	"github.com/stateward/stateward/internal/backend/inmem"
	"github.com/stateward/stateward/internal/blob"
	"github.com/stateward/stateward/internal/client"
	"github.com/stateward/stateward/internal/coordinator"
	"github.com/stateward/stateward/internal/ledger"
	"github.com/stateward/stateward/internal/lockmgr"
	"github.com/stateward/stateward/internal/server"
)

func newTestServer(t *testing.T, token string) (*httptest.Server, *client.Client) {
	t.Helper()
	inmem.Reset()
	t.Cleanup(inmem.Reset)

	b := inmem.New()
	log := audit.NewMemLog()
	blobs := blob.NewStore(b, nil)
	led := ledger.New(b, blobs, nil)
	locks := lockmgr.NewManager(b, log, nil)
	coord := coordinator.New(locks, led, log, nil)

	srv := server.New(locks, led, coord, log, nil, token)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := client.New(client.Config{Address: ts.URL, Token: token, RetryMax: 1})
	if err != nil {
		t.Fatal(err)
	}
	return ts, c
}

func TestLockCommitUnlockRoundTrip(t *testing.T) {
	_, c := newTestServer(t, "")
	ctx := context.Background()
	const key = "prod/networking/vpc"

	// An unwritten key reads as no state, not an error.
	state, err := c.GetState(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if state != nil {
		t.Fatalf("unwritten key returned state %+v", state)
	}

	lock, err := c.Lock(ctx, key, "alice@host", lockmgr.OpApply, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte(`{"resources": ["vpc-main"]}`)
	v, err := c.CommitState(ctx, key, lock.ID, 0, "alice@host", payload)
	if err != nil {
		t.Fatal(err)
	}
	if v.Serial != 1 {
		t.Fatalf("first commit got serial %d", v.Serial)
	}

	state, err = c.GetState(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if state.Serial != 1 || !bytes.Equal(state.Data, payload) {
		t.Fatalf("fetched state = %+v", state)
	}
	if state.Fingerprint != blob.Fingerprint(payload) {
		t.Fatalf("served fingerprint %q does not match payload", state.Fingerprint)
	}

	if err := c.Unlock(ctx, key, lock.ID); err != nil {
		t.Fatal(err)
	}
	// The slot is free for the next caller.
	lock2, err := c.Lock(ctx, key, "bob@ci", lockmgr.OpPlan, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Unlock(ctx, key, lock2.ID); err != nil {
		t.Fatal(err)
	}
}

func TestCommitRequiresLock(t *testing.T) {
	_, c := newTestServer(t, "")
	ctx := context.Background()

	_, err := c.CommitState(ctx, "prod/app", "no-such-lock", 0, "rogue", []byte("data"))
	if err == nil {
		t.Fatal("commit without the lock succeeded")
	}
	if !strings.Contains(err.Error(), "not the current lock") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLockDenialCarriesHolder(t *testing.T) {
	_, c := newTestServer(t, "")
	ctx := context.Background()
	const key = "prod/db"

	lock, err := c.Lock(ctx, key, "alice@host", lockmgr.OpApply, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Lock(ctx, key, "bob@ci", lockmgr.OpPlan, 0, 0)
	var lockErr *lockmgr.LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("got %v, want *LockError", err)
	}
	if lockErr.Info == nil || lockErr.Info.Who != "alice@host" || lockErr.Info.ID != lock.ID {
		t.Fatalf("denial info = %+v, want alice@host/%s", lockErr.Info, lock.ID)
	}
}

func TestLockWaitTimeout(t *testing.T) {
	_, c := newTestServer(t, "")
	ctx := context.Background()
	const key = "prod/db"

	if _, err := c.Lock(ctx, key, "holder", lockmgr.OpApply, 0, 0); err != nil {
		t.Fatal(err)
	}
	_, err := c.Lock(ctx, key, "waiter", lockmgr.OpPlan, 0, time.Second)
	if !errors.Is(err, lockmgr.ErrLockWaitTimeout) {
		t.Fatalf("got %v, want ErrLockWaitTimeout", err)
	}
}

func TestStaleSerialConflict(t *testing.T) {
	_, c := newTestServer(t, "")
	ctx := context.Background()
	const key = "prod/app"

	lock, err := c.Lock(ctx, key, "alice", lockmgr.OpApply, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CommitState(ctx, key, lock.ID, 0, "alice", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.CommitState(ctx, key, lock.ID, 1, "alice", []byte("v2")); err != nil {
		t.Fatal(err)
	}

	// A writer that still believes serial 1 is current must be refused with
	// the real current serial.
	_, err = c.CommitState(ctx, key, lock.ID, 1, "alice", []byte("stale"))
	var conflict *ledger.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want *ConflictError", err)
	}
	if conflict.CurrentSerial != 2 {
		t.Fatalf("conflict reports current serial %d, want 2", conflict.CurrentSerial)
	}
}

func TestRenew(t *testing.T) {
	_, c := newTestServer(t, "")
	ctx := context.Background()
	const key = "prod/renew"

	lock, err := c.Lock(ctx, key, "w", lockmgr.OpApply, time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Renew(ctx, key, lock.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.Unlock(ctx, key, lock.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.Renew(ctx, key, lock.ID); !errors.Is(err, lockmgr.ErrLeaseExpired) {
		t.Fatalf("renew after unlock returned %v, want ErrLeaseExpired", err)
	}
}

func TestForceUnlock(t *testing.T) {
	_, c := newTestServer(t, "")
	ctx := context.Background()
	const key = "prod/stuck"

	lock, err := c.Lock(ctx, key, "crashed-job", lockmgr.OpApply, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.ForceUnlock(ctx, key, "wrong-id", "admin", "cleanup"); !errors.Is(err, lockmgr.ErrLockMismatch) {
		t.Fatalf("force unlock with wrong id returned %v, want ErrLockMismatch", err)
	}
	if err := c.ForceUnlock(ctx, key, lock.ID, "admin", "crashed CI job"); err != nil {
		t.Fatal(err)
	}
	next, err := c.Lock(ctx, key, "next", lockmgr.OpApply, 0, 0)
	if err != nil {
		t.Fatalf("lock after force unlock: %v", err)
	}
	_ = c.Unlock(ctx, key, next.ID)
}

func TestHistoryAndRestore(t *testing.T) {
	_, c := newTestServer(t, "")
	ctx := context.Background()
	const key = "prod/hist"

	lock, err := c.Lock(ctx, key, "alice", lockmgr.OpApply, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i, payload := range []string{"v1", "v2", "v3"} {
		if _, err := c.CommitState(ctx, key, lock.ID, uint64(i), "alice", []byte(payload)); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Unlock(ctx, key, lock.ID); err != nil {
		t.Fatal(err)
	}

	versions, err := c.History(ctx, key, false, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[0].Serial != 3 || versions[1].Serial != 2 {
		t.Fatalf("history page = %+v", versions)
	}

	restored, err := c.Restore(ctx, key, 1, "admin", "serial 3 is wrong")
	if err != nil {
		t.Fatal(err)
	}
	if restored.Serial != 4 {
		t.Fatalf("restore produced serial %d, want 4", restored.Serial)
	}
	state, err := c.GetState(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(state.Data) != "v1" {
		t.Fatalf("restored payload = %q, want v1", state.Data)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	ts, authed := newTestServer(t, "sekrit")
	ctx := context.Background()

	// Without the token every request is denied before touching state.
	anon, err := client.New(client.Config{Address: ts.URL, RetryMax: 1})
	if err != nil {
		t.Fatal(err)
	}
	_, err = anon.GetState(ctx, "prod/app")
	if err == nil || !strings.Contains(err.Error(), "permission-denied") {
		t.Fatalf("unauthenticated request returned %v, want permission denied", err)
	}
	if _, err := anon.Lock(ctx, "prod/app", "anon", lockmgr.OpApply, 0, 0); err == nil {
		t.Fatal("unauthenticated lock succeeded")
	}

	if _, err := authed.GetState(ctx, "prod/app"); err != nil {
		t.Fatalf("authenticated request failed: %v", err)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/state/has%20space")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid key got status %d, want 400", resp.StatusCode)
	}
}

func TestUnknownRouteRejected(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/bogus/prod/app")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("unknown route got status %d, want 405", resp.StatusCode)
	}
}

func TestRequestIDHeader(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/lock/prod/app")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Stateward-Request-Id") == "" {
		t.Fatal("response carries no request id")
	}
}
