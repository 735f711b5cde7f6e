// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stateward/stateward/internal/audit"
	"github.com/stateward/stateward/internal/backend"
	"github.com/stateward/stateward/internal/backend/inmem"
	"github.com/stateward/stateward/internal/blob"
	"github.com/stateward/stateward/internal/coordinator"
	"github.com/stateward/stateward/internal/ledger"
	"github.com/stateward/stateward/internal/lockmgr"
)

type fixture struct {
	coord  *coordinator.Coordinator
	locks  *lockmgr.Manager
	ledger *ledger.Ledger
	audit  *audit.MemLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	inmem.Reset()
	t.Cleanup(inmem.Reset)

	b := inmem.New()
	log := audit.NewMemLog()
	blobs := blob.NewStore(b, nil)
	led := ledger.New(b, blobs, nil)
	locks := lockmgr.NewManager(b, log, nil)
	return &fixture{
		coord:  coordinator.New(locks, led, log, nil),
		locks:  locks,
		ledger: led,
		audit:  log,
	}
}

func (f *fixture) mustBeUnlocked(t *testing.T, key string) {
	t.Helper()
	current, err := f.locks.Current(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if current != nil {
		t.Fatalf("lock on %q leaked: %+v", key, current)
	}
}

func TestSessionInitialCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const key = "prod/vpc"

	result, err := f.coord.WithSession(ctx, key, coordinator.SessionOptions{Who: "alice"},
		func(_ context.Context, current *coordinator.State) ([]byte, error) {
			if current.Exists || current.Serial != 0 || current.Data != nil {
				t.Errorf("first session got non-empty initial state: %+v", current)
			}
			return []byte("v1"), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Committed || result.Version.Serial != 1 {
		t.Fatalf("result = %+v", result)
	}
	f.mustBeUnlocked(t, key)
}

func TestSessionReadModifyWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const key = "prod/vpc"
	opts := coordinator.SessionOptions{Who: "alice", Operation: lockmgr.OpApply}

	for i := 1; i <= 3; i++ {
		result, err := f.coord.WithSession(ctx, key, opts,
			func(_ context.Context, current *coordinator.State) ([]byte, error) {
				return []byte(fmt.Sprintf("revision %d", i)), nil
			})
		if err != nil {
			t.Fatal(err)
		}
		if result.Version.Serial != uint64(i) {
			t.Fatalf("commit %d got serial %d", i, result.Version.Serial)
		}
	}

	v, data, err := f.coord.Peek(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if v.Serial != 3 || string(data) != "revision 3" {
		t.Fatalf("peek = serial %d, %q", v.Serial, data)
	}
}

func TestSessionAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const key = "prod/vpc"

	result, err := f.coord.WithSession(ctx, key, coordinator.SessionOptions{Who: "alice"},
		func(_ context.Context, _ *coordinator.State) ([]byte, error) {
			return nil, fmt.Errorf("nothing to do: %w", coordinator.ErrAborted)
		})
	if err != nil {
		t.Fatal(err)
	}
	if result.Committed || result.Version != nil {
		t.Fatalf("aborted session reported a commit: %+v", result)
	}
	f.mustBeUnlocked(t, key)

	// Nothing was written.
	if _, _, err := f.coord.Peek(ctx, key); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("peek after abort returned %v, want ErrNotFound", err)
	}
}

func TestSessionReleasesLockOnError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const key = "prod/vpc"

	boom := errors.New("boom")
	_, err := f.coord.WithSession(ctx, key, coordinator.SessionOptions{Who: "alice"},
		func(_ context.Context, _ *coordinator.State) ([]byte, error) {
			return nil, boom
		})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the callback's error", err)
	}
	f.mustBeUnlocked(t, key)
}

func TestSessionReleasesLockOnPanic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const key = "prod/vpc"

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("panic did not propagate")
			}
		}()
		_, _ = f.coord.WithSession(ctx, key, coordinator.SessionOptions{Who: "alice"},
			func(_ context.Context, _ *coordinator.State) ([]byte, error) {
				panic("callback exploded")
			})
	}()
	f.mustBeUnlocked(t, key)
}

func TestSessionReleasesLockOnCancellation(t *testing.T) {
	f := newFixture(t)
	const key = "prod/vpc"

	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.coord.WithSession(ctx, key, coordinator.SessionOptions{Who: "alice"},
		func(_ context.Context, _ *coordinator.State) ([]byte, error) {
			cancel()
			return []byte("late"), nil
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	f.mustBeUnlocked(t, key)

	// The post-cancellation payload must not have been committed.
	if _, _, err := f.coord.Peek(context.Background(), key); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("cancelled session committed anyway: %v", err)
	}
}

func TestSessionsAreMutuallyExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const key = "prod/vpc"

	_, err := f.coord.WithSession(ctx, key, coordinator.SessionOptions{Who: "alice", Operation: lockmgr.OpApply},
		func(ctx context.Context, _ *coordinator.State) ([]byte, error) {
			// A second session attempted while this one holds the lock is
			// denied with the holder's identity.
			_, innerErr := f.coord.WithSession(ctx, key, coordinator.SessionOptions{Who: "bob"},
				func(_ context.Context, _ *coordinator.State) ([]byte, error) {
					t.Error("second session callback ran under a held lock")
					return nil, nil
				})
			var lockErr *lockmgr.LockError
			if !errors.As(innerErr, &lockErr) {
				t.Errorf("inner session returned %v, want *LockError", innerErr)
			} else if lockErr.Info.Who != "alice" {
				t.Errorf("denial names holder %q, want alice", lockErr.Info.Who)
			}
			return []byte("v1"), nil
		})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOutOfBandWriteIsFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const key = "prod/vpc"

	seed(t, f, key, "v1")

	_, err := f.coord.WithSession(ctx, key, coordinator.SessionOptions{Who: "alice"},
		func(ctx context.Context, current *coordinator.State) ([]byte, error) {
			// Write around the lock manager, as a rogue direct push would.
			if _, err := f.ledger.Commit(ctx, key, current.Serial, []byte("rogue"), "rogue"); err != nil {
				t.Fatal(err)
			}
			return []byte("v2"), nil
		})
	if !errors.Is(err, coordinator.ErrConcurrentModification) {
		t.Fatalf("got %v, want ErrConcurrentModification", err)
	}
	if code := coordinator.CodeFor(err); code != coordinator.CodeConcurrentModification {
		t.Fatalf("CodeFor = %s", code)
	}
	f.mustBeUnlocked(t, key)
}

func TestRestoreCreatesNewSerial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const key = "prod/vpc"

	seed(t, f, key, "good", "bad")

	restored, err := f.coord.Restore(ctx, key, coordinator.SessionOptions{Who: "admin"}, 1, "serial 2 is corrupt")
	if err != nil {
		t.Fatal(err)
	}
	// Recovery appends; it never rewrites history.
	if restored.Serial != 3 {
		t.Fatalf("restore produced serial %d, want 3", restored.Serial)
	}

	_, data, err := f.coord.Peek(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "good" {
		t.Fatalf("restored payload = %q, want the serial-1 content", data)
	}

	// The overwritten serial is still retained.
	if _, err := f.ledger.At(ctx, key, 2); err != nil {
		t.Fatalf("serial 2 vanished after restore: %v", err)
	}

	var audited bool
	for _, rec := range f.audit.Records() {
		if rec.Action == audit.ActionRestore && rec.Outcome == audit.OutcomeSuccess {
			audited = true
		}
	}
	if !audited {
		t.Fatal("restore left no audit record")
	}
}

func TestRestoreRequiresReasonAndSerial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const key = "prod/vpc"

	seed(t, f, key, "v1")

	if _, err := f.coord.Restore(ctx, key, coordinator.SessionOptions{Who: "admin"}, 1, ""); err == nil {
		t.Fatal("restore without a reason should fail")
	}
	if _, err := f.coord.Restore(ctx, key, coordinator.SessionOptions{Who: "admin"}, 0, "because"); err == nil {
		t.Fatal("restore without a target serial should fail")
	}
}

func TestRestoreOfUnknownSerial(t *testing.T) {
	f := newFixture(t)
	const key = "prod/vpc"

	seed(t, f, key, "v1")

	_, err := f.coord.Restore(context.Background(), key, coordinator.SessionOptions{Who: "admin"}, 42, "testing")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	f.mustBeUnlocked(t, key)
}

func TestPruneUnderLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const key = "prod/vpc"

	seed(t, f, key, "v1", "v2", "v3", "v4")

	removed, err := f.coord.Prune(ctx, key, coordinator.SessionOptions{Who: "admin"}, ledger.RetentionPolicy{KeepLast: 2})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("pruned %d versions, want 2", removed)
	}
	f.mustBeUnlocked(t, key)
}

func TestCodeClassification(t *testing.T) {
	cases := []struct {
		err  error
		want coordinator.Code
	}{
		{nil, coordinator.CodeOK},
		{lockmgr.ErrLockWaitTimeout, coordinator.CodeLockTimeout},
		{&lockmgr.LockError{Err: errors.New("held")}, coordinator.CodeLockDenied},
		{fmt.Errorf("commit: %w", coordinator.ErrConcurrentModification), coordinator.CodeConcurrentModification},
		{&blob.IntegrityError{ID: "sha256:ab", Expected: "ab", Actual: "cd"}, coordinator.CodeCorrupt},
		{backend.Unavailable(errors.New("503")), coordinator.CodeStorageUnavailable},
		{ledger.ErrNotFound, coordinator.CodeNotFound},
		{blob.ErrNotFound, coordinator.CodeNotFound},
		{coordinator.ErrPermissionDenied, coordinator.CodePermissionDenied},
		{errors.New("surprise"), coordinator.CodeInternal},
	}
	for _, tc := range cases {
		if got := coordinator.CodeFor(tc.err); got != tc.want {
			t.Errorf("CodeFor(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}

	retryable := map[coordinator.Code]bool{
		coordinator.CodeLockTimeout:            true,
		coordinator.CodeLockDenied:             true,
		coordinator.CodeStorageUnavailable:     true,
		coordinator.CodeOK:                     false,
		coordinator.CodeConcurrentModification: false,
		coordinator.CodeCorrupt:                false,
		coordinator.CodeNotFound:               false,
		coordinator.CodePermissionDenied:       false,
		coordinator.CodeInternal:               false,
	}
	for code, want := range retryable {
		if got := code.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", code, got, want)
		}
	}
}

func TestDiagnoseNamesLockHolder(t *testing.T) {
	info := lockmgr.NewLockInfo("prod/vpc", "alice@host", lockmgr.OpApply, time.Minute)
	err := &lockmgr.LockError{Info: info, Err: errors.New("state locked")}

	msg := coordinator.Diagnose("prod/vpc", err)
	if msg == "" {
		t.Fatal("empty diagnosis")
	}
	for _, want := range []string{"alice@host", info.ID} {
		if !strings.Contains(msg, want) {
			t.Errorf("diagnosis %q does not mention %q", msg, want)
		}
	}
}

func seed(t *testing.T, f *fixture, key string, payloads ...string) {
	t.Helper()
	ctx := context.Background()
	for i, p := range payloads {
		if _, err := f.ledger.Commit(ctx, key, uint64(i), []byte(p), "seed"); err != nil {
			t.Fatal(err)
		}
	}
}
