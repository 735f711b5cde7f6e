// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stateward/stateward/internal/backend/inmem"
	"github.com/stateward/stateward/internal/blob"
	"github.com/stateward/stateward/internal/ledger"
)

func newLedger(t *testing.T) (*ledger.Ledger, *blob.Store) {
	t.Helper()
	inmem.Reset()
	t.Cleanup(inmem.Reset)
	b := inmem.New()
	blobs := blob.NewStore(b, nil)
	return ledger.New(b, blobs, nil), blobs
}

func commitN(t *testing.T, l *ledger.Ledger, key string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if _, err := l.Commit(ctx, key, uint64(i), []byte(fmt.Sprintf("payload %d", i+1)), "test"); err != nil {
			t.Fatalf("commit %d: %v", i+1, err)
		}
	}
}

func TestCommitAssignsMonotonicSerials(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	const key = "prod/vpc"

	v1, err := l.Commit(ctx, key, 0, []byte("first"), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if v1.Serial != 1 {
		t.Fatalf("first commit got serial %d, want 1", v1.Serial)
	}

	v2, err := l.Commit(ctx, key, v1.Serial, []byte("second"), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if v2.Serial != 2 {
		t.Fatalf("second commit got serial %d, want 2", v2.Serial)
	}

	current, err := l.Current(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if current.Serial != 2 || current.Fingerprint != blob.Fingerprint([]byte("second")) {
		t.Fatalf("current = %+v", current)
	}
}

func TestCommitStaleBaseConflicts(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	const key = "prod/vpc"

	commitN(t, l, key, 2)

	// A writer that read serial 1 and tries to commit over serial 2 must be
	// refused without touching the chain.
	_, err := l.Commit(ctx, key, 1, []byte("from stale reader"), "bob")
	var conflict *ledger.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want *ConflictError", err)
	}
	if conflict.BaseSerial != 1 || conflict.CurrentSerial != 2 {
		t.Fatalf("conflict = %+v, want base 1 current 2", conflict)
	}

	current, err := l.Current(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if current.Serial != 2 {
		t.Fatalf("rejected commit changed current serial to %d", current.Serial)
	}
}

func TestCurrentOfUnknownKey(t *testing.T) {
	l, _ := newLedger(t)
	if _, err := l.Current(context.Background(), "never/written"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestAtAndPayload(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	const key = "prod/app"

	commitN(t, l, key, 3)

	v, err := l.At(ctx, key, 2)
	if err != nil {
		t.Fatal(err)
	}
	data, err := l.Payload(ctx, v)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload 2" {
		t.Fatalf("payload of serial 2 = %q", data)
	}

	if _, err := l.At(ctx, key, 99); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("At(99) returned %v, want ErrNotFound", err)
	}
}

func TestHistoryOrderingAndPaging(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	const key = "prod/db"

	commitN(t, l, key, 5)

	newest, err := l.History(ctx, key, ledger.HistoryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(newest) != 5 || newest[0].Serial != 5 || newest[4].Serial != 1 {
		t.Fatalf("default history order wrong: %v", serials(newest))
	}

	oldest, err := l.History(ctx, key, ledger.HistoryOptions{OldestFirst: true})
	if err != nil {
		t.Fatal(err)
	}
	if oldest[0].Serial != 1 || oldest[4].Serial != 5 {
		t.Fatalf("oldest-first order wrong: %v", serials(oldest))
	}

	page, err := l.History(ctx, key, ledger.HistoryOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Serial != 5 || page[1].Serial != 4 {
		t.Fatalf("first page wrong: %v", serials(page))
	}

	next, err := l.History(ctx, key, ledger.HistoryOptions{Limit: 2, AfterSerial: page[1].Serial})
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 2 || next[0].Serial != 3 || next[1].Serial != 2 {
		t.Fatalf("second page wrong: %v", serials(next))
	}
}

func TestPruneRetention(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	const key = "prod/prune"

	commitN(t, l, key, 6)

	removed, err := l.Prune(ctx, key, ledger.RetentionPolicy{KeepLast: 3})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Fatalf("pruned %d versions, want 3", removed)
	}

	left, err := l.History(ctx, key, ledger.HistoryOptions{OldestFirst: true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint64{4, 5, 6}, serials(left)); diff != "" {
		t.Fatalf("wrong serials retained: %s", diff)
	}

	// The pruned payloads are gone; the retained ones still read back.
	if _, err := l.At(ctx, key, 1); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("At(1) after prune returned %v, want ErrNotFound", err)
	}
	v, err := l.Current(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Payload(ctx, v); err != nil {
		t.Fatalf("current payload unreadable after prune: %v", err)
	}
}

func TestPruneNeverRemovesCurrent(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	const key = "prod/only"

	commitN(t, l, key, 1)

	removed, err := l.Prune(ctx, key, ledger.RetentionPolicy{KeepLast: 0})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("prune removed %d versions from a single-version chain", removed)
	}
	if _, err := l.Current(ctx, key); err != nil {
		t.Fatalf("current version lost: %v", err)
	}
}

func TestPruneMinAgeProtectsYoungVersions(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	const key = "prod/young"

	commitN(t, l, key, 4)

	// Everything was just committed, so MinAge shields it all regardless of
	// KeepLast.
	removed, err := l.Prune(ctx, key, ledger.RetentionPolicy{KeepLast: 1, MinAge: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("prune removed %d young versions", removed)
	}
}

func TestPruneKeepsSharedBlob(t *testing.T) {
	l, blobs := newLedger(t)
	ctx := context.Background()
	const key = "prod/shared"

	// Serials 1 and 3 share the same payload, hence the same blob. Pruning
	// serial 1 must not delete content serial 3 still references.
	shared := []byte("shared payload")
	if _, err := l.Commit(ctx, key, 0, shared, "t"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Commit(ctx, key, 1, []byte("middle"), "t"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Commit(ctx, key, 2, shared, "t"); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Prune(ctx, key, ledger.RetentionPolicy{KeepLast: 1}); err != nil {
		t.Fatal(err)
	}

	data, err := blobs.Get(ctx, blob.IDFor(shared))
	if err != nil {
		t.Fatalf("shared blob unreadable after prune: %v", err)
	}
	if string(data) != string(shared) {
		t.Fatalf("shared blob content changed: %q", data)
	}
}

func serials(versions []ledger.Version) []uint64 {
	out := make([]uint64, len(versions))
	for i, v := range versions {
		out[i] = v.Serial
	}
	return out
}
