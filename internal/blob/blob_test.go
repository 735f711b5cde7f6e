// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

package blob_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stateward/stateward/internal/backend/inmem"
	"github.com/stateward/stateward/internal/blob"
)

func newStore(t *testing.T) (*blob.Store, *inmem.Backend) {
	t.Helper()
	inmem.Reset()
	t.Cleanup(inmem.Reset)
	b := inmem.New()
	return blob.NewStore(b, nil), b
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	payload := []byte(`{"version": 4, "resources": []}`)
	id, err := s.Put(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	if id != blob.IDFor(payload) {
		t.Fatalf("Put returned id %s, want %s", id, blob.IDFor(payload))
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Get returned %q, want %q", got, payload)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	payload := []byte("same content twice")
	first, err := s.Put(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Put(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("repeated Put returned different ids: %s vs %s", first, second)
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := newStore(t)

	id := blob.IDFor([]byte("never stored"))
	_, err := s.Get(context.Background(), id)
	if !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestGetDetectsCorruption(t *testing.T) {
	s, b := newStore(t)
	ctx := context.Background()

	payload := []byte("original payload")
	id, err := s.Put(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}

	// Tamper with the stored object behind the store's back, simulating
	// backend-level corruption.
	name := "blobs/sha256/" + strings.TrimPrefix(string(id), "sha256:")
	if err := b.Put(ctx, name, []byte("tampered payload")); err != nil {
		t.Fatal(err)
	}

	_, err = s.Get(ctx, id)
	if !errors.Is(err, blob.ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
	var integrityErr *blob.IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("got %T, want *IntegrityError", err)
	}
	if integrityErr.Expected == integrityErr.Actual {
		t.Fatal("IntegrityError should carry differing fingerprints")
	}
}

func TestGetMalformedID(t *testing.T) {
	s, _ := newStore(t)

	for _, id := range []blob.ContentID{"", "md5:abcd", "sha256:tooshort"} {
		if _, err := s.Get(context.Background(), id); err == nil {
			t.Errorf("Get(%q): expected error, got none", id)
		}
	}
}

func TestRemove(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	id, err := s.Put(ctx, []byte("ephemeral"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("Get after Remove returned %v, want ErrNotFound", err)
	}
}
