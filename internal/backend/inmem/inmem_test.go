// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

package inmem

import (
	"context"
	"testing"

	"github.com/stateward/stateward/internal/backend"
	"github.com/stateward/stateward/internal/backend/backendtest"
)

func TestBackend_impl(t *testing.T) {
	var _ backend.Backend = New()
}

func TestStorage(t *testing.T) {
	defer Reset()
	backendtest.TestStorage(t, New())
}

func TestLocker(t *testing.T) {
	defer Reset()
	backendtest.TestLocker(t, New())
}

func TestSharedStore(t *testing.T) {
	defer Reset()
	ctx := context.Background()

	// Two Backend values must observe the same underlying store, like two
	// processes sharing one remote backend.
	a, b := New(), New()
	if err := a.Put(ctx, "shared/x", []byte("from a")); err != nil {
		t.Fatal(err)
	}
	data, err := b.Get(ctx, "shared/x")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "from a" {
		t.Fatalf("got %q through second backend, want %q", data, "from a")
	}
}
