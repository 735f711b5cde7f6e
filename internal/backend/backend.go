// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package backend defines the storage seam shared by every concrete
// backend. A backend provides two capabilities: durable object storage for
// ledger records and payload blobs, and atomic lock arbitration (the
// lockmgr.Locker contract). Adapters live in subdirectories, one per real
// storage system.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/stateward/stateward/internal/lockmgr"
)

// ErrUnavailable marks a transient infrastructure failure. Callers at the
// blob/ledger boundary retry these with backoff; everything else is
// surfaced as-is.
var ErrUnavailable = errors.New("storage temporarily unavailable")

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
// Adapters call this for failures they consider retryable.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Storage is object-style key/value storage with last-write-wins
// semantics. Object names are slash-separated paths; Get of an absent
// object returns (nil, nil) rather than an error, following the convention
// of remote state clients.
type Storage interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error

	// List returns the names of all objects with the given prefix, in
	// unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Backend is the full capability set a coordination service instance needs.
type Backend interface {
	Storage
	lockmgr.Locker
}
