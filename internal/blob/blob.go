// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package blob implements content-addressed payload storage on top of a
// backend.Storage. Payloads are stored under their SHA-256 fingerprint, so
// identical payloads share one object and every read can be verified
// against the name it was fetched by.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/stateward/stateward/internal/backend"
)

var (
	// ErrNotFound is returned when no object exists for a content id.
	ErrNotFound = errors.New("blob not found")

	// ErrCorrupt marks a fingerprint mismatch on read. Corruption is never
	// silently repaired; the caller gets the full detail for manual
	// recovery.
	ErrCorrupt = errors.New("blob content does not match fingerprint")
)

const (
	objectPrefix = "blobs/sha256/"

	maxAttempts = 3
	retryBase   = 250 * time.Millisecond
)

// ContentID names one stored payload, in the form "sha256:<hex>".
type ContentID string

// Fingerprint returns the hex SHA-256 digest of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IDFor returns the content id a payload would be stored under.
func IDFor(data []byte) ContentID {
	return ContentID("sha256:" + Fingerprint(data))
}

// IntegrityError carries the detail of a fingerprint mismatch. It unwraps
// to ErrCorrupt.
type IntegrityError struct {
	ID       ContentID
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("blob %s is corrupt: expected fingerprint %s, got %s", e.ID, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error {
	return ErrCorrupt
}

// Store is the content-addressed payload store.
type Store struct {
	storage backend.Storage
	log     hclog.Logger
}

func NewStore(storage backend.Storage, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{storage: storage, log: logger}
}

// Put stores payload and returns its content id. Put is idempotent: if an
// object with the same fingerprint already exists the payload is not
// written again.
func (s *Store) Put(ctx context.Context, payload []byte) (ContentID, error) {
	id := IDFor(payload)
	name := objectName(id)

	existing, err := s.getWithRetry(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != nil {
		s.log.Trace("blob already stored", "id", id)
		return id, nil
	}

	if err := s.putWithRetry(ctx, name, payload); err != nil {
		return "", fmt.Errorf("failed to store blob %s: %w", id, err)
	}
	return id, nil
}

// Get fetches the payload for id, verifying its fingerprint. A mismatch
// returns an *IntegrityError (ErrCorrupt); an absent object returns
// ErrNotFound.
func (s *Store) Get(ctx context.Context, id ContentID) ([]byte, error) {
	expected, err := fingerprintOf(id)
	if err != nil {
		return nil, err
	}
	data, err := s.getWithRetry(ctx, objectName(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if actual := Fingerprint(data); actual != expected {
		return nil, &IntegrityError{ID: id, Expected: expected, Actual: actual}
	}
	return data, nil
}

// Remove deletes the object for id. Only the ledger's prune path may call
// this; payload lifetime is owned by the version chain that references it.
func (s *Store) Remove(ctx context.Context, id ContentID) error {
	return s.storage.Delete(ctx, objectName(id))
}

func (s *Store) getWithRetry(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.withRetry(ctx, func() error {
		var err error
		data, err = s.storage.Get(ctx, name)
		return err
	})
	return data, err
}

func (s *Store) putWithRetry(ctx context.Context, name string, payload []byte) error {
	return s.withRetry(ctx, func() error {
		return s.storage.Put(ctx, name, payload)
	})
}

// withRetry retries transient storage failures a bounded number of times
// with exponential backoff. The bound matters: a session holding a lock
// must fail and release rather than retry indefinitely.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBase << (attempt - 1)
			s.log.Warn("storage unavailable, retrying", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err = op()
		if err == nil || !errors.Is(err, backend.ErrUnavailable) {
			return err
		}
	}
	return err
}

func objectName(id ContentID) string {
	return objectPrefix + strings.TrimPrefix(string(id), "sha256:")
}

func fingerprintOf(id ContentID) (string, error) {
	hexPart, ok := strings.CutPrefix(string(id), "sha256:")
	if !ok || len(hexPart) != sha256.Size*2 {
		return "", fmt.Errorf("malformed content id %q", id)
	}
	return hexPart, nil
}
