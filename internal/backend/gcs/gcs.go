// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package gcs stores objects in a Google Cloud Storage bucket. Locks are
// objects written with a DoesNotExist generation precondition, so exactly
// one concurrent creator wins; GCS returns 412 to the losers.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/stateward/stateward/internal/backend"
	"github.com/stateward/stateward/internal/lockmgr"
)

// Backend implements backend.Backend over a GCS bucket.
type Backend struct {
	bucket *storage.BucketHandle
	prefix string
}

var _ backend.Backend = (*Backend)(nil)

// New wraps an existing client. Prefix, if non-empty, namespaces every
// object so multiple services can share a bucket.
func New(client *storage.Client, bucketName, prefix string) *Backend {
	if prefix != "" {
		prefix += "/"
	}
	return &Backend{bucket: client.Bucket(bucketName), prefix: prefix}
}

func (b *Backend) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := b.bucket.Object(b.prefix + name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("failed to open gcs object %q: %w", name, err))
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read gcs object %q: %w", name, err))
	}
	return data, nil
}

func (b *Backend) Put(ctx context.Context, name string, data []byte) error {
	w := b.bucket.Object(b.prefix + name).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return classify(fmt.Errorf("failed to write gcs object %q: %w", name, err))
	}
	if err := w.Close(); err != nil {
		return classify(fmt.Errorf("failed to upload gcs object %q: %w", name, err))
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, name string) error {
	err := b.bucket.Object(b.prefix + name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return classify(fmt.Errorf("failed to delete gcs object %q: %w", name, err))
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: b.prefix + prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, classify(fmt.Errorf("failed to list gcs objects under %q: %w", prefix, err))
		}
		names = append(names, attrs.Name[len(b.prefix):])
	}
}

func (b *Backend) TryLock(ctx context.Context, key string, info *lockmgr.LockInfo) error {
	// DoesNotExist makes the write conditional on generation zero; this is
	// the arbitration point.
	obj := b.bucket.Object(b.lockName(key)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	if _, err := w.Write(info.Marshal()); err != nil {
		w.Close()
		return classify(fmt.Errorf("failed to write gcs lock for %q: %w", key, err))
	}
	err := w.Close()
	if err == nil {
		return nil
	}
	if !preconditionFailed(err) {
		return classify(fmt.Errorf("failed to create gcs lock for %q: %w", key, err))
	}

	current, infoErr := b.CurrentLock(ctx, key)
	if infoErr != nil {
		err = fmt.Errorf("%w (additionally, reading the existing lock failed: %w)", err, infoErr)
	}
	return &lockmgr.LockError{Info: current, Err: err}
}

func (b *Backend) Renew(ctx context.Context, key, id string, expires time.Time) error {
	current, gen, err := b.lockWithGeneration(ctx, key)
	if err != nil {
		return err
	}
	if current == nil || current.ID != id {
		return lockmgr.ErrLeaseExpired
	}
	current.Expires = expires

	// Condition on the generation we read so a lock replaced concurrently
	// is never overwritten.
	w := b.bucket.Object(b.lockName(key)).If(storage.Conditions{GenerationMatch: gen}).NewWriter(ctx)
	if _, err := w.Write(current.Marshal()); err != nil {
		w.Close()
		return classify(fmt.Errorf("failed to renew gcs lock for %q: %w", key, err))
	}
	if err := w.Close(); err != nil {
		if preconditionFailed(err) {
			return lockmgr.ErrLeaseExpired
		}
		return classify(fmt.Errorf("failed to renew gcs lock for %q: %w", key, err))
	}
	return nil
}

func (b *Backend) Unlock(ctx context.Context, key, id string) error {
	return b.removeLock(ctx, key, id)
}

func (b *Backend) ForceUnlock(ctx context.Context, key, id string) error {
	return b.removeLock(ctx, key, id)
}

func (b *Backend) CurrentLock(ctx context.Context, key string) (*lockmgr.LockInfo, error) {
	info, _, err := b.lockWithGeneration(ctx, key)
	return info, err
}

func (b *Backend) removeLock(ctx context.Context, key, id string) error {
	current, gen, err := b.lockWithGeneration(ctx, key)
	if err != nil {
		return err
	}
	if current == nil {
		return lockmgr.ErrNotHeld
	}
	if current.ID != id {
		return lockmgr.ErrLockMismatch
	}
	err = b.bucket.Object(b.lockName(key)).If(storage.Conditions{GenerationMatch: gen}).Delete(ctx)
	if err != nil {
		if preconditionFailed(err) {
			return lockmgr.ErrLockMismatch
		}
		return classify(fmt.Errorf("failed to delete gcs lock for %q: %w", key, err))
	}
	return nil
}

func (b *Backend) lockWithGeneration(ctx context.Context, key string) (*lockmgr.LockInfo, int64, error) {
	obj := b.bucket.Object(b.lockName(key))
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, classify(fmt.Errorf("failed to read gcs lock for %q: %w", key, err))
	}
	defer r.Close()
	gen := r.Attrs.Generation
	info := &lockmgr.LockInfo{}
	if err := json.NewDecoder(r).Decode(info); err != nil {
		return nil, 0, fmt.Errorf("unreadable gcs lock object for %q: %w", key, err)
	}
	return info, gen, nil
}

func (b *Backend) lockName(key string) string {
	return b.prefix + "locks/" + key + ".lock"
}

func preconditionFailed(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusPreconditionFailed
}

func classify(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout,
			http.StatusTooManyRequests:
			return backend.Unavailable(err)
		}
	}
	return err
}
