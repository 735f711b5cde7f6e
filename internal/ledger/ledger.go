// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package ledger maintains the append-only version history of each state
// key. The ledger exclusively owns serial assignment and the
// current-version pointer; payload bytes live in the blob store and are
// referenced by content id.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/stateward/stateward/internal/backend"
	"github.com/stateward/stateward/internal/blob"
)

// ErrNotFound is returned when a key has no recorded versions, or a
// requested serial is not retained.
var ErrNotFound = errors.New("no state version found")

// ConflictError is returned by Commit when the caller's base serial no
// longer matches the current serial. Nothing is written.
type ConflictError struct {
	Key           string
	BaseSerial    uint64
	CurrentSerial uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state %q changed since serial %d was read (current serial is %d)",
		e.Key, e.BaseSerial, e.CurrentSerial)
}

// Version is one immutable state snapshot. Serials are assigned by the
// ledger at commit time, strictly increasing by one per key.
type Version struct {
	Key         string         `json:"key"`
	Serial      uint64         `json:"serial"`
	ContentID   blob.ContentID `json:"content_id"`
	Fingerprint string         `json:"fingerprint"`
	Size        int            `json:"size"`
	CreatedAt   time.Time      `json:"created_at"`
	CreatedBy   string         `json:"created_by"`
}

// record is the persisted per-key ledger document.
type record struct {
	Key           string    `json:"key"`
	CurrentSerial uint64    `json:"current_serial"`
	Versions      []Version `json:"versions"`
}

// HistoryOptions select a page of version history.
type HistoryOptions struct {
	// OldestFirst orders ascending by serial; the default is newest first,
	// since "what changed recently" is the common question.
	OldestFirst bool

	// Limit caps the page size; zero means no limit.
	Limit int

	// AfterSerial resumes a paged listing: only versions strictly beyond
	// it (in the selected direction) are returned. Zero starts from the
	// beginning.
	AfterSerial uint64
}

// RetentionPolicy bounds what Prune may remove.
type RetentionPolicy struct {
	// KeepLast retains at least this many of the newest versions.
	KeepLast int

	// MinAge protects versions younger than this from removal.
	MinAge time.Duration
}

// Ledger stores version chains in the backend and payloads in the blob
// store. Commit/Prune must only run while the caller holds the key's lock;
// the ledger does not arbitrate concurrency itself beyond base-serial
// verification.
type Ledger struct {
	storage backend.Storage
	blobs   *blob.Store
	log     hclog.Logger
}

func New(storage backend.Storage, blobs *blob.Store, logger hclog.Logger) *Ledger {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Ledger{storage: storage, blobs: blobs, log: logger}
}

// Current returns the version at the current serial, or ErrNotFound if the
// key has never been written. Reading without the lock is allowed for
// diagnostics but may be stale.
func (l *Ledger) Current(ctx context.Context, key string) (*Version, error) {
	rec, err := l.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.CurrentSerial == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNotFound, key)
	}
	return rec.version(rec.CurrentSerial)
}

// At returns the retained version with the given serial.
func (l *Ledger) At(ctx context.Context, key string, serial uint64) (*Version, error) {
	rec, err := l.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w for %q", ErrNotFound, key)
	}
	return rec.version(serial)
}

// Payload fetches and verifies the payload bytes of v.
func (l *Ledger) Payload(ctx context.Context, v *Version) ([]byte, error) {
	data, err := l.blobs.Get(ctx, v.ContentID)
	if err != nil {
		if errors.Is(err, blob.ErrCorrupt) {
			return nil, fmt.Errorf("state %q serial %d: %w", v.Key, v.Serial, err)
		}
		return nil, fmt.Errorf("failed to fetch payload for %q serial %d: %w", v.Key, v.Serial, err)
	}
	return data, nil
}

// Commit appends a new version if baseSerial still matches the current
// serial. The new serial is always current+1; serials are never supplied
// by callers. The base-serial check is defense in depth on top of the
// session lock: even a caller that somehow bypassed locking cannot
// silently overwrite newer data.
func (l *Ledger) Commit(ctx context.Context, key string, baseSerial uint64, payload []byte, who string) (*Version, error) {
	rec, err := l.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &record{Key: key}
	}
	if baseSerial != rec.CurrentSerial {
		return nil, &ConflictError{Key: key, BaseSerial: baseSerial, CurrentSerial: rec.CurrentSerial}
	}

	id, err := l.blobs.Put(ctx, payload)
	if err != nil {
		return nil, err
	}

	v := Version{
		Key:         key,
		Serial:      rec.CurrentSerial + 1,
		ContentID:   id,
		Fingerprint: blob.Fingerprint(payload),
		Size:        len(payload),
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   who,
	}
	rec.Versions = append(rec.Versions, v)
	rec.CurrentSerial = v.Serial

	if err := l.store(ctx, rec); err != nil {
		return nil, err
	}
	l.log.Debug("state version committed", "key", key, "serial", v.Serial, "fingerprint", v.Fingerprint, "who", who)
	return &v, nil
}

// History returns version metadata for key, paged per opts. Payloads are
// fetched separately via Payload.
func (l *Ledger) History(ctx context.Context, key string, opts HistoryOptions) ([]Version, error) {
	rec, err := l.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w for %q", ErrNotFound, key)
	}

	versions := make([]Version, len(rec.Versions))
	copy(versions, rec.Versions)
	sort.Slice(versions, func(i, j int) bool {
		if opts.OldestFirst {
			return versions[i].Serial < versions[j].Serial
		}
		return versions[i].Serial > versions[j].Serial
	})

	if opts.AfterSerial != 0 {
		start := 0
		for i, v := range versions {
			if opts.OldestFirst && v.Serial > opts.AfterSerial {
				start = i
				break
			}
			if !opts.OldestFirst && v.Serial < opts.AfterSerial {
				start = i
				break
			}
			start = len(versions)
		}
		versions = versions[start:]
	}
	if opts.Limit > 0 && len(versions) > opts.Limit {
		versions = versions[:opts.Limit]
	}
	return versions, nil
}

// Prune permanently removes versions outside the retention policy. The
// current version and anything younger than policy.MinAge are never
// removed; within that constraint the newest policy.KeepLast versions are
// also retained. Returns the number of versions removed. Callers must hold
// the key's lock.
func (l *Ledger) Prune(ctx context.Context, key string, policy RetentionPolicy) (int, error) {
	rec, err := l.load(ctx, key)
	if err != nil {
		return 0, err
	}
	if rec == nil || len(rec.Versions) == 0 {
		return 0, nil
	}

	// Walk newest-first so KeepLast counts from the newest.
	byNewest := make([]Version, len(rec.Versions))
	copy(byNewest, rec.Versions)
	sort.Slice(byNewest, func(i, j int) bool { return byNewest[i].Serial > byNewest[j].Serial })

	cutoff := time.Now().Add(-policy.MinAge)
	var retained, removed []Version
	for i, v := range byNewest {
		switch {
		case v.Serial == rec.CurrentSerial:
			retained = append(retained, v)
		case i < policy.KeepLast:
			retained = append(retained, v)
		case policy.MinAge > 0 && v.CreatedAt.After(cutoff):
			retained = append(retained, v)
		default:
			removed = append(removed, v)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}

	// A blob may back several serials; only delete content nothing retained
	// still references.
	live := map[blob.ContentID]bool{}
	for _, v := range retained {
		live[v.ContentID] = true
	}

	sort.Slice(retained, func(i, j int) bool { return retained[i].Serial < retained[j].Serial })
	rec.Versions = retained
	if err := l.store(ctx, rec); err != nil {
		return 0, err
	}

	for _, v := range removed {
		if live[v.ContentID] {
			continue
		}
		live[v.ContentID] = true // several removed serials may share content
		if err := l.blobs.Remove(ctx, v.ContentID); err != nil {
			l.log.Warn("failed to delete pruned blob", "key", key, "serial", v.Serial, "content_id", v.ContentID, "error", err)
		}
	}

	l.log.Info("pruned state versions", "key", key, "removed", len(removed), "retained", len(retained))
	return len(removed), nil
}

func (l *Ledger) load(ctx context.Context, key string) (*record, error) {
	data, err := l.storage.Get(ctx, recordName(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger for %q: %w", key, err)
	}
	if data == nil {
		return nil, nil
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ledger record for %q is unreadable: %w", key, err)
	}
	return &rec, nil
}

func (l *Ledger) store(ctx context.Context, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger for %q: %w", rec.Key, err)
	}
	if err := l.storage.Put(ctx, recordName(rec.Key), data); err != nil {
		return fmt.Errorf("failed to write ledger for %q: %w", rec.Key, err)
	}
	return nil
}

func (r *record) version(serial uint64) (*Version, error) {
	for i := range r.Versions {
		if r.Versions[i].Serial == serial {
			v := r.Versions[i]
			return &v, nil
		}
	}
	return nil, fmt.Errorf("%w: %q has no retained serial %d", ErrNotFound, r.Key, serial)
}

func recordName(key string) string {
	return "keys/" + key + "/ledger.json"
}
