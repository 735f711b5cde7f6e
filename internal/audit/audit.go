// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package audit provides the append-only event trail. Every lock, read,
// write, restore and prune passes through here; records are never mutated
// or deleted.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

type Action string

const (
	ActionLockAcquire      Action = "lock-acquire"
	ActionLockRelease      Action = "lock-release"
	ActionLockForceRelease Action = "lock-force-release"
	ActionRead             Action = "read"
	ActionWrite            Action = "write"
	ActionRestore          Action = "restore"
	ActionPrune            Action = "prune"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Record is one audit event.
type Record struct {
	Time    time.Time `json:"time"`
	Key     string    `json:"key"`
	LockID  string    `json:"lock_id,omitempty"`
	Who     string    `json:"who"`
	Action  Action    `json:"action"`
	Outcome Outcome   `json:"outcome"`

	// Detail carries human context: a force-release reason, an error
	// summary, a restored serial.
	Detail string `json:"detail,omitempty"`
}

// Log accepts audit records. Appends must be durable before returning on
// implementations backed by persistent storage.
type Log interface {
	Append(ctx context.Context, rec Record) error
}

// FileLog appends JSON-lines records to a local file.
type FileLog struct {
	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	logger hclog.Logger
}

// NewFileLog opens (creating if needed) the audit file in append-only mode.
func NewFileLog(path string, logger hclog.Logger) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	return &FileLog{f: f, enc: json.NewEncoder(f), logger: logger}, nil
}

func (l *FileLog) Append(_ context.Context, rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	if l.logger != nil {
		l.logger.Trace("audit",
			"action", rec.Action, "outcome", rec.Outcome,
			"key", rec.Key, "who", rec.Who, "lock_id", rec.LockID,
			"detail", rec.Detail)
	}
	return nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// MemLog retains records in memory. Used in tests and as the default when
// no audit file is configured, so that callers never need a nil check.
type MemLog struct {
	mu   sync.Mutex
	recs []Record
}

func NewMemLog() *MemLog {
	return &MemLog{}
}

func (l *MemLog) Append(_ context.Context, rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
	return nil
}

// Records returns a copy of everything appended so far.
func (l *MemLog) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.recs))
	copy(out, l.recs)
	return out
}
