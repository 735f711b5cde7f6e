// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package filesystem is a local-directory backend. Objects are regular
// files under a base directory; locks are JSON lock files created with
// O_EXCL, so acquisition is atomic on any filesystem with POSIX create
// semantics. Not safe on network filesystems where exclusive create is
// unreliable.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stateward/stateward/internal/backend"
	"github.com/stateward/stateward/internal/lockmgr"
)

// Backend implements backend.Backend over a local directory tree.
type Backend struct {
	baseDir string
}

var _ backend.Backend = (*Backend)(nil)

// Open prepares a directory-backed store, creating the directory if needed.
func Open(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backend directory %s: %w", dir, err)
	}
	return &Backend{baseDir: dir}, nil
}

func (b *Backend) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(b.objectPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %q: %w", name, err)
	}
	return data, nil
}

// Put writes through a temporary file and renames it into place so that a
// crash mid-write never leaves a truncated object.
func (b *Backend) Put(_ context.Context, name string, data []byte) error {
	path := b.objectPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory for %q: %w", name, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".stateward-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %q: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write object %q: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync object %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close object %q: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move object %q into place: %w", name, err)
	}
	return nil
}

func (b *Backend) Delete(_ context.Context, name string) error {
	err := os.Remove(b.objectPath(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %q: %w", name, err)
	}
	return nil
}

func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	objRoot := filepath.Join(b.baseDir, "objects")
	var names []string
	err := filepath.WalkDir(objRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".stateward-") {
			return nil
		}
		rel, err := filepath.Rel(objRoot, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects with prefix %q: %w", prefix, err)
	}
	return names, nil
}

func (b *Backend) TryLock(_ context.Context, key string, info *lockmgr.LockInfo) error {
	path := b.lockPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create lock directory for %q: %w", key, err)
	}

	// O_EXCL is the arbitration point: exactly one concurrent creator wins.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, fs.ErrExist) {
		current, readErr := b.readLock(key)
		if readErr != nil {
			return fmt.Errorf("state %q is locked but the lock file is unreadable: %w", key, readErr)
		}
		return &lockmgr.LockError{Info: current, Err: errors.New("state locked")}
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file for %q: %w", key, err)
	}

	if _, err := f.Write(info.Marshal()); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write lock file for %q: %w", key, err)
	}
	return f.Close()
}

func (b *Backend) Renew(_ context.Context, key, id string, expires time.Time) error {
	current, err := b.readLock(key)
	if err != nil {
		return err
	}
	if current == nil || current.ID != id {
		return lockmgr.ErrLeaseExpired
	}
	current.Expires = expires
	return os.WriteFile(b.lockPath(key), current.Marshal(), 0o600)
}

func (b *Backend) Unlock(_ context.Context, key, id string) error {
	return b.removeLock(key, id)
}

func (b *Backend) ForceUnlock(_ context.Context, key, id string) error {
	return b.removeLock(key, id)
}

func (b *Backend) CurrentLock(_ context.Context, key string) (*lockmgr.LockInfo, error) {
	return b.readLock(key)
}

func (b *Backend) removeLock(key, id string) error {
	current, err := b.readLock(key)
	if err != nil {
		return err
	}
	if current == nil {
		return lockmgr.ErrNotHeld
	}
	if current.ID != id {
		return lockmgr.ErrLockMismatch
	}
	if err := os.Remove(b.lockPath(key)); err != nil {
		return fmt.Errorf("failed to remove lock file for %q: %w", key, err)
	}
	return nil
}

func (b *Backend) readLock(key string) (*lockmgr.LockInfo, error) {
	data, err := os.ReadFile(b.lockPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file for %q: %w", key, err)
	}
	var info lockmgr.LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("lock file for %q is unreadable: %w", key, err)
	}
	return &info, nil
}

func (b *Backend) objectPath(name string) string {
	return filepath.Join(b.baseDir, "objects", filepath.FromSlash(name))
}

func (b *Backend) lockPath(key string) string {
	return filepath.Join(b.baseDir, "locks", filepath.FromSlash(key)+".lock")
}
