// Copyright (c) The Stateward Authors
// SPDX-License-Identifier: MPL-2.0

// Package inmem is an in-memory backend used for testing. Objects and locks
// live in package-level maps so that multiple Backend values observe the
// same store, which better emulates independent processes sharing one
// remote data store.
package inmem

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/stateward/stateward/internal/backend"
	"github.com/stateward/stateward/internal/lockmgr"
)

var (
	objects objectMap
	locks   lockMap
)

func init() {
	Reset()
}

// Reset clears all stored objects and locks. Called during init and
// between tests.
func Reset() {
	objects = objectMap{m: map[string][]byte{}}
	locks = lockMap{m: map[string]*lockmgr.LockInfo{}}
}

// Backend implements backend.Backend over the package-level maps.
type Backend struct{}

var _ backend.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{}
}

func (b *Backend) Get(_ context.Context, name string) ([]byte, error) {
	objects.Lock()
	defer objects.Unlock()
	data, ok := objects.m[name]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (b *Backend) Put(_ context.Context, name string, data []byte) error {
	objects.Lock()
	defer objects.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	objects.m[name] = cp
	return nil
}

func (b *Backend) Delete(_ context.Context, name string) error {
	objects.Lock()
	defer objects.Unlock()
	delete(objects.m, name)
	return nil
}

func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	objects.Lock()
	defer objects.Unlock()
	var names []string
	for name := range objects.m {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (b *Backend) TryLock(_ context.Context, key string, info *lockmgr.LockInfo) error {
	return locks.lock(key, info)
}

func (b *Backend) Renew(_ context.Context, key, id string, expires time.Time) error {
	return locks.renew(key, id, expires)
}

func (b *Backend) Unlock(_ context.Context, key, id string) error {
	return locks.unlock(key, id, false)
}

func (b *Backend) ForceUnlock(_ context.Context, key, id string) error {
	return locks.unlock(key, id, true)
}

func (b *Backend) CurrentLock(_ context.Context, key string) (*lockmgr.LockInfo, error) {
	locks.Lock()
	defer locks.Unlock()
	info := locks.m[key]
	if info == nil {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

type objectMap struct {
	sync.Mutex
	m map[string][]byte
}

type lockMap struct {
	sync.Mutex
	m map[string]*lockmgr.LockInfo
}

func (l *lockMap) lock(key string, info *lockmgr.LockInfo) error {
	l.Lock()
	defer l.Unlock()

	if current := l.m[key]; current != nil {
		// Copy so later mutation of the stored record can't confuse the
		// caller's diagnostics.
		cp := *current
		return &lockmgr.LockError{
			Info: &cp,
			Err:  errors.New("state locked"),
		}
	}

	cp := *info
	l.m[key] = &cp
	return nil
}

func (l *lockMap) renew(key, id string, expires time.Time) error {
	l.Lock()
	defer l.Unlock()

	current := l.m[key]
	if current == nil || current.ID != id {
		return lockmgr.ErrLeaseExpired
	}
	current.Expires = expires
	return nil
}

func (l *lockMap) unlock(key, id string, force bool) error {
	l.Lock()
	defer l.Unlock()

	current := l.m[key]
	if current == nil {
		return lockmgr.ErrNotHeld
	}
	if current.ID != id {
		return lockmgr.ErrLockMismatch
	}
	_ = force // force only skips lease considerations, which we don't track here
	delete(l.m, key)
	return nil
}
