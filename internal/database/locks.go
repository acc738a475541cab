// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package database

import (
	"context"
	"fmt"
	"sync"
)

// LockManager serializes mutating operations per aggregate. One mutex
// exists per (kind, id) pair; operations on different aggregates never
// contend. This is the single-node stand-in for SELECT ... FOR UPDATE
// row locks.
//
// Mutexes are created on demand and kept for the process lifetime; the
// population is bounded by the number of live aggregates, which is small
// relative to memory.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*sync.Mutex)}
}

// lockFor returns the mutex for an aggregate, creating it if needed.
func (m *LockManager) lockFor(kind string, id int64) *sync.Mutex {
	key := fmt.Sprintf("%s:%d", kind, id)
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// WithLock runs fn while holding the aggregate's exclusive lock. The
// context is checked before acquisition so a cancelled caller does not
// queue behind a long holder.
func (m *LockManager) WithLock(ctx context.Context, kind string, id int64, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := m.lockFor(kind, id)
	l.Lock()
	defer l.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}
