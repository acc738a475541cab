// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package audit

import (
	"context"
	"sync"
)

// MemoryStore is the in-memory Store for tests and development. Oldest
// events are evicted when the cap is reached.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	maxLen int
}

// NewMemoryStore creates a bounded in-memory store.
func NewMemoryStore(maxLen int) *MemoryStore {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &MemoryStore{
		events: make([]Event, 0, maxLen),
		maxLen: maxLen,
	}
}

// Save appends an event, evicting the oldest tenth when full.
func (s *MemoryStore) Save(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) >= s.maxLen {
		remove := s.maxLen / 10
		if remove == 0 {
			remove = 1
		}
		s.events = s.events[remove:]
	}
	s.events = append(s.events, *event)
	return nil
}

// Query returns matching events, most recent first.
func (s *MemoryStore) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if !filter.Matches(&e) {
			continue
		}
		results = append(results, e)
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// Count returns the number of matching events.
func (s *MemoryStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for i := range s.events {
		if filter.Matches(&s.events[i]) {
			n++
		}
	}
	return n, nil
}

// Len returns the stored event count.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
