// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package presence

import (
	"testing"
	"time"

	"github.com/gavelworks/oyez/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.PresenceConfig{
		Path:         "", // in-memory
		OfflineAfter: 90 * time.Second,
		CursorTTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHeartbeatRoundtrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.Heartbeat(1, 7, now); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	seen, ok, err := s.LastSeen(1, 7)
	if err != nil {
		t.Fatalf("last seen: %v", err)
	}
	if !ok {
		t.Fatal("heartbeat not found")
	}
	if !seen.Equal(now) {
		t.Errorf("last seen = %v, want %v", seen, now)
	}

	// Absent participant reads as never seen, not as an error.
	_, ok, err = s.LastSeen(1, 999)
	if err != nil {
		t.Fatalf("last seen absent: %v", err)
	}
	if ok {
		t.Error("absent participant reported seen")
	}
}

func TestOnlineWindow(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	if err := s.Heartbeat(1, 7, now.Add(-30*time.Second)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	online, err := s.Online(1, 7, now)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if !online {
		t.Error("recent heartbeat reported offline")
	}

	// A heartbeat older than the window is offline even while the record
	// still exists (the TTL is twice the window).
	if err := s.Heartbeat(1, 8, now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	online, err = s.Online(1, 8, now)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if online {
		t.Error("stale heartbeat reported online")
	}
}

func TestListOnlineScopesBySession(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for _, hb := range []struct {
		session, participant int64
		at                   time.Time
	}{
		{1, 7, now},
		{1, 8, now.Add(-10 * time.Second)},
		{1, 9, now.Add(-5 * time.Minute)}, // stale
		{2, 7, now},                       // other session
	} {
		if err := s.Heartbeat(hb.session, hb.participant, hb.at); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}

	online, err := s.ListOnline(1, now)
	if err != nil {
		t.Fatalf("list online: %v", err)
	}
	if len(online) != 2 {
		t.Fatalf("online = %v, want participants 7 and 8", online)
	}
	got := map[int64]bool{online[0]: true, online[1]: true}
	if !got[7] || !got[8] {
		t.Errorf("online = %v, want participants 7 and 8", online)
	}
}

func TestDropMarksOfflineImmediately(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	if err := s.Heartbeat(1, 7, now); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := s.Drop(1, 7); err != nil {
		t.Fatalf("drop: %v", err)
	}

	online, err := s.Online(1, 7, now)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if online {
		t.Error("dropped participant reported online")
	}

	// Dropping an absent participant is a no-op.
	if err := s.Drop(1, 999); err != nil {
		t.Errorf("drop absent: %v", err)
	}
}

func TestCursorRoundtrip(t *testing.T) {
	s := newTestStore(t)

	// Unknown participants resume from zero.
	cur, err := s.Cursor(7)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cur != 0 {
		t.Errorf("cursor = %d, want 0", cur)
	}

	if err := s.SetCursor(7, 42); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	cur, err = s.Cursor(7)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cur != 42 {
		t.Errorf("cursor = %d, want 42", cur)
	}

	// Cursors only move where the caller says; a lower ack overwrites.
	if err := s.SetCursor(7, 40); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	cur, err = s.Cursor(7)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cur != 40 {
		t.Errorf("cursor = %d, want 40", cur)
	}
}
