// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package presence tracks liveness and delivery cursors in an embedded
// Badger store. Presence is derived state: it can always be rebuilt from
// heartbeats and the event log, so losing the store is an inconvenience,
// never a correctness problem.
//
// Keys:
//
//	hb:<session_id>:<participant_id>  -> heartbeat record (TTL)
//	cur:<participant_id>              -> last delivered event cursor (TTL)
package presence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/gavelworks/oyez/internal/config"
	"github.com/gavelworks/oyez/internal/logging"
	"github.com/goccy/go-json"
)

// heartbeat is the stored liveness record.
type heartbeat struct {
	ParticipantID int64     `json:"participant_id"`
	SessionID     int64     `json:"session_id"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// Store is the Badger-backed presence and cursor store.
type Store struct {
	db           *badger.DB
	offlineAfter time.Duration
	cursorTTL    time.Duration
}

// Open opens the store at cfg.Path, or in memory when the path is empty.
func Open(cfg config.PresenceConfig) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open presence store: %w", err)
	}
	return &Store{
		db:           db,
		offlineAfter: cfg.OfflineAfter,
		cursorTTL:    cfg.CursorTTL,
	}, nil
}

// Heartbeat records that a participant was seen now. The record carries a
// TTL so crashed clients age out without a cleanup pass.
func (s *Store) Heartbeat(sessionID, participantID int64, at time.Time) error {
	hb := heartbeat{
		ParticipantID: participantID,
		SessionID:     sessionID,
		LastSeenAt:    at.UTC(),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(heartbeatKey(sessionID, participantID), data).
			WithTTL(s.offlineAfter * 2)
		return txn.SetEntry(entry)
	})
}

// LastSeen returns the participant's last heartbeat instant. ok is false
// when no live record exists.
func (s *Store) LastSeen(sessionID, participantID int64) (time.Time, bool, error) {
	var hb heartbeat
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(heartbeatKey(sessionID, participantID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &hb)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read heartbeat: %w", err)
	}
	return hb.LastSeenAt, true, nil
}

// Online reports whether the participant heartbeat is within the offline
// window as of now.
func (s *Store) Online(sessionID, participantID int64, now time.Time) (bool, error) {
	seen, ok, err := s.LastSeen(sessionID, participantID)
	if err != nil || !ok {
		return false, err
	}
	return now.Sub(seen) <= s.offlineAfter, nil
}

// ListOnline returns the ids of participants seen within the offline
// window, in key order.
func (s *Store) ListOnline(sessionID int64, now time.Time) ([]int64, error) {
	prefix := []byte(fmt.Sprintf("hb:%d:", sessionID))
	var online []int64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var hb heartbeat
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &hb)
			})
			if err != nil {
				return err
			}
			if now.Sub(hb.LastSeenAt) <= s.offlineAfter {
				online = append(online, hb.ParticipantID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}
	return online, nil
}

// Drop removes a participant's heartbeat, marking them offline
// immediately. Used on clean disconnect.
func (s *Store) Drop(sessionID, participantID int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(heartbeatKey(sessionID, participantID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// SetCursor records the last event cursor delivered to a participant so a
// reconnect can resume the feed without replaying from zero.
func (s *Store) SetCursor(participantID, cursor int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(cursorKey(participantID),
			[]byte(strconv.FormatInt(cursor, 10))).
			WithTTL(s.cursorTTL)
		return txn.SetEntry(entry)
	})
}

// Cursor returns the participant's resume cursor, or 0 when none exists.
func (s *Store) Cursor(participantID int64) (int64, error) {
	var cursor int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(participantID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cursor, err = strconv.ParseInt(string(val), 10, 64)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return cursor, nil
}

// Close flushes and closes the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

func heartbeatKey(sessionID, participantID int64) []byte {
	return []byte(fmt.Sprintf("hb:%d:%d", sessionID, participantID))
}

func cursorKey(participantID int64) []byte {
	return []byte(fmt.Sprintf("cur:%d", participantID))
}

// badgerLogger routes Badger's chatty internal logging into zerolog at
// debug level.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logging.Component("presence").Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logging.Component("presence").Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logging.Component("presence").Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logging.Component("presence").Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
