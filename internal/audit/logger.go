// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package audit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"

	"github.com/gavelworks/oyez/internal/config"
	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/metrics"
)

// Logger buffers audit events and writes them asynchronously so the
// request path never blocks on audit persistence. A full buffer drops
// the event with a warning; audit loss is preferable to request
// stalls here because in-transaction history lives in the event log.
type Logger struct {
	store     Store
	eventChan chan *Event
	stopChan  chan struct{}
	done      chan struct{}
	flushWait time.Duration
}

// NewLogger starts the async writer.
func NewLogger(store Store, cfg *config.AuditConfig) *Logger {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}

	l := &Logger{
		store:     store,
		eventChan: make(chan *Event, bufferSize),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
		flushWait: cfg.FlushTimeout,
	}
	go l.writer()
	return l
}

func (l *Logger) writer() {
	defer close(l.done)
	for {
		select {
		case <-l.stopChan:
			// Drain what is already queued, then stop.
			for {
				select {
				case e := <-l.eventChan:
					l.save(e)
				default:
					return
				}
			}
		case e := <-l.eventChan:
			l.save(e)
		}
	}
}

func (l *Logger) save(e *Event) {
	metrics.AuditQueueDepth.Set(float64(len(l.eventChan)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.store.Save(ctx, e); err != nil {
		logging.Component("audit").Error().Err(err).
			Str("event_id", e.ID).
			Str("type", string(e.Type)).
			Msg("save audit event failed")
	}
}

// Log queues an event. Never blocks.
func (l *Logger) Log(e *Event) {
	if e.ID == "" {
		e.ID = newEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	select {
	case l.eventChan <- e:
		metrics.AuditQueueDepth.Set(float64(len(l.eventChan)))
	default:
		logging.Component("audit").Warn().
			Str("event_id", e.ID).
			Str("type", string(e.Type)).
			Msg("audit buffer full, dropping event")
	}
}

// LogDenied records an authorization denial.
func (l *Logger) LogDenied(institutionID, userID int64, role, ip, requestID, action string, targetKind string, targetID int64) {
	l.Log(&Event{
		Type:          EventAuthzDenied,
		Outcome:       OutcomeFailure,
		InstitutionID: institutionID,
		ActorUserID:   userID,
		ActorRole:     role,
		IPAddress:     ip,
		RequestID:     requestID,
		Action:        action,
		TargetKind:    targetKind,
		TargetID:      targetID,
		Description:   "authorization denied",
	})
}

// LogRateLimited records a rate-limit rejection.
func (l *Logger) LogRateLimited(ip, requestID, path string) {
	meta, _ := json.Marshal(map[string]string{"path": path})
	l.Log(&Event{
		Type:        EventRateLimited,
		Outcome:     OutcomeFailure,
		IPAddress:   ip,
		RequestID:   requestID,
		Action:      "http.request",
		Description: "rate limit exceeded",
		Metadata:    meta,
	})
}

// LogValidationError records a request that failed input validation.
func (l *Logger) LogValidationError(userID int64, ip, requestID, action, detail string) {
	meta, _ := json.Marshal(map[string]string{"detail": detail})
	l.Log(&Event{
		Type:        EventValidationError,
		Outcome:     OutcomeFailure,
		ActorUserID: userID,
		IPAddress:   ip,
		RequestID:   requestID,
		Action:      action,
		Description: "validation failed",
		Metadata:    meta,
	})
}

// Query reads events matching the filter.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	return l.store.Query(ctx, filter)
}

// Close stops the writer and drains the queue.
func (l *Logger) Close() error {
	close(l.stopChan)
	select {
	case <-l.done:
		return nil
	case <-time.After(l.flushWait):
		logging.Component("audit").Warn().Msg("audit drain timed out")
		return nil
	}
}

func newEventID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}
