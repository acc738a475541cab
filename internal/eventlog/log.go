// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package eventlog

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/metrics"
	"github.com/gavelworks/oyez/internal/models"
)

// Log appends to and reads from the domain event log. Appends must run
// inside the transaction of the mutation they record, under the
// aggregate's lock; reads run on the plain connection.
type Log struct {
	db  *database.DB
	bus *Bus
}

// NewLog creates the event log. bus may be nil in tests; appended events
// are then not fanned out.
func NewLog(db *database.DB, bus *Bus) *Log {
	return &Log{db: db, bus: bus}
}

// Record describes one event to append.
type Record struct {
	InstitutionID int64
	AggregateType models.AggregateType
	AggregateID   int64
	Action        string
	Actor         models.Actor
	FromState     string
	ToState       string
	Payload       interface{}
	IsSuccessful  bool
	ErrorMessage  string
	Forced        bool
	Timestamp     time.Time

	// ExpectedPrevious, when non-nil, is the aggregate sequence the
	// caller last observed. The append fails with CONCURRENT_WRITE if
	// another event landed in between.
	ExpectedPrevious *int64
}

// Append writes one event row inside q and returns the stored event.
// The sequence number is assigned under the caller's aggregate lock; a
// CONCURRENT_WRITE error means the lock discipline was violated.
func (l *Log) Append(ctx context.Context, q database.Querier, rec Record) (*models.DomainEvent, error) {
	var payload json.RawMessage
	if rec.Payload != nil {
		data, err := json.Marshal(rec.Payload)
		if err != nil {
			metrics.EventsAppended.WithLabelValues(string(rec.AggregateType), "error").Inc()
			return nil, models.NewDomainError(models.ErrCodeInternal,
				"marshal event payload").Wrap(err)
		}
		payload = data
	}

	e := &models.DomainEvent{
		InstitutionID: rec.InstitutionID,
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		Action:        rec.Action,
		ActorUserID:   rec.Actor.UserIDPtr(),
		IPAddress:     rec.Actor.IPPtr(),
		Payload:       payload,
		IsSuccessful:  rec.IsSuccessful,
		ErrorMessage:  rec.ErrorMessage,
		Forced:        rec.Forced,
		Timestamp:     rec.Timestamp.UTC(),
	}
	if rec.FromState != "" {
		e.FromState = &rec.FromState
	}
	if rec.ToState != "" {
		e.ToState = &rec.ToState
	}

	if err := l.db.AppendEvent(ctx, q, e, rec.ExpectedPrevious); err != nil {
		metrics.EventsAppended.WithLabelValues(string(rec.AggregateType), "error").Inc()
		return nil, err
	}
	metrics.EventsAppended.WithLabelValues(string(rec.AggregateType), "ok").Inc()
	return e, nil
}

// Publish fans an already-committed event out to subscribers. Callers
// invoke this after their transaction commits; failures are logged and
// counted, never propagated.
func (l *Log) Publish(ctx context.Context, e *models.DomainEvent) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(ctx, e); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		logging.Component("eventlog").Warn().Err(err).
			Str("aggregate_type", string(e.AggregateType)).
			Int64("aggregate_id", e.AggregateID).
			Int64("cursor", e.Cursor).
			Msg("event publish failed")
		return
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
}

// Replay returns an aggregate's full history in sequence order.
func (l *Log) Replay(ctx context.Context, aggType models.AggregateType, aggID int64) ([]*models.DomainEvent, error) {
	return l.db.ListEventsByAggregate(ctx, l.db.Conn(), aggType, aggID, 0)
}

// ReplayFrom returns an aggregate's history starting at fromSeq
// inclusive, so callers holding a partial view fetch only the tail.
func (l *Log) ReplayFrom(ctx context.Context, aggType models.AggregateType, aggID, fromSeq int64) ([]*models.DomainEvent, error) {
	return l.db.ListEventsByAggregate(ctx, l.db.Conn(), aggType, aggID, fromSeq)
}

// Since returns up to limit of the institution's events after the global
// cursor. Reconnecting clients resume their feed from the last cursor
// they acknowledged; events of other institutions are never delivered.
func (l *Log) Since(ctx context.Context, institutionID, cursor int64, limit int) ([]*models.DomainEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return l.db.ListEventsSince(ctx, l.db.Conn(), institutionID, cursor, limit)
}
