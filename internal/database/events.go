// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gavelworks/oyez/internal/models"
)

const eventColumns = `cursor, institution_id, aggregate_type, aggregate_id,
	sequence_number, action, actor_user_id, from_state, to_state, payload,
	ip_address, is_successful, error_message, forced, timestamp_utc`

// AppendEvent writes one event row at the aggregate's next sequence
// number and fills in Cursor and SequenceNumber. Must run inside the
// transaction of the mutation it records, under the aggregate's lock, so
// the sequence stays contiguous. A non-nil expectedPrevious is an
// optimistic check: the append fails with CONCURRENT_WRITE unless it
// matches the aggregate's current head sequence.
func (db *DB) AppendEvent(ctx context.Context, q Querier, e *models.DomainEvent, expectedPrevious *int64) error {
	var seq int64
	err := q.QueryRowContext(ctx, `SELECT coalesce(max(sequence_number), 0) + 1
		FROM domain_events WHERE aggregate_type = ? AND aggregate_id = ?`,
		string(e.AggregateType), e.AggregateID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next event sequence: %w", err)
	}
	if expectedPrevious != nil && *expectedPrevious != seq-1 {
		return models.NewDomainError(models.ErrCodeConcurrentWrite,
			fmt.Sprintf("%s %d is at sequence %d, caller expected %d",
				e.AggregateType, e.AggregateID, seq-1, *expectedPrevious))
	}
	e.SequenceNumber = seq

	var actor sql.NullInt64
	if e.ActorUserID != nil {
		actor = sql.NullInt64{Int64: *e.ActorUserID, Valid: true}
	}
	var fromState, toState, ip sql.NullString
	if e.FromState != nil {
		fromState = sql.NullString{String: *e.FromState, Valid: true}
	}
	if e.ToState != nil {
		toState = sql.NullString{String: *e.ToState, Valid: true}
	}
	if e.IPAddress != nil {
		ip = sql.NullString{String: *e.IPAddress, Valid: true}
	}
	payload := "{}"
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}

	err = q.QueryRowContext(ctx, `INSERT INTO domain_events (
			cursor, institution_id, aggregate_type, aggregate_id,
			sequence_number, action, actor_user_id, from_state, to_state,
			payload, ip_address, is_successful, error_message, forced,
			timestamp_utc
		) VALUES (nextval('seq_event_cursor'), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING cursor`,
		e.InstitutionID, string(e.AggregateType), e.AggregateID,
		e.SequenceNumber, e.Action, actor, fromState, toState, payload, ip,
		e.IsSuccessful, e.ErrorMessage, e.Forced, e.Timestamp,
	).Scan(&e.Cursor)
	if err != nil {
		if IsUniqueViolation(err) {
			return models.NewDomainError(models.ErrCodeConcurrentWrite,
				fmt.Sprintf("event sequence %d for %s %d already taken",
					e.SequenceNumber, e.AggregateType, e.AggregateID)).Wrap(err)
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEventsByAggregate replays an aggregate's events in sequence order,
// starting at fromSeq inclusive. fromSeq <= 1 replays from the start.
func (db *DB) ListEventsByAggregate(ctx context.Context, q Querier, aggType models.AggregateType, aggID, fromSeq int64) ([]*models.DomainEvent, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+eventColumns+`
		FROM domain_events WHERE aggregate_type = ? AND aggregate_id = ?
		  AND sequence_number >= ?
		ORDER BY sequence_number`, string(aggType), aggID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("list events by aggregate: %w", err)
	}
	return collectEvents(rows)
}

// ListEventsSince streams one institution's events after a global cursor
// position, up to limit rows. Cursor order is delivery order, not causal
// order across aggregates.
func (db *DB) ListEventsSince(ctx context.Context, q Querier, institutionID, cursor int64, limit int) ([]*models.DomainEvent, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+eventColumns+`
		FROM domain_events WHERE institution_id = ? AND cursor > ?
		ORDER BY cursor LIMIT ?`, institutionID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("list events since cursor: %w", err)
	}
	return collectEvents(rows)
}

// CountSuccessfulTransitions counts recorded successful state changes of
// an aggregate. The invariant checked by tests: count equals version-1.
func (db *DB) CountSuccessfulTransitions(ctx context.Context, q Querier, aggType models.AggregateType, aggID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM domain_events
		WHERE aggregate_type = ? AND aggregate_id = ?
		  AND action = ? AND is_successful`,
		string(aggType), aggID, models.ActionStateTransition).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transitions: %w", err)
	}
	return n, nil
}

func collectEvents(rows *sql.Rows) ([]*models.DomainEvent, error) {
	defer closeQuietly(rows)

	var out []*models.DomainEvent
	for rows.Next() {
		var e models.DomainEvent
		var actor sql.NullInt64
		var fromState, toState, ip sql.NullString
		var payload string

		err := rows.Scan(&e.Cursor, &e.InstitutionID, (*string)(&e.AggregateType),
			&e.AggregateID, &e.SequenceNumber, &e.Action, &actor, &fromState,
			&toState, &payload, &ip, &e.IsSuccessful, &e.ErrorMessage,
			&e.Forced, &e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		if actor.Valid {
			id := actor.Int64
			e.ActorUserID = &id
		}
		if fromState.Valid {
			s := fromState.String
			e.FromState = &s
		}
		if toState.Valid {
			s := toState.String
			e.ToState = &s
		}
		if ip.Valid {
			s := ip.String
			e.IPAddress = &s
		}
		e.Payload = []byte(payload)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}
