// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/gavelworks/oyez/internal/database"
)

// DuckDBStore persists audit events to the shared DuckDB database, in a
// table separate from the domain event log.
type DuckDBStore struct {
	db *database.DB
}

// NewDuckDBStore creates the table if missing and returns the store.
func NewDuckDBStore(ctx context.Context, db *database.DB) (*DuckDBStore, error) {
	_, err := db.Conn().ExecContext(ctx, `CREATE TABLE IF NOT EXISTS audit_events (
		id VARCHAR PRIMARY KEY,
		event_type VARCHAR NOT NULL,
		outcome VARCHAR NOT NULL,
		timestamp_utc TIMESTAMP NOT NULL,
		institution_id BIGINT NOT NULL DEFAULT 0,
		actor_user_id BIGINT NOT NULL DEFAULT 0,
		actor_role VARCHAR NOT NULL DEFAULT '',
		ip_address VARCHAR NOT NULL DEFAULT '',
		request_id VARCHAR NOT NULL DEFAULT '',
		action VARCHAR NOT NULL,
		target_kind VARCHAR NOT NULL DEFAULT '',
		target_id BIGINT NOT NULL DEFAULT 0,
		description VARCHAR NOT NULL DEFAULT '',
		metadata VARCHAR NOT NULL DEFAULT '{}'
	)`)
	if err != nil {
		return nil, fmt.Errorf("create audit table: %w", err)
	}
	return &DuckDBStore{db: db}, nil
}

// Save inserts one audit row.
func (s *DuckDBStore) Save(ctx context.Context, e *Event) error {
	metadata := "{}"
	if len(e.Metadata) > 0 {
		metadata = string(e.Metadata)
	}

	_, err := s.db.Conn().ExecContext(ctx, `INSERT INTO audit_events (
			id, event_type, outcome, timestamp_utc, institution_id,
			actor_user_id, actor_role, ip_address, request_id, action,
			target_kind, target_id, description, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), string(e.Outcome), e.Timestamp,
		e.InstitutionID, e.ActorUserID, e.ActorRole, e.IPAddress,
		e.RequestID, e.Action, e.TargetKind, e.TargetID, e.Description,
		metadata)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query reads matching events, most recent first.
func (s *DuckDBStore) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	where, args := buildWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.Conn().QueryContext(ctx, `SELECT id, event_type,
			outcome, timestamp_utc, institution_id, actor_user_id, actor_role,
			ip_address, request_id, action, target_kind, target_id,
			description, metadata
		FROM audit_events`+where+` ORDER BY timestamp_utc DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var e Event
		var metadata string
		err := rows.Scan(&e.ID, (*string)(&e.Type), (*string)(&e.Outcome),
			&e.Timestamp, &e.InstitutionID, &e.ActorUserID, &e.ActorRole,
			&e.IPAddress, &e.RequestID, &e.Action, &e.TargetKind,
			&e.TargetID, &e.Description, &metadata)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Metadata = []byte(metadata)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of matching events.
func (s *DuckDBStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	where, args := buildWhere(filter)
	var n int64
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT count(*) FROM audit_events`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

func buildWhere(filter QueryFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.InstitutionID != 0 {
		clauses = append(clauses, "institution_id = ?")
		args = append(args, filter.InstitutionID)
	}
	if filter.ActorUserID != 0 {
		clauses = append(clauses, "actor_user_id = ?")
		args = append(args, filter.ActorUserID)
	}
	if filter.IPAddress != "" {
		clauses = append(clauses, "ip_address = ?")
		args = append(args, filter.IPAddress)
	}
	if filter.TargetKind != "" {
		clauses = append(clauses, "target_kind = ?")
		args = append(args, filter.TargetKind)
	}
	if filter.TargetID != 0 {
		clauses = append(clauses, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if filter.StartTime != nil {
		clauses = append(clauses, "timestamp_utc >= ?")
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		clauses = append(clauses, "timestamp_utc <= ?")
		args = append(args, *filter.EndTime)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
