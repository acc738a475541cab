// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements creates sequences and tables. Statements are
// idempotent so startup can run them unconditionally.
//
// The "one non-terminal session per faculty" rule needs a partial unique
// index, which DuckDB does not support; it is enforced at the domain
// layer under the faculty-scoped lock instead.
var schemaStatements = []string{
	`CREATE SEQUENCE IF NOT EXISTS seq_sessions START 1`,
	`CREATE SEQUENCE IF NOT EXISTS seq_participants START 1`,
	`CREATE SEQUENCE IF NOT EXISTS seq_rounds START 1`,
	`CREATE SEQUENCE IF NOT EXISTS seq_turns START 1`,
	`CREATE SEQUENCE IF NOT EXISTS seq_rubric_versions START 1`,
	`CREATE SEQUENCE IF NOT EXISTS seq_judge_assignments START 1`,
	`CREATE SEQUENCE IF NOT EXISTS seq_judge_evaluations START 1`,
	`CREATE SEQUENCE IF NOT EXISTS seq_snapshots START 1`,
	`CREATE SEQUENCE IF NOT EXISTS seq_snapshot_entries START 1`,
	`CREATE SEQUENCE IF NOT EXISTS seq_event_cursor START 1`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id BIGINT PRIMARY KEY,
		institution_id BIGINT NOT NULL,
		faculty_id BIGINT NOT NULL,
		session_code VARCHAR NOT NULL UNIQUE,
		state VARCHAR NOT NULL,
		previous_state VARCHAR,
		phase_started_at TIMESTAMP,
		phase_duration_seconds INTEGER,
		pause_accumulated_seconds INTEGER NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		state_updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		CHECK ((phase_started_at IS NULL) = (phase_duration_seconds IS NULL))
	)`,

	`CREATE TABLE IF NOT EXISTS participants (
		id BIGINT PRIMARY KEY,
		session_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		side VARCHAR,
		speaker_number INTEGER,
		joined_at TIMESTAMP NOT NULL,
		connection_status VARCHAR NOT NULL,
		last_seen_at TIMESTAMP NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		UNIQUE (session_id, user_id),
		UNIQUE (session_id, side, speaker_number)
	)`,

	`CREATE TABLE IF NOT EXISTS rounds (
		id BIGINT PRIMARY KEY,
		session_id BIGINT NOT NULL,
		round_number INTEGER NOT NULL,
		petitioner_id BIGINT NOT NULL,
		respondent_id BIGINT NOT NULL,
		judge_id BIGINT NOT NULL,
		state VARCHAR NOT NULL,
		previous_state VARCHAR,
		time_limit_seconds INTEGER NOT NULL,
		phase_started_at TIMESTAMP,
		pause_accumulated_seconds INTEGER NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		state_updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		UNIQUE (session_id, round_number)
	)`,

	`CREATE TABLE IF NOT EXISTS turns (
		id BIGINT PRIMARY KEY,
		round_id BIGINT NOT NULL,
		participant_id BIGINT NOT NULL,
		turn_order INTEGER NOT NULL,
		allowed_seconds INTEGER NOT NULL,
		started_at TIMESTAMP,
		submitted_at TIMESTAMP,
		transcript VARCHAR NOT NULL DEFAULT '',
		is_submitted BOOLEAN NOT NULL DEFAULT FALSE,
		auto_submitted BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (round_id, turn_order),
		UNIQUE (round_id, participant_id)
	)`,

	`CREATE TABLE IF NOT EXISTS rubric_versions (
		id BIGINT PRIMARY KEY,
		institution_id BIGINT NOT NULL,
		name VARCHAR NOT NULL,
		version_number INTEGER NOT NULL,
		criteria VARCHAR NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (institution_id, name, version_number)
	)`,

	`CREATE TABLE IF NOT EXISTS judge_assignments (
		id BIGINT PRIMARY KEY,
		institution_id BIGINT NOT NULL,
		judge_id BIGINT NOT NULL,
		round_id BIGINT NOT NULL,
		is_blind BOOLEAN NOT NULL DEFAULT FALSE,
		assigned_at TIMESTAMP NOT NULL,
		UNIQUE (judge_id, round_id)
	)`,

	`CREATE TABLE IF NOT EXISTS judge_evaluations (
		id BIGINT PRIMARY KEY,
		institution_id BIGINT NOT NULL,
		round_id BIGINT NOT NULL,
		judge_id BIGINT NOT NULL,
		participant_id BIGINT NOT NULL,
		rubric_version_id BIGINT NOT NULL,
		scores VARCHAR NOT NULL,
		total_score DOUBLE NOT NULL,
		remarks VARCHAR NOT NULL DEFAULT '',
		is_draft BOOLEAN NOT NULL DEFAULT TRUE,
		is_final BOOLEAN NOT NULL DEFAULT FALSE,
		finalized_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (round_id, judge_id, participant_id),
		CHECK (NOT (is_draft AND is_final))
	)`,

	`CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
		id BIGINT PRIMARY KEY,
		institution_id BIGINT NOT NULL,
		session_id BIGINT NOT NULL UNIQUE,
		frozen_at TIMESTAMP NOT NULL,
		frozen_by_user_id BIGINT NOT NULL,
		rubric_version_id BIGINT NOT NULL,
		total_participants INTEGER NOT NULL,
		checksum_hash VARCHAR NOT NULL,
		is_pending_approval BOOLEAN NOT NULL DEFAULT FALSE,
		is_finalized BOOLEAN NOT NULL DEFAULT FALSE,
		is_published BOOLEAN NOT NULL DEFAULT FALSE,
		is_invalidated BOOLEAN NOT NULL DEFAULT FALSE,
		invalidation_reason VARCHAR NOT NULL DEFAULT '',
		publication_mode VARCHAR NOT NULL DEFAULT 'DRAFT',
		publication_date TIMESTAMP,
		published_at TIMESTAMP,
		approved_by_user_id BIGINT,
		finalized_at TIMESTAMP,
		pending_requested_at TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS leaderboard_entries (
		id BIGINT PRIMARY KEY,
		snapshot_id BIGINT NOT NULL,
		participant_id BIGINT NOT NULL,
		side VARCHAR,
		speaker_number INTEGER,
		total_score DOUBLE NOT NULL,
		tie_breaker_score DOUBLE NOT NULL,
		rank INTEGER NOT NULL,
		score_breakdown VARCHAR NOT NULL DEFAULT '{}',
		evaluation_ids VARCHAR NOT NULL DEFAULT '[]',
		UNIQUE (snapshot_id, participant_id),
		UNIQUE (snapshot_id, rank, participant_id)
	)`,

	`CREATE TABLE IF NOT EXISTS domain_events (
		cursor BIGINT PRIMARY KEY,
		institution_id BIGINT NOT NULL,
		aggregate_type VARCHAR NOT NULL,
		aggregate_id BIGINT NOT NULL,
		sequence_number BIGINT NOT NULL,
		action VARCHAR NOT NULL,
		actor_user_id BIGINT,
		from_state VARCHAR,
		to_state VARCHAR,
		payload VARCHAR NOT NULL DEFAULT '{}',
		ip_address VARCHAR,
		is_successful BOOLEAN NOT NULL,
		error_message VARCHAR NOT NULL DEFAULT '',
		forced BOOLEAN NOT NULL DEFAULT FALSE,
		timestamp_utc TIMESTAMP NOT NULL,
		UNIQUE (aggregate_type, aggregate_id, sequence_number)
	)`,

	`CREATE TABLE IF NOT EXISTS state_transitions (
		aggregate_kind VARCHAR NOT NULL,
		from_state VARCHAR NOT NULL,
		to_state VARCHAR NOT NULL,
		trigger_type VARCHAR NOT NULL,
		requires_all_evaluations_complete BOOLEAN NOT NULL DEFAULT FALSE,
		requires_faculty BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (aggregate_kind, from_state, to_state)
	)`,
}

// initSchema creates all sequences and tables.
func (db *DB) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// TransitionRule is one row of the data-driven transition table.
type TransitionRule struct {
	AggregateKind                  string
	FromState                      string
	ToState                        string
	TriggerType                    string
	RequiresAllEvaluationsComplete bool
	RequiresFaculty                bool
}

// SeedTransitions replaces the transition table contents with the given
// canonical rule set. Called once at startup by the state machine.
func (db *DB) SeedTransitions(ctx context.Context, rules []TransitionRule) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM state_transitions`); err != nil {
			return fmt.Errorf("clear transition table: %w", err)
		}
		for _, r := range rules {
			_, err := tx.ExecContext(ctx, `INSERT INTO state_transitions
				(aggregate_kind, from_state, to_state, trigger_type,
				 requires_all_evaluations_complete, requires_faculty)
				VALUES (?, ?, ?, ?, ?, ?)`,
				r.AggregateKind, r.FromState, r.ToState, r.TriggerType,
				r.RequiresAllEvaluationsComplete, r.RequiresFaculty)
			if err != nil {
				return fmt.Errorf("seed transition %s %s->%s: %w",
					r.AggregateKind, r.FromState, r.ToState, err)
			}
		}
		return nil
	})
}

// LoadTransitions reads the full transition table.
func (db *DB) LoadTransitions(ctx context.Context) ([]TransitionRule, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT aggregate_kind, from_state,
		to_state, trigger_type, requires_all_evaluations_complete, requires_faculty
		FROM state_transitions`)
	if err != nil {
		return nil, fmt.Errorf("load transition table: %w", err)
	}
	defer closeQuietly(rows)

	var rules []TransitionRule
	for rows.Next() {
		var r TransitionRule
		if err := rows.Scan(&r.AggregateKind, &r.FromState, &r.ToState,
			&r.TriggerType, &r.RequiresAllEvaluationsComplete, &r.RequiresFaculty); err != nil {
			return nil, fmt.Errorf("scan transition rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
