// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gavelworks/oyez/internal/models"
)

const sessionColumns = `id, institution_id, faculty_id, session_code, state,
	previous_state, phase_started_at, phase_duration_seconds,
	pause_accumulated_seconds, version, created_at, state_updated_at,
	completed_at, cancelled_at`

// InsertSession writes a new session row. The caller supplies a fresh
// session code; a unique violation on it means a collision and the
// caller regenerates.
func (db *DB) InsertSession(ctx context.Context, q Querier, s *models.Session) error {
	var prevState sql.NullString
	if s.PreviousState != nil {
		prevState = sql.NullString{String: string(*s.PreviousState), Valid: true}
	}
	var duration sql.NullInt64
	if s.PhaseDurationSeconds != nil {
		duration = sql.NullInt64{Int64: int64(*s.PhaseDurationSeconds), Valid: true}
	}

	err := q.QueryRowContext(ctx, `INSERT INTO sessions (
			id, institution_id, faculty_id, session_code, state, previous_state,
			phase_started_at, phase_duration_seconds, pause_accumulated_seconds,
			version, created_at, state_updated_at
		) VALUES (nextval('seq_sessions'), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		s.InstitutionID, s.FacultyID, s.SessionCode, string(s.State), prevState,
		nullTime(s.PhaseStartedAt), duration, s.PauseAccumulatedSeconds,
		s.Version, s.CreatedAt, s.StateUpdatedAt,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by id within an institution. Cross-tenant
// lookups report NOT_FOUND.
func (db *DB) GetSession(ctx context.Context, q Querier, institutionID, id int64) (*models.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions WHERE id = ? AND institution_id = ?`, id, institutionID)
	return scanSession(row)
}

// GetSessionByCode loads a session by its join code within an institution.
func (db *DB) GetSessionByCode(ctx context.Context, q Querier, institutionID int64, code string) (*models.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions WHERE session_code = ? AND institution_id = ?`, code, institutionID)
	return scanSession(row)
}

// CountOpenSessionsByFaculty counts the faculty's non-terminal sessions.
// Enforces the one-open-session-per-faculty invariant under the faculty
// lock (DuckDB has no partial unique indexes).
func (db *DB) CountOpenSessionsByFaculty(ctx context.Context, q Querier, institutionID, facultyID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM sessions
		WHERE institution_id = ? AND faculty_id = ?
		  AND state NOT IN ('COMPLETED', 'CANCELLED')`,
		institutionID, facultyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open sessions: %w", err)
	}
	return n, nil
}

// UpdateSessionState applies a state change with an optimistic version
// guard. expectedVersion is the version the caller read; the update
// fails with CONCURRENT_MODIFICATION when the row moved underneath.
func (db *DB) UpdateSessionState(ctx context.Context, q Querier, s *models.Session, expectedVersion int64) error {
	var prevState sql.NullString
	if s.PreviousState != nil {
		prevState = sql.NullString{String: string(*s.PreviousState), Valid: true}
	}
	var duration sql.NullInt64
	if s.PhaseDurationSeconds != nil {
		duration = sql.NullInt64{Int64: int64(*s.PhaseDurationSeconds), Valid: true}
	}

	res, err := q.ExecContext(ctx, `UPDATE sessions SET
			state = ?, previous_state = ?, phase_started_at = ?,
			phase_duration_seconds = ?, pause_accumulated_seconds = ?,
			version = version + 1, state_updated_at = ?,
			completed_at = ?, cancelled_at = ?
		WHERE id = ? AND institution_id = ? AND version = ?`,
		string(s.State), prevState, nullTime(s.PhaseStartedAt), duration,
		s.PauseAccumulatedSeconds, s.StateUpdatedAt,
		nullTime(s.CompletedAt), nullTime(s.CancelledAt),
		s.ID, s.InstitutionID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session state: rows affected: %w", err)
	}
	if n == 0 {
		return models.NewDomainError(models.ErrCodeConcurrentModification,
			fmt.Sprintf("session %d version changed", s.ID))
	}
	s.Version = expectedVersion + 1
	return nil
}

// TouchSessionTimer updates only the timer bookkeeping fields without
// bumping the version (pause accounting during reads).
func (db *DB) TouchSessionTimer(ctx context.Context, q Querier, id int64, pauseAccumulated int, phaseStartedAt *time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE sessions SET
			pause_accumulated_seconds = ?, phase_started_at = ?
		WHERE id = ?`, pauseAccumulated, nullTime(phaseStartedAt), id)
	if err != nil {
		return fmt.Errorf("touch session timer: %w", err)
	}
	return nil
}

// scanSession reads one session row.
func scanSession(row *sql.Row) (*models.Session, error) {
	var s models.Session
	var prevState sql.NullString
	var phaseStarted, completedAt, cancelledAt sql.NullTime
	var duration sql.NullInt64

	err := row.Scan(&s.ID, &s.InstitutionID, &s.FacultyID, &s.SessionCode,
		(*string)(&s.State), &prevState, &phaseStarted, &duration,
		&s.PauseAccumulatedSeconds, &s.Version, &s.CreatedAt,
		&s.StateUpdatedAt, &completedAt, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound("session", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if prevState.Valid {
		ps := models.SessionState(prevState.String)
		s.PreviousState = &ps
	}
	if duration.Valid {
		d := int(duration.Int64)
		s.PhaseDurationSeconds = &d
	}
	s.PhaseStartedAt = timePtr(phaseStarted)
	s.CompletedAt = timePtr(completedAt)
	s.CancelledAt = timePtr(cancelledAt)
	s.CreatedAt = s.CreatedAt.UTC()
	s.StateUpdatedAt = s.StateUpdatedAt.UTC()
	return &s, nil
}
