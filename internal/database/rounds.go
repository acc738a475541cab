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

const roundColumns = `id, session_id, round_number, petitioner_id,
	respondent_id, judge_id, state, previous_state, time_limit_seconds,
	phase_started_at, pause_accumulated_seconds, version, created_at,
	state_updated_at, completed_at, cancelled_at`

// scopedRoundColumns is roundColumns qualified for the rounds/sessions
// join used by tenant-scoped reads.
const scopedRoundColumns = `r.id, r.session_id, r.round_number, r.petitioner_id,
	r.respondent_id, r.judge_id, r.state, r.previous_state, r.time_limit_seconds,
	r.phase_started_at, r.pause_accumulated_seconds, r.version, r.created_at,
	r.state_updated_at, r.completed_at, r.cancelled_at`

// InsertRound writes a new round row.
func (db *DB) InsertRound(ctx context.Context, q Querier, r *models.Round) error {
	var prevState sql.NullString
	if r.PreviousState != nil {
		prevState = sql.NullString{String: string(*r.PreviousState), Valid: true}
	}

	err := q.QueryRowContext(ctx, `INSERT INTO rounds (
			id, session_id, round_number, petitioner_id, respondent_id,
			judge_id, state, previous_state, time_limit_seconds,
			phase_started_at, pause_accumulated_seconds, version,
			created_at, state_updated_at
		) VALUES (nextval('seq_rounds'), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		r.SessionID, r.RoundNumber, r.PetitionerID, r.RespondentID,
		r.JudgeID, string(r.State), prevState, r.TimeLimitSeconds,
		nullTime(r.PhaseStartedAt), r.PauseAccumulatedSeconds, r.Version,
		r.CreatedAt, r.StateUpdatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

// GetRound loads a round by id within an institution. Rounds carry no
// institution column; the tenant filter goes through the owning session,
// and a cross-tenant id reads as absent.
func (db *DB) GetRound(ctx context.Context, q Querier, institutionID, id int64) (*models.Round, error) {
	row := q.QueryRowContext(ctx, `SELECT `+scopedRoundColumns+`
		FROM rounds r JOIN sessions s ON s.id = r.session_id
		WHERE r.id = ? AND s.institution_id = ?`, id, institutionID)
	return scanRound(row)
}

// GetRoundAnyInstitution loads a round and its owning institution with
// no tenant filter. Reserved for system paths that hold only a round id
// (the turn sweeper, lazy timer expiry).
func (db *DB) GetRoundAnyInstitution(ctx context.Context, q Querier, id int64) (*models.Round, int64, error) {
	row := q.QueryRowContext(ctx, `SELECT `+scopedRoundColumns+`, s.institution_id
		FROM rounds r JOIN sessions s ON s.id = r.session_id
		WHERE r.id = ?`, id)

	var institutionID int64
	r, err := scanRoundWith(row, &institutionID)
	if err != nil {
		return nil, 0, err
	}
	return r, institutionID, nil
}

// ListRoundsBySession returns a session's rounds in round-number order.
func (db *DB) ListRoundsBySession(ctx context.Context, q Querier, sessionID int64) ([]*models.Round, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+roundColumns+`
		FROM rounds WHERE session_id = ? ORDER BY round_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer closeQuietly(rows)

	var out []*models.Round
	for rows.Next() {
		r, err := scanRoundFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountIncompleteRounds counts rounds not yet in a terminal state. The
// session completion guard and leaderboard freezes require zero.
func (db *DB) CountIncompleteRounds(ctx context.Context, q Querier, sessionID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM rounds
		WHERE session_id = ? AND state NOT IN ('COMPLETED', 'CANCELLED')`,
		sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count incomplete rounds: %w", err)
	}
	return n, nil
}

// UpdateRoundState applies a state change with an optimistic version
// guard, mirroring UpdateSessionState.
func (db *DB) UpdateRoundState(ctx context.Context, q Querier, r *models.Round, expectedVersion int64) error {
	var prevState sql.NullString
	if r.PreviousState != nil {
		prevState = sql.NullString{String: string(*r.PreviousState), Valid: true}
	}

	res, err := q.ExecContext(ctx, `UPDATE rounds SET
			state = ?, previous_state = ?, phase_started_at = ?,
			pause_accumulated_seconds = ?, version = version + 1,
			state_updated_at = ?, completed_at = ?, cancelled_at = ?
		WHERE id = ? AND version = ?`,
		string(r.State), prevState, nullTime(r.PhaseStartedAt),
		r.PauseAccumulatedSeconds, r.StateUpdatedAt,
		nullTime(r.CompletedAt), nullTime(r.CancelledAt),
		r.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update round state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update round state: rows affected: %w", err)
	}
	if n == 0 {
		return models.NewDomainError(models.ErrCodeConcurrentModification,
			fmt.Sprintf("round %d version changed", r.ID))
	}
	r.Version = expectedVersion + 1
	return nil
}

// TouchRoundTimer updates only the round's timer bookkeeping.
func (db *DB) TouchRoundTimer(ctx context.Context, q Querier, id int64, pauseAccumulated int, phaseStartedAt *time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE rounds SET
			pause_accumulated_seconds = ?, phase_started_at = ?
		WHERE id = ?`, pauseAccumulated, nullTime(phaseStartedAt), id)
	if err != nil {
		return fmt.Errorf("touch round timer: %w", err)
	}
	return nil
}

func scanRound(row *sql.Row) (*models.Round, error) {
	r, err := scanRoundFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound("round", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scan round: %w", err)
	}
	return r, nil
}

func scanRoundWith(row *sql.Row, institutionID *int64) (*models.Round, error) {
	r, err := scanRoundFrom(row, institutionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound("round", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scan round: %w", err)
	}
	return r, nil
}

func scanRoundFrom(sc rowScanner, extra ...interface{}) (*models.Round, error) {
	var r models.Round
	var prevState sql.NullString
	var phaseStarted, completedAt, cancelledAt sql.NullTime

	dest := []interface{}{&r.ID, &r.SessionID, &r.RoundNumber, &r.PetitionerID,
		&r.RespondentID, &r.JudgeID, (*string)(&r.State), &prevState,
		&r.TimeLimitSeconds, &phaseStarted, &r.PauseAccumulatedSeconds,
		&r.Version, &r.CreatedAt, &r.StateUpdatedAt, &completedAt, &cancelledAt}
	dest = append(dest, extra...)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}

	if prevState.Valid {
		ps := models.RoundState(prevState.String)
		r.PreviousState = &ps
	}
	r.PhaseStartedAt = timePtr(phaseStarted)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	r.CreatedAt = r.CreatedAt.UTC()
	r.StateUpdatedAt = r.StateUpdatedAt.UTC()
	return &r, nil
}
