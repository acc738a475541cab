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

const turnColumns = `id, round_id, participant_id, turn_order,
	allowed_seconds, started_at, submitted_at, transcript, is_submitted,
	auto_submitted`

// InsertTurn writes a new turn row. Turns are pre-created with the round
// in fixed speaking order and started later.
func (db *DB) InsertTurn(ctx context.Context, q Querier, t *models.Turn) error {
	err := q.QueryRowContext(ctx, `INSERT INTO turns (
			id, round_id, participant_id, turn_order, allowed_seconds,
			started_at, submitted_at, transcript, is_submitted, auto_submitted
		) VALUES (nextval('seq_turns'), ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		t.RoundID, t.ParticipantID, t.TurnOrder, t.AllowedSeconds,
		nullTime(t.StartedAt), nullTime(t.SubmittedAt), t.Transcript,
		t.IsSubmitted, t.AutoSubmitted,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// GetTurn loads a turn by id.
func (db *DB) GetTurn(ctx context.Context, q Querier, id int64) (*models.Turn, error) {
	row := q.QueryRowContext(ctx, `SELECT `+turnColumns+`
		FROM turns WHERE id = ?`, id)
	return scanTurn(row)
}

// GetTurnByOrder loads the turn at a given position in the round.
func (db *DB) GetTurnByOrder(ctx context.Context, q Querier, roundID int64, turnOrder int) (*models.Turn, error) {
	row := q.QueryRowContext(ctx, `SELECT `+turnColumns+`
		FROM turns WHERE round_id = ? AND turn_order = ?`, roundID, turnOrder)
	return scanTurn(row)
}

// ListTurnsByRound returns the round's turns in speaking order.
func (db *DB) ListTurnsByRound(ctx context.Context, q Querier, roundID int64) ([]*models.Turn, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+turnColumns+`
		FROM turns WHERE round_id = ? ORDER BY turn_order`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer closeQuietly(rows)

	var out []*models.Turn
	for rows.Next() {
		t, err := scanTurnFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetActiveTurn returns the round's started-but-unsubmitted turn, or
// NOT_FOUND when no turn is in flight.
func (db *DB) GetActiveTurn(ctx context.Context, q Querier, roundID int64) (*models.Turn, error) {
	row := q.QueryRowContext(ctx, `SELECT `+turnColumns+`
		FROM turns WHERE round_id = ? AND started_at IS NOT NULL
		  AND NOT is_submitted ORDER BY turn_order LIMIT 1`, roundID)
	return scanTurn(row)
}

// MarkTurnStarted records the turn's start instant.
func (db *DB) MarkTurnStarted(ctx context.Context, q Querier, id int64, startedAt time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE turns SET started_at = ?
		WHERE id = ? AND started_at IS NULL`, startedAt, id)
	if err != nil {
		return fmt.Errorf("mark turn started: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark turn started: rows affected: %w", err)
	}
	if n == 0 {
		return models.NewDomainError(models.ErrCodeRaceCondition,
			fmt.Sprintf("turn %d already started", id))
	}
	return nil
}

// SubmitTurn records the transcript and closes the turn. The guard on
// is_submitted makes submission first-wins: a second writer (speaker vs
// auto-submit) affects zero rows.
func (db *DB) SubmitTurn(ctx context.Context, q Querier, id int64, transcript string, submittedAt time.Time, auto bool) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE turns SET
			transcript = ?, submitted_at = ?, is_submitted = TRUE,
			auto_submitted = ?
		WHERE id = ? AND NOT is_submitted`,
		transcript, submittedAt, auto, id)
	if err != nil {
		return false, fmt.Errorf("submit turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("submit turn: rows affected: %w", err)
	}
	return n > 0, nil
}

// ListExpiredTurns finds started, unsubmitted turns whose ceiling has
// passed as of now. The sweeper force-submits these.
func (db *DB) ListExpiredTurns(ctx context.Context, q Querier, now time.Time) ([]*models.Turn, error) {
	rows, err := q.QueryContext(ctx, `SELECT t.id, t.round_id,
		t.participant_id, t.turn_order, t.allowed_seconds, t.started_at,
		t.submitted_at, t.transcript, t.is_submitted, t.auto_submitted
		FROM turns t
		JOIN rounds r ON r.id = t.round_id
		WHERE t.started_at IS NOT NULL AND NOT t.is_submitted
		  AND r.state NOT IN ('PAUSED', 'COMPLETED', 'CANCELLED')
		  AND t.started_at + to_seconds(t.allowed_seconds + r.pause_accumulated_seconds) <= ?`,
		now)
	if err != nil {
		return nil, fmt.Errorf("list expired turns: %w", err)
	}
	defer closeQuietly(rows)

	var out []*models.Turn
	for rows.Next() {
		t, err := scanTurnFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTurn(row *sql.Row) (*models.Turn, error) {
	t, err := scanTurnFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound("turn", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	return t, nil
}

func scanTurnFrom(sc rowScanner) (*models.Turn, error) {
	var t models.Turn
	var started, submitted sql.NullTime

	err := sc.Scan(&t.ID, &t.RoundID, &t.ParticipantID, &t.TurnOrder,
		&t.AllowedSeconds, &started, &submitted, &t.Transcript,
		&t.IsSubmitted, &t.AutoSubmitted)
	if err != nil {
		return nil, err
	}

	t.StartedAt = timePtr(started)
	t.SubmittedAt = timePtr(submitted)
	return &t, nil
}
