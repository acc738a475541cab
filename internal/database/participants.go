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

const participantColumns = `id, session_id, user_id, side, speaker_number,
	joined_at, connection_status, last_seen_at, is_active`

// InsertParticipant writes a new participant row. A unique violation on
// (session_id, side, speaker_number) indicates a lost race; the caller
// surfaces RACE_CONDITION.
func (db *DB) InsertParticipant(ctx context.Context, q Querier, p *models.Participant) error {
	var side sql.NullString
	if p.Side != nil {
		side = sql.NullString{String: string(*p.Side), Valid: true}
	}
	var speaker sql.NullInt64
	if p.SpeakerNumber != nil {
		speaker = sql.NullInt64{Int64: int64(*p.SpeakerNumber), Valid: true}
	}

	err := q.QueryRowContext(ctx, `INSERT INTO participants (
			id, session_id, user_id, side, speaker_number, joined_at,
			connection_status, last_seen_at, is_active
		) VALUES (nextval('seq_participants'), ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		p.SessionID, p.UserID, side, speaker, p.JoinedAt,
		string(p.Connection), p.LastSeenAt, p.IsActive,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

// GetParticipant loads a participant by (session, user), the idempotency
// key for joins.
func (db *DB) GetParticipant(ctx context.Context, q Querier, sessionID, userID int64) (*models.Participant, error) {
	row := q.QueryRowContext(ctx, `SELECT `+participantColumns+`
		FROM participants WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	return scanParticipant(row)
}

// GetParticipantByID loads a participant by primary key.
func (db *DB) GetParticipantByID(ctx context.Context, q Querier, id int64) (*models.Participant, error) {
	row := q.QueryRowContext(ctx, `SELECT `+participantColumns+`
		FROM participants WHERE id = ?`, id)
	return scanParticipant(row)
}

// CountSpeakers counts active non-observer participants in a session.
func (db *DB) CountSpeakers(ctx context.Context, q Querier, sessionID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM participants
		WHERE session_id = ? AND is_active AND side IS NOT NULL`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count speakers: %w", err)
	}
	return n, nil
}

// ListParticipants returns all active participants of a session ordered
// by join time.
func (db *DB) ListParticipants(ctx context.Context, q Querier, sessionID int64) ([]*models.Participant, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+participantColumns+`
		FROM participants WHERE session_id = ? AND is_active
		ORDER BY joined_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer closeQuietly(rows)

	var out []*models.Participant
	for rows.Next() {
		p, err := scanParticipantRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateConnectionStatus records presence changes for a participant.
func (db *DB) UpdateConnectionStatus(ctx context.Context, q Querier, participantID int64, status models.ConnectionStatus, seenAt time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE participants
		SET connection_status = ?, last_seen_at = ?
		WHERE id = ?`, string(status), seenAt, participantID)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return nil
}

// DeactivateParticipant soft-removes a participant; rows are never
// deleted.
func (db *DB) DeactivateParticipant(ctx context.Context, q Querier, participantID int64) error {
	_, err := q.ExecContext(ctx, `UPDATE participants SET is_active = FALSE
		WHERE id = ?`, participantID)
	if err != nil {
		return fmt.Errorf("deactivate participant: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanParticipant(row *sql.Row) (*models.Participant, error) {
	p, err := scanParticipantFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound("participant", "")
	}
	return p, err
}

func scanParticipantRows(rows *sql.Rows) (*models.Participant, error) {
	return scanParticipantFrom(rows)
}

func scanParticipantFrom(sc rowScanner) (*models.Participant, error) {
	var p models.Participant
	var side sql.NullString
	var speaker sql.NullInt64

	err := sc.Scan(&p.ID, &p.SessionID, &p.UserID, &side, &speaker,
		&p.JoinedAt, (*string)(&p.Connection), &p.LastSeenAt, &p.IsActive)
	if err != nil {
		return nil, err
	}

	if side.Valid {
		s := models.Side(side.String)
		p.Side = &s
	}
	if speaker.Valid {
		n := int(speaker.Int64)
		p.SpeakerNumber = &n
	}
	p.JoinedAt = p.JoinedAt.UTC()
	p.LastSeenAt = p.LastSeenAt.UTC()
	return &p, nil
}
