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

	"github.com/goccy/go-json"

	"github.com/gavelworks/oyez/internal/models"
)

const snapshotColumns = `id, institution_id, session_id, frozen_at,
	frozen_by_user_id, rubric_version_id, total_participants, checksum_hash,
	is_pending_approval, is_finalized, is_published, is_invalidated,
	invalidation_reason, publication_mode, publication_date, published_at,
	approved_by_user_id, finalized_at, pending_requested_at`

// InsertSnapshot writes a frozen leaderboard snapshot. A unique violation
// on session_id means the session is already frozen; the caller surfaces
// ALREADY_FROZEN.
func (db *DB) InsertSnapshot(ctx context.Context, q Querier, s *models.LeaderboardSnapshot) error {
	var approvedBy sql.NullInt64
	if s.ApprovedByUserID != nil {
		approvedBy = sql.NullInt64{Int64: *s.ApprovedByUserID, Valid: true}
	}

	err := q.QueryRowContext(ctx, `INSERT INTO leaderboard_snapshots (
			id, institution_id, session_id, frozen_at, frozen_by_user_id,
			rubric_version_id, total_participants, checksum_hash,
			is_pending_approval, is_finalized, is_published, is_invalidated,
			invalidation_reason, publication_mode, publication_date,
			published_at, approved_by_user_id, finalized_at, pending_requested_at
		) VALUES (nextval('seq_snapshots'), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		s.InstitutionID, s.SessionID, s.FrozenAt, s.FrozenByUserID,
		s.RubricVersionID, s.TotalParticipants, s.ChecksumHash,
		s.IsPendingApproval, s.IsFinalized, s.IsPublished, s.IsInvalidated,
		s.InvalidationReason, string(s.PublicationMode),
		nullTime(s.PublicationDate), nullTime(s.PublishedAt),
		approvedBy, nullTime(s.FinalizedAt), nullTime(s.PendingRequestedAt),
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads a snapshot by id within an institution.
func (db *DB) GetSnapshot(ctx context.Context, q Querier, institutionID, id int64) (*models.LeaderboardSnapshot, error) {
	row := q.QueryRowContext(ctx, `SELECT `+snapshotColumns+`
		FROM leaderboard_snapshots WHERE id = ? AND institution_id = ?`,
		id, institutionID)
	return scanSnapshot(row)
}

// GetSnapshotBySession loads the snapshot frozen for a session.
func (db *DB) GetSnapshotBySession(ctx context.Context, q Querier, institutionID, sessionID int64) (*models.LeaderboardSnapshot, error) {
	row := q.QueryRowContext(ctx, `SELECT `+snapshotColumns+`
		FROM leaderboard_snapshots WHERE session_id = ? AND institution_id = ?`,
		sessionID, institutionID)
	return scanSnapshot(row)
}

// UpdateSnapshotGovernance rewrites only the governance fields. The hash,
// entries and freeze metadata stay immutable.
func (db *DB) UpdateSnapshotGovernance(ctx context.Context, q Querier, s *models.LeaderboardSnapshot) error {
	var approvedBy sql.NullInt64
	if s.ApprovedByUserID != nil {
		approvedBy = sql.NullInt64{Int64: *s.ApprovedByUserID, Valid: true}
	}

	_, err := q.ExecContext(ctx, `UPDATE leaderboard_snapshots SET
			is_pending_approval = ?, is_finalized = ?, is_published = ?,
			is_invalidated = ?, invalidation_reason = ?, publication_mode = ?,
			publication_date = ?, published_at = ?, approved_by_user_id = ?,
			finalized_at = ?, pending_requested_at = ?
		WHERE id = ?`,
		s.IsPendingApproval, s.IsFinalized, s.IsPublished,
		s.IsInvalidated, s.InvalidationReason, string(s.PublicationMode),
		nullTime(s.PublicationDate), nullTime(s.PublishedAt), approvedBy,
		nullTime(s.FinalizedAt), nullTime(s.PendingRequestedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update snapshot governance: %w", err)
	}
	return nil
}

// ListScheduledDueSnapshots finds finalized SCHEDULED snapshots whose
// publication date has arrived. The publication poller flips these to
// published.
func (db *DB) ListScheduledDueSnapshots(ctx context.Context, q Querier, now time.Time) ([]*models.LeaderboardSnapshot, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+snapshotColumns+`
		FROM leaderboard_snapshots
		WHERE is_finalized AND NOT is_published AND NOT is_invalidated
		  AND publication_mode = 'SCHEDULED'
		  AND publication_date IS NOT NULL AND publication_date <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("list scheduled snapshots: %w", err)
	}
	defer closeQuietly(rows)

	var out []*models.LeaderboardSnapshot
	for rows.Next() {
		s, err := scanSnapshotFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertLeaderboardEntries writes a snapshot's ranked entries in one
// batch. Entries are immutable once written.
func (db *DB) InsertLeaderboardEntries(ctx context.Context, q Querier, entries []*models.LeaderboardEntry) error {
	for _, e := range entries {
		var side sql.NullString
		if e.Side != nil {
			side = sql.NullString{String: string(*e.Side), Valid: true}
		}
		var speaker sql.NullInt64
		if e.SpeakerNumber != nil {
			speaker = sql.NullInt64{Int64: int64(*e.SpeakerNumber), Valid: true}
		}
		evalIDs, err := json.Marshal(e.EvaluationIDs)
		if err != nil {
			return fmt.Errorf("marshal evaluation ids: %w", err)
		}
		breakdown := "{}"
		if len(e.ScoreBreakdown) > 0 {
			breakdown = string(e.ScoreBreakdown)
		}

		err = q.QueryRowContext(ctx, `INSERT INTO leaderboard_entries (
				id, snapshot_id, participant_id, side, speaker_number,
				total_score, tie_breaker_score, rank, score_breakdown,
				evaluation_ids
			) VALUES (nextval('seq_snapshot_entries'), ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			e.SnapshotID, e.ParticipantID, side, speaker,
			e.TotalScore, e.TieBreakerScore, e.Rank, breakdown,
			string(evalIDs),
		).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("insert leaderboard entry: %w", err)
		}
	}
	return nil
}

// ListLeaderboardEntries returns a snapshot's entries in rank order.
func (db *DB) ListLeaderboardEntries(ctx context.Context, q Querier, snapshotID int64) ([]*models.LeaderboardEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, snapshot_id, participant_id,
			side, speaker_number, total_score, tie_breaker_score, rank,
			score_breakdown, evaluation_ids
		FROM leaderboard_entries WHERE snapshot_id = ?
		ORDER BY rank, participant_id`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("list leaderboard entries: %w", err)
	}
	defer closeQuietly(rows)

	var out []*models.LeaderboardEntry
	for rows.Next() {
		var e models.LeaderboardEntry
		var side sql.NullString
		var speaker sql.NullInt64
		var breakdown, evalIDs string

		err := rows.Scan(&e.ID, &e.SnapshotID, &e.ParticipantID, &side,
			&speaker, &e.TotalScore, &e.TieBreakerScore, &e.Rank,
			&breakdown, &evalIDs)
		if err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}

		if side.Valid {
			s := models.Side(side.String)
			e.Side = &s
		}
		if speaker.Valid {
			n := int(speaker.Int64)
			e.SpeakerNumber = &n
		}
		e.ScoreBreakdown = json.RawMessage(breakdown)
		if err := json.Unmarshal([]byte(evalIDs), &e.EvaluationIDs); err != nil {
			return nil, fmt.Errorf("unmarshal evaluation ids: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanSnapshot(row *sql.Row) (*models.LeaderboardSnapshot, error) {
	s, err := scanSnapshotFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound("snapshot", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	return s, nil
}

func scanSnapshotFrom(sc rowScanner) (*models.LeaderboardSnapshot, error) {
	var s models.LeaderboardSnapshot
	var pubDate, publishedAt, finalizedAt, pendingAt sql.NullTime
	var approvedBy sql.NullInt64

	err := sc.Scan(&s.ID, &s.InstitutionID, &s.SessionID, &s.FrozenAt,
		&s.FrozenByUserID, &s.RubricVersionID, &s.TotalParticipants,
		&s.ChecksumHash, &s.IsPendingApproval, &s.IsFinalized,
		&s.IsPublished, &s.IsInvalidated, &s.InvalidationReason,
		(*string)(&s.PublicationMode), &pubDate, &publishedAt,
		&approvedBy, &finalizedAt, &pendingAt)
	if err != nil {
		return nil, err
	}

	if approvedBy.Valid {
		id := approvedBy.Int64
		s.ApprovedByUserID = &id
	}
	s.PublicationDate = timePtr(pubDate)
	s.PublishedAt = timePtr(publishedAt)
	s.FinalizedAt = timePtr(finalizedAt)
	s.PendingRequestedAt = timePtr(pendingAt)
	s.FrozenAt = s.FrozenAt.UTC()
	return &s, nil
}
