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

const evaluationColumns = `id, institution_id, round_id, judge_id,
	participant_id, rubric_version_id, scores, total_score, remarks,
	is_draft, is_final, finalized_at, created_at, updated_at`

// InsertJudgeAssignment links a judge to a round. A unique violation on
// (judge_id, round_id) means the assignment already exists.
func (db *DB) InsertJudgeAssignment(ctx context.Context, q Querier, a *models.JudgeAssignment) error {
	err := q.QueryRowContext(ctx, `INSERT INTO judge_assignments (
			id, institution_id, judge_id, round_id, is_blind, assigned_at
		) VALUES (nextval('seq_judge_assignments'), ?, ?, ?, ?, ?)
		RETURNING id`,
		a.InstitutionID, a.JudgeID, a.RoundID, a.IsBlind, a.AssignedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert judge assignment: %w", err)
	}
	return nil
}

// GetJudgeAssignment loads the assignment linking a judge to a round.
// Used as the authorization gate for every evaluation write.
func (db *DB) GetJudgeAssignment(ctx context.Context, q Querier, judgeID, roundID int64) (*models.JudgeAssignment, error) {
	var a models.JudgeAssignment
	err := q.QueryRowContext(ctx, `SELECT id, institution_id, judge_id,
			round_id, is_blind, assigned_at
		FROM judge_assignments WHERE judge_id = ? AND round_id = ?`,
		judgeID, roundID).
		Scan(&a.ID, &a.InstitutionID, &a.JudgeID, &a.RoundID, &a.IsBlind, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound("judge assignment", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scan judge assignment: %w", err)
	}
	a.AssignedAt = a.AssignedAt.UTC()
	return &a, nil
}

// InsertEvaluation writes a new draft evaluation.
func (db *DB) InsertEvaluation(ctx context.Context, q Querier, e *models.JudgeEvaluation) error {
	scores, err := json.Marshal(e.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}

	err = q.QueryRowContext(ctx, `INSERT INTO judge_evaluations (
			id, institution_id, round_id, judge_id, participant_id,
			rubric_version_id, scores, total_score, remarks, is_draft,
			is_final, finalized_at, created_at, updated_at
		) VALUES (nextval('seq_judge_evaluations'), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		e.InstitutionID, e.RoundID, e.JudgeID, e.ParticipantID,
		e.RubricVersionID, string(scores), e.TotalScore, e.Remarks,
		e.IsDraft, e.IsFinal, nullTime(e.FinalizedAt), e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// GetEvaluation loads the evaluation a judge holds on one speaker in a
// round.
func (db *DB) GetEvaluation(ctx context.Context, q Querier, roundID, judgeID, participantID int64) (*models.JudgeEvaluation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+evaluationColumns+`
		FROM judge_evaluations
		WHERE round_id = ? AND judge_id = ? AND participant_id = ?`,
		roundID, judgeID, participantID)
	return scanEvaluation(row)
}

// GetEvaluationByID loads an evaluation within an institution.
func (db *DB) GetEvaluationByID(ctx context.Context, q Querier, institutionID, id int64) (*models.JudgeEvaluation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+evaluationColumns+`
		FROM judge_evaluations WHERE institution_id = ? AND id = ?`,
		institutionID, id)
	return scanEvaluation(row)
}

// UpdateEvaluationDraft rewrites a draft's scores and remarks. The guard
// on is_final enforces immutability after finalization: a locked row
// affects zero rows and the caller surfaces EVALUATION_LOCKED.
func (db *DB) UpdateEvaluationDraft(ctx context.Context, q Querier, e *models.JudgeEvaluation) error {
	scores, err := json.Marshal(e.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}

	res, err := q.ExecContext(ctx, `UPDATE judge_evaluations SET
			scores = ?, total_score = ?, remarks = ?, updated_at = ?
		WHERE id = ? AND NOT is_final`,
		string(scores), e.TotalScore, e.Remarks, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("update evaluation draft: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update evaluation draft: rows affected: %w", err)
	}
	if n == 0 {
		return models.NewDomainError(models.ErrCodeEvaluationLocked,
			fmt.Sprintf("evaluation %d is finalized", e.ID))
	}
	return nil
}

// FinalizeEvaluation flips a draft to final. Finalizing an already-final
// row affects zero rows; the caller treats that as an idempotent no-op.
func (db *DB) FinalizeEvaluation(ctx context.Context, q Querier, id int64, finalizedAt time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE judge_evaluations SET
			is_draft = FALSE, is_final = TRUE, finalized_at = ?, updated_at = ?
		WHERE id = ? AND NOT is_final`, finalizedAt, finalizedAt, id)
	if err != nil {
		return false, fmt.Errorf("finalize evaluation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize evaluation: rows affected: %w", err)
	}
	return n > 0, nil
}

// ListFinalEvaluationsBySession returns every finalized evaluation across
// a session's rounds. Input to freezing and aggregation.
func (db *DB) ListFinalEvaluationsBySession(ctx context.Context, q Querier, sessionID int64) ([]*models.JudgeEvaluation, error) {
	rows, err := q.QueryContext(ctx, `SELECT e.id, e.institution_id,
			e.round_id, e.judge_id, e.participant_id, e.rubric_version_id,
			e.scores, e.total_score, e.remarks, e.is_draft, e.is_final,
			e.finalized_at, e.created_at, e.updated_at
		FROM judge_evaluations e
		JOIN rounds r ON r.id = e.round_id
		WHERE r.session_id = ? AND e.is_final
		ORDER BY e.participant_id, e.round_id, e.judge_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list final evaluations: %w", err)
	}
	defer closeQuietly(rows)

	var out []*models.JudgeEvaluation
	for rows.Next() {
		e, err := scanEvaluationFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountUnevaluatedSpeakers counts speaker slots of the session's
// completed rounds that have no finalized evaluation yet. Zero means
// every argued position has been scored; the JUDGING to COMPLETED
// transition requires that.
func (db *DB) CountUnevaluatedSpeakers(ctx context.Context, q Querier, sessionID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM (
			SELECT r.id AS round_id, r.petitioner_id AS participant_id
			FROM rounds r WHERE r.session_id = ? AND r.state = 'COMPLETED'
			UNION ALL
			SELECT r.id, r.respondent_id
			FROM rounds r WHERE r.session_id = ? AND r.state = 'COMPLETED'
			  AND r.respondent_id <> ?
		) sp
		WHERE NOT EXISTS (
			SELECT 1 FROM judge_evaluations e
			WHERE e.round_id = sp.round_id
			  AND e.participant_id = sp.participant_id
			  AND e.is_final
		)`, sessionID, sessionID, models.SyntheticOpponent).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unevaluated speakers: %w", err)
	}
	return n, nil
}

// CountDraftEvaluationsBySession counts unfinalized evaluations in a
// session. A freeze requires this to be zero.
func (db *DB) CountDraftEvaluationsBySession(ctx context.Context, q Querier, sessionID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*)
		FROM judge_evaluations e
		JOIN rounds r ON r.id = e.round_id
		WHERE r.session_id = ? AND NOT e.is_final`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count draft evaluations: %w", err)
	}
	return n, nil
}

func scanEvaluation(row *sql.Row) (*models.JudgeEvaluation, error) {
	e, err := scanEvaluationFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound("evaluation", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scan evaluation: %w", err)
	}
	return e, nil
}

func scanEvaluationFrom(sc rowScanner) (*models.JudgeEvaluation, error) {
	var e models.JudgeEvaluation
	var scores string
	var finalizedAt sql.NullTime

	err := sc.Scan(&e.ID, &e.InstitutionID, &e.RoundID, &e.JudgeID,
		&e.ParticipantID, &e.RubricVersionID, &scores, &e.TotalScore,
		&e.Remarks, &e.IsDraft, &e.IsFinal, &finalizedAt, &e.CreatedAt,
		&e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scores), &e.Scores); err != nil {
		return nil, fmt.Errorf("unmarshal scores: %w", err)
	}
	e.FinalizedAt = timePtr(finalizedAt)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}
