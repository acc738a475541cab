// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package evaluation produces immutable judge scores under frozen rubric
// versions.
//
// Every evaluation write is gated on a judge assignment; blind
// assignments only ever see identity-stripped artifacts. Finalization is
// first-wins and idempotent: once is_final commits, every later write
// fails with EVALUATION_LOCKED and the stored row is byte-for-byte what
// the leaderboard will cite.
package evaluation

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/eventlog"
	"github.com/gavelworks/oyez/internal/metrics"
	"github.com/gavelworks/oyez/internal/models"
)

// Engine scores rounds.
type Engine struct {
	db  *database.DB
	log *eventlog.Log
}

// New creates the engine.
func New(db *database.DB, log *eventlog.Log) *Engine {
	return &Engine{db: db, log: log}
}

// PrepareBlindView builds the judge's view of a round. For blind
// assignments every identity-bearing field is replaced with an opaque
// handle before the struct leaves this function; raw participant rows
// never reach the caller.
func (e *Engine) PrepareBlindView(ctx context.Context, institutionID, roundID int64, actor models.Actor) (*models.BlindArtifact, error) {
	r, err := e.db.GetRound(ctx, e.db.Conn(), institutionID, roundID)
	if err != nil {
		return nil, err
	}

	assignment, err := e.db.GetJudgeAssignment(ctx, e.db.Conn(), actor.UserID, roundID)
	if err != nil {
		if models.CodeOf(err) == models.ErrCodeNotFound {
			return nil, models.NewDomainError(models.ErrCodeForbidden,
				"no judge assignment for this round")
		}
		return nil, err
	}
	turns, err := e.db.ListTurnsByRound(ctx, e.db.Conn(), roundID)
	if err != nil {
		return nil, err
	}

	artifact := &models.BlindArtifact{
		RoundID:          r.ID,
		RoundNumber:      r.RoundNumber,
		State:            r.State,
		PetitionerHandle: handleFor(assignment, models.SidePetitioner, 1),
		RespondentHandle: handleFor(assignment, models.SideRespondent, 1),
	}

	for _, t := range turns {
		if !t.IsSubmitted {
			continue
		}
		p, err := e.db.GetParticipantByID(ctx, e.db.Conn(), t.ParticipantID)
		if err != nil {
			return nil, err
		}
		artifact.Turns = append(artifact.Turns, models.BlindTurn{
			SpeakerHandle:  handleFor(assignment, *p.Side, *p.SpeakerNumber),
			TurnOrder:      t.TurnOrder,
			Transcript:     t.Transcript,
			ElapsedSeconds: t.ElapsedSeconds(),
			AutoSubmitted:  t.AutoSubmitted,
		})
	}
	return artifact, nil
}

// handleFor renders a speaker label. Blind assignments get opaque
// positional handles; open assignments may carry the slot itself, which
// is already identity-free at this layer.
func handleFor(a *models.JudgeAssignment, side models.Side, speaker int) string {
	if a.IsBlind {
		if side == models.SidePetitioner {
			return fmt.Sprintf("Speaker #%d", speaker)
		}
		return fmt.Sprintf("Speaker #%d", models.MaxSpeakers/2+speaker)
	}
	return fmt.Sprintf("%s %d", side, speaker)
}

// CreateOrUpdate upserts a judge's draft scores for one speaker in a
// round. The judge assignment is the authorization gate; scores are
// validated against the pinned rubric version on every write.
func (e *Engine) CreateOrUpdate(ctx context.Context, institutionID, roundID, participantID, rubricVersionID int64, scores map[string]int, remarks string, actor models.Actor) (*models.JudgeEvaluation, error) {
	if _, err := e.db.GetRound(ctx, e.db.Conn(), institutionID, roundID); err != nil {
		return nil, err
	}
	if _, err := e.db.GetJudgeAssignment(ctx, e.db.Conn(), actor.UserID, roundID); err != nil {
		if models.CodeOf(err) == models.ErrCodeNotFound {
			metrics.Evaluations.WithLabelValues("forbidden").Inc()
			return nil, models.NewDomainError(models.ErrCodeForbidden,
				"no judge assignment for this round")
		}
		return nil, err
	}

	rubric, err := e.db.GetRubricVersion(ctx, e.db.Conn(), institutionID, rubricVersionID)
	if err != nil {
		return nil, err
	}
	if err := rubric.ValidateScores(scores); err != nil {
		metrics.Evaluations.WithLabelValues("invalid").Inc()
		return nil, err
	}

	p, err := e.db.GetParticipantByID(ctx, e.db.Conn(), participantID)
	if err != nil {
		return nil, err
	}
	if p.IsObserver() {
		return nil, models.NewDomainError(models.ErrCodeValidationFailed,
			"observers are not scored")
	}

	total := rubric.TotalScore(scores)

	var result *models.JudgeEvaluation
	err = e.db.Locks().WithLock(ctx, "round", roundID, func() error {
		now, err := e.db.Now(ctx)
		if err != nil {
			return err
		}

		existing, err := e.db.GetEvaluation(ctx, e.db.Conn(), roundID, actor.UserID, participantID)
		if err != nil && models.CodeOf(err) != models.ErrCodeNotFound {
			return err
		}

		if existing != nil {
			if !existing.Mutable() {
				metrics.Evaluations.WithLabelValues("locked").Inc()
				return models.NewDomainError(models.ErrCodeEvaluationLocked,
					fmt.Sprintf("evaluation %d is finalized", existing.ID))
			}
			if existing.RubricVersionID != rubricVersionID {
				return models.NewDomainError(models.ErrCodeValidationFailed,
					"rubric version may not change on an existing draft").
					WithDetail("pinned_rubric_version_id", existing.RubricVersionID)
			}
			existing.Scores = scores
			existing.TotalScore = total
			existing.Remarks = remarks
			existing.UpdatedAt = now

			var event *models.DomainEvent
			err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
				if err := e.db.UpdateEvaluationDraft(ctx, tx, existing); err != nil {
					return err
				}
				var appendErr error
				event, appendErr = e.log.Append(ctx, tx, eventlog.Record{
					InstitutionID: institutionID,
					AggregateType: models.AggregateRound,
					AggregateID:   roundID,
					Action:        models.ActionEvaluationUpdated,
					Actor:         actor,
					Payload: map[string]interface{}{
						"evaluation_id":  existing.ID,
						"participant_id": participantID,
						"total_score":    total,
					},
					IsSuccessful: true,
					Timestamp:    now,
				})
				return appendErr
			})
			if err != nil {
				return err
			}
			e.log.Publish(ctx, event)
			metrics.Evaluations.WithLabelValues("updated").Inc()
			result = existing
			return nil
		}

		ev := &models.JudgeEvaluation{
			InstitutionID:   institutionID,
			RoundID:         roundID,
			JudgeID:         actor.UserID,
			ParticipantID:   participantID,
			RubricVersionID: rubricVersionID,
			Scores:          scores,
			TotalScore:      total,
			Remarks:         remarks,
			IsDraft:         true,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		var event *models.DomainEvent
		err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
			if err := e.db.InsertEvaluation(ctx, tx, ev); err != nil {
				return err
			}
			var appendErr error
			event, appendErr = e.log.Append(ctx, tx, eventlog.Record{
				InstitutionID: institutionID,
				AggregateType: models.AggregateRound,
				AggregateID:   roundID,
				Action:        models.ActionEvaluationCreated,
				Actor:         actor,
				Payload: map[string]interface{}{
					"evaluation_id":     ev.ID,
					"participant_id":    participantID,
					"rubric_version_id": rubricVersionID,
					"total_score":       total,
				},
				IsSuccessful: true,
				Timestamp:    now,
			})
			return appendErr
		})
		if err != nil {
			return err
		}
		e.log.Publish(ctx, event)
		metrics.Evaluations.WithLabelValues("created").Inc()
		result = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Finalize makes an evaluation immutable. Scores are re-validated
// against the pinned rubric before the flip; finalizing an already-final
// evaluation returns the existing row unchanged.
func (e *Engine) Finalize(ctx context.Context, institutionID, evaluationID int64, actor models.Actor) (*models.JudgeEvaluation, error) {
	var result *models.JudgeEvaluation
	err := func() error {
		ev, err := e.db.GetEvaluationByID(ctx, e.db.Conn(), institutionID, evaluationID)
		if err != nil {
			return err
		}
		if !actor.IsSystem() && ev.JudgeID != actor.UserID {
			return models.NewDomainError(models.ErrCodeForbidden,
				"evaluation belongs to another judge")
		}

		return e.db.Locks().WithLock(ctx, "round", ev.RoundID, func() error {
			// Re-read under the lock; a concurrent finalize may have won.
			ev, err = e.db.GetEvaluationByID(ctx, e.db.Conn(), institutionID, evaluationID)
			if err != nil {
				return err
			}
			if ev.IsFinal {
				result = ev
				metrics.Evaluations.WithLabelValues("finalize_noop").Inc()
				return nil
			}

			rubric, err := e.db.GetRubricVersion(ctx, e.db.Conn(), institutionID, ev.RubricVersionID)
			if err != nil {
				return err
			}
			if err := rubric.ValidateScores(ev.Scores); err != nil {
				return err
			}

			now, err := e.db.Now(ctx)
			if err != nil {
				return err
			}

			var event *models.DomainEvent
			err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
				won, err := e.db.FinalizeEvaluation(ctx, tx, ev.ID, now)
				if err != nil {
					return err
				}
				if !won {
					return nil
				}
				var appendErr error
				event, appendErr = e.log.Append(ctx, tx, eventlog.Record{
					InstitutionID: institutionID,
					AggregateType: models.AggregateRound,
					AggregateID:   ev.RoundID,
					Action:        models.ActionEvaluationFinal,
					Actor:         actor,
					Payload: map[string]interface{}{
						"evaluation_id":  ev.ID,
						"participant_id": ev.ParticipantID,
						"total_score":    ev.TotalScore,
					},
					IsSuccessful: true,
					Timestamp:    now,
				})
				return appendErr
			})
			if err != nil {
				return err
			}

			e.log.Publish(ctx, event)
			metrics.Evaluations.WithLabelValues("finalized").Inc()
			ev.IsDraft = false
			ev.IsFinal = true
			ev.FinalizedAt = &now
			ev.UpdatedAt = now
			result = ev
			return nil
		})
	}()
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Aggregate ranks a session's participants by mean finalized total
// score. Competition ranking: tied means share a rank and the following
// rank is skipped by group size. Draft evaluations never contribute.
func (e *Engine) Aggregate(ctx context.Context, sessionID int64) ([]models.RankedResult, error) {
	finals, err := e.db.ListFinalEvaluationsBySession(ctx, e.db.Conn(), sessionID)
	if err != nil {
		return nil, err
	}

	type acc struct {
		sum   float64
		count int
	}
	byParticipant := make(map[int64]*acc)
	for _, ev := range finals {
		a := byParticipant[ev.ParticipantID]
		if a == nil {
			a = &acc{}
			byParticipant[ev.ParticipantID] = a
		}
		a.sum += ev.TotalScore
		a.count++
	}

	results := make([]models.RankedResult, 0, len(byParticipant))
	for pid, a := range byParticipant {
		results = append(results, models.RankedResult{
			ParticipantID:   pid,
			MeanTotalScore:  a.sum / float64(a.count),
			EvaluationCount: a.count,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].MeanTotalScore != results[j].MeanTotalScore {
			return results[i].MeanTotalScore > results[j].MeanTotalScore
		}
		return results[i].ParticipantID < results[j].ParticipantID
	})

	rank := 0
	for i := range results {
		if i == 0 || results[i].MeanTotalScore != results[i-1].MeanTotalScore {
			rank = i + 1
		}
		results[i].Rank = rank
	}
	return results, nil
}
