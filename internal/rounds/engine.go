// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package rounds owns rounds, turn ordering and server-authoritative
// timing.
//
// A round pre-creates its turns in fixed speaking order (PET_1, RES_1,
// PET_2, RES_2). Each submitted turn advances the round's phase through
// the transition table. Timers are never in-memory facts: expiry is a
// pure function of the database clock and stored fields, so any reader
// can detect and settle an expired turn, and the sweeper only bounds
// push latency.
package rounds

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gavelworks/oyez/internal/config"
	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/eventlog"
	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/metrics"
	"github.com/gavelworks/oyez/internal/models"
	"github.com/gavelworks/oyez/internal/statemachine"
)

// speakingOrder is the fixed four-speaker turn order.
var speakingOrder = []struct {
	Side    models.Side
	Speaker int
}{
	{models.SidePetitioner, 1},
	{models.SideRespondent, 1},
	{models.SidePetitioner, 2},
	{models.SideRespondent, 2},
}

// phaseForTurn maps a turn order to the round phase it speaks in.
var phaseForTurn = map[int]models.RoundState{
	1: models.RoundArgumentPetitioner,
	2: models.RoundArgumentRespondent,
	3: models.RoundRebuttal,
	4: models.RoundSurRebuttal,
}

// nextPhaseAfterTurn maps a submitted turn order to the phase the round
// advances into.
var nextPhaseAfterTurn = map[int]models.RoundState{
	1: models.RoundArgumentRespondent,
	2: models.RoundRebuttal,
	3: models.RoundSurRebuttal,
	4: models.RoundJudgeQuestions,
}

// Engine drives rounds and turns.
type Engine struct {
	db      *database.DB
	log     *eventlog.Log
	machine *statemachine.Machine
	cfg     *config.EngineConfig
}

// New creates the engine.
func New(db *database.DB, log *eventlog.Log, machine *statemachine.Machine, cfg *config.EngineConfig) *Engine {
	return &Engine{db: db, log: log, machine: machine, cfg: cfg}
}

// CreateRound makes a round in WAITING with its turns pre-created from
// the session roster. Faculty only.
func (e *Engine) CreateRound(ctx context.Context, institutionID, sessionID int64, roundNumber, timeLimitSeconds int, judgeID int64, actor models.Actor) (*models.Round, error) {
	if !actor.Role.IsFaculty() {
		return nil, models.NewDomainError(models.ErrCodeUnauthorizedRole,
			"only faculty may create rounds")
	}
	if timeLimitSeconds <= 0 {
		timeLimitSeconds = e.cfg.DefaultTurnSeconds
	}

	var created *models.Round
	err := e.db.Locks().WithLock(ctx, "session", sessionID, func() error {
		s, err := e.db.GetSession(ctx, e.db.Conn(), institutionID, sessionID)
		if err != nil {
			return err
		}
		if s.State.IsTerminal() {
			return models.NewDomainError(models.ErrCodePreconditionFailed,
				fmt.Sprintf("session is in %s", s.State))
		}

		roster, err := e.db.ListParticipants(ctx, e.db.Conn(), sessionID)
		if err != nil {
			return err
		}
		bySlot := make(map[models.Side]map[int]*models.Participant)
		for _, p := range roster {
			if p.IsObserver() {
				continue
			}
			if bySlot[*p.Side] == nil {
				bySlot[*p.Side] = make(map[int]*models.Participant)
			}
			bySlot[*p.Side][*p.SpeakerNumber] = p
		}

		petitioner := bySlot[models.SidePetitioner][1]
		respondent := bySlot[models.SideRespondent][1]
		if petitioner == nil || respondent == nil {
			return models.NewDomainError(models.ErrCodePreconditionFailed,
				"round requires at least one speaker per side")
		}

		now, err := e.db.Now(ctx)
		if err != nil {
			return err
		}

		r := &models.Round{
			SessionID:        sessionID,
			RoundNumber:      roundNumber,
			PetitionerID:     petitioner.UserID,
			RespondentID:     respondent.UserID,
			JudgeID:          judgeID,
			State:            models.RoundWaiting,
			TimeLimitSeconds: timeLimitSeconds,
			Version:          1,
			CreatedAt:        now,
			StateUpdatedAt:   now,
		}
		if judgeID == 0 {
			r.JudgeID = models.SyntheticOpponent
		}

		var event *models.DomainEvent
		err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
			if err := e.db.InsertRound(ctx, tx, r); err != nil {
				if database.IsUniqueViolation(err) {
					return models.NewDomainError(models.ErrCodeRaceCondition,
						fmt.Sprintf("round %d already exists", roundNumber)).Wrap(err)
				}
				return err
			}

			order := 0
			for _, slot := range speakingOrder {
				p := bySlot[slot.Side][slot.Speaker]
				if p == nil {
					continue
				}
				order++
				t := &models.Turn{
					RoundID:        r.ID,
					ParticipantID:  p.ID,
					TurnOrder:      order,
					AllowedSeconds: timeLimitSeconds,
				}
				if err := e.db.InsertTurn(ctx, tx, t); err != nil {
					return err
				}
			}

			var appendErr error
			event, appendErr = e.log.Append(ctx, tx, eventlog.Record{
				InstitutionID: institutionID,
				AggregateType: models.AggregateRound,
				AggregateID:   r.ID,
				Action:        models.ActionStateTransition,
				Actor:         actor,
				ToState:       string(models.RoundWaiting),
				Payload: map[string]interface{}{
					"session_id":   sessionID,
					"round_number": roundNumber,
					"turns":        order,
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
		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetRound loads a round with its turns, within the institution.
func (e *Engine) GetRound(ctx context.Context, institutionID, roundID int64) (*models.Round, []*models.Turn, error) {
	r, err := e.db.GetRound(ctx, e.db.Conn(), institutionID, roundID)
	if err != nil {
		return nil, nil, err
	}
	turns, err := e.db.ListTurnsByRound(ctx, e.db.Conn(), roundID)
	if err != nil {
		return nil, nil, err
	}
	return r, turns, nil
}

// StartTurn begins the next turn in order. The speaker, the faculty, or
// the system may start it.
func (e *Engine) StartTurn(ctx context.Context, institutionID, roundID, turnID int64, actor models.Actor) (*models.Turn, error) {
	var result *models.Turn
	err := e.withRetry(ctx, func() error {
		return e.db.Locks().WithLock(ctx, "round", roundID, func() error {
			r, err := e.db.GetRound(ctx, e.db.Conn(), institutionID, roundID)
			if err != nil {
				return err
			}
			if r.State.IsTerminal() || r.State == models.RoundPaused {
				return models.NewDomainError(models.ErrCodePreconditionFailed,
					fmt.Sprintf("round is in %s", r.State))
			}

			turns, err := e.db.ListTurnsByRound(ctx, e.db.Conn(), roundID)
			if err != nil {
				return err
			}
			t := findTurn(turns, turnID)
			if t == nil {
				return models.ErrNotFound("turn", turnID)
			}
			if t.IsSubmitted {
				return models.NewDomainError(models.ErrCodeTurnAlreadySubmitted,
					fmt.Sprintf("turn %d is closed", t.ID))
			}
			if next := nextUnsubmitted(turns); next == nil || next.ID != t.ID {
				return models.NewDomainError(models.ErrCodeNotCurrentSpeaker,
					fmt.Sprintf("turn %d is not next in order", t.ID))
			}
			if t.Started() {
				// Starting the already-running current turn is a no-op.
				result = t
				return nil
			}

			now, err := e.db.Now(ctx)
			if err != nil {
				return err
			}

			var event *models.DomainEvent
			err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
				if err := e.db.MarkTurnStarted(ctx, tx, t.ID, now); err != nil {
					return err
				}
				var appendErr error
				event, appendErr = e.log.Append(ctx, tx, eventlog.Record{
					InstitutionID: institutionID,
					AggregateType: models.AggregateRound,
					AggregateID:   roundID,
					Action:        models.ActionTurnStarted,
					Actor:         actor,
					Payload: map[string]interface{}{
						"turn_id":         t.ID,
						"turn_order":      t.TurnOrder,
						"allowed_seconds": t.AllowedSeconds,
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
			t.StartedAt = &now
			result = t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitTurn closes a turn with the speaker's transcript. A submit that
// wins the lock is accepted even past the ceiling; once any submission
// commits, later calls see TURN_ALREADY_SUBMITTED.
func (e *Engine) SubmitTurn(ctx context.Context, institutionID, roundID, turnID int64, transcript string, actor models.Actor) (*models.Turn, error) {
	if len(transcript) > e.cfg.TranscriptMaxBytes {
		return nil, models.NewDomainError(models.ErrCodeValidationFailed,
			fmt.Sprintf("transcript exceeds %d bytes", e.cfg.TranscriptMaxBytes)).
			WithDetail("max_bytes", e.cfg.TranscriptMaxBytes).
			WithDetail("got_bytes", len(transcript))
	}

	var result *models.Turn
	err := e.withRetry(ctx, func() error {
		return e.db.Locks().WithLock(ctx, "round", roundID, func() error {
			var err error
			result, err = e.submitLocked(ctx, institutionID, roundID, turnID, transcript, actor, false)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ForceSubmit closes an expired turn with whatever transcript exists.
// Called by the sweeper and by lazy expiry on reads; the system actor is
// recorded. System paths hold only a round id, so the owning institution
// is resolved from the row.
func (e *Engine) ForceSubmit(ctx context.Context, roundID, turnID int64) (*models.Turn, error) {
	var result *models.Turn
	err := e.db.Locks().WithLock(ctx, "round", roundID, func() error {
		_, institutionID, err := e.db.GetRoundAnyInstitution(ctx, e.db.Conn(), roundID)
		if err != nil {
			return err
		}
		result, err = e.submitLocked(ctx, institutionID, roundID, turnID, "", models.System, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) submitLocked(ctx context.Context, institutionID, roundID, turnID int64, transcript string, actor models.Actor, auto bool) (*models.Turn, error) {
	r, err := e.db.GetRound(ctx, e.db.Conn(), institutionID, roundID)
	if err != nil {
		return nil, err
	}
	if r.State.IsTerminal() {
		return nil, models.NewDomainError(models.ErrCodePreconditionFailed,
			fmt.Sprintf("round is in %s", r.State))
	}
	if r.State == models.RoundPaused && !auto {
		return nil, models.NewDomainError(models.ErrCodePreconditionFailed,
			"round is paused")
	}

	t, err := e.db.GetTurn(ctx, e.db.Conn(), turnID)
	if err != nil {
		return nil, err
	}
	if t.RoundID != roundID {
		return nil, models.ErrNotFound("turn", turnID)
	}
	if !t.Started() {
		return nil, models.NewDomainError(models.ErrCodeTurnNotStarted,
			fmt.Sprintf("turn %d has not started", t.ID))
	}
	if t.IsSubmitted {
		return nil, models.NewDomainError(models.ErrCodeTurnAlreadySubmitted,
			fmt.Sprintf("turn %d is closed", t.ID))
	}

	// Manual submissions must come from the speaker who holds the turn.
	if !auto && !actor.IsSystem() {
		p, err := e.db.GetParticipantByID(ctx, e.db.Conn(), t.ParticipantID)
		if err != nil {
			return nil, err
		}
		if p.UserID != actor.UserID {
			return nil, models.NewDomainError(models.ErrCodeNotCurrentSpeaker,
				"turn belongs to another speaker")
		}
	}

	now, err := e.db.Now(ctx)
	if err != nil {
		return nil, err
	}

	action := models.ActionTurnSubmitted
	if auto {
		action = models.ActionAutoSubmit
	}

	var event *models.DomainEvent
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		won, err := e.db.SubmitTurn(ctx, tx, t.ID, transcript, now, auto)
		if err != nil {
			return err
		}
		if !won {
			return models.NewDomainError(models.ErrCodeTurnAlreadySubmitted,
				fmt.Sprintf("turn %d is closed", t.ID))
		}
		var appendErr error
		event, appendErr = e.log.Append(ctx, tx, eventlog.Record{
			InstitutionID: institutionID,
			AggregateType: models.AggregateRound,
			AggregateID:   roundID,
			Action:        action,
			Actor:         actor,
			Payload: map[string]interface{}{
				"turn_id":          t.ID,
				"turn_order":       t.TurnOrder,
				"transcript_bytes": len(transcript),
				"auto_submitted":   auto,
			},
			IsSuccessful: true,
			Timestamp:    now,
		})
		return appendErr
	})
	if err != nil {
		return nil, err
	}

	e.log.Publish(ctx, event)
	if auto {
		metrics.TurnSubmissions.WithLabelValues("auto").Inc()
	} else {
		metrics.TurnSubmissions.WithLabelValues("manual").Inc()
	}

	t.Transcript = transcript
	t.SubmittedAt = &now
	t.IsSubmitted = true
	t.AutoSubmitted = auto

	e.advanceAfterTurn(ctx, institutionID, r, t)
	return t, nil
}

// advanceAfterTurn moves the round into its next phase after a turn
// closes. Best-effort: a failed advance is logged and retried by the
// next reader or the faculty; the submission itself already committed.
func (e *Engine) advanceAfterTurn(ctx context.Context, institutionID int64, r *models.Round, t *models.Turn) {
	next, ok := nextPhaseAfterTurn[t.TurnOrder]
	if !ok {
		return
	}
	if _, err := e.machine.TransitionRound(ctx, institutionID, r.ID, next, statemachine.Request{
		Actor:  models.System,
		Reason: fmt.Sprintf("turn %d submitted", t.TurnOrder),
	}); err != nil {
		if models.CodeOf(err) == models.ErrCodeInvalidTransition {
			// Round phase and turn order can diverge under forced
			// transitions; the faculty resolves by hand.
			logging.Component("rounds").Warn().Err(err).
				Int64("round_id", r.ID).
				Int("turn_order", t.TurnOrder).
				Msg("auto-advance skipped")
			return
		}
		logging.Component("rounds").Error().Err(err).
			Int64("round_id", r.ID).
			Msg("auto-advance failed")
	}
}

// withRetry runs fn with the configured bounded backoff on serialization
// conflicts.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	var err error
	attempts := 0
	for {
		err = fn()
		if err == nil || models.CodeOf(err) != models.ErrCodeConcurrentModification {
			break
		}
		if attempts >= len(e.cfg.RetryBackoff) {
			break
		}
		select {
		case <-ctx.Done():
			metrics.RetryAttempts.Observe(float64(attempts))
			return models.NewDomainError(models.ErrCodeCancelled, "operation cancelled").Wrap(ctx.Err())
		case <-time.After(e.cfg.RetryBackoff[attempts]):
		}
		attempts++
	}
	metrics.RetryAttempts.Observe(float64(attempts))
	return err
}

func findTurn(turns []*models.Turn, id int64) *models.Turn {
	for _, t := range turns {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func nextUnsubmitted(turns []*models.Turn) *models.Turn {
	for _, t := range turns {
		if !t.IsSubmitted {
			return t
		}
	}
	return nil
}
