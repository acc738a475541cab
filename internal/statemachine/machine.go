// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package statemachine drives sessions and rounds through their
// lifecycles under the data-driven transition table.
//
// Every transition runs under the aggregate's exclusive lock, checks the
// optimistic version, and commits the state change together with its
// event row. Idempotent requests (target equals current state) record a
// no-op event; rejected requests record a failure event in a separate
// transaction so the forensic trail survives the rollback.
package statemachine

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
)

// Machine applies transitions to sessions and rounds.
type Machine struct {
	db    *database.DB
	log   *eventlog.Log
	cfg   *config.EngineConfig
	rules ruleIndex
}

// New seeds the canonical transition table and builds the machine.
func New(ctx context.Context, db *database.DB, log *eventlog.Log, cfg *config.EngineConfig) (*Machine, error) {
	rules := CanonicalRules()
	if err := db.SeedTransitions(ctx, rules); err != nil {
		return nil, fmt.Errorf("seed transition table: %w", err)
	}
	loaded, err := db.LoadTransitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load transition table: %w", err)
	}

	logging.Component("statemachine").Info().
		Int("rules", len(loaded)).
		Msg("transition table ready")

	return &Machine{
		db:    db,
		log:   log,
		cfg:   cfg,
		rules: indexRules(loaded),
	}, nil
}

// Request describes one transition attempt.
type Request struct {
	Actor models.Actor

	// ExpectedVersion is the version the caller read; zero means "use
	// whatever is current" (internal callers under the same lock).
	ExpectedVersion int64

	// Forced bypasses the adjacency table. Faculty only; recorded on the
	// event.
	Forced bool

	Reason string

	// PhaseDurationSeconds overrides the configured default when the
	// target is a timed phase. Zero means default.
	PhaseDurationSeconds int
}

// timedSessionPhases are the states that carry a running phase timer.
var timedSessionPhases = map[models.SessionState]bool{
	models.SessionArgumentPetitioner: true,
	models.SessionArgumentRespondent: true,
	models.SessionRebuttal:           true,
	models.SessionSurRebuttal:        true,
}

// TransitionSession moves a session to target.
func (m *Machine) TransitionSession(ctx context.Context, institutionID, sessionID int64, target models.SessionState, req Request) (*models.Session, error) {
	if !target.IsValid() {
		return nil, models.NewDomainError(models.ErrCodeValidationFailed,
			fmt.Sprintf("unknown session state %q", target))
	}

	var result *models.Session
	err := m.db.Locks().WithLock(ctx, KindSession, sessionID, func() error {
		s, err := m.db.GetSession(ctx, m.db.Conn(), institutionID, sessionID)
		if err != nil {
			return err
		}

		outcome, err := m.applySession(ctx, s, target, req)
		result = s
		m.countOutcome(KindSession, outcome)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applySession runs the transition steps for a locked, loaded session.
// Returns the outcome label for metrics.
func (m *Machine) applySession(ctx context.Context, s *models.Session, target models.SessionState, req Request) (string, error) {
	now, err := m.db.Now(ctx)
	if err != nil {
		return "error", err
	}

	if req.ExpectedVersion != 0 && req.ExpectedVersion != s.Version {
		derr := models.NewDomainError(models.ErrCodeConcurrentModification,
			fmt.Sprintf("session %d is at version %d, caller expected %d",
				s.ID, s.Version, req.ExpectedVersion))
		m.recordRejection(ctx, s.InstitutionID, models.AggregateSession, s.ID, string(s.State), string(target), req, derr, now)
		return "rejected", derr
	}

	// Idempotent no-op: already in the target state.
	if s.State == target {
		err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := m.appendNoop(ctx, tx, s.InstitutionID, models.AggregateSession, s.ID, string(s.State), req, now)
			return err
		})
		if err != nil {
			return "error", err
		}
		return "noop", nil
	}

	// Resumes out of PAUSED are not table rows; the captured
	// previous_state is validated in the apply step below.
	rule, found := m.rules.find(KindSession, string(s.State), string(target))
	resuming := s.State == models.SessionPaused && !found
	if !found && !resuming && !req.Forced {
		derr := models.NewDomainError(models.ErrCodeInvalidTransition,
			fmt.Sprintf("cannot move session from %s to %s", s.State, target)).
			WithDetail("allowed_next", m.rules.allowedNext(KindSession, string(s.State)))
		m.recordRejection(ctx, s.InstitutionID, models.AggregateSession, s.ID, string(s.State), string(target), req, derr, now)
		return "rejected", derr
	}

	// Forced transitions bypass adjacency only; they still require
	// faculty and still refuse to leave terminal states.
	if req.Forced {
		if !req.Actor.Role.IsFaculty() && !req.Actor.IsSystem() {
			derr := models.NewDomainError(models.ErrCodeForbidden,
				"forced transitions require faculty")
			m.recordRejection(ctx, s.InstitutionID, models.AggregateSession, s.ID, string(s.State), string(target), req, derr, now)
			return "rejected", derr
		}
		if s.State.IsTerminal() {
			derr := models.NewDomainError(models.ErrCodeInvalidTransition,
				fmt.Sprintf("session %d is terminal in %s", s.ID, s.State))
			m.recordRejection(ctx, s.InstitutionID, models.AggregateSession, s.ID, string(s.State), string(target), req, derr, now)
			return "rejected", derr
		}
	} else {
		if (rule.RequiresFaculty || resuming) && !req.Actor.Role.IsFaculty() && !req.Actor.IsSystem() {
			derr := models.NewDomainError(models.ErrCodeForbidden,
				fmt.Sprintf("transition %s to %s requires faculty", s.State, target))
			m.recordRejection(ctx, s.InstitutionID, models.AggregateSession, s.ID, string(s.State), string(target), req, derr, now)
			return "rejected", derr
		}
		if rule.RequiresAllEvaluationsComplete {
			n, err := m.db.CountIncompleteRounds(ctx, m.db.Conn(), s.ID)
			if err != nil {
				return "error", err
			}
			if n > 0 {
				derr := models.NewDomainError(models.ErrCodePreconditionFailed,
					fmt.Sprintf("%d rounds are not complete", n)).
					WithDetail("incomplete_rounds", n)
				m.recordRejection(ctx, s.InstitutionID, models.AggregateSession, s.ID, string(s.State), string(target), req, derr, now)
				return "rejected", derr
			}
			n, err = m.db.CountUnevaluatedSpeakers(ctx, m.db.Conn(), s.ID)
			if err != nil {
				return "error", err
			}
			if n > 0 {
				derr := models.NewDomainError(models.ErrCodePreconditionFailed,
					fmt.Sprintf("%d speakers have no finalized evaluation", n)).
					WithDetail("unevaluated_speakers", n)
				m.recordRejection(ctx, s.InstitutionID, models.AggregateSession, s.ID, string(s.State), string(target), req, derr, now)
				return "rejected", derr
			}
		}
	}

	fromState := s.State
	expected := s.Version

	switch target {
	case models.SessionPaused:
		prev := s.State
		s.PreviousState = &prev
		// Timer fields stay frozen; accumulation happens at resume.
	case models.SessionCompleted:
		s.CompletedAt = &now
		s.PhaseStartedAt = nil
		s.PhaseDurationSeconds = nil
	case models.SessionCancelled:
		s.CancelledAt = &now
		s.PhaseStartedAt = nil
		s.PhaseDurationSeconds = nil
	default:
		if fromState == models.SessionPaused {
			// Resume: only the captured previous state is a valid target.
			if s.PreviousState == nil || *s.PreviousState != target {
				derr := models.NewDomainError(models.ErrCodeInvalidTransition,
					fmt.Sprintf("paused session resumes only to %v", s.PreviousState))
				m.recordRejection(ctx, s.InstitutionID, models.AggregateSession, s.ID, string(fromState), string(target), req, derr, now)
				return "rejected", derr
			}
			// Time spent paused never counts against the phase.
			s.PauseAccumulatedSeconds += int(now.Sub(s.StateUpdatedAt).Seconds())
			s.PreviousState = nil
		} else if timedSessionPhases[target] {
			duration := req.PhaseDurationSeconds
			if duration <= 0 {
				duration = m.cfg.DefaultTurnSeconds
			}
			s.PhaseStartedAt = &now
			s.PhaseDurationSeconds = &duration
			s.PauseAccumulatedSeconds = 0
		} else {
			s.PhaseStartedAt = nil
			s.PhaseDurationSeconds = nil
			s.PauseAccumulatedSeconds = 0
		}
	}

	s.State = target
	s.StateUpdatedAt = now

	var event *models.DomainEvent
	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.db.UpdateSessionState(ctx, tx, s, expected); err != nil {
			return err
		}
		event, err = m.log.Append(ctx, tx, eventlog.Record{
			InstitutionID: s.InstitutionID,
			AggregateType: models.AggregateSession,
			AggregateID:   s.ID,
			Action:        models.ActionStateTransition,
			Actor:         req.Actor,
			FromState:     string(fromState),
			ToState:       string(target),
			Payload:       map[string]interface{}{"reason": req.Reason},
			IsSuccessful:  true,
			Forced:        req.Forced,
			Timestamp:     now,
		})
		return err
	})
	if err != nil {
		return "error", err
	}

	m.log.Publish(ctx, event)
	return "applied", nil
}

// TransitionRound moves a round to target. Same discipline as sessions,
// including the tenant scope: a round of another institution reads as
// absent.
func (m *Machine) TransitionRound(ctx context.Context, institutionID, roundID int64, target models.RoundState, req Request) (*models.Round, error) {
	if !target.IsValid() {
		return nil, models.NewDomainError(models.ErrCodeValidationFailed,
			fmt.Sprintf("unknown round state %q", target))
	}

	var result *models.Round
	err := m.db.Locks().WithLock(ctx, KindRound, roundID, func() error {
		r, err := m.db.GetRound(ctx, m.db.Conn(), institutionID, roundID)
		if err != nil {
			return err
		}

		outcome, err := m.applyRound(ctx, institutionID, r, target, req)
		result = r
		m.countOutcome(KindRound, outcome)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Machine) applyRound(ctx context.Context, institutionID int64, r *models.Round, target models.RoundState, req Request) (string, error) {
	now, err := m.db.Now(ctx)
	if err != nil {
		return "error", err
	}

	if req.ExpectedVersion != 0 && req.ExpectedVersion != r.Version {
		derr := models.NewDomainError(models.ErrCodeConcurrentModification,
			fmt.Sprintf("round %d is at version %d, caller expected %d",
				r.ID, r.Version, req.ExpectedVersion))
		m.recordRejection(ctx, institutionID, models.AggregateRound, r.ID, string(r.State), string(target), req, derr, now)
		return "rejected", derr
	}

	if r.State == target {
		err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := m.appendNoop(ctx, tx, institutionID, models.AggregateRound, r.ID, string(r.State), req, now)
			return err
		})
		if err != nil {
			return "error", err
		}
		return "noop", nil
	}

	_, found := m.rules.find(KindRound, string(r.State), string(target))
	resuming := r.State == models.RoundPaused && !found
	if !found && !resuming && !req.Forced {
		derr := models.NewDomainError(models.ErrCodeInvalidTransition,
			fmt.Sprintf("cannot move round from %s to %s", r.State, target)).
			WithDetail("allowed_next", m.rules.allowedNext(KindRound, string(r.State)))
		m.recordRejection(ctx, institutionID, models.AggregateRound, r.ID, string(r.State), string(target), req, derr, now)
		return "rejected", derr
	}
	if req.Forced {
		if !req.Actor.Role.IsFaculty() && !req.Actor.IsSystem() {
			derr := models.NewDomainError(models.ErrCodeForbidden,
				"forced transitions require faculty")
			m.recordRejection(ctx, institutionID, models.AggregateRound, r.ID, string(r.State), string(target), req, derr, now)
			return "rejected", derr
		}
		if r.State.IsTerminal() {
			derr := models.NewDomainError(models.ErrCodeInvalidTransition,
				fmt.Sprintf("round %d is terminal in %s", r.ID, r.State))
			m.recordRejection(ctx, institutionID, models.AggregateRound, r.ID, string(r.State), string(target), req, derr, now)
			return "rejected", derr
		}
	}

	fromState := r.State
	expected := r.Version

	switch target {
	case models.RoundPaused:
		prev := r.State
		r.PreviousState = &prev
	case models.RoundCompleted:
		r.CompletedAt = &now
		r.PhaseStartedAt = nil
	case models.RoundCancelled:
		r.CancelledAt = &now
		r.PhaseStartedAt = nil
	default:
		if fromState == models.RoundPaused {
			if r.PreviousState == nil || *r.PreviousState != target {
				derr := models.NewDomainError(models.ErrCodeInvalidTransition,
					fmt.Sprintf("paused round resumes only to %v", r.PreviousState))
				m.recordRejection(ctx, institutionID, models.AggregateRound, r.ID, string(fromState), string(target), req, derr, now)
				return "rejected", derr
			}
			r.PauseAccumulatedSeconds += int(now.Sub(r.StateUpdatedAt).Seconds())
			r.PreviousState = nil
		} else {
			r.PhaseStartedAt = &now
			r.PauseAccumulatedSeconds = 0
		}
	}

	r.State = target
	r.StateUpdatedAt = now

	action := models.ActionStateTransition
	if target == models.RoundCompleted {
		action = models.ActionRoundCompleted
	}

	var event *models.DomainEvent
	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.db.UpdateRoundState(ctx, tx, r, expected); err != nil {
			return err
		}
		event, err = m.log.Append(ctx, tx, eventlog.Record{
			InstitutionID: institutionID,
			AggregateType: models.AggregateRound,
			AggregateID:   r.ID,
			Action:        action,
			Actor:         req.Actor,
			FromState:     string(fromState),
			ToState:       string(target),
			Payload:       map[string]interface{}{"reason": req.Reason, "session_id": r.SessionID},
			IsSuccessful:  true,
			Forced:        req.Forced,
			Timestamp:     now,
		})
		return err
	})
	if err != nil {
		return "error", err
	}

	m.log.Publish(ctx, event)
	return "applied", nil
}

// AllowedNext lists the reachable states for an aggregate kind and
// current state, for clients building UIs.
func (m *Machine) AllowedNext(kind, from string) []string {
	return m.rules.allowedNext(kind, from)
}

func (m *Machine) appendNoop(ctx context.Context, q database.Querier, institutionID int64, aggType models.AggregateType, aggID int64, state string, req Request, now time.Time) (*models.DomainEvent, error) {
	return m.log.Append(ctx, q, eventlog.Record{
		InstitutionID: institutionID,
		AggregateType: aggType,
		AggregateID:   aggID,
		Action:        models.ActionTransitionNoop,
		Actor:         req.Actor,
		FromState:     state,
		ToState:       state,
		IsSuccessful:  true,
		Timestamp:     now,
	})
}

// recordRejection writes the failure event in its own transaction so it
// survives the operation's rollback. Append errors here are logged, not
// propagated; the caller's domain error is the one that matters.
func (m *Machine) recordRejection(ctx context.Context, institutionID int64, aggType models.AggregateType, aggID int64, from, to string, req Request, cause *models.DomainError, now time.Time) {
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := m.log.Append(ctx, tx, eventlog.Record{
			InstitutionID: institutionID,
			AggregateType: aggType,
			AggregateID:   aggID,
			Action:        models.ActionTransitionRejected,
			Actor:         req.Actor,
			FromState:     from,
			ToState:       to,
			IsSuccessful:  false,
			ErrorMessage:  cause.Error(),
			Forced:        req.Forced,
			Timestamp:     now,
		})
		return err
	})
	if err != nil {
		logging.Component("statemachine").Error().Err(err).
			Str("aggregate_type", string(aggType)).
			Int64("aggregate_id", aggID).
			Msg("record rejection event failed")
	}
}

func (m *Machine) countOutcome(kind, outcome string) {
	metrics.Transitions.WithLabelValues(kind, outcome).Inc()
}
