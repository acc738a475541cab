// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package assignment seats joining students. The slot is a pure function
// of the join position; the session lock makes the position
// deterministic under concurrency. Both success and rejection write an
// event row.
package assignment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/eventlog"
	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/metrics"
	"github.com/gavelworks/oyez/internal/models"
)

// Engine assigns joining users to speaking slots.
type Engine struct {
	db  *database.DB
	log *eventlog.Log
}

// New creates the engine.
func New(db *database.DB, log *eventlog.Log) *Engine {
	return &Engine{db: db, log: log}
}

// Assign seats a student in the session. Idempotent: a repeat join by
// the same user returns the existing slot with IsNew=false.
func (e *Engine) Assign(ctx context.Context, institutionID, sessionID int64, actor models.Actor) (*models.SlotAssignment, error) {
	var result *models.SlotAssignment
	err := e.db.Locks().WithLock(ctx, "session", sessionID, func() error {
		var err error
		result, err = e.assignLocked(ctx, institutionID, sessionID, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) assignLocked(ctx context.Context, institutionID, sessionID int64, actor models.Actor) (*models.SlotAssignment, error) {
	s, err := e.db.GetSession(ctx, e.db.Conn(), institutionID, sessionID)
	if err != nil {
		return nil, err
	}

	now, err := e.db.Now(ctx)
	if err != nil {
		return nil, err
	}

	// Only students hold speaking slots; the rejection is recorded like
	// every other failed join.
	if actor.Role != models.RoleStudent {
		derr := models.NewDomainError(models.ErrCodeUnauthorizedRole,
			fmt.Sprintf("role %s may not take a speaking slot", actor.Role))
		e.recordRejection(ctx, institutionID, s.ID, actor, derr, now)
		metrics.Joins.WithLabelValues("unauthorized").Inc()
		return nil, derr
	}

	if !s.Joinable() {
		derr := models.NewDomainError(models.ErrCodeSessionNotJoinable,
			fmt.Sprintf("session is in %s, joins require PREPARING", s.State)).
			WithDetail("state", string(s.State))
		e.recordRejection(ctx, institutionID, s.ID, actor, derr, now)
		metrics.Joins.WithLabelValues("not_joinable").Inc()
		return nil, derr
	}

	// Idempotency: a user who already holds a slot gets it back
	// unchanged. DUPLICATE_JOIN is success.
	existing, err := e.db.GetParticipant(ctx, e.db.Conn(), sessionID, actor.UserID)
	if err == nil && existing.IsActive && !existing.IsObserver() {
		metrics.Joins.WithLabelValues("idempotent").Inc()
		return &models.SlotAssignment{
			Side:          *existing.Side,
			SpeakerNumber: *existing.SpeakerNumber,
			Position:      positionFor(*existing.Side, *existing.SpeakerNumber),
			IsNew:         false,
			Participant:   existing,
		}, nil
	}
	if err != nil && models.CodeOf(err) != models.ErrCodeNotFound {
		return nil, err
	}

	count, err := e.db.CountSpeakers(ctx, e.db.Conn(), sessionID)
	if err != nil {
		return nil, err
	}
	if count >= models.MaxSpeakers {
		derr := models.NewDomainError(models.ErrCodeSessionFull,
			fmt.Sprintf("session already has %d speakers", count))
		e.recordRejection(ctx, institutionID, s.ID, actor, derr, now)
		metrics.Joins.WithLabelValues("full").Inc()
		return nil, derr
	}

	position := count + 1
	side, speaker, ok := models.SlotForPosition(position)
	if !ok {
		return nil, models.NewDomainError(models.ErrCodeInternal,
			fmt.Sprintf("no slot for position %d", position))
	}

	p := &models.Participant{
		SessionID:     sessionID,
		UserID:        actor.UserID,
		Side:          &side,
		SpeakerNumber: &speaker,
		JoinedAt:      now,
		Connection:    models.ConnectionConnected,
		LastSeenAt:    now,
		IsActive:      true,
	}

	var event *models.DomainEvent
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.db.InsertParticipant(ctx, tx, p); err != nil {
			return err
		}
		var appendErr error
		event, appendErr = e.log.Append(ctx, tx, eventlog.Record{
			InstitutionID: institutionID,
			AggregateType: models.AggregateSession,
			AggregateID:   s.ID,
			Action:        models.ActionParticipantJoined,
			Actor:         actor,
			Payload: map[string]interface{}{
				"participant_id": p.ID,
				"side":           side,
				"speaker_number": speaker,
				"position":       position,
			},
			IsSuccessful: true,
			Timestamp:    now,
		})
		return appendErr
	})
	if err != nil {
		// A unique violation on (side, speaker) under the session lock
		// means the lock discipline was broken somewhere. Surface it
		// loudly rather than papering over.
		if database.IsUniqueViolation(err) {
			derr := models.NewDomainError(models.ErrCodeRaceCondition,
				fmt.Sprintf("slot (%s, %d) was taken concurrently", side, speaker)).Wrap(err)
			e.recordRejection(ctx, institutionID, s.ID, actor, derr, now)
			metrics.Joins.WithLabelValues("race").Inc()
			logging.Component("assignment").Error().
				Int64("session_id", sessionID).
				Int64("user_id", actor.UserID).
				Str("side", string(side)).
				Int("speaker_number", speaker).
				Msg("slot collision under session lock")
			return nil, derr
		}
		return nil, err
	}

	e.log.Publish(ctx, event)
	metrics.Joins.WithLabelValues("assigned").Inc()

	return &models.SlotAssignment{
		Side:          side,
		SpeakerNumber: speaker,
		Position:      position,
		IsNew:         true,
		Participant:   p,
	}, nil
}

// JoinObserver adds a non-speaking participant. Observers are unbounded
// and never count against the four speaker slots.
func (e *Engine) JoinObserver(ctx context.Context, institutionID, sessionID int64, actor models.Actor) (*models.Participant, error) {
	var result *models.Participant
	err := e.db.Locks().WithLock(ctx, "session", sessionID, func() error {
		s, err := e.db.GetSession(ctx, e.db.Conn(), institutionID, sessionID)
		if err != nil {
			return err
		}
		if s.State.IsTerminal() {
			return models.NewDomainError(models.ErrCodeSessionNotJoinable,
				fmt.Sprintf("session is in %s", s.State))
		}

		existing, err := e.db.GetParticipant(ctx, e.db.Conn(), sessionID, actor.UserID)
		if err == nil && existing.IsActive {
			result = existing
			return nil
		}
		if err != nil && models.CodeOf(err) != models.ErrCodeNotFound {
			return err
		}

		now, err := e.db.Now(ctx)
		if err != nil {
			return err
		}

		p := &models.Participant{
			SessionID:  sessionID,
			UserID:     actor.UserID,
			JoinedAt:   now,
			Connection: models.ConnectionConnected,
			LastSeenAt: now,
			IsActive:   true,
		}

		var event *models.DomainEvent
		err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
			if err := e.db.InsertParticipant(ctx, tx, p); err != nil {
				return err
			}
			var appendErr error
			event, appendErr = e.log.Append(ctx, tx, eventlog.Record{
				InstitutionID: institutionID,
				AggregateType: models.AggregateSession,
				AggregateID:   s.ID,
				Action:        models.ActionParticipantJoined,
				Actor:         actor,
				Payload: map[string]interface{}{
					"participant_id": p.ID,
					"observer":       true,
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
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// recordRejection writes the failure event in its own transaction so the
// forensic trail records the rejected join.
func (e *Engine) recordRejection(ctx context.Context, institutionID, sessionID int64, actor models.Actor, cause *models.DomainError, now time.Time) {
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := e.log.Append(ctx, tx, eventlog.Record{
			InstitutionID: institutionID,
			AggregateType: models.AggregateSession,
			AggregateID:   sessionID,
			Action:        models.ActionJoinRejected,
			Actor:         actor,
			IsSuccessful:  false,
			ErrorMessage:  cause.Error(),
			Timestamp:     now,
		})
		return err
	})
	if err != nil {
		logging.Component("assignment").Error().Err(err).
			Int64("session_id", sessionID).
			Msg("record join rejection failed")
	}
}

func positionFor(side models.Side, speaker int) int {
	for pos := 1; pos <= models.MaxSpeakers; pos++ {
		s, n, _ := models.SlotForPosition(pos)
		if s == side && n == speaker {
			return pos
		}
	}
	return 0
}
