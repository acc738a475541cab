// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package sessions creates sessions and serves session reads. Lifecycle
// transitions live in the statemachine package; joining lives in the
// assignment package.
package sessions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/eventlog"
	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/models"
	"github.com/gavelworks/oyez/internal/sessioncode"
)

// codeRetries bounds session-code regeneration on collision.
const codeRetries = 5

// Engine creates and reads sessions.
type Engine struct {
	db  *database.DB
	log *eventlog.Log
}

// New creates the engine.
func New(db *database.DB, log *eventlog.Log) *Engine {
	return &Engine{db: db, log: log}
}

// Create makes a new session in CREATED owned by the acting faculty.
// A faculty may own at most one non-terminal session at a time.
func (e *Engine) Create(ctx context.Context, institutionID int64, actor models.Actor) (*models.Session, error) {
	if !actor.Role.IsFaculty() {
		return nil, models.NewDomainError(models.ErrCodeUnauthorizedRole,
			"only faculty may create sessions")
	}

	var created *models.Session
	// The faculty-scoped lock serializes creates so the one-open-session
	// check cannot race with itself.
	err := e.db.Locks().WithLock(ctx, "faculty", actor.UserID, func() error {
		open, err := e.db.CountOpenSessionsByFaculty(ctx, e.db.Conn(), institutionID, actor.UserID)
		if err != nil {
			return err
		}
		if open > 0 {
			return models.NewDomainError(models.ErrCodePreconditionFailed,
				"faculty already owns an open session").
				WithDetail("open_sessions", open)
		}

		now, err := e.db.Now(ctx)
		if err != nil {
			return err
		}

		s := &models.Session{
			InstitutionID:  institutionID,
			FacultyID:      actor.UserID,
			State:          models.SessionCreated,
			Version:        1,
			CreatedAt:      now,
			StateUpdatedAt: now,
		}

		var event *models.DomainEvent
		err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
			// Collisions on the 36^6 code space are rare; regenerate a
			// bounded number of times.
			for attempt := 0; ; attempt++ {
				code, genErr := sessioncode.Generate()
				if genErr != nil {
					return genErr
				}
				s.SessionCode = code
				insertErr := e.db.InsertSession(ctx, tx, s)
				if insertErr == nil {
					break
				}
				if database.IsUniqueViolation(insertErr) && attempt < codeRetries {
					logging.Component("sessions").Warn().
						Str("session_code", s.SessionCode).
						Msg("session code collision, regenerating")
					continue
				}
				return insertErr
			}

			var appendErr error
			event, appendErr = e.log.Append(ctx, tx, eventlog.Record{
				InstitutionID: s.InstitutionID,
				AggregateType: models.AggregateSession,
				AggregateID:   s.ID,
				Action:        models.ActionSessionCreated,
				Actor:         actor,
				ToState:       string(models.SessionCreated),
				Payload: map[string]interface{}{
					"session_code": s.SessionCode,
					"faculty_id":   actor.UserID,
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
		created = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Component("sessions").Info().
		Int64("session_id", created.ID).
		Str("session_code", created.SessionCode).
		Int64("faculty_id", actor.UserID).
		Msg("session created")
	return created, nil
}

// Get loads a session within an institution.
func (e *Engine) Get(ctx context.Context, institutionID, id int64) (*models.Session, error) {
	return e.db.GetSession(ctx, e.db.Conn(), institutionID, id)
}

// GetByCode loads a session by its join code.
func (e *Engine) GetByCode(ctx context.Context, institutionID int64, code string) (*models.Session, error) {
	if !sessioncode.Valid(code) {
		return nil, models.NewDomainError(models.ErrCodeValidationFailed,
			fmt.Sprintf("malformed session code %q", code))
	}
	return e.db.GetSessionByCode(ctx, e.db.Conn(), institutionID, code)
}

// Participants lists a session's active participants.
func (e *Engine) Participants(ctx context.Context, institutionID, sessionID int64) ([]*models.Participant, error) {
	// Scope check first so cross-tenant reads fail closed.
	if _, err := e.db.GetSession(ctx, e.db.Conn(), institutionID, sessionID); err != nil {
		return nil, err
	}
	return e.db.ListParticipants(ctx, e.db.Conn(), sessionID)
}
