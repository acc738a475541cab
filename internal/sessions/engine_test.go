// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package sessions

import (
	"context"
	"testing"

	"github.com/gavelworks/oyez/internal/config"
	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/eventlog"
	"github.com/gavelworks/oyez/internal/models"
	"github.com/gavelworks/oyez/internal/sessioncode"
)

func newTestEngine(t *testing.T) (*Engine, *database.DB, *eventlog.Log) {
	t.Helper()
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	log := eventlog.NewLog(db, nil)
	return New(db, log), db, log
}

func TestCreateSession(t *testing.T) {
	e, _, log := newTestEngine(t)
	ctx := context.Background()
	faculty := models.Actor{UserID: 10, Role: models.RoleFaculty}

	s, err := e.Create(ctx, 1, faculty)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.State != models.SessionCreated {
		t.Errorf("state = %s, want CREATED", s.State)
	}
	if s.Version != 1 {
		t.Errorf("version = %d, want 1", s.Version)
	}
	if !sessioncode.Valid(s.SessionCode) {
		t.Errorf("session code %q is malformed", s.SessionCode)
	}

	events, err := log.Replay(ctx, models.AggregateSession, s.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != 1 || events[0].Action != models.ActionSessionCreated {
		t.Errorf("events = %+v, want exactly one SESSION_CREATED", events)
	}
	if events[0].SequenceNumber != 1 {
		t.Errorf("sequence = %d, want 1", events[0].SequenceNumber)
	}
}

func TestCreateSessionOnePerFaculty(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	faculty := models.Actor{UserID: 10, Role: models.RoleFaculty}

	first, err := e.Create(ctx, 1, faculty)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = e.Create(ctx, 1, faculty)
	if models.CodeOf(err) != models.ErrCodePreconditionFailed {
		t.Fatalf("second create: err = %v, want PRECONDITION_FAILED", err)
	}

	// Another faculty is unaffected.
	other := models.Actor{UserID: 11, Role: models.RoleFaculty}
	second, err := e.Create(ctx, 1, other)
	if err != nil {
		t.Fatalf("create by other faculty: %v", err)
	}
	if second.SessionCode == first.SessionCode {
		t.Error("session codes collided")
	}
}

func TestCreateSessionRequiresFaculty(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, 1, models.Actor{UserID: 20, Role: models.RoleStudent})
	if models.CodeOf(err) != models.ErrCodeUnauthorizedRole {
		t.Fatalf("student create: err = %v, want UNAUTHORIZED_ROLE", err)
	}
}

func TestGetByCode(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	faculty := models.Actor{UserID: 10, Role: models.RoleFaculty}

	s, err := e.Create(ctx, 1, faculty)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := e.GetByCode(ctx, 1, s.SessionCode)
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("got session %d, want %d", got.ID, s.ID)
	}

	if _, err := e.GetByCode(ctx, 1, "not-a-code"); models.CodeOf(err) != models.ErrCodeValidationFailed {
		t.Errorf("malformed code: err = %v, want VALIDATION_FAILED", err)
	}

	// Cross-tenant reads fail closed.
	if _, err := e.GetByCode(ctx, 2, s.SessionCode); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Errorf("cross-tenant: err = %v, want NOT_FOUND", err)
	}
}

func TestParticipantsScopeCheck(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	faculty := models.Actor{UserID: 10, Role: models.RoleFaculty}

	s, err := e.Create(ctx, 1, faculty)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := e.Participants(ctx, 2, s.ID); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Errorf("cross-tenant roster: err = %v, want NOT_FOUND", err)
	}
	roster, err := e.Participants(ctx, 1, s.ID)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 0 {
		t.Errorf("roster = %d entries, want empty", len(roster))
	}
}
