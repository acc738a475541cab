// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package rounds

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gavelworks/oyez/internal/config"
	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/eventlog"
	"github.com/gavelworks/oyez/internal/models"
	"github.com/gavelworks/oyez/internal/statemachine"
)

var (
	faculty = models.Actor{UserID: 10, Role: models.RoleFaculty}
	pet1    = models.Actor{UserID: 101, Role: models.RoleStudent}
	res1    = models.Actor{UserID: 102, Role: models.RoleStudent}
)

type rig struct {
	engine *Engine
	db     *database.DB
	log    *eventlog.Log
}

func newTestRig(t *testing.T) *rig {
	t.Helper()
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := eventlog.NewLog(db, nil)
	cfg := config.Default().Engine
	machine, err := statemachine.New(context.Background(), db, log, &cfg)
	if err != nil {
		t.Fatalf("build machine: %v", err)
	}
	return &rig{engine: New(db, log, machine, &cfg), db: db, log: log}
}

// seedSession inserts a PREPARING session with one speaker per side.
func (r *rig) seedSession(t *testing.T, code string) *models.Session {
	t.Helper()
	ctx := context.Background()
	now, err := r.db.Now(ctx)
	if err != nil {
		t.Fatalf("read clock: %v", err)
	}

	s := &models.Session{
		InstitutionID:  1,
		FacultyID:      faculty.UserID,
		SessionCode:    code,
		State:          models.SessionPreparing,
		Version:        1,
		CreatedAt:      now,
		StateUpdatedAt: now,
	}
	if err := r.db.InsertSession(ctx, r.db.Conn(), s); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	for _, seat := range []struct {
		user    int64
		side    models.Side
		speaker int
	}{
		{pet1.UserID, models.SidePetitioner, 1},
		{res1.UserID, models.SideRespondent, 1},
	} {
		side := seat.side
		speaker := seat.speaker
		p := &models.Participant{
			SessionID:     s.ID,
			UserID:        seat.user,
			Side:          &side,
			SpeakerNumber: &speaker,
			JoinedAt:      now,
			Connection:    models.ConnectionConnected,
			LastSeenAt:    now,
			IsActive:      true,
		}
		if err := r.db.InsertParticipant(ctx, r.db.Conn(), p); err != nil {
			t.Fatalf("insert participant: %v", err)
		}
	}
	return s
}

func (r *rig) seedRound(t *testing.T, code string) (*models.Round, []*models.Turn) {
	t.Helper()
	ctx := context.Background()
	s := r.seedSession(t, code)

	round, err := r.engine.CreateRound(ctx, 1, s.ID, 1, 300, 0, faculty)
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	_, turns, err := r.engine.GetRound(ctx, 1, round.ID)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	return round, turns
}

// backdateTurn rewinds a turn's start so its ceiling has already passed.
func (r *rig) backdateTurn(t *testing.T, turnID int64, by time.Duration) {
	t.Helper()
	ctx := context.Background()
	now, err := r.db.Now(ctx)
	if err != nil {
		t.Fatalf("read clock: %v", err)
	}
	_, err = r.db.Conn().ExecContext(ctx,
		`UPDATE turns SET started_at = ? WHERE id = ?`, now.Add(-by), turnID)
	if err != nil {
		t.Fatalf("backdate turn: %v", err)
	}
}

func TestCreateRoundPrecreatesTurns(t *testing.T) {
	r := newTestRig(t)
	round, turns := r.seedRound(t, "JURIS-RND001")

	if round.State != models.RoundWaiting {
		t.Errorf("state = %s, want WAITING", round.State)
	}
	if round.JudgeID != models.SyntheticOpponent {
		t.Errorf("judge id = %d, want synthetic opponent", round.JudgeID)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2 (one speaker per side)", len(turns))
	}
	for i, turn := range turns {
		if turn.TurnOrder != i+1 {
			t.Errorf("turn %d order = %d", i, turn.TurnOrder)
		}
		if turn.Started() || turn.IsSubmitted {
			t.Errorf("turn %d pre-created started/submitted", i)
		}
		if turn.AllowedSeconds != 300 {
			t.Errorf("turn %d allowed = %d, want 300", i, turn.AllowedSeconds)
		}
	}
}

func TestCreateRoundRequiresBothSides(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	now, _ := r.db.Now(ctx)
	s := &models.Session{
		InstitutionID: 1, FacultyID: faculty.UserID,
		SessionCode: "JURIS-RND002", State: models.SessionPreparing,
		Version: 1, CreatedAt: now, StateUpdatedAt: now,
	}
	if err := r.db.InsertSession(ctx, r.db.Conn(), s); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	_, err := r.engine.CreateRound(ctx, 1, s.ID, 1, 300, 0, faculty)
	if models.CodeOf(err) != models.ErrCodePreconditionFailed {
		t.Fatalf("err = %v, want PRECONDITION_FAILED", err)
	}
}

func TestStartTurnEnforcesOrder(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	round, turns := r.seedRound(t, "JURIS-RND003")

	// The second speaker may not jump the queue.
	_, err := r.engine.StartTurn(ctx, 1, round.ID, turns[1].ID, res1)
	if models.CodeOf(err) != models.ErrCodeNotCurrentSpeaker {
		t.Fatalf("out-of-order start: err = %v, want NOT_CURRENT_SPEAKER", err)
	}

	started, err := r.engine.StartTurn(ctx, 1, round.ID, turns[0].ID, pet1)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !started.Started() {
		t.Fatal("turn not marked started")
	}

	// Re-starting the running turn is a no-op, not an error.
	again, err := r.engine.StartTurn(ctx, 1, round.ID, turns[0].ID, pet1)
	if err != nil {
		t.Fatalf("repeat start: %v", err)
	}
	if !again.StartedAt.Equal(*started.StartedAt) {
		t.Errorf("repeat start moved started_at from %v to %v",
			started.StartedAt, again.StartedAt)
	}
}

func TestSubmitTurnOwnership(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	round, turns := r.seedRound(t, "JURIS-RND004")

	// Submitting an unstarted turn is refused.
	_, err := r.engine.SubmitTurn(ctx, 1, round.ID, turns[0].ID, "argument", pet1)
	if models.CodeOf(err) != models.ErrCodeTurnNotStarted {
		t.Fatalf("unstarted submit: err = %v, want TURN_NOT_STARTED", err)
	}

	if _, err := r.engine.StartTurn(ctx, 1, round.ID, turns[0].ID, pet1); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A different speaker may not close someone else's turn.
	_, err = r.engine.SubmitTurn(ctx, 1, round.ID, turns[0].ID, "hijack", res1)
	if models.CodeOf(err) != models.ErrCodeNotCurrentSpeaker {
		t.Fatalf("wrong speaker submit: err = %v, want NOT_CURRENT_SPEAKER", err)
	}

	turn, err := r.engine.SubmitTurn(ctx, 1, round.ID, turns[0].ID, "may it please the court", pet1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !turn.IsSubmitted || turn.AutoSubmitted {
		t.Errorf("turn = %+v, want manual submission", turn)
	}

	// First-wins: once closed, every later submit sees the same refusal.
	_, err = r.engine.SubmitTurn(ctx, 1, round.ID, turns[0].ID, "again", pet1)
	if models.CodeOf(err) != models.ErrCodeTurnAlreadySubmitted {
		t.Fatalf("double submit: err = %v, want TURN_ALREADY_SUBMITTED", err)
	}
}

func TestSubmitTurnTranscriptCap(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	round, turns := r.seedRound(t, "JURIS-RND005")

	huge := strings.Repeat("a", models.TranscriptMaxBytes+1)
	_, err := r.engine.SubmitTurn(ctx, 1, round.ID, turns[0].ID, huge, pet1)
	if models.CodeOf(err) != models.ErrCodeValidationFailed {
		t.Fatalf("oversized transcript: err = %v, want VALIDATION_FAILED", err)
	}
	derr := models.AsDomainError(err)
	if derr.Details["got_bytes"] != models.TranscriptMaxBytes+1 {
		t.Errorf("got_bytes detail = %v", derr.Details["got_bytes"])
	}
}

func TestTimerCountsDown(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	round, turns := r.seedRound(t, "JURIS-RND006")

	// No active turn: a bare reading, no expiry.
	reading, err := r.engine.Timer(ctx, 1, round.ID)
	if err != nil {
		t.Fatalf("timer: %v", err)
	}
	if reading.Expired || reading.StartedAt != nil {
		t.Errorf("idle reading = %+v, want bare", reading)
	}

	if _, err := r.engine.StartTurn(ctx, 1, round.ID, turns[0].ID, pet1); err != nil {
		t.Fatalf("start: %v", err)
	}
	reading, err = r.engine.Timer(ctx, 1, round.ID)
	if err != nil {
		t.Fatalf("timer: %v", err)
	}
	if reading.Expired {
		t.Error("fresh turn reported expired")
	}
	if reading.RemainingSeconds <= 290 || reading.RemainingSeconds > 300 {
		t.Errorf("remaining = %d, want close to 300", reading.RemainingSeconds)
	}
}

func TestTimerExpiryForceSubmits(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	round, turns := r.seedRound(t, "JURIS-RND007")

	if _, err := r.engine.StartTurn(ctx, 1, round.ID, turns[0].ID, pet1); err != nil {
		t.Fatalf("start: %v", err)
	}
	// One second past the 300s ceiling.
	r.backdateTurn(t, turns[0].ID, 301*time.Second)

	reading, err := r.engine.Timer(ctx, 1, round.ID)
	if err != nil {
		t.Fatalf("timer: %v", err)
	}
	if !reading.Expired || reading.RemainingSeconds != 0 {
		t.Fatalf("reading = %+v, want expired at 0", reading)
	}

	// The read settled the turn as an auto-submission.
	turn, err := r.db.GetTurn(ctx, r.db.Conn(), turns[0].ID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if !turn.IsSubmitted || !turn.AutoSubmitted {
		t.Fatalf("turn = %+v, want auto-submitted", turn)
	}

	// The speaker's late submit loses cleanly.
	_, err = r.engine.SubmitTurn(ctx, 1, round.ID, turns[0].ID, "too late", pet1)
	if models.CodeOf(err) != models.ErrCodeTurnAlreadySubmitted {
		t.Fatalf("late submit: err = %v, want TURN_ALREADY_SUBMITTED", err)
	}

	// Exactly one AUTO_SUBMIT on the record, attributed to the system.
	events, err := r.log.Replay(ctx, models.AggregateRound, round.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	autos := 0
	for _, e := range events {
		if e.Action == models.ActionAutoSubmit {
			autos++
			if e.ActorUserID != nil {
				t.Error("auto-submit attributed to a user")
			}
		}
	}
	if autos != 1 {
		t.Errorf("AUTO_SUBMIT events = %d, want exactly 1", autos)
	}
}

func TestSweepSettlesExpiredTurns(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	round, turns := r.seedRound(t, "JURIS-RND008")

	if _, err := r.engine.StartTurn(ctx, 1, round.ID, turns[0].ID, pet1); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.backdateTurn(t, turns[0].ID, 400*time.Second)

	sweeper := NewSweeper(r.engine, time.Second)
	sweeper.sweep(ctx)

	turn, err := r.db.GetTurn(ctx, r.db.Conn(), turns[0].ID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if !turn.IsSubmitted || !turn.AutoSubmitted {
		t.Fatalf("turn = %+v, want swept", turn)
	}

	// A second sweep finds nothing to do.
	sweeper.sweep(ctx)
}

func TestRoundsAreScopedToInstitution(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	round, turns := r.seedRound(t, "JURIS-RND010")

	// Every round-scoped read and write reports NOT_FOUND to another
	// institution, never the round's existence.
	const outsider = int64(2)
	if _, _, err := r.engine.GetRound(ctx, outsider, round.ID); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Errorf("cross-tenant get: err = %v, want NOT_FOUND", err)
	}
	if _, err := r.engine.StartTurn(ctx, outsider, round.ID, turns[0].ID, pet1); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Errorf("cross-tenant start: err = %v, want NOT_FOUND", err)
	}
	if _, err := r.engine.SubmitTurn(ctx, outsider, round.ID, turns[0].ID, "argument", pet1); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Errorf("cross-tenant submit: err = %v, want NOT_FOUND", err)
	}
	if _, err := r.engine.Timer(ctx, outsider, round.ID); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Errorf("cross-tenant timer: err = %v, want NOT_FOUND", err)
	}
	if _, err := r.engine.machine.TransitionRound(ctx, outsider, round.ID,
		models.RoundArgumentPetitioner, statemachine.Request{Actor: faculty}); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Errorf("cross-tenant transition: err = %v, want NOT_FOUND", err)
	}

	// The owning institution is unaffected.
	if _, _, err := r.engine.GetRound(ctx, 1, round.ID); err != nil {
		t.Fatalf("owner get: %v", err)
	}
}

func TestForceSubmitResolvesOwningInstitution(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	round, turns := r.seedRound(t, "JURIS-RND011")

	if _, err := r.engine.StartTurn(ctx, 1, round.ID, turns[0].ID, pet1); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.backdateTurn(t, turns[0].ID, 301*time.Second)

	// The sweeper holds only a round id; the settled event must still
	// carry the round's institution so the feed stays scoped.
	if _, err := r.engine.ForceSubmit(ctx, round.ID, turns[0].ID); err != nil {
		t.Fatalf("force submit: %v", err)
	}

	events, err := r.log.Since(ctx, 1, 0, 100)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Action == models.ActionAutoSubmit {
			found = true
			if e.InstitutionID != 1 {
				t.Errorf("auto-submit institution = %d, want 1", e.InstitutionID)
			}
		}
	}
	if !found {
		t.Fatal("auto-submit missing from the owning institution's feed")
	}
}

func TestSubmitAdvancesRoundPhase(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	round, turns := r.seedRound(t, "JURIS-RND009")

	// Faculty opens the round into the first speaking phase.
	if _, err := r.engine.machine.TransitionRound(ctx, 1, round.ID,
		models.RoundArgumentPetitioner, statemachine.Request{Actor: faculty}); err != nil {
		t.Fatalf("open round: %v", err)
	}

	if _, err := r.engine.StartTurn(ctx, 1, round.ID, turns[0].ID, pet1); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := r.engine.SubmitTurn(ctx, 1, round.ID, turns[0].ID, "opening", pet1); err != nil {
		t.Fatalf("submit: %v", err)
	}

	cur, err := r.db.GetRound(ctx, r.db.Conn(), 1, round.ID)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	if cur.State != models.RoundArgumentRespondent {
		t.Errorf("state = %s, want ARGUMENT_RESPONDENT after first turn", cur.State)
	}
}
