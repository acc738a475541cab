// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/gavelworks/oyez/internal/config"
	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/eventlog"
	"github.com/gavelworks/oyez/internal/models"
)

var (
	faculty = models.Actor{UserID: 10, Role: models.RoleFaculty}
	student = models.Actor{UserID: 20, Role: models.RoleStudent}
)

func newTestMachine(t *testing.T) (*Machine, *database.DB, *eventlog.Log) {
	t.Helper()
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := eventlog.NewLog(db, nil)
	cfg := config.Default().Engine
	m, err := New(context.Background(), db, log, &cfg)
	if err != nil {
		t.Fatalf("build machine: %v", err)
	}
	return m, db, log
}

func insertSession(t *testing.T, db *database.DB, code string, state models.SessionState) *models.Session {
	t.Helper()
	ctx := context.Background()
	now, err := db.Now(ctx)
	if err != nil {
		t.Fatalf("read clock: %v", err)
	}
	s := &models.Session{
		InstitutionID:  1,
		FacultyID:      faculty.UserID,
		SessionCode:    code,
		State:          state,
		Version:        1,
		CreatedAt:      now,
		StateUpdatedAt: now,
	}
	if err := db.InsertSession(ctx, db.Conn(), s); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return s
}

func TestTransitionSessionApplied(t *testing.T) {
	m, db, _ := newTestMachine(t)
	ctx := context.Background()
	s := insertSession(t, db, "JURIS-MCH001", models.SessionCreated)

	got, err := m.TransitionSession(ctx, 1, s.ID, models.SessionPreparing, Request{Actor: faculty})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.State != models.SessionPreparing {
		t.Errorf("state = %s, want PREPARING", got.State)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}

	n, err := db.CountSuccessfulTransitions(ctx, db.Conn(), models.AggregateSession, s.ID)
	if err != nil {
		t.Fatalf("count transitions: %v", err)
	}
	if n != int(got.Version)-1 {
		t.Errorf("recorded transitions = %d, want version-1 = %d", n, got.Version-1)
	}
}

func TestTransitionSessionInvalidAdjacency(t *testing.T) {
	m, db, log := newTestMachine(t)
	ctx := context.Background()
	s := insertSession(t, db, "JURIS-MCH002", models.SessionCreated)

	_, err := m.TransitionSession(ctx, 1, s.ID, models.SessionJudging, Request{Actor: faculty})
	if models.CodeOf(err) != models.ErrCodeInvalidTransition {
		t.Fatalf("err = %v, want INVALID_TRANSITION", err)
	}

	derr := models.AsDomainError(err)
	allowed, ok := derr.Details["allowed_next"].([]string)
	if !ok {
		t.Fatalf("allowed_next detail missing: %v", derr.Details)
	}
	want := map[string]bool{"PREPARING": true, "CANCELLED": true}
	if len(allowed) != len(want) {
		t.Fatalf("allowed_next = %v, want PREPARING and CANCELLED", allowed)
	}
	for _, a := range allowed {
		if !want[a] {
			t.Errorf("unexpected allowed_next entry %q", a)
		}
	}

	// The session did not move.
	cur, err := db.GetSession(ctx, db.Conn(), 1, s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if cur.State != models.SessionCreated || cur.Version != 1 {
		t.Errorf("session moved to %s v%d after rejected transition", cur.State, cur.Version)
	}

	// The rejection itself is on the record.
	events, err := log.Replay(ctx, models.AggregateSession, s.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Action == models.ActionTransitionRejected && !e.IsSuccessful {
			found = true
		}
	}
	if !found {
		t.Error("no TRANSITION_REJECTED event recorded")
	}
}

func TestTransitionSessionNoop(t *testing.T) {
	m, db, log := newTestMachine(t)
	ctx := context.Background()
	s := insertSession(t, db, "JURIS-MCH003", models.SessionPreparing)

	got, err := m.TransitionSession(ctx, 1, s.ID, models.SessionPreparing, Request{Actor: faculty})
	if err != nil {
		t.Fatalf("noop transition: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, noop must not bump it", got.Version)
	}

	events, err := log.Replay(ctx, models.AggregateSession, s.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != 1 || events[0].Action != models.ActionTransitionNoop {
		t.Errorf("events = %+v, want exactly one TRANSITION_NOOP", events)
	}
}

func TestTransitionSessionVersionGuard(t *testing.T) {
	m, db, _ := newTestMachine(t)
	ctx := context.Background()
	s := insertSession(t, db, "JURIS-MCH004", models.SessionCreated)

	_, err := m.TransitionSession(ctx, 1, s.ID, models.SessionPreparing,
		Request{Actor: faculty, ExpectedVersion: 99})
	if models.CodeOf(err) != models.ErrCodeConcurrentModification {
		t.Fatalf("err = %v, want CONCURRENT_MODIFICATION", err)
	}

	// The right expected version goes through.
	if _, err := m.TransitionSession(ctx, 1, s.ID, models.SessionPreparing,
		Request{Actor: faculty, ExpectedVersion: 1}); err != nil {
		t.Fatalf("transition with correct version: %v", err)
	}
}

func TestTransitionSessionRequiresFaculty(t *testing.T) {
	m, db, _ := newTestMachine(t)
	ctx := context.Background()
	s := insertSession(t, db, "JURIS-MCH005", models.SessionCreated)

	_, err := m.TransitionSession(ctx, 1, s.ID, models.SessionPreparing, Request{Actor: student})
	if models.CodeOf(err) != models.ErrCodeForbidden {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}
}

func TestTransitionSessionTimedPhase(t *testing.T) {
	m, db, _ := newTestMachine(t)
	ctx := context.Background()
	s := insertSession(t, db, "JURIS-MCH006", models.SessionPreparing)

	got, err := m.TransitionSession(ctx, 1, s.ID, models.SessionArgumentPetitioner,
		Request{Actor: faculty, PhaseDurationSeconds: 120})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.PhaseStartedAt == nil || got.PhaseDurationSeconds == nil {
		t.Fatal("timed phase must set both timer fields")
	}
	if *got.PhaseDurationSeconds != 120 {
		t.Errorf("duration = %d, want 120", *got.PhaseDurationSeconds)
	}
	if !got.TimerConsistent() {
		t.Error("timer fields inconsistent")
	}
}

func TestTransitionSessionPauseResume(t *testing.T) {
	m, db, _ := newTestMachine(t)
	ctx := context.Background()
	s := insertSession(t, db, "JURIS-MCH007", models.SessionPreparing)

	if _, err := m.TransitionSession(ctx, 1, s.ID, models.SessionArgumentPetitioner,
		Request{Actor: faculty}); err != nil {
		t.Fatalf("enter phase: %v", err)
	}

	paused, err := m.TransitionSession(ctx, 1, s.ID, models.SessionPaused, Request{Actor: faculty})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.PreviousState == nil || *paused.PreviousState != models.SessionArgumentPetitioner {
		t.Fatalf("previous_state = %v, want ARGUMENT_PETITIONER", paused.PreviousState)
	}

	// Resuming anywhere but the captured previous state is rejected.
	_, err = m.TransitionSession(ctx, 1, s.ID, models.SessionRebuttal, Request{Actor: faculty})
	if models.CodeOf(err) != models.ErrCodeInvalidTransition {
		t.Fatalf("resume to wrong state: err = %v, want INVALID_TRANSITION", err)
	}

	resumed, err := m.TransitionSession(ctx, 1, s.ID, models.SessionArgumentPetitioner,
		Request{Actor: faculty})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.State != models.SessionArgumentPetitioner {
		t.Errorf("state = %s, want ARGUMENT_PETITIONER", resumed.State)
	}
	if resumed.PreviousState != nil {
		t.Error("previous_state must clear on resume")
	}
}

func TestTransitionSessionForced(t *testing.T) {
	m, db, _ := newTestMachine(t)
	ctx := context.Background()
	s := insertSession(t, db, "JURIS-MCH008", models.SessionCreated)

	// Students may not force.
	_, err := m.TransitionSession(ctx, 1, s.ID, models.SessionJudging,
		Request{Actor: student, Forced: true})
	if models.CodeOf(err) != models.ErrCodeForbidden {
		t.Fatalf("student force: err = %v, want FORBIDDEN", err)
	}

	got, err := m.TransitionSession(ctx, 1, s.ID, models.SessionJudging,
		Request{Actor: faculty, Forced: true, Reason: "schedule slip"})
	if err != nil {
		t.Fatalf("forced transition: %v", err)
	}
	if got.State != models.SessionJudging {
		t.Errorf("state = %s, want JUDGING", got.State)
	}

	// Even forced transitions never leave a terminal state.
	if _, err := m.TransitionSession(ctx, 1, s.ID, models.SessionCancelled,
		Request{Actor: faculty}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = m.TransitionSession(ctx, 1, s.ID, models.SessionPreparing,
		Request{Actor: faculty, Forced: true})
	if models.CodeOf(err) != models.ErrCodeInvalidTransition {
		t.Fatalf("forced out of terminal: err = %v, want INVALID_TRANSITION", err)
	}
}

func TestCompletionRequiresFinalizedEvaluations(t *testing.T) {
	m, db, _ := newTestMachine(t)
	ctx := context.Background()
	s := insertSession(t, db, "JURIS-MCH009", models.SessionJudging)
	now, err := db.Now(ctx)
	if err != nil {
		t.Fatalf("read clock: %v", err)
	}

	round := &models.Round{
		SessionID:        s.ID,
		RoundNumber:      1,
		PetitionerID:     201,
		RespondentID:     202,
		JudgeID:          50,
		State:            models.RoundCompleted,
		TimeLimitSeconds: 300,
		Version:          1,
		CreatedAt:        now,
		StateUpdatedAt:   now,
	}
	if err := db.InsertRound(ctx, db.Conn(), round); err != nil {
		t.Fatalf("insert round: %v", err)
	}

	// The round ran to completion but neither speaker has a finalized
	// evaluation, so the session may not complete yet.
	_, err = m.TransitionSession(ctx, 1, s.ID, models.SessionCompleted, Request{Actor: faculty})
	if models.CodeOf(err) != models.ErrCodePreconditionFailed {
		t.Fatalf("complete without evaluations: err = %v, want PRECONDITION_FAILED", err)
	}
	derr := models.AsDomainError(err)
	if derr.Details["unevaluated_speakers"] != 2 {
		t.Errorf("unevaluated_speakers detail = %v, want 2", derr.Details["unevaluated_speakers"])
	}

	// A draft is not enough; only finalized evaluations satisfy the guard.
	for i, pid := range []int64{201, 202} {
		final := i == 1
		var finalizedAt *time.Time
		if final {
			finalizedAt = &now
		}
		ev := &models.JudgeEvaluation{
			InstitutionID:   1,
			RoundID:         round.ID,
			JudgeID:         50,
			ParticipantID:   pid,
			RubricVersionID: 1,
			Scores:          map[string]int{"framing": 7},
			TotalScore:      7,
			IsDraft:         !final,
			IsFinal:         final,
			FinalizedAt:     finalizedAt,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := db.InsertEvaluation(ctx, db.Conn(), ev); err != nil {
			t.Fatalf("insert evaluation %d: %v", i, err)
		}
	}
	_, err = m.TransitionSession(ctx, 1, s.ID, models.SessionCompleted, Request{Actor: faculty})
	if models.CodeOf(err) != models.ErrCodePreconditionFailed {
		t.Fatalf("complete with draft: err = %v, want PRECONDITION_FAILED", err)
	}

	// Finalize the remaining draft and the session completes.
	if _, err := db.Conn().ExecContext(ctx, `UPDATE judge_evaluations
			SET is_draft = FALSE, is_final = TRUE, finalized_at = ?
			WHERE round_id = ? AND participant_id = 201`, now, round.ID); err != nil {
		t.Fatalf("finalize draft: %v", err)
	}
	got, err := m.TransitionSession(ctx, 1, s.ID, models.SessionCompleted, Request{Actor: faculty})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.State != models.SessionCompleted {
		t.Errorf("state = %s, want COMPLETED", got.State)
	}
}

func TestCompletionRequiresFinishedRounds(t *testing.T) {
	m, db, _ := newTestMachine(t)
	ctx := context.Background()
	s := insertSession(t, db, "JURIS-MCH010", models.SessionJudging)
	now, err := db.Now(ctx)
	if err != nil {
		t.Fatalf("read clock: %v", err)
	}

	round := &models.Round{
		SessionID:        s.ID,
		RoundNumber:      1,
		PetitionerID:     201,
		RespondentID:     202,
		JudgeID:          50,
		State:            models.RoundWaiting,
		TimeLimitSeconds: 300,
		Version:          1,
		CreatedAt:        now,
		StateUpdatedAt:   now,
	}
	if err := db.InsertRound(ctx, db.Conn(), round); err != nil {
		t.Fatalf("insert round: %v", err)
	}

	_, err = m.TransitionSession(ctx, 1, s.ID, models.SessionCompleted, Request{Actor: faculty})
	if models.CodeOf(err) != models.ErrCodePreconditionFailed {
		t.Fatalf("complete with open round: err = %v, want PRECONDITION_FAILED", err)
	}
	derr := models.AsDomainError(err)
	if derr.Details["incomplete_rounds"] != 1 {
		t.Errorf("incomplete_rounds detail = %v, want 1", derr.Details["incomplete_rounds"])
	}
}

func TestAllowedNext(t *testing.T) {
	m, _, _ := newTestMachine(t)

	next := m.AllowedNext(KindRound, string(models.RoundWaiting))
	found := false
	for _, s := range next {
		if s == string(models.RoundArgumentPetitioner) {
			found = true
		}
	}
	if !found {
		t.Errorf("AllowedNext(round, WAITING) = %v, want ARGUMENT_PETITIONER included", next)
	}
}
