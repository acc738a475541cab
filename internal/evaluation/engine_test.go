// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package evaluation

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
	judge   = models.Actor{UserID: 50, Role: models.RoleJudge}
	pet1    = models.Actor{UserID: 101, Role: models.RoleStudent}
	res1    = models.Actor{UserID: 102, Role: models.RoleStudent}
)

type rig struct {
	engine *Engine
	db     *database.DB
	log    *eventlog.Log

	session *models.Session
	round   *models.Round
	turns   []*models.Turn
	roster  map[int64]*models.Participant // by user id
	rubric  *models.RubricVersion
}

// newTestRig seeds a session with two speakers, one round with its
// pre-created turns, and a two-criterion rubric (framing/10, reasoning/20).
func newTestRig(t *testing.T) *rig {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(&config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	log := eventlog.NewLog(db, nil)

	r := &rig{engine: New(db, log), db: db, log: log, roster: map[int64]*models.Participant{}}

	now, err := db.Now(ctx)
	if err != nil {
		t.Fatalf("read clock: %v", err)
	}

	r.session = &models.Session{
		InstitutionID:  1,
		FacultyID:      faculty.UserID,
		SessionCode:    "JURIS-EVL001",
		State:          models.SessionPreparing,
		Version:        1,
		CreatedAt:      now,
		StateUpdatedAt: now,
	}
	if err := db.InsertSession(ctx, db.Conn(), r.session); err != nil {
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
			SessionID:     r.session.ID,
			UserID:        seat.user,
			Side:          &side,
			SpeakerNumber: &speaker,
			JoinedAt:      now,
			Connection:    models.ConnectionConnected,
			LastSeenAt:    now,
			IsActive:      true,
		}
		if err := db.InsertParticipant(ctx, db.Conn(), p); err != nil {
			t.Fatalf("insert participant: %v", err)
		}
		r.roster[seat.user] = p
	}

	r.round = &models.Round{
		SessionID:        r.session.ID,
		RoundNumber:      1,
		PetitionerID:     pet1.UserID,
		RespondentID:     res1.UserID,
		JudgeID:          judge.UserID,
		State:            models.RoundScoring,
		TimeLimitSeconds: 300,
		Version:          1,
		CreatedAt:        now,
		StateUpdatedAt:   now,
	}
	if err := db.InsertRound(ctx, db.Conn(), r.round); err != nil {
		t.Fatalf("insert round: %v", err)
	}

	submitted := now
	for i, user := range []int64{pet1.UserID, res1.UserID} {
		started := now.Add(-300 * time.Second)
		turn := &models.Turn{
			RoundID:        r.round.ID,
			ParticipantID:  r.roster[user].ID,
			TurnOrder:      i + 1,
			AllowedSeconds: 300,
			StartedAt:      &started,
			SubmittedAt:    &submitted,
			Transcript:     "argument text",
			IsSubmitted:    true,
		}
		if err := db.InsertTurn(ctx, db.Conn(), turn); err != nil {
			t.Fatalf("insert turn: %v", err)
		}
		r.turns = append(r.turns, turn)
	}

	r.rubric, err = r.engine.CreateRubricVersion(ctx, 1, "appellate", []models.Criterion{
		{Key: "framing", Label: "Issue framing", MaxScore: 10},
		{Key: "reasoning", Label: "Legal reasoning", MaxScore: 20},
	}, faculty)
	if err != nil {
		t.Fatalf("create rubric: %v", err)
	}
	return r
}

func (r *rig) assignJudge(t *testing.T, blind bool) {
	t.Helper()
	if _, err := r.engine.AssignJudge(context.Background(), 1, judge.UserID, r.round.ID, blind, faculty); err != nil {
		t.Fatalf("assign judge: %v", err)
	}
}

func TestCreateRubricVersionValidation(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	// Versions increase within a family.
	if r.rubric.VersionNumber != 1 {
		t.Errorf("version = %d, want 1", r.rubric.VersionNumber)
	}
	v2, err := r.engine.CreateRubricVersion(ctx, 1, "appellate", []models.Criterion{
		{Key: "framing", Label: "Issue framing", MaxScore: 10},
	}, faculty)
	if err != nil {
		t.Fatalf("second version: %v", err)
	}
	if v2.VersionNumber != 2 {
		t.Errorf("version = %d, want 2", v2.VersionNumber)
	}

	_, err = r.engine.CreateRubricVersion(ctx, 1, "dup", []models.Criterion{
		{Key: "framing", Label: "A", MaxScore: 10},
		{Key: "framing", Label: "B", MaxScore: 10},
	}, faculty)
	if models.CodeOf(err) != models.ErrCodeValidationFailed {
		t.Errorf("duplicate keys: err = %v, want VALIDATION_FAILED", err)
	}

	_, err = r.engine.CreateRubricVersion(ctx, 1, "empty", nil, faculty)
	if models.CodeOf(err) != models.ErrCodeValidationFailed {
		t.Errorf("no criteria: err = %v, want VALIDATION_FAILED", err)
	}

	_, err = r.engine.CreateRubricVersion(ctx, 1, "x", []models.Criterion{
		{Key: "framing", Label: "A", MaxScore: 10},
	}, judge)
	if models.CodeOf(err) != models.ErrCodeUnauthorizedRole {
		t.Errorf("judge-created rubric: err = %v, want UNAUTHORIZED_ROLE", err)
	}
}

func TestEvaluationRequiresAssignment(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	scores := map[string]int{"framing": 8, "reasoning": 18}
	_, err := r.engine.CreateOrUpdate(ctx, 1, r.round.ID,
		r.roster[pet1.UserID].ID, r.rubric.ID, scores, "", judge)
	if models.CodeOf(err) != models.ErrCodeForbidden {
		t.Fatalf("unassigned judge: err = %v, want FORBIDDEN", err)
	}

	if _, err := r.engine.PrepareBlindView(ctx, 1, r.round.ID, judge); models.CodeOf(err) != models.ErrCodeForbidden {
		t.Fatalf("unassigned blind view: err = %v, want FORBIDDEN", err)
	}
}

func TestEvaluationRoundScopedToInstitution(t *testing.T) {
	r := newTestRig(t)
	r.assignJudge(t, false)
	ctx := context.Background()

	// Another institution sees the round as absent, on reads and writes
	// alike, before any assignment detail leaks.
	const outsider = int64(2)
	if _, err := r.engine.PrepareBlindView(ctx, outsider, r.round.ID, judge); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Errorf("cross-tenant blind view: err = %v, want NOT_FOUND", err)
	}
	_, err := r.engine.CreateOrUpdate(ctx, outsider, r.round.ID,
		r.roster[pet1.UserID].ID, r.rubric.ID,
		map[string]int{"framing": 5, "reasoning": 10}, "", judge)
	if models.CodeOf(err) != models.ErrCodeNotFound {
		t.Errorf("cross-tenant score: err = %v, want NOT_FOUND", err)
	}
	if _, err := r.engine.AssignJudge(ctx, outsider, judge.UserID, r.round.ID, false, faculty); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Errorf("cross-tenant assign: err = %v, want NOT_FOUND", err)
	}
}

func TestEvaluationScoreValidation(t *testing.T) {
	r := newTestRig(t)
	r.assignJudge(t, false)
	ctx := context.Background()
	pid := r.roster[pet1.UserID].ID

	cases := []map[string]int{
		{"framing": 11, "reasoning": 18}, // over ceiling
		{"framing": -1, "reasoning": 18}, // negative
		{"framing": 8},                   // missing criterion
		{"framing": 8, "reasoning": 18, "style": 5}, // unknown key
	}
	for i, scores := range cases {
		_, err := r.engine.CreateOrUpdate(ctx, 1, r.round.ID, pid, r.rubric.ID, scores, "", judge)
		if models.CodeOf(err) != models.ErrCodeValidationFailed {
			t.Errorf("case %d: err = %v, want VALIDATION_FAILED", i, err)
		}
	}
}

func TestEvaluationLifecycle(t *testing.T) {
	r := newTestRig(t)
	r.assignJudge(t, false)
	ctx := context.Background()
	pid := r.roster[pet1.UserID].ID

	ev, err := r.engine.CreateOrUpdate(ctx, 1, r.round.ID, pid, r.rubric.ID,
		map[string]int{"framing": 7, "reasoning": 15}, "solid", judge)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !ev.IsDraft || ev.IsFinal {
		t.Fatalf("evaluation = %+v, want draft", ev)
	}
	if ev.TotalScore != 22 {
		t.Errorf("total = %v, want 22", ev.TotalScore)
	}

	// Drafts update in place.
	ev, err = r.engine.CreateOrUpdate(ctx, 1, r.round.ID, pid, r.rubric.ID,
		map[string]int{"framing": 8, "reasoning": 18}, "revised", judge)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if ev.TotalScore != 26 {
		t.Errorf("total = %v, want 26", ev.TotalScore)
	}

	// The rubric pin may not change on an existing draft.
	v2, err := r.engine.CreateRubricVersion(ctx, 1, "appellate", []models.Criterion{
		{Key: "framing", Label: "Issue framing", MaxScore: 10},
		{Key: "reasoning", Label: "Legal reasoning", MaxScore: 20},
	}, faculty)
	if err != nil {
		t.Fatalf("second rubric version: %v", err)
	}
	_, err = r.engine.CreateOrUpdate(ctx, 1, r.round.ID, pid, v2.ID,
		map[string]int{"framing": 8, "reasoning": 18}, "", judge)
	if models.CodeOf(err) != models.ErrCodeValidationFailed {
		t.Errorf("rubric swap: err = %v, want VALIDATION_FAILED", err)
	}

	final, err := r.engine.Finalize(ctx, 1, ev.ID, judge)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !final.IsFinal || final.IsDraft || final.FinalizedAt == nil {
		t.Fatalf("evaluation = %+v, want final", final)
	}

	// Finalizing again is an idempotent no-op.
	again, err := r.engine.Finalize(ctx, 1, ev.ID, judge)
	if err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if !again.IsFinal {
		t.Error("repeat finalize lost finality")
	}

	// Once final, every write is locked out and the row is unchanged.
	_, err = r.engine.CreateOrUpdate(ctx, 1, r.round.ID, pid, r.rubric.ID,
		map[string]int{"framing": 1, "reasoning": 1}, "tamper", judge)
	if models.CodeOf(err) != models.ErrCodeEvaluationLocked {
		t.Fatalf("post-final write: err = %v, want EVALUATION_LOCKED", err)
	}
	stored, err := r.db.GetEvaluationByID(ctx, r.db.Conn(), 1, ev.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.TotalScore != 26 || stored.Scores["framing"] != 8 || stored.Scores["reasoning"] != 18 {
		t.Errorf("stored = %+v, finalized scores must be immutable", stored)
	}
}

func TestFinalizeOwnership(t *testing.T) {
	r := newTestRig(t)
	r.assignJudge(t, false)
	ctx := context.Background()

	ev, err := r.engine.CreateOrUpdate(ctx, 1, r.round.ID,
		r.roster[pet1.UserID].ID, r.rubric.ID,
		map[string]int{"framing": 5, "reasoning": 10}, "", judge)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	other := models.Actor{UserID: 51, Role: models.RoleJudge}
	_, err = r.engine.Finalize(ctx, 1, ev.ID, other)
	if models.CodeOf(err) != models.ErrCodeForbidden {
		t.Fatalf("foreign finalize: err = %v, want FORBIDDEN", err)
	}
}

func TestObserversAreNotScored(t *testing.T) {
	r := newTestRig(t)
	r.assignJudge(t, false)
	ctx := context.Background()

	now, _ := r.db.Now(ctx)
	obs := &models.Participant{
		SessionID: r.session.ID, UserID: 900,
		JoinedAt: now, Connection: models.ConnectionConnected,
		LastSeenAt: now, IsActive: true,
	}
	if err := r.db.InsertParticipant(ctx, r.db.Conn(), obs); err != nil {
		t.Fatalf("insert observer: %v", err)
	}

	_, err := r.engine.CreateOrUpdate(ctx, 1, r.round.ID, obs.ID, r.rubric.ID,
		map[string]int{"framing": 5, "reasoning": 10}, "", judge)
	if models.CodeOf(err) != models.ErrCodeValidationFailed {
		t.Fatalf("observer score: err = %v, want VALIDATION_FAILED", err)
	}
}

func TestBlindViewStripsIdentity(t *testing.T) {
	r := newTestRig(t)
	r.assignJudge(t, true)
	ctx := context.Background()

	artifact, err := r.engine.PrepareBlindView(ctx, 1, r.round.ID, judge)
	if err != nil {
		t.Fatalf("blind view: %v", err)
	}
	if artifact.PetitionerHandle != "Speaker #1" {
		t.Errorf("petitioner handle = %q, want opaque Speaker #1", artifact.PetitionerHandle)
	}
	if artifact.RespondentHandle != "Speaker #3" {
		t.Errorf("respondent handle = %q, want opaque Speaker #3", artifact.RespondentHandle)
	}
	if len(artifact.Turns) != 2 {
		t.Fatalf("turns = %d, want 2 submitted transcripts", len(artifact.Turns))
	}
	for _, turn := range artifact.Turns {
		if turn.SpeakerHandle != "Speaker #1" && turn.SpeakerHandle != "Speaker #3" {
			t.Errorf("speaker handle %q leaks identity", turn.SpeakerHandle)
		}
		if turn.Transcript == "" {
			t.Error("transcript missing from artifact")
		}
	}
}

func TestAggregateRanksByMeanScore(t *testing.T) {
	r := newTestRig(t)
	r.assignJudge(t, false)
	ctx := context.Background()
	petID := r.roster[pet1.UserID].ID
	resID := r.roster[res1.UserID].ID

	for _, sc := range []struct {
		pid    int64
		scores map[string]int
	}{
		{petID, map[string]int{"framing": 9, "reasoning": 19}}, // 28
		{resID, map[string]int{"framing": 6, "reasoning": 14}}, // 20
	} {
		ev, err := r.engine.CreateOrUpdate(ctx, 1, r.round.ID, sc.pid, r.rubric.ID, sc.scores, "", judge)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := r.engine.Finalize(ctx, 1, ev.ID, judge); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}

	// An unfinalized draft must not move the ranking; re-score the
	// respondent as a draft under a second judge.
	second := models.Actor{UserID: 51, Role: models.RoleJudge}
	if _, err := r.engine.AssignJudge(ctx, 1, second.UserID, r.round.ID, false, faculty); err != nil {
		t.Fatalf("assign second judge: %v", err)
	}
	if _, err := r.engine.CreateOrUpdate(ctx, 1, r.round.ID, resID, r.rubric.ID,
		map[string]int{"framing": 10, "reasoning": 20}, "", second); err != nil {
		t.Fatalf("draft: %v", err)
	}

	results, err := r.engine.Aggregate(ctx, r.session.ID)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ParticipantID != petID || results[0].Rank != 1 || results[0].MeanTotalScore != 28 {
		t.Errorf("first = %+v, want petitioner at 28", results[0])
	}
	if results[1].ParticipantID != resID || results[1].Rank != 2 || results[1].MeanTotalScore != 20 {
		t.Errorf("second = %+v, want respondent at 20", results[1])
	}
}
