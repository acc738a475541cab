// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package leaderboard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/gavelworks/oyez/internal/config"
	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/eventlog"
	"github.com/gavelworks/oyez/internal/models"
)

var (
	faculty = models.Actor{UserID: 10, Role: models.RoleFaculty}
	admin   = models.Actor{UserID: 11, Role: models.RoleAdmin}
	student = models.Actor{UserID: 101, Role: models.RoleStudent}
)

type rig struct {
	engine *Engine
	db     *database.DB
	log    *eventlog.Log

	session *models.Session
	round   *models.Round
	petID   int64
	resID   int64
	rubric  *models.RubricVersion
}

// newTestRig seeds a COMPLETED session with two speakers and one round.
// Finalized evaluations are added per test.
func newTestRig(t *testing.T) *rig {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(&config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	log := eventlog.NewLog(db, nil)

	r := &rig{engine: New(db, log), db: db, log: log}

	now, err := db.Now(ctx)
	if err != nil {
		t.Fatalf("read clock: %v", err)
	}

	r.session = &models.Session{
		InstitutionID:  1,
		FacultyID:      faculty.UserID,
		SessionCode:    "JURIS-LDB001",
		State:          models.SessionCompleted,
		Version:        1,
		CreatedAt:      now,
		StateUpdatedAt: now,
		CompletedAt:    &now,
	}
	if err := db.InsertSession(ctx, db.Conn(), r.session); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	for _, seat := range []struct {
		user    int64
		side    models.Side
		speaker int
		target  *int64
	}{
		{101, models.SidePetitioner, 1, &r.petID},
		{102, models.SideRespondent, 1, &r.resID},
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
		*seat.target = p.ID
	}

	r.round = &models.Round{
		SessionID:        r.session.ID,
		RoundNumber:      1,
		PetitionerID:     101,
		RespondentID:     102,
		JudgeID:          50,
		State:            models.RoundCompleted,
		TimeLimitSeconds: 300,
		Version:          1,
		CreatedAt:        now,
		StateUpdatedAt:   now,
		CompletedAt:      &now,
	}
	if err := db.InsertRound(ctx, db.Conn(), r.round); err != nil {
		t.Fatalf("insert round: %v", err)
	}

	r.rubric = &models.RubricVersion{
		InstitutionID: 1,
		Name:          "appellate",
		VersionNumber: 1,
		Criteria: []models.Criterion{
			{Key: "framing", Label: "Issue framing", MaxScore: 10},
			{Key: "reasoning", Label: "Legal reasoning", MaxScore: 20},
		},
		CreatedAt: now,
	}
	if err := db.InsertRubricVersion(ctx, db.Conn(), r.rubric); err != nil {
		t.Fatalf("insert rubric: %v", err)
	}
	return r
}

// finalEvaluation inserts a finalized evaluation of a participant.
func (r *rig) finalEvaluation(t *testing.T, participantID, judgeID int64, scores map[string]int) {
	t.Helper()
	ctx := context.Background()
	now, err := r.db.Now(ctx)
	if err != nil {
		t.Fatalf("read clock: %v", err)
	}

	total := 0
	for _, s := range scores {
		total += s
	}
	ev := &models.JudgeEvaluation{
		InstitutionID:   1,
		RoundID:         r.round.ID,
		JudgeID:         judgeID,
		ParticipantID:   participantID,
		RubricVersionID: r.rubric.ID,
		Scores:          scores,
		TotalScore:      float64(total),
		IsFinal:         true,
		FinalizedAt:     &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.db.InsertEvaluation(ctx, r.db.Conn(), ev); err != nil {
		t.Fatalf("insert evaluation: %v", err)
	}
}

func (r *rig) scoreBoth(t *testing.T) {
	t.Helper()
	r.finalEvaluation(t, r.petID, 50, map[string]int{"framing": 9, "reasoning": 19}) // 28
	r.finalEvaluation(t, r.resID, 50, map[string]int{"framing": 6, "reasoning": 14}) // 20
}

func TestChecksumCanonicalBytes(t *testing.T) {
	entries := []*models.LeaderboardEntry{
		{Rank: 1, ParticipantID: 7, TotalScore: 87.5, TieBreakerScore: 0.87},
		{Rank: 2, ParticipantID: 9, TotalScore: 85, TieBreakerScore: 0.85},
	}

	canonical := "1|7|87.50|0.8700;2|9|85.00|0.8500"
	sum := sha256.Sum256([]byte(canonical))
	want := hex.EncodeToString(sum[:])

	if got := Checksum(entries); got != want {
		t.Errorf("Checksum = %s, want hash of %q", got, canonical)
	}
}

func TestFreeze(t *testing.T) {
	r := newTestRig(t)
	r.scoreBoth(t)
	ctx := context.Background()

	snap, err := r.engine.Freeze(ctx, 1, r.session.ID, faculty)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if snap.Governance() != models.GovernanceDraft {
		t.Errorf("governance = %s, want DRAFT", snap.Governance())
	}
	if snap.TotalParticipants != 2 {
		t.Errorf("participants = %d, want 2", snap.TotalParticipants)
	}
	if len(snap.ChecksumHash) != 64 {
		t.Errorf("checksum %q is not 64 hex chars", snap.ChecksumHash)
	}

	_, entries, err := r.engine.Get(ctx, 1, snap.ID, faculty)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].ParticipantID != r.petID || entries[0].Rank != 1 || entries[0].TotalScore != 28 {
		t.Errorf("first entry = %+v, want petitioner ranked 1 at 28", entries[0])
	}
	if entries[1].ParticipantID != r.resID || entries[1].Rank != 2 {
		t.Errorf("second entry = %+v, want respondent ranked 2", entries[1])
	}
	if Checksum(entries) != snap.ChecksumHash {
		t.Error("stored entries do not reproduce the frozen checksum")
	}

	// A second freeze of the same session is refused.
	_, err = r.engine.Freeze(ctx, 1, r.session.ID, faculty)
	if models.CodeOf(err) != models.ErrCodeAlreadyFrozen {
		t.Fatalf("refreeze: err = %v, want ALREADY_FROZEN", err)
	}
}

func TestFreezeRequiresCompletedSession(t *testing.T) {
	r := newTestRig(t)
	r.scoreBoth(t)
	ctx := context.Background()

	_, err := r.db.Conn().ExecContext(ctx,
		`UPDATE sessions SET state = 'JUDGING' WHERE id = ?`, r.session.ID)
	if err != nil {
		t.Fatalf("rewind session: %v", err)
	}

	_, err = r.engine.Freeze(ctx, 1, r.session.ID, faculty)
	if models.CodeOf(err) != models.ErrCodePreconditionFailed {
		t.Fatalf("freeze mid-session: err = %v, want PRECONDITION_FAILED", err)
	}
}

func TestFreezeIncompleteTournament(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	// Only the petitioner is scored; the respondent blocks the freeze.
	r.finalEvaluation(t, r.petID, 50, map[string]int{"framing": 9, "reasoning": 19})

	_, err := r.engine.Freeze(ctx, 1, r.session.ID, faculty)
	if models.CodeOf(err) != models.ErrCodeIncompleteTournament {
		t.Fatalf("err = %v, want INCOMPLETE_TOURNAMENT", err)
	}
}

func TestTieBreakerOrdersEqualTotals(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	// Equal totals (25) but different criterion shapes; the tie-breaker is
	// the sum of per-criterion averages, identical here, so the residual
	// tie orders by participant id and both share rank 1.
	r.finalEvaluation(t, r.petID, 50, map[string]int{"framing": 10, "reasoning": 15})
	r.finalEvaluation(t, r.resID, 50, map[string]int{"framing": 10, "reasoning": 15})

	snap, err := r.engine.Freeze(ctx, 1, r.session.ID, faculty)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	_, entries, err := r.engine.Get(ctx, 1, snap.ID, faculty)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entries[0].Rank != 1 || entries[1].Rank != 1 {
		t.Errorf("ranks = %d,%d, equal tuples must share rank 1",
			entries[0].Rank, entries[1].Rank)
	}
	if entries[0].ParticipantID > entries[1].ParticipantID {
		t.Error("residual tie must order by participant id ascending")
	}
}

func TestGovernanceLattice(t *testing.T) {
	r := newTestRig(t)
	r.scoreBoth(t)
	ctx := context.Background()

	snap, err := r.engine.Freeze(ctx, 1, r.session.ID, faculty)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	// Publishing a DRAFT skips the lattice and is refused.
	_, err = r.engine.Publish(ctx, 1, snap.ID, faculty)
	if models.CodeOf(err) != models.ErrCodePreconditionFailed {
		t.Fatalf("publish draft: err = %v, want PRECONDITION_FAILED", err)
	}

	pending, err := r.engine.RequestApproval(ctx, 1, snap.ID, faculty)
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if pending.Governance() != models.GovernancePendingApproval {
		t.Errorf("governance = %s, want PENDING_APPROVAL", pending.Governance())
	}

	// Repeating the request is a no-op.
	if _, err := r.engine.RequestApproval(ctx, 1, snap.ID, faculty); err != nil {
		t.Fatalf("repeat request: %v", err)
	}

	// Faculty alone may not approve.
	_, err = r.engine.Approve(ctx, 1, snap.ID, models.PublicationPublished, nil, faculty)
	if models.CodeOf(err) != models.ErrCodeUnauthorizedRole {
		t.Fatalf("faculty approve: err = %v, want UNAUTHORIZED_ROLE", err)
	}

	finalized, err := r.engine.Approve(ctx, 1, snap.ID, models.PublicationPublished, nil, admin)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if finalized.Governance() != models.GovernanceFinalized {
		t.Errorf("governance = %s, want FINALIZED", finalized.Governance())
	}
	if finalized.ApprovedByUserID == nil || *finalized.ApprovedByUserID != admin.UserID {
		t.Errorf("approved_by = %v, want %d", finalized.ApprovedByUserID, admin.UserID)
	}

	published, err := r.engine.Publish(ctx, 1, snap.ID, faculty)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if published.Governance() != models.GovernancePublished {
		t.Errorf("governance = %s, want PUBLISHED", published.Governance())
	}
	if !published.IsPublished || published.PublishedAt == nil {
		t.Errorf("snapshot = %+v, want published with timestamp", published)
	}

	// Students see it once published.
	if _, _, err := r.engine.Get(ctx, 1, snap.ID, student); err != nil {
		t.Errorf("student read of published snapshot: %v", err)
	}
}

func TestApproveScheduledRequiresDate(t *testing.T) {
	r := newTestRig(t)
	r.scoreBoth(t)
	ctx := context.Background()

	snap, err := r.engine.Freeze(ctx, 1, r.session.ID, faculty)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := r.engine.RequestApproval(ctx, 1, snap.ID, faculty); err != nil {
		t.Fatalf("request approval: %v", err)
	}

	_, err = r.engine.Approve(ctx, 1, snap.ID, models.PublicationScheduled, nil, admin)
	if models.CodeOf(err) != models.ErrCodeValidationFailed {
		t.Fatalf("scheduled without date: err = %v, want VALIDATION_FAILED", err)
	}
}

func TestScheduledPublicationPoller(t *testing.T) {
	r := newTestRig(t)
	r.scoreBoth(t)
	ctx := context.Background()

	snap, err := r.engine.Freeze(ctx, 1, r.session.ID, faculty)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, err := r.engine.RequestApproval(ctx, 1, snap.ID, faculty); err != nil {
		t.Fatalf("request approval: %v", err)
	}

	due := time.Now().UTC().Add(-time.Minute)
	if _, err := r.engine.Approve(ctx, 1, snap.ID, models.PublicationScheduled, &due, admin); err != nil {
		t.Fatalf("approve scheduled: %v", err)
	}

	// The date has passed, so students already see it even before the
	// poller stamps it published.
	if _, _, err := r.engine.Get(ctx, 1, snap.ID, student); err != nil {
		t.Errorf("student read of due scheduled snapshot: %v", err)
	}

	NewPoller(r.engine, time.Second).poll(ctx)

	cur, err := r.db.GetSnapshot(ctx, r.db.Conn(), 1, snap.ID)
	if err != nil {
		t.Fatalf("reload snapshot: %v", err)
	}
	if !cur.IsPublished {
		t.Error("poller did not publish the due snapshot")
	}
}

func TestStudentVisibility(t *testing.T) {
	r := newTestRig(t)
	r.scoreBoth(t)
	ctx := context.Background()

	snap, err := r.engine.Freeze(ctx, 1, r.session.ID, faculty)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	// Unpublished snapshots are invisible to students, indistinguishable
	// from absent.
	_, _, err = r.engine.Get(ctx, 1, snap.ID, student)
	if models.CodeOf(err) != models.ErrCodeNotFound {
		t.Fatalf("student read of draft: err = %v, want NOT_FOUND", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	r := newTestRig(t)
	r.scoreBoth(t)
	ctx := context.Background()

	snap, err := r.engine.Freeze(ctx, 1, r.session.ID, faculty)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	// Intact entries verify clean.
	if err := r.engine.Verify(ctx, 1, snap.ID, admin); err != nil {
		t.Fatalf("verify intact: %v", err)
	}

	// Nudge a stored score behind the engine's back.
	_, err = r.db.Conn().ExecContext(ctx,
		`UPDATE leaderboard_entries SET total_score = total_score + 1
		 WHERE snapshot_id = ?`, snap.ID)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	err = r.engine.Verify(ctx, 1, snap.ID, admin)
	if models.CodeOf(err) != models.ErrCodeChecksumMismatch {
		t.Fatalf("verify tampered: err = %v, want CHECKSUM_MISMATCH", err)
	}

	// The mismatch soft-invalidated the snapshot; the rows survive.
	cur, err := r.db.GetSnapshot(ctx, r.db.Conn(), 1, snap.ID)
	if err != nil {
		t.Fatalf("reload snapshot: %v", err)
	}
	if !cur.IsInvalidated || cur.InvalidationReason == "" {
		t.Errorf("snapshot = %+v, want soft-invalidated with reason", cur)
	}
	entries, err := r.db.ListLeaderboardEntries(ctx, r.db.Conn(), snap.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("entries = %d after invalidation, nothing may be deleted", len(entries))
	}
}

func TestInvalidateRequiresReason(t *testing.T) {
	r := newTestRig(t)
	r.scoreBoth(t)
	ctx := context.Background()

	snap, err := r.engine.Freeze(ctx, 1, r.session.ID, faculty)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	_, err = r.engine.Invalidate(ctx, 1, snap.ID, "", admin)
	if models.CodeOf(err) != models.ErrCodeValidationFailed {
		t.Fatalf("empty reason: err = %v, want VALIDATION_FAILED", err)
	}

	inv, err := r.engine.Invalidate(ctx, 1, snap.ID, "scoring dispute", admin)
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if inv.Governance() != models.GovernanceInvalidated {
		t.Errorf("governance = %s, want INVALIDATED", inv.Governance())
	}

	// Invalidation freezes further movement through the lattice.
	_, err = r.engine.RequestApproval(ctx, 1, snap.ID, faculty)
	if models.CodeOf(err) != models.ErrCodePreconditionFailed {
		t.Fatalf("request approval after invalidation: err = %v, want PRECONDITION_FAILED", err)
	}
}
