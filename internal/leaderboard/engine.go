// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package leaderboard freezes session results into checksummed,
// immutable snapshots and moves them through the governance lattice
// DRAFT -> PENDING_APPROVAL -> FINALIZED -> PUBLISHED, with soft
// invalidation as the only exit.
//
// The checksum is SHA-256 over a canonical byte sequence fixed at freeze
// time; verification recomputes the bytes from stored entries and any
// mismatch is treated as tampering.
package leaderboard

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/eventlog"
	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/metrics"
	"github.com/gavelworks/oyez/internal/models"
)

// Engine freezes and governs leaderboard snapshots.
type Engine struct {
	db  *database.DB
	log *eventlog.Log
}

// New creates the engine.
func New(db *database.DB, log *eventlog.Log) *Engine {
	return &Engine{db: db, log: log}
}

// Freeze ranks a completed session and writes the snapshot with its
// entries and checksum in one transaction. A second freeze of the same
// session fails with ALREADY_FROZEN.
func (e *Engine) Freeze(ctx context.Context, institutionID, sessionID int64, actor models.Actor) (*models.LeaderboardSnapshot, error) {
	if !actor.Role.IsFaculty() {
		return nil, models.NewDomainError(models.ErrCodeUnauthorizedRole,
			"only faculty may freeze a leaderboard")
	}

	var snapshot *models.LeaderboardSnapshot
	err := e.db.Locks().WithLock(ctx, "session", sessionID, func() error {
		s, err := e.db.GetSession(ctx, e.db.Conn(), institutionID, sessionID)
		if err != nil {
			return err
		}
		if s.State != models.SessionCompleted {
			metrics.SnapshotsFrozen.WithLabelValues("rejected").Inc()
			return models.NewDomainError(models.ErrCodePreconditionFailed,
				fmt.Sprintf("session is in %s, freeze requires COMPLETED", s.State))
		}

		roster, err := e.db.ListParticipants(ctx, e.db.Conn(), sessionID)
		if err != nil {
			return err
		}
		finals, err := e.db.ListFinalEvaluationsBySession(ctx, e.db.Conn(), sessionID)
		if err != nil {
			return err
		}

		byParticipant := make(map[int64][]*models.JudgeEvaluation)
		for _, ev := range finals {
			byParticipant[ev.ParticipantID] = append(byParticipant[ev.ParticipantID], ev)
		}

		var speakers []*models.Participant
		for _, p := range roster {
			if p.IsObserver() || !p.IsActive {
				continue
			}
			if len(byParticipant[p.ID]) == 0 {
				metrics.SnapshotsFrozen.WithLabelValues("incomplete").Inc()
				return models.NewDomainError(models.ErrCodeIncompleteTournament,
					fmt.Sprintf("participant %d has no finalized evaluation", p.ID)).
					WithDetail("participant_id", p.ID)
			}
			speakers = append(speakers, p)
		}
		if len(speakers) == 0 {
			metrics.SnapshotsFrozen.WithLabelValues("incomplete").Inc()
			return models.NewDomainError(models.ErrCodeIncompleteTournament,
				"session has no scored speakers")
		}

		now, err := e.db.Now(ctx)
		if err != nil {
			return err
		}

		entries := rankEntries(speakers, byParticipant)

		snapshot = &models.LeaderboardSnapshot{
			InstitutionID:     institutionID,
			SessionID:         sessionID,
			FrozenAt:          now,
			FrozenByUserID:    actor.UserID,
			RubricVersionID:   finals[0].RubricVersionID,
			TotalParticipants: len(entries),
			ChecksumHash:      Checksum(entries),
			PublicationMode:   models.PublicationDraft,
		}

		var event *models.DomainEvent
		err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
			if err := e.db.InsertSnapshot(ctx, tx, snapshot); err != nil {
				if database.IsUniqueViolation(err) {
					return models.NewDomainError(models.ErrCodeAlreadyFrozen,
						fmt.Sprintf("session %d is already frozen", sessionID)).Wrap(err)
				}
				return err
			}
			for _, entry := range entries {
				entry.SnapshotID = snapshot.ID
			}
			if err := e.db.InsertLeaderboardEntries(ctx, tx, entries); err != nil {
				return err
			}

			var appendErr error
			event, appendErr = e.log.Append(ctx, tx, eventlog.Record{
				InstitutionID: snapshot.InstitutionID,
				AggregateType: models.AggregateSnapshot,
				AggregateID:   snapshot.ID,
				Action:        models.ActionLeaderboardFrozen,
				Actor:         actor,
				ToState:       string(models.GovernanceDraft),
				Payload: map[string]interface{}{
					"session_id":   sessionID,
					"participants": len(entries),
					"checksum":     snapshot.ChecksumHash,
				},
				IsSuccessful: true,
				Timestamp:    now,
			})
			return appendErr
		})
		if err != nil {
			if models.CodeOf(err) == models.ErrCodeAlreadyFrozen {
				metrics.SnapshotsFrozen.WithLabelValues("duplicate").Inc()
			}
			return err
		}

		e.log.Publish(ctx, event)
		metrics.SnapshotsFrozen.WithLabelValues("frozen").Inc()
		logging.Component("leaderboard").Info().
			Int64("snapshot_id", snapshot.ID).
			Int64("session_id", sessionID).
			Int("entries", len(entries)).
			Str("checksum", snapshot.ChecksumHash).
			Msg("leaderboard frozen")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// rankEntries computes totals, tie-breakers and competition ranks for the
// scored speakers. Deterministic: equal (total, tie-breaker) tuples share
// a rank and the next rank skips by group size; residual ties order by
// participant id ascending.
func rankEntries(speakers []*models.Participant, byParticipant map[int64][]*models.JudgeEvaluation) []*models.LeaderboardEntry {
	entries := make([]*models.LeaderboardEntry, 0, len(speakers))
	for _, p := range speakers {
		evals := byParticipant[p.ID]

		var sum float64
		ids := make([]int64, 0, len(evals))
		criterionSums := make(map[string]float64)
		criterionCounts := make(map[string]int)
		for _, ev := range evals {
			sum += ev.TotalScore
			ids = append(ids, ev.ID)
			for key, score := range ev.Scores {
				criterionSums[key] += float64(score)
				criterionCounts[key]++
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		breakdown := make(map[string]float64, len(criterionSums))
		var tieBreaker float64
		for key, total := range criterionSums {
			avg := total / float64(criterionCounts[key])
			breakdown[key] = avg
			tieBreaker += avg
		}
		tieBreaker = math.Round(tieBreaker*10000) / 10000

		breakdownJSON, _ := json.Marshal(breakdown)
		entries = append(entries, &models.LeaderboardEntry{
			ParticipantID:   p.ID,
			Side:            p.Side,
			SpeakerNumber:   p.SpeakerNumber,
			TotalScore:      sum / float64(len(evals)),
			TieBreakerScore: tieBreaker,
			ScoreBreakdown:  breakdownJSON,
			EvaluationIDs:   ids,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalScore != entries[j].TotalScore {
			return entries[i].TotalScore > entries[j].TotalScore
		}
		if entries[i].TieBreakerScore != entries[j].TieBreakerScore {
			return entries[i].TieBreakerScore > entries[j].TieBreakerScore
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})

	rank := 0
	for i, entry := range entries {
		if i == 0 || entry.TotalScore != entries[i-1].TotalScore ||
			entry.TieBreakerScore != entries[i-1].TieBreakerScore {
			rank = i + 1
		}
		entry.Rank = rank
	}
	return entries
}

// Checksum computes the canonical SHA-256 of ranked entries: rows
// rendered as rank|participant_id|total|tie_breaker with two and four
// fixed decimals, joined by ";", in rank order.
func Checksum(entries []*models.LeaderboardEntry) string {
	rows := make([]string, len(entries))
	for i, e := range entries {
		rows[i] = fmt.Sprintf("%d|%d|%.2f|%.4f",
			e.Rank, e.ParticipantID, e.TotalScore, e.TieBreakerScore)
	}
	sum := sha256.Sum256([]byte(strings.Join(rows, ";")))
	return hex.EncodeToString(sum[:])
}

// Get loads a snapshot with its entries, applying visibility rules:
// faculty see everything in their institution, judges see sessions they
// judged, students see only published snapshots. Cross-institution reads
// fail closed through the store's scoping.
func (e *Engine) Get(ctx context.Context, institutionID, snapshotID int64, actor models.Actor) (*models.LeaderboardSnapshot, []*models.LeaderboardEntry, error) {
	s, err := e.db.GetSnapshot(ctx, e.db.Conn(), institutionID, snapshotID)
	if err != nil {
		return nil, nil, err
	}

	now, err := e.db.Now(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := e.checkVisibility(ctx, s, actor, now); err != nil {
		return nil, nil, err
	}

	entries, err := e.db.ListLeaderboardEntries(ctx, e.db.Conn(), s.ID)
	if err != nil {
		return nil, nil, err
	}
	return s, entries, nil
}

func (e *Engine) checkVisibility(ctx context.Context, s *models.LeaderboardSnapshot, actor models.Actor, now time.Time) error {
	if actor.IsSystem() || actor.Role.IsFaculty() {
		return nil
	}
	if actor.Role == models.RoleJudge {
		rounds, err := e.db.ListRoundsBySession(ctx, e.db.Conn(), s.SessionID)
		if err != nil {
			return err
		}
		for _, r := range rounds {
			if _, err := e.db.GetJudgeAssignment(ctx, e.db.Conn(), actor.UserID, r.ID); err == nil {
				return nil
			}
		}
		// Unassigned judges get the student rule.
	}
	if s.VisibleToStudents(now) {
		return nil
	}
	return models.ErrNotFound("snapshot", s.ID)
}

// RequestApproval moves a DRAFT snapshot to PENDING_APPROVAL. Faculty
// only; repeating the request is a no-op.
func (e *Engine) RequestApproval(ctx context.Context, institutionID, snapshotID int64, actor models.Actor) (*models.LeaderboardSnapshot, error) {
	if !actor.Role.IsFaculty() {
		return nil, models.NewDomainError(models.ErrCodeUnauthorizedRole,
			"only faculty may request approval")
	}
	return e.govern(ctx, institutionID, snapshotID, actor, models.ActionSnapshotPending,
		func(s *models.LeaderboardSnapshot, now time.Time) (bool, error) {
			switch s.Governance() {
			case models.GovernancePendingApproval:
				return false, nil
			case models.GovernanceDraft:
				s.IsPendingApproval = true
				s.PendingRequestedAt = &now
				return true, nil
			default:
				return false, models.NewDomainError(models.ErrCodePreconditionFailed,
					fmt.Sprintf("snapshot is %s", s.Governance()))
			}
		})
}

// Approve finalizes a PENDING_APPROVAL snapshot, pinning the approver and
// the publication mode. Requires the approver capability, which faculty
// alone do not carry.
func (e *Engine) Approve(ctx context.Context, institutionID, snapshotID int64, mode models.PublicationMode, publicationDate *time.Time, actor models.Actor) (*models.LeaderboardSnapshot, error) {
	if !actor.Role.IsApprover() {
		return nil, models.NewDomainError(models.ErrCodeUnauthorizedRole,
			"approval requires the approver capability")
	}
	if mode == models.PublicationScheduled && publicationDate == nil {
		return nil, models.NewDomainError(models.ErrCodeValidationFailed,
			"scheduled publication requires a publication date")
	}
	return e.govern(ctx, institutionID, snapshotID, actor, models.ActionSnapshotFinalized,
		func(s *models.LeaderboardSnapshot, now time.Time) (bool, error) {
			switch s.Governance() {
			case models.GovernanceFinalized:
				return false, nil
			case models.GovernancePendingApproval:
				s.IsFinalized = true
				s.FinalizedAt = &now
				id := actor.UserID
				s.ApprovedByUserID = &id
				s.PublicationMode = mode
				s.PublicationDate = publicationDate
				return true, nil
			default:
				return false, models.NewDomainError(models.ErrCodePreconditionFailed,
					fmt.Sprintf("snapshot is %s, approval requires PENDING_APPROVAL", s.Governance()))
			}
		})
}

// Publish makes a FINALIZED snapshot visible. Publishing anything earlier
// in the lattice fails with PRECONDITION_FAILED.
func (e *Engine) Publish(ctx context.Context, institutionID, snapshotID int64, actor models.Actor) (*models.LeaderboardSnapshot, error) {
	if !actor.IsSystem() && !actor.Role.IsFaculty() {
		return nil, models.NewDomainError(models.ErrCodeUnauthorizedRole,
			"only faculty may publish")
	}
	return e.govern(ctx, institutionID, snapshotID, actor, models.ActionSnapshotPublished,
		func(s *models.LeaderboardSnapshot, now time.Time) (bool, error) {
			switch s.Governance() {
			case models.GovernancePublished:
				return false, nil
			case models.GovernanceFinalized:
				s.IsPublished = true
				s.PublishedAt = &now
				s.PublicationMode = models.PublicationPublished
				return true, nil
			default:
				return false, models.NewDomainError(models.ErrCodePreconditionFailed,
					"must be finalized").
					WithDetail("governance", string(s.Governance()))
			}
		})
}

// Invalidate soft-marks a snapshot with a reason. The row and its entries
// remain; nothing is ever deleted. Requires the approver capability.
func (e *Engine) Invalidate(ctx context.Context, institutionID, snapshotID int64, reason string, actor models.Actor) (*models.LeaderboardSnapshot, error) {
	if !actor.IsSystem() && !actor.Role.IsApprover() {
		return nil, models.NewDomainError(models.ErrCodeUnauthorizedRole,
			"invalidation requires the approver capability")
	}
	if reason == "" {
		return nil, models.NewDomainError(models.ErrCodeValidationFailed,
			"invalidation requires a reason")
	}
	return e.govern(ctx, institutionID, snapshotID, actor, models.ActionSnapshotInvalid,
		func(s *models.LeaderboardSnapshot, now time.Time) (bool, error) {
			if s.IsInvalidated {
				return false, nil
			}
			s.IsInvalidated = true
			s.InvalidationReason = reason
			return true, nil
		})
}

// govern applies one governance mutation under the session lock, writing
// the event in the same transaction as the flag change.
func (e *Engine) govern(ctx context.Context, institutionID, snapshotID int64, actor models.Actor, action string, mutate func(*models.LeaderboardSnapshot, time.Time) (bool, error)) (*models.LeaderboardSnapshot, error) {
	var result *models.LeaderboardSnapshot
	err := func() error {
		s, err := e.db.GetSnapshot(ctx, e.db.Conn(), institutionID, snapshotID)
		if err != nil {
			return err
		}

		return e.db.Locks().WithLock(ctx, "session", s.SessionID, func() error {
			s, err = e.db.GetSnapshot(ctx, e.db.Conn(), institutionID, snapshotID)
			if err != nil {
				return err
			}

			now, err := e.db.Now(ctx)
			if err != nil {
				return err
			}

			from := s.Governance()
			changed, err := mutate(s, now)
			if err != nil {
				return err
			}
			if !changed {
				result = s
				return nil
			}

			var event *models.DomainEvent
			err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
				if err := e.db.UpdateSnapshotGovernance(ctx, tx, s); err != nil {
					return err
				}
				var appendErr error
				event, appendErr = e.log.Append(ctx, tx, eventlog.Record{
					InstitutionID: s.InstitutionID,
					AggregateType: models.AggregateSnapshot,
					AggregateID:   s.ID,
					Action:        action,
					Actor:         actor,
					FromState:     string(from),
					ToState:       string(s.Governance()),
					Payload: map[string]interface{}{
						"session_id": s.SessionID,
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
			result = s
			return nil
		})
	}()
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Verify recomputes the canonical checksum from stored entries and
// compares it to the frozen hash. A mismatch is a tamper signal: the
// snapshot is soft-invalidated and CHECKSUM_MISMATCH is returned.
func (e *Engine) Verify(ctx context.Context, institutionID, snapshotID int64, actor models.Actor) error {
	if !actor.IsSystem() && !actor.Role.IsApprover() {
		return models.NewDomainError(models.ErrCodeUnauthorizedRole,
			"verification requires the approver capability")
	}

	s, err := e.db.GetSnapshot(ctx, e.db.Conn(), institutionID, snapshotID)
	if err != nil {
		return err
	}
	entries, err := e.db.ListLeaderboardEntries(ctx, e.db.Conn(), s.ID)
	if err != nil {
		return err
	}

	computed := Checksum(entries)
	if computed == s.ChecksumHash {
		metrics.ChecksumVerifications.WithLabelValues("match").Inc()
		return nil
	}

	metrics.ChecksumVerifications.WithLabelValues("mismatch").Inc()
	logging.Component("leaderboard").Error().
		Int64("snapshot_id", s.ID).
		Str("stored", s.ChecksumHash).
		Str("computed", computed).
		Msg("snapshot checksum mismatch")

	if _, invErr := e.Invalidate(ctx, institutionID, snapshotID,
		"checksum verification failed", models.System); invErr != nil {
		logging.Component("leaderboard").Error().Err(invErr).
			Int64("snapshot_id", s.ID).
			Msg("auto-invalidation after mismatch failed")
	}

	return models.NewDomainError(models.ErrCodeChecksumMismatch,
		fmt.Sprintf("snapshot %d entries do not match frozen checksum", s.ID)).
		WithDetail("stored", s.ChecksumHash).
		WithDetail("computed", computed)
}
