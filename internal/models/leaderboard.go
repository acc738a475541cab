// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// GovernanceState is the derived position of a snapshot in its lifecycle
// lattice: DRAFT → PENDING_APPROVAL → FINALIZED → PUBLISHED, with
// INVALIDATED as a sink reachable only by explicit soft-invalidation.
type GovernanceState string

const (
	GovernanceDraft           GovernanceState = "DRAFT"
	GovernancePendingApproval GovernanceState = "PENDING_APPROVAL"
	GovernanceFinalized       GovernanceState = "FINALIZED"
	GovernancePublished       GovernanceState = "PUBLISHED"
	GovernanceInvalidated     GovernanceState = "INVALIDATED"
)

// LeaderboardSnapshot is the frozen, checksummed result of a session.
//
// Invariants:
//   - SessionID is unique; a second freeze is ALREADY_FROZEN.
//   - Immutable once created except for the governance flags, which move
//     only forward through the lattice.
//   - ChecksumHash is computed once at freeze and never recomputed or
//     overwritten; a verification mismatch is a tamper signal.
//   - Invalidation is a soft flag with a reason, never a delete.
type LeaderboardSnapshot struct {
	ID            int64 `json:"id"`
	InstitutionID int64 `json:"institution_id"`
	SessionID     int64 `json:"session_id"`

	FrozenAt       time.Time `json:"frozen_at"`
	FrozenByUserID int64     `json:"frozen_by_user_id"`

	RubricVersionID   int64 `json:"rubric_version_id"`
	TotalParticipants int   `json:"total_participants"`

	// ChecksumHash is the lowercase hex SHA-256 of the canonical entry
	// byte sequence (64 characters).
	ChecksumHash string `json:"checksum_hash"`

	// Governance flags. Monotonic: once set, never cleared (except that
	// invalidation freezes further movement).
	IsPendingApproval bool `json:"is_pending_approval"`
	IsFinalized       bool `json:"is_finalized"`
	IsPublished       bool `json:"is_published"`
	IsInvalidated     bool `json:"is_invalidated"`

	InvalidationReason string `json:"invalidation_reason,omitempty"`

	PublicationMode PublicationMode `json:"publication_mode"`
	PublicationDate *time.Time      `json:"publication_date,omitempty"`
	PublishedAt     *time.Time      `json:"published_at,omitempty"`

	ApprovedByUserID  *int64     `json:"approved_by_user_id,omitempty"`
	FinalizedAt       *time.Time `json:"finalized_at,omitempty"`
	PendingRequestedAt *time.Time `json:"pending_requested_at,omitempty"`
}

// Governance returns the snapshot's position in the lifecycle lattice.
func (s *LeaderboardSnapshot) Governance() GovernanceState {
	switch {
	case s.IsInvalidated:
		return GovernanceInvalidated
	case s.IsPublished:
		return GovernancePublished
	case s.IsFinalized:
		return GovernanceFinalized
	case s.IsPendingApproval:
		return GovernancePendingApproval
	default:
		return GovernanceDraft
	}
}

// VisibleToStudents reports whether students may read this snapshot.
// Only published, non-invalidated snapshots are student-visible; a
// SCHEDULED snapshot becomes visible at its publication date.
func (s *LeaderboardSnapshot) VisibleToStudents(now time.Time) bool {
	if s.IsInvalidated {
		return false
	}
	if s.IsPublished {
		return true
	}
	if s.IsFinalized && s.PublicationMode == PublicationScheduled &&
		s.PublicationDate != nil && !now.Before(*s.PublicationDate) {
		return true
	}
	return false
}

// LeaderboardEntry is one ranked participant within a snapshot.
// Unique on (SnapshotID, ParticipantID).
type LeaderboardEntry struct {
	ID            int64 `json:"id"`
	SnapshotID    int64 `json:"snapshot_id"`
	ParticipantID int64 `json:"participant_id"`

	Side          *Side `json:"side,omitempty"`
	SpeakerNumber *int  `json:"speaker_number,omitempty"`

	// TotalScore is the mean of the participant's finalized evaluation
	// totals.
	TotalScore float64 `json:"total_score"`

	// TieBreakerScore is the sum of per-criterion averages scaled to
	// 4 decimal places.
	TieBreakerScore float64 `json:"tie_breaker_score"`

	// Rank uses dense competition ranking: equal (total, tie-breaker)
	// tuples share a rank and the next rank skips by group size.
	Rank int `json:"rank"`

	// ScoreBreakdown holds per-criterion averages as a JSON document.
	ScoreBreakdown json.RawMessage `json:"score_breakdown,omitempty"`

	// EvaluationIDs cites the finalized evaluations this entry derives
	// from; those rows may never be deleted while cited.
	EvaluationIDs []int64 `json:"evaluation_ids"`
}
