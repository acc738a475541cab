// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package models

import (
	"time"
)

// SyntheticOpponent marks a round slot filled by a practice opponent
// rather than a real user. Stored in place of a user id.
const SyntheticOpponent int64 = -1

// Round is a single argumentative bout within a session.
//
// Invariants:
//   - State transitions obey the round adjacency table.
//   - Version increases monotonically; the count of recorded state
//     transitions equals Version-1.
//   - A round in PAUSED must have PreviousState set to a resumable phase.
type Round struct {
	ID          int64 `json:"id"`
	SessionID   int64 `json:"session_id"`
	RoundNumber int   `json:"round_number"`

	// PetitionerID, RespondentID and JudgeID reference users, or
	// SyntheticOpponent for practice slots.
	PetitionerID int64 `json:"petitioner_id"`
	RespondentID int64 `json:"respondent_id"`
	JudgeID      int64 `json:"judge_id"`

	State RoundState `json:"state"`

	// PreviousState holds the phase to resume into after a pause.
	PreviousState *RoundState `json:"previous_state,omitempty"`

	// TimeLimitSeconds is the per-phase speaking limit.
	TimeLimitSeconds int `json:"time_limit_seconds"`

	// PhaseStartedAt marks when the current phase began.
	PhaseStartedAt *time.Time `json:"phase_started_at,omitempty"`

	// PauseAccumulatedSeconds is wall-clock time spent paused in the
	// current phase.
	PauseAccumulatedSeconds int `json:"pause_accumulated_seconds"`

	// Version is the optimistic concurrency counter.
	Version int64 `json:"version"`

	CreatedAt      time.Time  `json:"created_at"`
	StateUpdatedAt time.Time  `json:"state_updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

// Turn is an individual timed speaking slot within a round.
//
// Invariants:
//   - (RoundID, TurnOrder) unique; (RoundID, ParticipantID) unique.
//   - Once IsSubmitted is true, Transcript and SubmittedAt are immutable.
//   - Elapsed seconds are recorded; the AllowedSeconds ceiling is
//     enforced by the engine, not the store.
type Turn struct {
	ID            int64 `json:"id"`
	RoundID       int64 `json:"round_id"`
	ParticipantID int64 `json:"participant_id"`

	// TurnOrder is the 1-based position in the speaking order.
	TurnOrder int `json:"turn_order"`

	// AllowedSeconds is the server-authoritative time ceiling.
	AllowedSeconds int `json:"allowed_seconds"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`

	// Transcript is opaque UTF-8 plain text, capped by the engine.
	Transcript string `json:"transcript"`

	IsSubmitted bool `json:"is_submitted"`

	// AutoSubmitted records that the timer, not the speaker, closed
	// the turn.
	AutoSubmitted bool `json:"auto_submitted"`
}

// Started reports whether the turn has begun.
func (t *Turn) Started() bool {
	return t.StartedAt != nil
}

// ElapsedSeconds returns the recorded speaking time, or 0 when the turn
// is incomplete.
func (t *Turn) ElapsedSeconds() int {
	if t.StartedAt == nil || t.SubmittedAt == nil {
		return 0
	}
	return int(t.SubmittedAt.Sub(*t.StartedAt).Seconds())
}

// TimerReading is the authoritative remaining-time view of a round,
// computed from stored fields and the database wall clock. Client clocks
// are never trusted.
type TimerReading struct {
	RoundID          int64      `json:"round_id"`
	Phase            RoundState `json:"phase"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds"`

	// Expired reports that the phase ceiling has passed. A read that
	// observes expiry triggers force-submit before returning.
	Expired bool `json:"expired"`
}

// TranscriptMaxBytes caps turn transcripts (UTF-8 bytes).
const TranscriptMaxBytes = 65536
