// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package models

import (
	"time"
)

// Session is the top-level aggregate representing one moot court exercise.
//
// Invariants:
//   - SessionCode is globally unique.
//   - At most one non-terminal session may be owned by a faculty at a time.
//   - PhaseStartedAt and PhaseDurationSeconds are either both nil or both set.
type Session struct {
	// ID is the primary key.
	ID int64 `json:"id"`

	// InstitutionID scopes the session to a tenant. Cross-tenant reads
	// and writes fail closed.
	InstitutionID int64 `json:"institution_id"`

	// FacultyID is the owning faculty user.
	FacultyID int64 `json:"faculty_id"`

	// SessionCode is the human-typeable join token (JURIS-XXXXXX).
	SessionCode string `json:"session_code" validate:"session_code"`

	// State is the current lifecycle state.
	State SessionState `json:"state"`

	// PhaseStartedAt marks when the current timed phase began.
	PhaseStartedAt *time.Time `json:"phase_started_at,omitempty"`

	// PhaseDurationSeconds is the length of the current timed phase.
	PhaseDurationSeconds *int `json:"phase_duration_seconds,omitempty"`

	// PauseAccumulatedSeconds is the total wall-clock time spent paused
	// during the current phase. Remaining time is always derived as
	// duration - (now - phase_started_at - pause_accumulated).
	PauseAccumulatedSeconds int `json:"pause_accumulated_seconds"`

	// PreviousState holds the state to resume into after a pause.
	PreviousState *SessionState `json:"previous_state,omitempty"`

	// Version is the optimistic concurrency counter. It increases by
	// exactly one on every successful mutation.
	Version int64 `json:"version"`

	CreatedAt      time.Time  `json:"created_at"`
	StateUpdatedAt time.Time  `json:"state_updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

// TimerConsistent reports whether the timer fields satisfy the both-or-neither
// invariant.
func (s *Session) TimerConsistent() bool {
	return (s.PhaseStartedAt == nil) == (s.PhaseDurationSeconds == nil)
}

// Joinable reports whether students may currently join.
func (s *Session) Joinable() bool {
	return s.State == SessionPreparing
}

// ConnectionStatus describes a participant's live connection.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "CONNECTED"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
)

// Participant is a user's membership in a session.
//
// Invariants:
//   - (SessionID, UserID) is unique.
//   - (SessionID, Side, SpeakerNumber) is unique when both are non-nil.
//   - At most 4 non-observer participants per session with the fixed
//     composition {(PET,1),(RES,1),(PET,2),(RES,2)}.
//
// Participants are created at join and never destroyed; departure flips
// IsActive instead.
type Participant struct {
	ID        int64 `json:"id"`
	SessionID int64 `json:"session_id"`
	UserID    int64 `json:"user_id"`

	// Side is nil for observers.
	Side *Side `json:"side,omitempty"`

	// SpeakerNumber is 1 or 2; nil for observers.
	SpeakerNumber *int `json:"speaker_number,omitempty"`

	JoinedAt   time.Time        `json:"joined_at"`
	Connection ConnectionStatus `json:"connection_status"`
	LastSeenAt time.Time        `json:"last_seen_at"`
	IsActive   bool             `json:"is_active"`
}

// IsObserver reports whether the participant holds no speaking slot.
func (p *Participant) IsObserver() bool {
	return p.Side == nil || p.SpeakerNumber == nil
}

// SlotAssignment is the output of the assignment engine: where a joining
// student sits.
type SlotAssignment struct {
	Side          Side `json:"side"`
	SpeakerNumber int  `json:"speaker_number"`
	Position      int  `json:"position"`

	// IsNew is false when the join was idempotent (participant already
	// existed and is returned unchanged).
	IsNew bool `json:"is_new"`

	Participant *Participant `json:"participant"`
}

// MaxSpeakers is the non-observer capacity of a session.
const MaxSpeakers = 4

// SlotForPosition maps a join position (1..4) to its fixed slot. The
// mapping is a pure function of the join position; no randomness, no
// timestamp tie-breaking, no client influence.
func SlotForPosition(position int) (Side, int, bool) {
	switch position {
	case 1:
		return SidePetitioner, 1, true
	case 2:
		return SideRespondent, 1, true
	case 3:
		return SidePetitioner, 2, true
	case 4:
		return SideRespondent, 2, true
	default:
		return "", 0, false
	}
}
