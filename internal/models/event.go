// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// AggregateType names the aggregate an event belongs to.
type AggregateType string

const (
	AggregateSession  AggregateType = "session"
	AggregateRound    AggregateType = "round"
	AggregateSnapshot AggregateType = "snapshot"
)

// Event actions recorded in the domain event log and audit trail.
const (
	ActionSessionCreated     = "SESSION_CREATED"
	ActionStateTransition    = "STATE_TRANSITION"
	ActionTransitionNoop     = "TRANSITION_NOOP"
	ActionTransitionRejected = "TRANSITION_REJECTED"
	ActionParticipantJoined  = "PARTICIPANT_JOINED"
	ActionJoinRejected       = "JOIN_REJECTED"
	ActionTurnStarted        = "TURN_STARTED"
	ActionTurnSubmitted      = "TURN_SUBMITTED"
	ActionAutoSubmit         = "AUTO_SUBMIT"
	ActionRoundCompleted     = "ROUND_COMPLETED"
	ActionEvaluationCreated  = "EVALUATION_CREATED"
	ActionEvaluationUpdated  = "EVALUATION_UPDATED"
	ActionEvaluationFinal    = "EVALUATION_FINALIZED"
	ActionLeaderboardFrozen  = "LEADERBOARD_FROZEN"
	ActionSnapshotPending    = "SNAPSHOT_PENDING_APPROVAL"
	ActionSnapshotFinalized  = "SNAPSHOT_FINALIZED"
	ActionSnapshotPublished  = "SNAPSHOT_PUBLISHED"
	ActionSnapshotInvalid    = "SNAPSHOT_INVALIDATED"
	ActionParticipantDropped = "PARTICIPANT_DISCONNECTED"
	ActionParticipantResumed = "PARTICIPANT_RECONNECTED"
)

// DomainEvent is one append-only row of the event log, keyed by
// (AggregateID, SequenceNumber). Rows are never updated or deleted.
//
// The audit trail and the live delivery feed are both views over this
// log: within one aggregate the sequence matches the linearized order of
// successful mutations; across aggregates no global order is promised.
type DomainEvent struct {
	// Cursor is a global, monotonically increasing position used by
	// Since() streams. It orders delivery, not causality.
	Cursor int64 `json:"cursor"`

	// InstitutionID is the tenant the event belongs to. Cursor streams
	// filter on it so one institution never sees another's events.
	InstitutionID int64 `json:"institution_id"`

	AggregateType AggregateType `json:"aggregate_type"`
	AggregateID   int64         `json:"aggregate_id"`

	// SequenceNumber is contiguous and strictly increasing per
	// aggregate, starting at 1.
	SequenceNumber int64 `json:"sequence"`

	Action string `json:"action"`

	// ActorUserID is nil for system-originated events (timers,
	// supervisors).
	ActorUserID *int64 `json:"actor_user_id"`

	FromState *string `json:"from_state"`
	ToState   *string `json:"to_state"`

	// Payload is opaque JSON carried alongside the event.
	Payload json.RawMessage `json:"payload,omitempty"`

	IPAddress *string `json:"ip_address"`

	// IsSuccessful distinguishes success events from recorded failures;
	// both are always written.
	IsSuccessful bool `json:"is_successful"`

	ErrorMessage string `json:"error_message,omitempty"`

	// Forced marks faculty-override transitions that bypassed the
	// adjacency table.
	Forced bool `json:"forced,omitempty"`

	Timestamp time.Time `json:"timestamp_utc"`
}

// Actor describes who performed an operation, for event and audit rows.
// A zero Actor (UserID 0) is the system.
type Actor struct {
	UserID    int64  `json:"user_id"`
	Role      Role   `json:"role"`
	IPAddress string `json:"ip_address,omitempty"`
}

// System is the actor used for timer- and supervisor-originated writes.
var System = Actor{UserID: 0, Role: RoleSuperAdmin}

// IsSystem reports whether the actor is internal machinery.
func (a Actor) IsSystem() bool {
	return a.UserID == 0
}

// UserIDPtr returns the actor's user id as a nullable pointer, nil for
// the system actor.
func (a Actor) UserIDPtr() *int64 {
	if a.IsSystem() {
		return nil
	}
	id := a.UserID
	return &id
}

// IPPtr returns the actor's IP as a nullable pointer.
func (a Actor) IPPtr() *string {
	if a.IPAddress == "" {
		return nil
	}
	ip := a.IPAddress
	return &ip
}
