// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package models

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionCreated            SessionState = "CREATED"
	SessionPreparing          SessionState = "PREPARING"
	SessionArgumentPetitioner SessionState = "ARGUMENT_PETITIONER"
	SessionArgumentRespondent SessionState = "ARGUMENT_RESPONDENT"
	SessionRebuttal           SessionState = "REBUTTAL"
	SessionSurRebuttal        SessionState = "SUR_REBUTTAL"
	SessionJudging            SessionState = "JUDGING"
	SessionCompleted          SessionState = "COMPLETED"
	SessionCancelled          SessionState = "CANCELLED"
	SessionPaused             SessionState = "PAUSED"
)

// ValidSessionStates contains every recognized session state.
var ValidSessionStates = []SessionState{
	SessionCreated, SessionPreparing, SessionArgumentPetitioner,
	SessionArgumentRespondent, SessionRebuttal, SessionSurRebuttal,
	SessionJudging, SessionCompleted, SessionCancelled, SessionPaused,
}

// IsValid reports whether s is a recognized session state.
func (s SessionState) IsValid() bool {
	for _, v := range ValidSessionStates {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state admits no further transitions.
func (s SessionState) IsTerminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// RoundState is the lifecycle state of a round. It shares the phase-stage
// vocabulary of sessions with the addition of WAITING, JUDGE_QUESTIONS
// and SCORING.
type RoundState string

const (
	RoundWaiting             RoundState = "WAITING"
	RoundArgumentPetitioner  RoundState = "ARGUMENT_PETITIONER"
	RoundArgumentRespondent  RoundState = "ARGUMENT_RESPONDENT"
	RoundRebuttal            RoundState = "REBUTTAL"
	RoundSurRebuttal         RoundState = "SUR_REBUTTAL"
	RoundJudgeQuestions      RoundState = "JUDGE_QUESTIONS"
	RoundScoring             RoundState = "SCORING"
	RoundCompleted           RoundState = "COMPLETED"
	RoundCancelled           RoundState = "CANCELLED"
	RoundPaused              RoundState = "PAUSED"
)

// ValidRoundStates contains every recognized round state.
var ValidRoundStates = []RoundState{
	RoundWaiting, RoundArgumentPetitioner, RoundArgumentRespondent,
	RoundRebuttal, RoundSurRebuttal, RoundJudgeQuestions, RoundScoring,
	RoundCompleted, RoundCancelled, RoundPaused,
}

// IsValid reports whether s is a recognized round state.
func (s RoundState) IsValid() bool {
	for _, v := range ValidRoundStates {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state admits no further transitions.
func (s RoundState) IsTerminal() bool {
	return s == RoundCompleted || s == RoundCancelled
}

// IsResumable reports whether a paused round may resume into this state.
// Terminal states and PAUSED itself are not resumable targets.
func (s RoundState) IsResumable() bool {
	return s.IsValid() && !s.IsTerminal() && s != RoundPaused
}

// Side identifies which bench a participant argues for.
type Side string

const (
	SidePetitioner Side = "PETITIONER"
	SideRespondent Side = "RESPONDENT"
)

// IsValid reports whether s is a recognized side.
func (s Side) IsValid() bool {
	return s == SidePetitioner || s == SideRespondent
}

// Role labels consumed from the external identity collaborator.
// Finer-grained permissions live in the authz package.
type Role string

const (
	RoleStudent    Role = "STUDENT"
	RoleFaculty    Role = "FACULTY"
	RoleJudge      Role = "JUDGE"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// ValidRoles contains every recognized role label.
var ValidRoles = []Role{RoleStudent, RoleFaculty, RoleJudge, RoleAdmin, RoleSuperAdmin}

// IsValid reports whether r is a recognized role.
func (r Role) IsValid() bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// IsFaculty reports whether the role carries faculty privileges.
// Admin roles subsume faculty for session governance.
func (r Role) IsFaculty() bool {
	return r == RoleFaculty || r == RoleAdmin || r == RoleSuperAdmin
}

// IsApprover reports whether r carries the snapshot approval capability.
// Faculty request approval; a separate role grants it.
func (r Role) IsApprover() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// PublicationMode controls when a finalized snapshot becomes visible.
type PublicationMode string

const (
	PublicationDraft     PublicationMode = "DRAFT"
	PublicationScheduled PublicationMode = "SCHEDULED"
	PublicationPublished PublicationMode = "PUBLISHED"
)

// IsValid reports whether m is a recognized publication mode.
func (m PublicationMode) IsValid() bool {
	return m == PublicationDraft || m == PublicationScheduled || m == PublicationPublished
}

// TriggerType identifies who or what may fire a state transition.
type TriggerType string

const (
	// TriggerFaculty requires an explicit faculty action.
	TriggerFaculty TriggerType = "faculty"

	// TriggerRoundCompleted fires automatically when a round completes.
	TriggerRoundCompleted TriggerType = "round_completed"

	// TriggerSystem fires from internal machinery (timers, supervisors).
	TriggerSystem TriggerType = "system"
)
