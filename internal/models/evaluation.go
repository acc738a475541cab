// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package models

import (
	"time"
)

// JudgeAssignment links a judge to a round within a session.
//
// Unique on (JudgeID, RoundID). When IsBlind is true, the evaluation
// engine must strip identity-bearing fields before presenting content to
// the judge; raw records never reach blind judging paths.
type JudgeAssignment struct {
	ID            int64     `json:"id"`
	InstitutionID int64     `json:"institution_id"`
	JudgeID       int64     `json:"judge_id"`
	RoundID       int64     `json:"round_id"`
	IsBlind       bool      `json:"is_blind"`
	AssignedAt    time.Time `json:"assigned_at"`
}

// JudgeEvaluation is an individual judge's scoring of a round under a
// frozen rubric version.
//
// Invariants:
//   - Unique on (RoundID, JudgeID, ParticipantID).
//   - IsDraft and IsFinal are never both true.
//   - Once IsFinal is true every attribute is immutable; subsequent
//     writes fail with EVALUATION_LOCKED.
type JudgeEvaluation struct {
	ID            int64 `json:"id"`
	InstitutionID int64 `json:"institution_id"`
	RoundID       int64 `json:"round_id"`
	JudgeID       int64 `json:"judge_id"`

	// ParticipantID is the speaker being scored. Aggregation groups
	// finalized evaluations by this target.
	ParticipantID int64 `json:"participant_id"`

	// RubricVersionID pins the frozen rubric the scores were made under.
	RubricVersionID int64 `json:"rubric_version_id"`

	// Scores maps criterion key to integer score.
	Scores map[string]int `json:"scores"`

	// TotalScore is derived from Scores by the rubric arithmetic.
	TotalScore float64 `json:"total_score"`

	Remarks string `json:"remarks"`

	IsDraft     bool       `json:"is_draft"`
	IsFinal     bool       `json:"is_final"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mutable reports whether the evaluation still accepts writes.
func (e *JudgeEvaluation) Mutable() bool {
	return !e.IsFinal
}

// BlindArtifact is the identity-stripped view of a round prepared for a
// blind judge. Participant names, team names and emails are replaced by
// opaque handles.
type BlindArtifact struct {
	RoundID     int64      `json:"round_id"`
	RoundNumber int        `json:"round_number"`
	State       RoundState `json:"state"`

	// PetitionerHandle and RespondentHandle are opaque labels such as
	// "Speaker #12".
	PetitionerHandle string `json:"petitioner_handle"`
	RespondentHandle string `json:"respondent_handle"`

	// Turns carries transcripts keyed by opaque speaker handle, in
	// turn order.
	Turns []BlindTurn `json:"turns"`
}

// BlindTurn is a single transcript in a blind artifact.
type BlindTurn struct {
	SpeakerHandle  string `json:"speaker_handle"`
	TurnOrder      int    `json:"turn_order"`
	Transcript     string `json:"transcript"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	AutoSubmitted  bool   `json:"auto_submitted"`
}

// RankedResult is one row of an aggregated ranking: mean total score
// across finalized evaluations with competition ranking (ties share a
// rank, the next rank is skipped).
type RankedResult struct {
	ParticipantID   int64   `json:"participant_id"`
	MeanTotalScore  float64 `json:"mean_total_score"`
	EvaluationCount int     `json:"evaluation_count"`
	Rank            int     `json:"rank"`
}
