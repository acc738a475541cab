// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package models

import (
	"fmt"
	"time"
)

// Criterion is one scored dimension within a rubric version.
type Criterion struct {
	// Key is the stable identifier used in score maps (snake_case).
	Key string `json:"key" validate:"criterion_key"`

	// Label is the display name shown to judges.
	Label string `json:"label"`

	// MaxScore is the integer ceiling for this criterion.
	MaxScore int `json:"max_score" validate:"min=1"`

	// Weight is the relative weight for weighted rubrics. Zero on every
	// criterion means the rubric uses plain summation.
	Weight float64 `json:"weight" validate:"min=0"`
}

// RubricVersion is a frozen, immutable scoring rubric. Every evaluation
// references a rubric version by id so results stay reproducible after
// rubric edits; edits produce new versions.
type RubricVersion struct {
	ID            int64 `json:"id"`
	InstitutionID int64 `json:"institution_id"`

	// Name identifies the rubric family this version belongs to.
	Name string `json:"name"`

	// VersionNumber increases within a rubric family.
	VersionNumber int `json:"version_number"`

	// Criteria is the ordered criterion list, stored as a frozen JSON
	// document.
	Criteria []Criterion `json:"criteria"`

	CreatedAt time.Time `json:"created_at"`
}

// CriterionByKey returns the criterion with the given key.
func (r *RubricVersion) CriterionByKey(key string) (*Criterion, bool) {
	for i := range r.Criteria {
		if r.Criteria[i].Key == key {
			return &r.Criteria[i], true
		}
	}
	return nil, false
}

// Weighted reports whether any criterion declares a non-zero weight.
func (r *RubricVersion) Weighted() bool {
	for i := range r.Criteria {
		if r.Criteria[i].Weight > 0 {
			return true
		}
	}
	return false
}

// ValidateScores checks a criterion→score map against the rubric: every
// criterion must be present with an integer score in [0, max]; excess
// keys are errors.
func (r *RubricVersion) ValidateScores(scores map[string]int) error {
	for i := range r.Criteria {
		c := &r.Criteria[i]
		score, ok := scores[c.Key]
		if !ok {
			return NewDomainError(ErrCodeValidationFailed,
				fmt.Sprintf("missing score for criterion %q", c.Key)).
				WithDetail("criterion", c.Key)
		}
		if score < 0 || score > c.MaxScore {
			return NewDomainError(ErrCodeValidationFailed,
				fmt.Sprintf("score %d for criterion %q outside [0, %d]", score, c.Key, c.MaxScore)).
				WithDetail("criterion", c.Key).
				WithDetail("max_score", c.MaxScore)
		}
	}
	for key := range scores {
		if _, ok := r.CriterionByKey(key); !ok {
			return NewDomainError(ErrCodeValidationFailed,
				fmt.Sprintf("unknown criterion %q", key)).
				WithDetail("criterion", key)
		}
	}
	return nil
}

// TotalScore computes the evaluation total for a validated score map.
// Plain rubrics sum raw scores. Weighted rubrics compute
// sum((score/max) * weight) normalized to the weight sum, scaled to 100.
func (r *RubricVersion) TotalScore(scores map[string]int) float64 {
	if !r.Weighted() {
		total := 0
		for i := range r.Criteria {
			total += scores[r.Criteria[i].Key]
		}
		return float64(total)
	}

	var weightSum, acc float64
	for i := range r.Criteria {
		c := &r.Criteria[i]
		weightSum += c.Weight
		if c.MaxScore > 0 {
			acc += (float64(scores[c.Key]) / float64(c.MaxScore)) * c.Weight
		}
	}
	if weightSum == 0 {
		return 0
	}
	return acc / weightSum * 100
}
