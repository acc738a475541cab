// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package models

import (
	"math"
	"testing"
)

func plainRubric() *RubricVersion {
	return &RubricVersion{
		Name:          "appellate",
		VersionNumber: 1,
		Criteria: []Criterion{
			{Key: "framing", Label: "Issue framing", MaxScore: 10},
			{Key: "reasoning", Label: "Legal reasoning", MaxScore: 20},
		},
	}
}

func weightedRubric() *RubricVersion {
	return &RubricVersion{
		Name:          "oral",
		VersionNumber: 1,
		Criteria: []Criterion{
			{Key: "delivery", Label: "Delivery", MaxScore: 10, Weight: 1},
			{Key: "substance", Label: "Substance", MaxScore: 20, Weight: 3},
		},
	}
}

func TestValidateScores(t *testing.T) {
	r := plainRubric()

	if err := r.ValidateScores(map[string]int{"framing": 10, "reasoning": 0}); err != nil {
		t.Errorf("boundary scores rejected: %v", err)
	}

	cases := map[string]map[string]int{
		"missing criterion": {"framing": 5},
		"over ceiling":      {"framing": 11, "reasoning": 10},
		"negative":          {"framing": -1, "reasoning": 10},
		"unknown key":       {"framing": 5, "reasoning": 10, "poise": 3},
	}
	for name, scores := range cases {
		err := r.ValidateScores(scores)
		if CodeOf(err) != ErrCodeValidationFailed {
			t.Errorf("%s: err = %v, want VALIDATION_FAILED", name, err)
		}
	}
}

func TestTotalScorePlainSums(t *testing.T) {
	r := plainRubric()
	if got := r.TotalScore(map[string]int{"framing": 8, "reasoning": 14}); got != 22 {
		t.Errorf("total = %v, want 22", got)
	}
	if r.Weighted() {
		t.Error("zero-weight rubric reported weighted")
	}
}

func TestTotalScoreWeighted(t *testing.T) {
	r := weightedRubric()
	if !r.Weighted() {
		t.Fatal("weighted rubric not detected")
	}

	// (5/10 * 1 + 10/20 * 3) / 4 * 100 = 50
	if got := r.TotalScore(map[string]int{"delivery": 5, "substance": 10}); math.Abs(got-50) > 1e-9 {
		t.Errorf("total = %v, want 50", got)
	}

	// Full marks scale to 100 regardless of the raw ceilings.
	if got := r.TotalScore(map[string]int{"delivery": 10, "substance": 20}); math.Abs(got-100) > 1e-9 {
		t.Errorf("full marks total = %v, want 100", got)
	}
}

func TestCriterionByKey(t *testing.T) {
	r := plainRubric()
	c, ok := r.CriterionByKey("reasoning")
	if !ok || c.MaxScore != 20 {
		t.Errorf("CriterionByKey(reasoning) = %+v, %v", c, ok)
	}
	if _, ok := r.CriterionByKey("poise"); ok {
		t.Error("unknown key resolved")
	}
}
