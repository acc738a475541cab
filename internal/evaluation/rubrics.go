// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package evaluation

import (
	"context"
	"fmt"

	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/models"
	"github.com/gavelworks/oyez/internal/validation"
)

// CreateRubricVersion freezes a new rubric version. Versions are
// immutable; editing a rubric means creating the next version, and
// existing evaluations keep pointing at the version they scored under.
func (e *Engine) CreateRubricVersion(ctx context.Context, institutionID int64, name string, criteria []models.Criterion, actor models.Actor) (*models.RubricVersion, error) {
	if !actor.Role.IsFaculty() {
		return nil, models.NewDomainError(models.ErrCodeUnauthorizedRole,
			"only faculty may manage rubrics")
	}
	if name == "" {
		return nil, models.NewDomainError(models.ErrCodeValidationFailed,
			"rubric name is required")
	}
	if len(criteria) == 0 {
		return nil, models.NewDomainError(models.ErrCodeValidationFailed,
			"rubric requires at least one criterion")
	}

	seen := make(map[string]bool, len(criteria))
	for i := range criteria {
		if err := validation.ValidateStruct(&criteria[i]); err != nil {
			return nil, err
		}
		if seen[criteria[i].Key] {
			return nil, models.NewDomainError(models.ErrCodeValidationFailed,
				fmt.Sprintf("duplicate criterion key %q", criteria[i].Key)).
				WithDetail("criterion", criteria[i].Key)
		}
		seen[criteria[i].Key] = true
	}

	now, err := e.db.Now(ctx)
	if err != nil {
		return nil, err
	}

	version, err := e.db.NextRubricVersionNumber(ctx, e.db.Conn(), institutionID, name)
	if err != nil {
		return nil, err
	}

	r := &models.RubricVersion{
		InstitutionID: institutionID,
		Name:          name,
		VersionNumber: version,
		Criteria:      criteria,
		CreatedAt:     now,
	}
	if err := e.db.InsertRubricVersion(ctx, e.db.Conn(), r); err != nil {
		return nil, err
	}

	logging.Component("evaluation").Info().
		Int64("rubric_version_id", r.ID).
		Str("name", name).
		Int("version", version).
		Int("criteria", len(criteria)).
		Msg("rubric version frozen")
	return r, nil
}

// GetRubricVersion loads a frozen rubric version.
func (e *Engine) GetRubricVersion(ctx context.Context, institutionID, id int64) (*models.RubricVersion, error) {
	return e.db.GetRubricVersion(ctx, e.db.Conn(), institutionID, id)
}

// LatestRubricVersion loads the newest version of a rubric family.
func (e *Engine) LatestRubricVersion(ctx context.Context, institutionID int64, name string) (*models.RubricVersion, error) {
	return e.db.LatestRubricVersion(ctx, e.db.Conn(), institutionID, name)
}

// AssignJudge links a judge to a round. Faculty only.
func (e *Engine) AssignJudge(ctx context.Context, institutionID, judgeID, roundID int64, blind bool, actor models.Actor) (*models.JudgeAssignment, error) {
	if !actor.Role.IsFaculty() {
		return nil, models.NewDomainError(models.ErrCodeUnauthorizedRole,
			"only faculty may assign judges")
	}
	if _, err := e.db.GetRound(ctx, e.db.Conn(), institutionID, roundID); err != nil {
		return nil, err
	}

	now, err := e.db.Now(ctx)
	if err != nil {
		return nil, err
	}

	a := &models.JudgeAssignment{
		InstitutionID: institutionID,
		JudgeID:       judgeID,
		RoundID:       roundID,
		IsBlind:       blind,
		AssignedAt:    now,
	}
	if err := e.db.InsertJudgeAssignment(ctx, e.db.Conn(), a); err != nil {
		return nil, err
	}
	return a, nil
}
