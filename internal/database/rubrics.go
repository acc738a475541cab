// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/gavelworks/oyez/internal/models"
)

// InsertRubricVersion writes a frozen rubric version. Criteria are
// serialized once at insert and never rewritten.
func (db *DB) InsertRubricVersion(ctx context.Context, q Querier, r *models.RubricVersion) error {
	criteria, err := json.Marshal(r.Criteria)
	if err != nil {
		return fmt.Errorf("marshal rubric criteria: %w", err)
	}

	err = q.QueryRowContext(ctx, `INSERT INTO rubric_versions (
			id, institution_id, name, version_number, criteria, created_at
		) VALUES (nextval('seq_rubric_versions'), ?, ?, ?, ?, ?)
		RETURNING id`,
		r.InstitutionID, r.Name, r.VersionNumber, string(criteria), r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert rubric version: %w", err)
	}
	return nil
}

// GetRubricVersion loads a rubric version within an institution.
func (db *DB) GetRubricVersion(ctx context.Context, q Querier, institutionID, id int64) (*models.RubricVersion, error) {
	row := q.QueryRowContext(ctx, `SELECT id, institution_id, name,
			version_number, criteria, created_at
		FROM rubric_versions WHERE id = ? AND institution_id = ?`, id, institutionID)
	return scanRubricVersion(row)
}

// LatestRubricVersion returns the highest version number in a rubric
// family.
func (db *DB) LatestRubricVersion(ctx context.Context, q Querier, institutionID int64, name string) (*models.RubricVersion, error) {
	row := q.QueryRowContext(ctx, `SELECT id, institution_id, name,
			version_number, criteria, created_at
		FROM rubric_versions WHERE institution_id = ? AND name = ?
		ORDER BY version_number DESC LIMIT 1`, institutionID, name)
	return scanRubricVersion(row)
}

// NextRubricVersionNumber computes the next version number in a family.
func (db *DB) NextRubricVersionNumber(ctx context.Context, q Querier, institutionID int64, name string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT coalesce(max(version_number), 0) + 1
		FROM rubric_versions WHERE institution_id = ? AND name = ?`,
		institutionID, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next rubric version number: %w", err)
	}
	return n, nil
}

func scanRubricVersion(row *sql.Row) (*models.RubricVersion, error) {
	var r models.RubricVersion
	var criteria string

	err := row.Scan(&r.ID, &r.InstitutionID, &r.Name, &r.VersionNumber,
		&criteria, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound("rubric version", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scan rubric version: %w", err)
	}

	if err := json.Unmarshal([]byte(criteria), &r.Criteria); err != nil {
		return nil, fmt.Errorf("unmarshal rubric criteria: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}
