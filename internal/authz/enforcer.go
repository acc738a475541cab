// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package authz answers "may this role perform this action" using a
// Casbin RBAC model embedded in the binary. Ownership and tenancy checks
// (is this YOUR session, is it in YOUR institution) stay in the engines;
// this package covers only the role capability layer.
package authz

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/gavelworks/oyez/internal/models"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Enforcer wraps the Casbin enforcer with the domain's role vocabulary.
type Enforcer struct {
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer builds the enforcer from the embedded model and policy.
func NewEnforcer() (*Enforcer, error) {
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("load casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}
	if err := loadEmbeddedPolicy(enforcer, embeddedPolicy); err != nil {
		return nil, err
	}

	return &Enforcer{enforcer: enforcer}, nil
}

func loadEmbeddedPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		switch parts[0] {
		case "p":
			if len(parts) >= 4 {
				if _, err := enforcer.AddPolicy(parts[1], parts[2], parts[3]); err != nil {
					return fmt.Errorf("add policy %v: %w", parts[1:], err)
				}
			}
		case "g":
			if len(parts) >= 3 {
				if _, err := enforcer.AddGroupingPolicy(parts[1], parts[2]); err != nil {
					return fmt.Errorf("add grouping policy %v: %w", parts[1:], err)
				}
			}
		}
	}
	return nil
}

// Allowed reports whether the role may perform the action on the object.
func (e *Enforcer) Allowed(role models.Role, object, action string) (bool, error) {
	ok, err := e.enforcer.Enforce(string(role), object, action)
	if err != nil {
		return false, fmt.Errorf("enforce %s %s %s: %w", role, object, action, err)
	}
	return ok, nil
}

// Require returns UNAUTHORIZED_ROLE when the role lacks the capability.
func (e *Enforcer) Require(actor models.Actor, object, action string) error {
	if actor.IsSystem() {
		return nil
	}
	ok, err := e.Allowed(actor.Role, object, action)
	if err != nil {
		return models.NewDomainError(models.ErrCodeInternal, "authorization check failed").Wrap(err)
	}
	if !ok {
		return models.NewDomainError(models.ErrCodeUnauthorizedRole,
			fmt.Sprintf("role %s may not %s %s", actor.Role, action, object)).
			WithDetail("role", string(actor.Role)).
			WithDetail("object", object).
			WithDetail("action", action)
	}
	return nil
}
