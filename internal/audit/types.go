// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package audit records API-edge security events: authorization denials,
// rate-limit rejections and validation failures that never reach a
// domain transaction. In-transaction activity is covered by the domain
// event log; this package catches what happens before a transaction
// exists.
package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// EventType classifies an edge audit event.
type EventType string

const (
	EventAuthzDenied     EventType = "authz.denied"
	EventRoleRejected    EventType = "authz.role_rejected"
	EventRateLimited     EventType = "request.rate_limited"
	EventValidationError EventType = "request.validation_error"
	EventAdminAction     EventType = "admin.action"
)

// Outcome is the result of the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one edge audit record.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Outcome   Outcome   `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`

	// InstitutionID is the tenant of the request, 0 when the request
	// was rejected before authentication resolved one.
	InstitutionID int64 `json:"institution_id"`

	// ActorUserID is 0 for unauthenticated requests.
	ActorUserID int64  `json:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Action is the operation attempted (e.g. "session.transition").
	Action string `json:"action"`

	// TargetKind and TargetID identify the resource, when known.
	TargetKind string `json:"target_kind,omitempty"`
	TargetID   int64  `json:"target_id,omitempty"`

	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Store persists audit events.
type Store interface {
	Save(ctx context.Context, event *Event) error
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)
	Count(ctx context.Context, filter QueryFilter) (int64, error)
}

// QueryFilter narrows audit queries. Zero values match everything.
type QueryFilter struct {
	Types         []EventType
	InstitutionID int64
	ActorUserID   int64
	IPAddress     string
	TargetKind    string
	TargetID      int64
	StartTime     *time.Time
	EndTime       *time.Time
	Limit         int
}

// Matches reports whether an event satisfies the filter.
func (f *QueryFilter) Matches(e *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.InstitutionID != 0 && e.InstitutionID != f.InstitutionID {
		return false
	}
	if f.ActorUserID != 0 && e.ActorUserID != f.ActorUserID {
		return false
	}
	if f.IPAddress != "" && e.IPAddress != f.IPAddress {
		return false
	}
	if f.TargetKind != "" && e.TargetKind != f.TargetKind {
		return false
	}
	if f.TargetID != 0 && e.TargetID != f.TargetID {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// SourceIP extracts the client IP from a request, honoring proxy
// headers.
func SourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
