// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, wire-visible failure code. Codes never change
// meaning once shipped; clients switch on them.
type ErrorCode string

const (
	ErrCodeUnauthorizedRole       ErrorCode = "UNAUTHORIZED_ROLE"
	ErrCodeForbidden              ErrorCode = "FORBIDDEN"
	ErrCodeNotFound               ErrorCode = "NOT_FOUND"
	ErrCodeSessionNotJoinable     ErrorCode = "SESSION_NOT_JOINABLE"
	ErrCodeSessionFull            ErrorCode = "SESSION_FULL"
	ErrCodeDuplicateJoin          ErrorCode = "DUPLICATE_JOIN"
	ErrCodeRaceCondition          ErrorCode = "RACE_CONDITION"
	ErrCodeInvalidTransition      ErrorCode = "INVALID_TRANSITION"
	ErrCodeConcurrentModification ErrorCode = "CONCURRENT_MODIFICATION"
	ErrCodeConcurrentWrite        ErrorCode = "CONCURRENT_WRITE"
	ErrCodePreconditionFailed     ErrorCode = "PRECONDITION_FAILED"
	ErrCodeNotCurrentSpeaker      ErrorCode = "NOT_CURRENT_SPEAKER"
	ErrCodeTurnNotStarted         ErrorCode = "TURN_NOT_STARTED"
	ErrCodeTurnAlreadySubmitted   ErrorCode = "TURN_ALREADY_SUBMITTED"
	ErrCodeTimeExpired            ErrorCode = "TIME_EXPIRED"
	ErrCodeEvaluationLocked       ErrorCode = "EVALUATION_LOCKED"
	ErrCodeValidationFailed       ErrorCode = "VALIDATION_FAILED"
	ErrCodeAlreadyFrozen          ErrorCode = "ALREADY_FROZEN"
	ErrCodeIncompleteTournament   ErrorCode = "INCOMPLETE_TOURNAMENT"
	ErrCodeChecksumMismatch       ErrorCode = "CHECKSUM_MISMATCH"
	ErrCodeCancelled              ErrorCode = "CANCELLED"
	ErrCodeInternal               ErrorCode = "INTERNAL"
)

// DomainError is the typed error every engine operation returns for
// caller-visible failures. It carries a stable code, a human-readable
// message and optional structured details (e.g. allowed_next states).
type DomainError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	// wrapped holds an underlying cause, if any.
	wrapped error
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *DomainError) Unwrap() error {
	return e.wrapped
}

// Is reports whether target is a DomainError with the same code. This lets
// callers write errors.Is(err, models.NewDomainError(models.ErrCodeNotFound, "")).
func (e *DomainError) Is(target error) bool {
	var de *DomainError
	if errors.As(target, &de) {
		return e.Code == de.Code
	}
	return false
}

// WithDetail attaches a structured detail and returns the error for chaining.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Wrap records an underlying cause and returns the error for chaining.
func (e *DomainError) Wrap(err error) *DomainError {
	e.wrapped = err
	return e
}

// HTTPStatus maps the stable code to an HTTP status for the outer layer.
func (e *DomainError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeValidationFailed:
		return http.StatusBadRequest
	case ErrCodeUnauthorizedRole, ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeSessionNotJoinable, ErrCodeSessionFull, ErrCodeDuplicateJoin,
		ErrCodeRaceCondition, ErrCodeInvalidTransition, ErrCodeConcurrentModification,
		ErrCodeConcurrentWrite, ErrCodeTurnAlreadySubmitted, ErrCodeEvaluationLocked,
		ErrCodeAlreadyFrozen, ErrCodeNotCurrentSpeaker, ErrCodeTurnNotStarted:
		return http.StatusConflict
	case ErrCodePreconditionFailed, ErrCodeIncompleteTournament, ErrCodeTimeExpired:
		return http.StatusUnprocessableEntity
	case ErrCodeCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// NewDomainError creates a DomainError with the given code and message.
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// ErrNotFound builds a NOT_FOUND error for an entity kind and id.
// Cross-tenant lookups fail closed through this same path so that callers
// cannot distinguish "absent" from "not yours".
func ErrNotFound(kind string, id interface{}) *DomainError {
	return NewDomainError(ErrCodeNotFound, fmt.Sprintf("%s %v not found", kind, id))
}

// AsDomainError extracts a DomainError from err, or wraps err as INTERNAL.
func AsDomainError(err error) *DomainError {
	var de *DomainError
	if errors.As(err, &de) {
		return de
	}
	return NewDomainError(ErrCodeInternal, "internal error").Wrap(err)
}

// CodeOf returns the stable code of err, or INTERNAL for foreign errors.
func CodeOf(err error) ErrorCode {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeInternal
}
