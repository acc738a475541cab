// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package validation provides struct validation using go-playground/validator
// v10. It exposes a thread-safe singleton validator with custom validators
// for the engine's wire formats.
//
// Custom validators:
//   - session_code: exactly JURIS-XXXXXX, X in [A-Z0-9]
//   - criterion_key: snake_case identifier
//   - side: PETITIONER or RESPONDENT
//   - role: one of the recognized role labels
//
// Example:
//
//	type SubmitTurnRequest struct {
//	    Transcript string `validate:"max=65536"`
//	}
//	if err := validation.ValidateStruct(&req); err != nil {
//	    return models.AsDomainError(err)
//	}
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/gavelworks/oyez/internal/models"
	"github.com/gavelworks/oyez/internal/sessioncode"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

var criterionKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Validator returns the singleton validator instance, initializing it on
// first use. The instance caches struct metadata and is safe for
// concurrent use.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Registration failures indicate a programming error (duplicate
		// or empty tag) and cannot occur for the fixed tags below.
		_ = validate.RegisterValidation("session_code", func(fl validator.FieldLevel) bool {
			return sessioncode.Valid(fl.Field().String())
		})
		_ = validate.RegisterValidation("criterion_key", func(fl validator.FieldLevel) bool {
			return criterionKeyPattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("side", func(fl validator.FieldLevel) bool {
			return models.Side(fl.Field().String()).IsValid()
		})
		_ = validate.RegisterValidation("role", func(fl validator.FieldLevel) bool {
			return models.Role(fl.Field().String()).IsValid()
		})
	})
	return validate
}

// ValidateStruct validates a struct and translates failures into the
// stable VALIDATION_FAILED taxonomy.
func ValidateStruct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return models.NewDomainError(models.ErrCodeValidationFailed, "invalid validation target").Wrap(err)
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		return toDomainError(fieldErrs)
	}

	return models.NewDomainError(models.ErrCodeValidationFailed, "validation failed").Wrap(err)
}

// toDomainError converts field errors to a single DomainError listing
// every failed field.
func toDomainError(fieldErrs validator.ValidationErrors) *models.DomainError {
	messages := make([]string, 0, len(fieldErrs))
	fields := make(map[string]interface{}, len(fieldErrs))

	for _, fe := range fieldErrs {
		msg := messageFor(fe)
		messages = append(messages, msg)
		fields[strings.ToLower(fe.Field())] = msg
	}

	de := models.NewDomainError(models.ErrCodeValidationFailed, strings.Join(messages, "; "))
	de.Details = map[string]interface{}{"fields": fields}
	return de
}

// messageFor renders a human-readable message for one field error.
func messageFor(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "session_code":
		return fmt.Sprintf("%s must match JURIS-XXXXXX", field)
	case "criterion_key":
		return fmt.Sprintf("%s must be a snake_case identifier", field)
	case "side":
		return fmt.Sprintf("%s must be PETITIONER or RESPONDENT", field)
	case "role":
		return fmt.Sprintf("%s is not a recognized role", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation (%s)", field, fe.Tag())
	}
}
