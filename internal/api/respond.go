// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/models"
)

// errorBody is the wire shape of every failure response.
type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("response encode failed")
	}
}

// writeError maps a domain error onto the stable HTTP taxonomy. Denials
// recorded here are API-layer rejections; domain-level rejections already
// wrote their own event rows.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	de := models.AsDomainError(err)
	status := de.HTTPStatus()

	if status >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
	}

	if de.Code == models.ErrCodeUnauthorizedRole || de.Code == models.ErrCodeForbidden {
		actor := actorFrom(r.Context())
		s.audit.LogDenied(institutionFrom(r.Context()), actor.UserID,
			string(actor.Role), actor.IPAddress,
			logging.RequestIDFromContext(r.Context()),
			r.Method+" "+r.URL.Path, "route", 0)
	}

	writeJSON(w, status, errorBody{
		Code:    string(de.Code),
		Message: de.Message,
		Details: de.Details,
	})
}

// decodeBody unmarshals a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.NewDomainError(models.ErrCodeValidationFailed,
			"malformed request body").Wrap(err)
	}
	return nil
}
