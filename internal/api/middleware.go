// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gavelworks/oyez/internal/audit"
	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/metrics"
	"github.com/gavelworks/oyez/internal/models"
)

type ctxKey int

const (
	ctxKeyActor ctxKey = iota
	ctxKeyInstitution
)

// actorFrom returns the authenticated actor stored by the middleware.
func actorFrom(ctx context.Context) models.Actor {
	a, _ := ctx.Value(ctxKeyActor).(models.Actor)
	return a
}

// institutionFrom returns the tenant scope stored by the middleware.
func institutionFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(ctxKeyInstitution).(int64)
	return id
}

// requestID stamps every request with an id and a request-scoped logger.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		ctx := logging.ContextWithRequestID(r.Context(), id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate reads the gateway identity headers. Requests without them
// never reach a handler.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.Header.Get("X-User-Id"), 10, 64)
		if err != nil || userID <= 0 {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Code:    "UNAUTHENTICATED",
				Message: "missing or malformed X-User-Id",
			})
			return
		}
		role := models.Role(r.Header.Get("X-User-Role"))
		if !role.IsValid() {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Code:    "UNAUTHENTICATED",
				Message: "missing or malformed X-User-Role",
			})
			return
		}
		institutionID, err := strconv.ParseInt(r.Header.Get("X-Institution-Id"), 10, 64)
		if err != nil || institutionID <= 0 {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Code:    "UNAUTHENTICATED",
				Message: "missing or malformed X-Institution-Id",
			})
			return
		}

		actor := models.Actor{
			UserID:    userID,
			Role:      role,
			IPAddress: audit.SourceIP(r),
		}
		ctx := context.WithValue(r.Context(), ctxKeyActor, actor)
		ctx = context.WithValue(ctx, ctxKeyInstitution, institutionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// timeout applies the per-request deadline. Expired requests roll back
// and surface CANCELLED.
func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Websocket connections outlive any request deadline.
		if r.URL.Path == "/v1/ws" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// observe records request metrics and an access log line.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		logging.Ctx(r.Context()).Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

// recoverer turns handler panics into 500s with a stack in the log.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Ctx(r.Context()).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				writeJSON(w, http.StatusInternalServerError, errorBody{
					Code:    string(models.ErrCodeInternal),
					Message: "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimited is the httprate rejection handler; throttled requests go to
// the edge audit trail.
func (s *Server) rateLimited(w http.ResponseWriter, r *http.Request) {
	s.audit.LogRateLimited(audit.SourceIP(r), logging.RequestIDFromContext(r.Context()), r.URL.Path)
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Code:    "RATE_LIMITED",
		Message: "too many requests",
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes through so websocket upgrades work behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
