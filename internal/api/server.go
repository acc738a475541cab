// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package api exposes the engine over HTTP. Identity arrives in gateway
// headers (X-User-Id, X-User-Role, X-Institution-Id); the API trusts the
// gateway for authentication and enforces authorization itself through
// the Casbin policy plus the engines' own role checks.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gavelworks/oyez/internal/assignment"
	"github.com/gavelworks/oyez/internal/audit"
	"github.com/gavelworks/oyez/internal/authz"
	"github.com/gavelworks/oyez/internal/config"
	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/evaluation"
	"github.com/gavelworks/oyez/internal/eventlog"
	"github.com/gavelworks/oyez/internal/leaderboard"
	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/rounds"
	"github.com/gavelworks/oyez/internal/sessions"
	"github.com/gavelworks/oyez/internal/statemachine"
	"github.com/gavelworks/oyez/internal/websocket"
)

// Server is the HTTP front of the engine.
type Server struct {
	cfg *config.ServerConfig

	db          *database.DB
	log         *eventlog.Log
	sessions    *sessions.Engine
	assignment  *assignment.Engine
	machine     *statemachine.Machine
	rounds      *rounds.Engine
	evaluation  *evaluation.Engine
	leaderboard *leaderboard.Engine
	hub         *websocket.Hub
	authz       *authz.Enforcer
	audit       *audit.Logger

	metricsCfg config.MetricsConfig
	httpServer *http.Server
}

// Deps bundles the engine wiring for the server.
type Deps struct {
	DB          *database.DB
	Log         *eventlog.Log
	Sessions    *sessions.Engine
	Assignment  *assignment.Engine
	Machine     *statemachine.Machine
	Rounds      *rounds.Engine
	Evaluation  *evaluation.Engine
	Leaderboard *leaderboard.Engine
	Hub         *websocket.Hub
	Authz       *authz.Enforcer
	Audit       *audit.Logger
}

// NewServer builds the server and its router.
func NewServer(cfg *config.ServerConfig, metricsCfg config.MetricsConfig, deps Deps) *Server {
	s := &Server{
		cfg:         cfg,
		db:          deps.DB,
		log:         deps.Log,
		sessions:    deps.Sessions,
		assignment:  deps.Assignment,
		machine:     deps.Machine,
		rounds:      deps.Rounds,
		evaluation:  deps.Evaluation,
		leaderboard: deps.Leaderboard,
		hub:         deps.Hub,
		authz:       deps.Authz,
		audit:       deps.Audit,
		metricsCfg:  metricsCfg,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(s.recoverer)
	r.Use(s.observe)
	r.Use(httprate.Limit(
		s.cfg.RateLimitPerMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(s.rateLimited),
	))

	r.Get("/healthz", s.handleHealth)
	if s.metricsCfg.Enabled {
		r.Method(http.MethodGet, s.metricsCfg.Path, promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.timeout)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Get("/sessions/code/{code}", s.handleGetSessionByCode)
		r.Get("/sessions/{sessionID}/participants", s.handleListParticipants)
		r.Post("/sessions/{sessionID}/join", s.handleJoin)
		r.Post("/sessions/{sessionID}/observe", s.handleObserve)
		r.Post("/sessions/{sessionID}/transition", s.handleSessionTransition)
		r.Get("/sessions/{sessionID}/allowed-next", s.handleSessionAllowedNext)
		r.Get("/sessions/{sessionID}/events", s.handleSessionEvents)
		r.Post("/sessions/{sessionID}/rounds", s.handleCreateRound)
		r.Get("/sessions/{sessionID}/aggregate", s.handleAggregate)
		r.Post("/sessions/{sessionID}/freeze", s.handleFreeze)

		r.Get("/rounds/{roundID}", s.handleGetRound)
		r.Post("/rounds/{roundID}/transition", s.handleRoundTransition)
		r.Post("/rounds/{roundID}/turns/{turnID}/start", s.handleStartTurn)
		r.Post("/rounds/{roundID}/turns/{turnID}/submit", s.handleSubmitTurn)
		r.Get("/rounds/{roundID}/timer", s.handleTimer)
		r.Post("/rounds/{roundID}/judges", s.handleAssignJudge)
		r.Get("/rounds/{roundID}/blind-view", s.handleBlindView)
		r.Put("/rounds/{roundID}/evaluations", s.handleUpsertEvaluation)

		r.Post("/evaluations/{evaluationID}/finalize", s.handleFinalizeEvaluation)

		r.Post("/rubrics", s.handleCreateRubric)
		r.Get("/rubrics/{rubricID}", s.handleGetRubric)

		r.Get("/snapshots/{snapshotID}", s.handleGetSnapshot)
		r.Post("/snapshots/{snapshotID}/request-approval", s.handleRequestApproval)
		r.Post("/snapshots/{snapshotID}/approve", s.handleApprove)
		r.Post("/snapshots/{snapshotID}/publish", s.handlePublish)
		r.Post("/snapshots/{snapshotID}/invalidate", s.handleInvalidate)
		r.Post("/snapshots/{snapshotID}/verify", s.handleVerify)

		r.Get("/events", s.handleEventFeed)
		r.Get("/audit", s.handleAuditQuery)

		r.Get("/ws", s.handleWebsocket)
	})

	return r
}

// Serve runs the listener until ctx is cancelled, then drains. Runs
// under the supervision tree.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Component("api").Info().
			Str("addr", s.httpServer.Addr).
			Msg("http server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logging.Component("api").Info().Msg("http server stopped")
		return ctx.Err()
	}
}

func (s *Server) String() string { return "api.server" }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
