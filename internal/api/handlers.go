// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gavelworks/oyez/internal/models"
	"github.com/gavelworks/oyez/internal/statemachine"
)

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, models.NewDomainError(models.ErrCodeValidationFailed,
			"malformed "+name)
	}
	return id, nil
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "session", "create"); err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.sessions.Create(ctx, institutionFrom(ctx), actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Require(actorFrom(ctx), "session", "read"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.sessions.Get(ctx, institutionFrom(ctx), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleGetSessionByCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Require(actorFrom(ctx), "session", "read"); err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.sessions.GetByCode(ctx, institutionFrom(ctx), chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Require(actorFrom(ctx), "session", "read"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	participants, err := s.sessions.Participants(ctx, institutionFrom(ctx), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"participants": participants,
		"count":        len(participants),
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "session", "join"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	slot, err := s.assignment.Assign(ctx, institutionFrom(ctx), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !slot.IsNew {
		status = http.StatusOK
	}
	writeJSON(w, status, slot)
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "session", "read"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := s.assignment.JoinObserver(ctx, institutionFrom(ctx), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type transitionRequest struct {
	Target               string `json:"target"`
	ExpectedVersion      int64  `json:"expected_version,omitempty"`
	Forced               bool   `json:"forced,omitempty"`
	Reason               string `json:"reason,omitempty"`
	PhaseDurationSeconds int    `json:"phase_duration_seconds,omitempty"`
}

func (s *Server) handleSessionTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)

	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	capability := "transition"
	if req.Forced {
		capability = "force_transition"
	}
	if err := s.authz.Require(actor, "session", capability); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.machine.TransitionSession(ctx, institutionFrom(ctx), id,
		models.SessionState(req.Target), statemachine.Request{
			Actor:                actor,
			ExpectedVersion:      req.ExpectedVersion,
			Forced:               req.Forced,
			Reason:               req.Reason,
			PhaseDurationSeconds: req.PhaseDurationSeconds,
		})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionAllowedNext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Require(actorFrom(ctx), "session", "read"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.sessions.Get(ctx, institutionFrom(ctx), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":        session.State,
		"allowed_next": s.machine.AllowedNext(statemachine.KindSession, string(session.State)),
	})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Require(actorFrom(ctx), "session", "read"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Scope check before replay so cross-tenant feeds fail closed.
	if _, err := s.sessions.Get(ctx, institutionFrom(ctx), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	// Optional lower bound: clients holding a partial view fetch only
	// the tail.
	var fromSeq int64
	if raw := r.URL.Query().Get("from_sequence"); raw != "" {
		fromSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || fromSeq < 0 {
			s.writeError(w, r, models.NewDomainError(models.ErrCodeValidationFailed,
				"malformed from_sequence"))
			return
		}
	}

	events, err := s.log.ReplayFrom(ctx, models.AggregateSession, id, fromSeq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

type createRoundRequest struct {
	RoundNumber      int   `json:"round_number"`
	TimeLimitSeconds int   `json:"time_limit_seconds,omitempty"`
	JudgeID          int64 `json:"judge_id,omitempty"`
}

func (s *Server) handleCreateRound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "round", "manage"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req createRoundRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RoundNumber <= 0 {
		s.writeError(w, r, models.NewDomainError(models.ErrCodeValidationFailed,
			"round_number must be positive"))
		return
	}

	round, err := s.rounds.CreateRound(ctx, institutionFrom(ctx), id,
		req.RoundNumber, req.TimeLimitSeconds, req.JudgeID, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, round)
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Require(actorFrom(ctx), "session", "read"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "roundID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	round, turns, err := s.rounds.GetRound(ctx, institutionFrom(ctx), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"round": round,
		"turns": turns,
	})
}

func (s *Server) handleRoundTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "round", "manage"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "roundID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	round, err := s.machine.TransitionRound(ctx, institutionFrom(ctx), id,
		models.RoundState(req.Target), statemachine.Request{
			Actor:           actor,
			ExpectedVersion: req.ExpectedVersion,
			Forced:          req.Forced,
			Reason:          req.Reason,
		})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "turn", "submit"); err != nil {
		s.writeError(w, r, err)
		return
	}
	roundID, err := pathID(r, "roundID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	turnID, err := pathID(r, "turnID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	turn, err := s.rounds.StartTurn(ctx, institutionFrom(ctx), roundID, turnID, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

type submitTurnRequest struct {
	Transcript string `json:"transcript"`
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "turn", "submit"); err != nil {
		s.writeError(w, r, err)
		return
	}
	roundID, err := pathID(r, "roundID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	turnID, err := pathID(r, "turnID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req submitTurnRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	turn, err := s.rounds.SubmitTurn(ctx, institutionFrom(ctx), roundID, turnID, req.Transcript, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (s *Server) handleTimer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Require(actorFrom(ctx), "session", "read"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "roundID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	reading, err := s.rounds.Timer(ctx, institutionFrom(ctx), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := strconv.ParseInt(r.URL.Query().Get("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		s.writeError(w, r, models.NewDomainError(models.ErrCodeValidationFailed,
			"malformed session_id"))
		return
	}
	participantID, err := strconv.ParseInt(r.URL.Query().Get("participant_id"), 10, 64)
	if err != nil || participantID <= 0 {
		s.writeError(w, r, models.NewDomainError(models.ErrCodeValidationFailed,
			"malformed participant_id"))
		return
	}
	// Scope check: the session must exist in the caller's institution.
	if _, err := s.sessions.Get(ctx, institutionFrom(ctx), sessionID); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.hub.ServeWS(w, r, institutionFrom(ctx), sessionID, participantID)
}
