// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gavelworks/oyez/internal/audit"
	"github.com/gavelworks/oyez/internal/models"
)

type createRubricRequest struct {
	Name     string             `json:"name"`
	Criteria []models.Criterion `json:"criteria"`
}

func (s *Server) handleCreateRubric(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "rubric", "manage"); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req createRubricRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	rubric, err := s.evaluation.CreateRubricVersion(ctx, institutionFrom(ctx),
		req.Name, req.Criteria, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rubric)
}

func (s *Server) handleGetRubric(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Require(actorFrom(ctx), "session", "read"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "rubricID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rubric, err := s.evaluation.GetRubricVersion(ctx, institutionFrom(ctx), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rubric)
}

type assignJudgeRequest struct {
	JudgeID int64 `json:"judge_id"`
	Blind   bool  `json:"blind"`
}

func (s *Server) handleAssignJudge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "round", "manage"); err != nil {
		s.writeError(w, r, err)
		return
	}
	roundID, err := pathID(r, "roundID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req assignJudgeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.JudgeID <= 0 {
		s.writeError(w, r, models.NewDomainError(models.ErrCodeValidationFailed,
			"judge_id must be positive"))
		return
	}

	a, err := s.evaluation.AssignJudge(ctx, institutionFrom(ctx),
		req.JudgeID, roundID, req.Blind, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleBlindView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "round", "read_blind"); err != nil {
		s.writeError(w, r, err)
		return
	}
	roundID, err := pathID(r, "roundID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	artifact, err := s.evaluation.PrepareBlindView(ctx, institutionFrom(ctx), roundID, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

type upsertEvaluationRequest struct {
	ParticipantID   int64          `json:"participant_id"`
	RubricVersionID int64          `json:"rubric_version_id"`
	Scores          map[string]int `json:"scores"`
	Remarks         string         `json:"remarks,omitempty"`
}

func (s *Server) handleUpsertEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "evaluation", "write"); err != nil {
		s.writeError(w, r, err)
		return
	}
	roundID, err := pathID(r, "roundID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req upsertEvaluationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ev, err := s.evaluation.CreateOrUpdate(ctx, institutionFrom(ctx), roundID,
		req.ParticipantID, req.RubricVersionID, req.Scores, req.Remarks, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleFinalizeEvaluation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "evaluation", "finalize"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "evaluationID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ev, err := s.evaluation.Finalize(ctx, institutionFrom(ctx), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Require(actorFrom(ctx), "leaderboard", "read"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.sessions.Get(ctx, institutionFrom(ctx), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	results, err := s.evaluation.Aggregate(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"results":    results,
	})
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "leaderboard", "freeze"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "sessionID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snapshot, err := s.leaderboard.Freeze(ctx, institutionFrom(ctx), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshot)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r, "snapshotID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snapshot, entries, err := s.leaderboard.Get(ctx, institutionFrom(ctx), id, actorFrom(ctx))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot": snapshot,
		"entries":  entries,
	})
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "leaderboard", "request_approval"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "snapshotID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snapshot, err := s.leaderboard.RequestApproval(ctx, institutionFrom(ctx), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type approveRequest struct {
	PublicationMode string     `json:"publication_mode"`
	PublicationDate *time.Time `json:"publication_date,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "leaderboard", "approve"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "snapshotID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	mode := models.PublicationMode(req.PublicationMode)
	if !mode.IsValid() {
		s.writeError(w, r, models.NewDomainError(models.ErrCodeValidationFailed,
			"unrecognized publication_mode"))
		return
	}

	snapshot, err := s.leaderboard.Approve(ctx, institutionFrom(ctx), id,
		mode, req.PublicationDate, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "leaderboard", "publish"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "snapshotID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snapshot, err := s.leaderboard.Publish(ctx, institutionFrom(ctx), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type invalidateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "leaderboard", "invalidate"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "snapshotID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req invalidateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	snapshot, err := s.leaderboard.Invalidate(ctx, institutionFrom(ctx), id, req.Reason, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	if err := s.authz.Require(actor, "leaderboard", "verify"); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := pathID(r, "snapshotID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.leaderboard.Verify(ctx, institutionFrom(ctx), id, actor); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "match"})
}

func (s *Server) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Require(actorFrom(ctx), "session", "read"); err != nil {
		s.writeError(w, r, err)
		return
	}

	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := s.log.Since(ctx, institutionFrom(ctx), after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Cursor
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":      events,
		"count":       len(events),
		"next_cursor": next,
	})
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.authz.Require(actorFrom(ctx), "audit", "read"); err != nil {
		s.writeError(w, r, err)
		return
	}

	// Audit reads are tenant-scoped like every other read.
	filter := audit.QueryFilter{InstitutionID: institutionFrom(ctx)}
	if v := r.URL.Query().Get("event_type"); v != "" {
		filter.Types = []audit.EventType{audit.EventType(v)}
	}
	if v, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64); err == nil {
		filter.ActorUserID = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = v
	}

	events, err := s.audit.Query(ctx, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
