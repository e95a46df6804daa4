package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/timzinin/andry/internal/db"
	"github.com/timzinin/andry/internal/gateway"
	"github.com/timzinin/andry/internal/pipeline"
	"github.com/timzinin/andry/internal/server/middleware"
)

type tokenRequest struct {
	UserID string `json:"user_id"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type generateRequest struct {
	Source    string `json:"source"`
	TestType  string `json:"test_type,omitempty"`
	Framework string `json:"framework,omitempty"`
	Language  string `json:"language,omitempty"`
}

type stageSummary struct {
	Name       string `json:"name"`
	Ordinal    int    `json:"ordinal"`
	DurationMS int64  `json:"duration_ms"`
}

type usageResponse struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

type generateResponse struct {
	RunID    string         `json:"run_id"`
	Status   string         `json:"status"`
	Artifact string         `json:"artifact"`
	Review   string         `json:"review,omitempty"`
	Stages   []stageSummary `json:"stages"`
	Usage    usageResponse  `json:"usage"`
}

type sessionResponse struct {
	State     string `json:"state"`
	ChangedAt string `json:"changed_at,omitempty"`
}

type runDetailResponse struct {
	Run       *db.Run            `json:"run"`
	Artifacts []db.StageArtifact `json:"artifacts,omitempty"`
}

// handleToken issues a JWT for the given user ID.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	token, err := s.jwt.GenerateToken(req.UserID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	jsonResponse(w, http.StatusOK, tokenResponse{Token: token})
}

// handleGenerate runs the full generation pipeline synchronously and returns
// the extracted artifact.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	req, ok := s.decodeGenerateRequest(w, r, userID)
	if !ok {
		return
	}

	run, err := s.gateway.Submit(r.Context(), req)
	if err != nil {
		s.writeGenerateError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, s.generateResponse(userID, run))
}

// handleGenerateStream runs the pipeline with per-stage progress delivered
// over Server-Sent Events.
func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	req, ok := s.decodeGenerateRequest(w, r, userID)
	if !ok {
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	opts := s.runOpts
	opts.OnProgress = func(ev pipeline.ProgressEvent) {
		_ = sse.WriteEvent("progress", ev)
	}
	runner := &gateway.CrewRunner{Crew: s.crew, Opts: opts}

	run, err := s.gateway.SubmitWith(r.Context(), req, runner)
	if err != nil {
		_ = sse.WriteError(err.Error())
		return
	}
	_ = sse.WriteComplete(s.generateResponse(userID, run))
}

// decodeGenerateRequest builds the pipeline request from the HTTP body,
// writing the error response itself when the body is unusable.
func (s *Server) decodeGenerateRequest(w http.ResponseWriter, r *http.Request, userID string) (pipeline.Request, bool) {
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return pipeline.Request{}, false
	}
	if body.Source == "" {
		errorResponse(w, http.StatusBadRequest, "source is required")
		return pipeline.Request{}, false
	}

	req := s.gateway.NewRequest(userID, body.Source, body.Language)
	if body.TestType != "" {
		req.TestType = body.TestType
	}
	if body.Framework != "" {
		req.Framework = body.Framework
	}
	if err := req.Validate(); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return pipeline.Request{}, false
	}
	return req, true
}

func (s *Server) generateResponse(userID string, run *pipeline.Run) generateResponse {
	stages := make([]stageSummary, 0, len(run.Stages))
	for _, st := range run.Stages {
		stages = append(stages, stageSummary{
			Name:       st.Name,
			Ordinal:    st.Ordinal,
			DurationMS: st.Duration.Milliseconds(),
		})
	}
	used, limit := s.gateway.Usage(userID)
	return generateResponse{
		RunID:    run.ID.String(),
		Status:   string(run.Status),
		Artifact: run.Artifact(),
		Review:   run.Review(),
		Stages:   stages,
		Usage:    usageResponse{Used: used, Limit: limit},
	}
}

func (s *Server) writeGenerateError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	var admission *gateway.AdmissionError
	if errors.As(err, &admission) {
		w.Header().Set("Retry-After", strconv.Itoa(int(admission.RetryAfter.Seconds())))
	}
	errorResponse(w, status, err.Error())
}

// handleSession reports the caller's session state.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	state, changedAt := s.gateway.Snapshot(userID)
	resp := sessionResponse{State: string(state)}
	if !changedAt.IsZero() {
		resp.ChangedAt = changedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	jsonResponse(w, http.StatusOK, resp)
}

// handleSessionMode moves the caller into code or file submission mode.
func (s *Server) handleSessionMode(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch body.Mode {
	case "code":
		s.gateway.EnterCodeMode(userID)
	case "file":
		s.gateway.EnterFileMode(userID)
	default:
		errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q, expected code or file", body.Mode))
		return
	}

	state, _ := s.gateway.Snapshot(userID)
	jsonResponse(w, http.StatusOK, sessionResponse{State: string(state)})
}

// handleSessionCancel returns the caller's session to idle.
func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	s.gateway.Cancel(userID)
	jsonResponse(w, http.StatusOK, sessionResponse{State: string(s.gateway.State(userID))})
}

// handleLimits reports the caller's rate limit usage.
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	used, limit := s.gateway.Usage(userID)
	jsonResponse(w, http.StatusOK, usageResponse{Used: used, Limit: limit})
}

// handleListRuns lists the caller's recent runs from the database.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.db == nil {
		errorResponse(w, HTTPStatus(ErrStoreUnavailable), ErrStoreUnavailable.Error())
		return
	}

	filters := db.RunFilters{UserID: userID, Status: r.URL.Query().Get("status")}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filters.Limit = limit
	}

	runs, err := s.db.ListRuns(r.Context(), filters)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleGetRun returns one run with its stored stage artifacts.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.db == nil {
		errorResponse(w, HTTPStatus(ErrStoreUnavailable), ErrStoreUnavailable.Error())
		return
	}

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	run, err := s.db.GetRun(r.Context(), runID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	// A run belonging to another user is indistinguishable from a missing one.
	if run == nil || run.UserID != userID {
		errorResponse(w, HTTPStatus(ErrRunNotFound), ErrRunNotFound.Error())
		return
	}

	artifacts, err := s.db.ListStageArtifacts(r.Context(), runID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to list stage artifacts")
		return
	}
	jsonResponse(w, http.StatusOK, runDetailResponse{Run: run, Artifacts: artifacts})
}

// handleDeleteRun removes a run and its stored artifacts.
func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.db == nil {
		errorResponse(w, HTTPStatus(ErrStoreUnavailable), ErrStoreUnavailable.Error())
		return
	}

	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	run, err := s.db.GetRun(r.Context(), runID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil || run.UserID != userID {
		errorResponse(w, HTTPStatus(ErrRunNotFound), ErrRunNotFound.Error())
		return
	}

	if err := s.db.DeleteRun(r.Context(), runID); err != nil {
		errorResponse(w, http.StatusInternalServerError, "failed to delete run")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth is an unauthenticated liveness check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}
