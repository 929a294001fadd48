package api

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/jordanhubbard/holly/internal/decision"
	"github.com/jordanhubbard/holly/internal/lifecycle"
	"github.com/jordanhubbard/holly/internal/store"
	"github.com/jordanhubbard/holly/pkg/models"
)

// AnalyzeResponse pairs the updated record with the decision that moved it.
type AnalyzeResponse struct {
	Improvement *models.Improvement `json:"improvement"`
	Decision    decision.Decision   `json:"decision"`
}

// RejectRequest carries the reason for rejecting an improvement.
type RejectRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason"`
}

// ApproveRequest names the reviewer when no token identifies one.
type ApproveRequest struct {
	Actor string `json:"actor,omitempty"`
}

// POST /api/v1/improvements
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.PlanRequest
	if err := s.parseJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	imp, err := s.ctrl.Plan(r.Context(), req)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, imp)
}

// GET /api/v1/improvements?status=&user_id=&trigger_type=&limit=
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Status: models.Status(q.Get("status")),
		UserID: q.Get("user_id"),
	}
	if f.Status != "" && !slices.Contains(models.Statuses, f.Status) {
		s.respondError(w, http.StatusBadRequest, "unknown status "+string(f.Status))
		return
	}
	if raw := q.Get("trigger_type"); raw != "" {
		t, err := models.ParseTriggerType(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "unknown trigger_type "+raw)
			return
		}
		f.TriggerType = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	list, err := s.ctrl.List(r.Context(), f)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Improvement{}
	}
	s.respondJSON(w, http.StatusOK, list)
}

// GET /api/v1/improvements/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	imp, err := s.ctrl.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, imp)
}

// GET /api/v1/improvements/{id}/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.ctrl.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	s.respondJSON(w, http.StatusOK, events)
}

// POST /api/v1/improvements/{id}/analyze
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.AnalysisRequest
	if err := s.parseJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	imp, d, err := s.ctrl.Analyze(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, AnalyzeResponse{Improvement: imp, Decision: d})
}

// POST /api/v1/improvements/{id}/code
func (s *Server) handleSubmitCode(w http.ResponseWriter, r *http.Request) {
	var sub lifecycle.CodeSubmission
	if err := s.parseJSON(w, r, &sub); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	imp, err := s.ctrl.SubmitCode(r.Context(), r.PathValue("id"), sub)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, imp)
}

// POST /api/v1/improvements/{id}/approve
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, actor string) {
	var req ApproveRequest
	if err := s.parseJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	imp, err := s.ctrl.Approve(r.Context(), r.PathValue("id"), s.actorOr(actor, req.Actor))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, imp)
}

// POST /api/v1/improvements/{id}/reject
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request, actor string) {
	var req RejectRequest
	if err := s.parseJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		s.respondError(w, http.StatusBadRequest, "reason is required")
		return
	}
	imp, err := s.ctrl.Reject(r.Context(), r.PathValue("id"), s.actorOr(actor, req.Actor), req.Reason)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, imp)
}

// POST /api/v1/improvements/{id}/reconcile
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	imp, err := s.ctrl.Reconcile(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, imp)
}

// POST /api/v1/improvements/{id}/deployment
func (s *Server) handleDeployment(w http.ResponseWriter, r *http.Request) {
	var sig lifecycle.DeploymentSignal
	if err := s.parseJSON(w, r, &sig); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	imp, err := s.ctrl.RecordDeployment(r.Context(), r.PathValue("id"), sig)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, imp)
}

// GET /api/v1/insights
func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := s.ctrl.Insights(r.Context())
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, insights)
}
