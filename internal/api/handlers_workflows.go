package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hookflow/hookflow/internal/models"
	"github.com/hookflow/hookflow/internal/repo"
)

type workflowRequest struct {
	Name          string `json:"name"`
	Slug          string `json:"slug"`
	WebhookSecret string `json:"webhookSecret"`
	Enabled       *bool  `json:"enabled"`
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Name == "" || req.Slug == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "name and slug are required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	wf, err := s.store.CreateWorkflow(r.Context(), req.Name, req.Slug, req.WebhookSecret, enabled)
	if err != nil {
		respondError(w, http.StatusBadRequest, "create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, wf)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "workflowID"))
	if err == repo.ErrNotFound {
		respondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	workflows, err := s.store.ListWorkflows(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	err := s.store.UpdateWorkflow(r.Context(), id, req.Name, req.WebhookSecret, enabled)
	if err == repo.ErrNotFound {
		respondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.getWorkflow(w, r)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteWorkflow(r.Context(), chi.URLParam(r, "workflowID"))
	if err == repo.ErrNotFound {
		respondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stepRequest struct {
	Name        string              `json:"name"`
	Type        string              `json:"type"`
	Config      map[string]any      `json:"config"`
	RetryPolicy *models.RetryPolicy `json:"retryPolicy"`
	TimeoutMs   *int64              `json:"timeoutMs"`
	Enabled     *bool               `json:"enabled"`
}

func (req *stepRequest) toStep() (models.Step, error) {
	switch req.Type {
	case models.StepHTTP, models.StepTransform, models.StepAI, models.StepDelay:
	default:
		return models.Step{}, fmt.Errorf("unknown step type %q", req.Type)
	}
	if req.Name == "" || len(req.Name) > 100 {
		return models.Step{}, fmt.Errorf("step name must be 1..100 chars")
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	step := models.Step{
		Name:      req.Name,
		Type:      req.Type,
		Config:    req.Config,
		TimeoutMs: req.TimeoutMs,
		Enabled:   enabled,
	}
	if req.RetryPolicy != nil {
		normalized := req.RetryPolicy.Normalize()
		step.RetryPolicy = &normalized
	}
	return step, nil
}

func (s *Server) addStep(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	var req stepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	step, err := req.toStep()
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if s.maxSteps > 0 {
		n, err := s.store.CountSteps(r.Context(), workflowID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		if n >= s.maxSteps {
			respondError(w, http.StatusBadRequest, "too_many_steps",
				fmt.Sprintf("workflow already has the maximum of %d steps", s.maxSteps))
			return
		}
	}

	created, err := s.store.AddStep(r.Context(), workflowID, step)
	if err != nil {
		respondError(w, http.StatusBadRequest, "create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) updateStep(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	var req stepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	step, err := req.toStep()
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	err = s.store.UpdateStep(r.Context(), stepID, step)
	if err == repo.ErrNotFound {
		respondError(w, http.StatusNotFound, "not_found", "step not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteStep(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteStep(r.Context(), chi.URLParam(r, "workflowID"), chi.URLParam(r, "stepID"))
	if err == repo.ErrNotFound {
		respondError(w, http.StatusNotFound, "not_found", "step not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pagination(r *http.Request, defaultLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
		if limit < 1 || limit > 1000 {
			limit = defaultLimit
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		fmt.Sscanf(v, "%d", &offset)
		if offset < 0 {
			offset = 0
		}
	}
	return limit, offset
}
