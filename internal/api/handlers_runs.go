package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hookflow/hookflow/internal/models"
	"github.com/hookflow/hookflow/internal/repo"
)

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)
	runs, err := s.store.ListRuns(r.Context(),
		r.URL.Query().Get("workflowId"),
		r.URL.Query().Get("status"),
		limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err == repo.ErrNotFound {
		respondError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) listRunExecutions(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.GetRun(r.Context(), runID); err == repo.ErrNotFound {
		respondError(w, http.StatusNotFound, "not_found", "run not found")
		return
	} else if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	execs, err := s.store.ListExecutions(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// cancelRun flips a pending or running run to cancelled. In-flight step
// handlers are not interrupted; the next processor cycle observes the
// status and stops.
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	err := s.store.CancelRun(r.Context(), runID)
	if err == repo.ErrNotFound {
		// distinguish a missing run from one already terminal
		run, getErr := s.store.GetRun(r.Context(), runID)
		if getErr == repo.ErrNotFound {
			respondError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if getErr != nil {
			respondError(w, http.StatusInternalServerError, "internal", getErr.Error())
			return
		}
		respondError(w, http.StatusConflict, "not_cancellable",
			"run is already "+run.Status)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"runId":  run.ID,
		"status": models.RunCancelled,
	})
}
