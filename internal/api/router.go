// Package api exposes the engine over HTTP: webhook admission, the REST
// surface for workflows and runs, and the operational endpoints.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hookflow/hookflow/internal/queue"
	"github.com/hookflow/hookflow/internal/repo"
)

// Server carries the handlers' dependencies.
type Server struct {
	store    *repo.Store
	broker   *queue.RedisQueue
	apiKey   string
	maxSteps int
}

// NewServer wires the HTTP layer.
func NewServer(store *repo.Store, broker *queue.RedisQueue, apiKey string, maxSteps int) *Server {
	return &Server{store: store, broker: broker, apiKey: apiKey, maxSteps: maxSteps}
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/{slug}", s.handleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.listWorkflows)
			r.Post("/", s.createWorkflow)
			r.Route("/{workflowID}", func(r chi.Router) {
				r.Get("/", s.getWorkflow)
				r.Put("/", s.updateWorkflow)
				r.Delete("/", s.deleteWorkflow)
				r.Post("/steps", s.addStep)
				r.Route("/steps/{stepID}", func(r chi.Router) {
					r.Put("/", s.updateStep)
					r.Delete("/", s.deleteStep)
				})
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Get("/executions", s.listRunExecutions)
				r.Post("/cancel", s.cancelRun)
			})
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable", err.Error())
		return
	}
	if err := s.broker.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "broker unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requireAPIKey protects the REST surface when API_KEY is configured.
// Webhook admission stays open; it has its own per-workflow secrets.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, errCode, message string) {
	respondJSON(w, status, map[string]string{"error": errCode, "message": message})
}
