package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hookflow/hookflow/internal/metrics"
	"github.com/hookflow/hookflow/internal/models"
	"github.com/hookflow/hookflow/internal/queue"
	"github.com/hookflow/hookflow/internal/repo"
)

const (
	signatureHeader   = "X-Webhook-Signature"
	idempotencyHeader = "X-Idempotency-Key"
)

// handleWebhook admits one inbound trigger: slug lookup, signature and
// idempotency checks, run creation, StartRun enqueue.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	workflow, err := s.store.FindWorkflowBySlug(r.Context(), slug)
	if err == repo.ErrNotFound {
		metrics.WebhooksReceived.WithLabelValues("unknown_slug").Inc()
		respondError(w, http.StatusNotFound, "not_found", "no workflow for slug "+slug)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if !workflow.Enabled {
		metrics.WebhooksReceived.WithLabelValues("disabled").Inc()
		respondError(w, http.StatusBadRequest, "workflow_disabled", "workflow is disabled")
		return
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "could not read request body")
		return
	}

	if workflow.WebhookSecret != "" {
		if !verifySignature(workflow.WebhookSecret, rawBody, r.Header.Get(signatureHeader)) {
			metrics.WebhooksReceived.WithLabelValues("bad_signature").Inc()
			respondError(w, http.StatusUnauthorized, "invalid_signature", "missing or invalid webhook signature")
			return
		}
	}

	// An unexpired idempotency key short-circuits to the bound run.
	idemKey := r.Header.Get(idempotencyHeader)
	if idemKey != "" {
		if runID, err := s.store.LookupIdempotencyKey(r.Context(), idemKey); err == nil {
			status := models.RunPending
			if run, err := s.store.GetRun(r.Context(), runID); err == nil {
				status = run.Status
			}
			metrics.WebhooksReceived.WithLabelValues("duplicate").Inc()
			respondJSON(w, http.StatusOK, map[string]string{
				"runId":   runID,
				"status":  status,
				"message": "Duplicate request",
			})
			return
		}
	}

	trigger := buildTriggerData(r, rawBody)
	run, err := s.store.CreateRun(r.Context(), workflow.ID, trigger)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if idemKey != "" {
		if _, err := s.store.BindIdempotencyKey(r.Context(), idemKey, run.ID); err != nil {
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
	}

	if err := s.broker.Enqueue(r.Context(), queue.Execute, queue.NewStartRun(run.ID, workflow.ID), 0); err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	respondJSON(w, http.StatusAccepted, map[string]string{
		"runId":      run.ID,
		"status":     run.Status,
		"workflowId": workflow.ID,
	})
}

// verifySignature checks "sha256=<hex>" against HMAC-SHA256(secret, body)
// in constant time.
func verifySignature(secret string, body []byte, header string) bool {
	hexDigest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	provided, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func buildTriggerData(r *http.Request, rawBody []byte) models.TriggerData {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}
	query := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}

	// The payload is JSON by contract; anything else is kept verbatim so
	// the run still records what arrived.
	var body any
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &body); err != nil {
			body = string(rawBody)
		}
	}

	return models.TriggerData{
		Method:     r.Method,
		Headers:    headers,
		Body:       body,
		Query:      query,
		ReceivedAt: time.Now().UTC(),
		SourceIP:   clientIP(r),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
