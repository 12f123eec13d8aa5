package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hookflow/hookflow/internal/faults"
	"github.com/hookflow/hookflow/internal/models"
)

// DefaultHTTPTimeout applies when the step config carries no timeoutMs.
const DefaultHTTPTimeout = 30 * time.Second

// HTTPHandler issues outbound HTTP requests.
type HTTPHandler struct {
	client *http.Client
}

// NewHTTPHandler builds the handler. The shared client carries no timeout
// of its own; each call gets a per-request deadline from its config.
func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{client: &http.Client{}}
}

// Execute performs the configured request and returns
// {status, headers, body}.
func (h *HTTPHandler) Execute(ctx context.Context, step models.Step, input map[string]any, _ models.ExecutionContext) (any, error) {
	method, err := requireString(input, "method", models.StepHTTP)
	if err != nil {
		return nil, faults.New(faults.Validation, "INVALID_CONFIG", err.Error())
	}
	url, err := requireString(input, "url", models.StepHTTP)
	if err != nil {
		return nil, faults.New(faults.Validation, "INVALID_CONFIG", err.Error())
	}
	method = strings.ToUpper(method)

	timeout := DefaultHTTPTimeout
	if ms, ok := configNumber(input, "timeoutMs"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body, ok := input["body"]; ok && body != nil && method != http.MethodGet {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, faults.New(faults.Validation, "INVALID_CONFIG", fmt.Sprintf("http step: body not serializable: %v", err))
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(callCtx, method, url, bodyReader)
	if err != nil {
		return nil, faults.New(faults.Validation, "INVALID_CONFIG", fmt.Sprintf("http step: %v", err))
	}

	req.Header.Set("Content-Type", "application/json")
	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, faults.New(faults.Transient, "TIMEOUT", fmt.Sprintf("http step: request to %s timed out after %v", url, timeout))
		}
		return nil, faults.Classify(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Classify(err)
	}

	var body any
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &body); err != nil {
			body = string(raw)
		}
	} else {
		body = string(raw)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, faults.ClassifyHTTPStatus(resp.StatusCode).WithDetails(map[string]any{
			"status": resp.StatusCode,
			"body":   body,
		})
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    body,
	}, nil
}
