package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hookflow/hookflow/internal/faults"
	"github.com/hookflow/hookflow/internal/models"
)

// AITimeout caps every chat completion call.
const AITimeout = 5 * time.Minute

// AIHandler issues chat completions against an OpenAI-compatible endpoint
// (LM Studio by default).
type AIHandler struct {
	client *openai.Client
}

// NewAIHandler builds the handler for the configured endpoint. The API key
// is a placeholder for local servers that ignore authentication.
func NewAIHandler(baseURL string) *AIHandler {
	cfg := openai.DefaultConfig("lm-studio")
	cfg.BaseURL = baseURL
	return &AIHandler{client: openai.NewClientWithConfig(cfg)}
}

// Execute sends the configured prompt and returns
// {outputKey: content, _meta: {usage}}.
func (h *AIHandler) Execute(ctx context.Context, step models.Step, input map[string]any, _ models.ExecutionContext) (any, error) {
	prompt, err := requireString(input, "prompt", models.StepAI)
	if err != nil {
		return nil, faults.New(faults.Validation, "INVALID_CONFIG", err.Error())
	}
	outputKey, err := requireString(input, "outputKey", models.StepAI)
	if err != nil {
		return nil, faults.New(faults.Validation, "INVALID_CONFIG", err.Error())
	}
	model := configString(input, "model")
	if model == "" {
		model = "default"
	}

	var msgs []openai.ChatCompletionMessage
	if sp := configString(input, "systemPrompt"); sp != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sp})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := openai.ChatCompletionRequest{Model: model, Messages: msgs}
	if maxTokens, ok := configNumber(input, "maxTokens"); ok && maxTokens > 0 {
		req.MaxTokens = int(maxTokens)
	}
	if temp, ok := configNumber(input, "temperature"); ok {
		req.Temperature = float32(temp)
	}

	callCtx, cancel := context.WithTimeout(ctx, AITimeout)
	defer cancel()

	resp, err := h.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		return nil, classifyAIError(err, callCtx)
	}
	if len(resp.Choices) == 0 {
		return nil, faults.New(faults.Transient, "AI_NO_RESPONSE", "ai step: model returned no choices")
	}

	return map[string]any{
		outputKey: resp.Choices[0].Message.Content,
		"_meta": map[string]any{
			"usage": map[string]any{
				"promptTokens":     resp.Usage.PromptTokens,
				"completionTokens": resp.Usage.CompletionTokens,
				"totalTokens":      resp.Usage.TotalTokens,
			},
		},
	}, nil
}

func classifyAIError(err error, callCtx context.Context) *faults.Error {
	msg := err.Error()
	if callCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return faults.New(faults.Transient, "AI_TIMEOUT", fmt.Sprintf("ai step: request timed out: %v", err))
	}
	if strings.Contains(msg, "ECONNREFUSED") || strings.Contains(msg, "connection refused") {
		return faults.New(faults.Transient, "AI_UNAVAILABLE", fmt.Sprintf("ai step: endpoint unavailable: %v", err))
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		classified := faults.ClassifyHTTPStatus(apiErr.HTTPStatusCode)
		classified.Message = fmt.Sprintf("ai step: %v", err)
		return classified
	}
	return faults.Classify(err)
}
