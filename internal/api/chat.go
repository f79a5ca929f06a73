package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crmquery/crmquery/internal/config"
	"github.com/crmquery/crmquery/internal/nl2sql"
	"github.com/crmquery/crmquery/internal/query"
	"github.com/crmquery/crmquery/internal/schema"
	"github.com/crmquery/crmquery/internal/sqlguard"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
	User        string        `json:"user,omitempty"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   chatCompletionUsage    `json:"usage"`
}

type chatChunkDelta struct {
	Content string `json:"content,omitempty"`
}

type chatChunkChoice struct {
	Index        int            `json:"index"`
	Delta        chatChunkDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type chatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chatChunkChoice `json:"choices"`
}

func handleChatCompletions(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body", false, nil)
		return
	}

	question := lastUserMessage(request.Messages)
	if question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "NO_USER_MESSAGE", "no user message provided", false, nil)
		return
	}

	requestID := newCompletionID()
	created := time.Now().Unix()
	model := request.Model
	if model == "" {
		model = cfg.Service.ModelID
	}

	if request.Stream {
		streamChatCompletion(deps, w, r, question, requestID, created, model)
		return
	}

	answer, err := deps.Pipeline.Answer(r.Context(), question)
	if err != nil {
		writePipelineError(r.Context(), w, err)
		return
	}

	promptTokens := len(strings.Fields(question))
	completionTokens := len(strings.Fields(answer.Text))
	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      requestID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []chatCompletionChoice{{
			Message:      chatMessage{Role: "assistant", Content: answer.Text},
			FinishReason: "stop",
		}},
		Usage: chatCompletionUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	})
}

func streamChatCompletion(deps Dependencies, w http.ResponseWriter, r *http.Request, question, requestID string, created int64, model string) {
	chunks, err := deps.Pipeline.AnswerStream(r.Context(), question)
	if err != nil {
		writePipelineError(r.Context(), w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(r.Context(), w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer does not support streaming", false, nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(payload any) {
		body, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", body)
		flusher.Flush()
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			// The stream already started, report failure in-band and
			// terminate so no client hangs.
			emit(map[string]any{"error": map[string]any{
				"message": chunk.Err.Error(),
				"type":    "pipeline_error",
			}})
			break
		}
		if chunk.Finish {
			stop := "stop"
			emit(chatCompletionChunk{
				ID:      requestID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []chatChunkChoice{{FinishReason: &stop}},
			})
			break
		}
		emit(chatCompletionChunk{
			ID:      requestID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chatChunkChoice{{Delta: chatChunkDelta{Content: chunk.Delta}}},
		})
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func lastUserMessage(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

func newCompletionID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "chatcmpl-" + hex[:12]
}

// writePipelineError maps the pipeline error taxonomy onto HTTP
// responses. Raw driver or transport errors never appear here, every
// branch matches a typed failure.
func writePipelineError(ctx context.Context, w http.ResponseWriter, err error) {
	var rejection *sqlguard.RejectionError
	if errors.As(err, &rejection) {
		writeError(ctx, w, http.StatusBadRequest, "SQL_REJECTED", rejection.Error(), false, map[string]any{
			"reason": string(rejection.Reason),
		})
		return
	}

	var genErr *nl2sql.GenerationError
	if errors.As(err, &genErr) {
		writeError(ctx, w, http.StatusBadGateway, "GENERATION_FAILED", genErr.Error(), true, map[string]any{
			"attempts": genErr.Attempts,
		})
		return
	}

	var execErr *query.ExecutionError
	if errors.As(err, &execErr) {
		switch execErr.Kind {
		case query.KindTimeout:
			writeError(ctx, w, http.StatusGatewayTimeout, "QUERY_TIMEOUT", "database query exceeded its deadline", true, nil)
		case query.KindConnectionLost:
			writeError(ctx, w, http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE", "database connection lost", true, nil)
		default:
			writeError(ctx, w, http.StatusUnprocessableEntity, "QUERY_FAILED", "database rejected the generated query", false, nil)
		}
		return
	}

	if errors.Is(err, schema.ErrUnavailable) {
		writeError(ctx, w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "schema catalog is unavailable", true, nil)
		return
	}

	if errors.Is(err, context.Canceled) {
		// Client went away, nothing useful to write.
		return
	}

	writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, nil)
}
