package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crmquery/crmquery/internal/config"
	"github.com/crmquery/crmquery/internal/observability"
	"github.com/crmquery/crmquery/internal/pipeline"
	"github.com/crmquery/crmquery/internal/query"
	"github.com/crmquery/crmquery/internal/schema"
)

type ReadinessCheck func(ctx context.Context) error

// QueryPipeline is the request flow behind the chat and segment
// endpoints.
type QueryPipeline interface {
	Answer(ctx context.Context, question string) (pipeline.Answer, error)
	AnswerStream(ctx context.Context, question string) (<-chan pipeline.StreamChunk, error)
	DescribeSegment(ctx context.Context, description string) (pipeline.Segment, error)
	ExecuteSegment(ctx context.Context, sqlText string) (query.Result, error)
}

// SchemaReader exposes the current descriptor for the schema endpoint.
type SchemaReader interface {
	Describe(ctx context.Context) (schema.Descriptor, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Pipeline          QueryPipeline
	Schema            SchemaReader

	// Health probes, independent of each other.
	CheckDatabase   func(ctx context.Context) error
	CheckCompletion func(ctx context.Context) bool
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	healthHandler := func(w http.ResponseWriter, r *http.Request) {
		handleHealth(cfg, deps, w, r)
	}
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /v1/health", healthHandler)

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		handleListModels(cfg, w, r)
	})

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		handleChatCompletions(cfg, deps, w, r)
	})
	protected.HandleFunc("POST /api/segments/generate", func(w http.ResponseWriter, r *http.Request) {
		handleSegmentGenerate(deps, w, r)
	})
	protected.HandleFunc("POST /api/segments/execute", func(w http.ResponseWriter, r *http.Request) {
		handleSegmentExecute(deps, w, r)
	})
	protected.HandleFunc("GET /v1/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/chat/completions", protectedHandler)
	mux.Handle("POST /api/segments/generate", protectedHandler)
	mux.Handle("POST /api/segments/execute", protectedHandler)
	mux.Handle("GET /v1/schema", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
		corsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func handleHealth(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	database := true
	if deps.CheckDatabase != nil {
		database = deps.CheckDatabase(ctx) == nil
	}
	completion := true
	if deps.CheckCompletion != nil {
		completion = deps.CheckCompletion(ctx)
	}

	status := "healthy"
	if !database || !completion {
		status = "unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"service":    cfg.Service.Name,
		"database":   database,
		"completion": completion,
	})
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "schema catalog is not configured", false, nil)
		return
	}
	descriptor, err := deps.Schema.Describe(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", err.Error(), true, nil)
		return
	}
	writeJSON(w, http.StatusOK, descriptor)
}

// CheckStoreDSN reports a misconfigured store before the first query
// does.
func CheckStoreDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Store.DSN == "" {
			return errors.New("store dsn is not configured")
		}
		return nil
	}
}

func CheckCompletionConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.AI.BaseURL == "" {
			return errors.New("completion base URL is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
