package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/crmquery/crmquery/internal/answer"
	"github.com/crmquery/crmquery/internal/api"
	"github.com/crmquery/crmquery/internal/auth"
	"github.com/crmquery/crmquery/internal/config"
	"github.com/crmquery/crmquery/internal/nl2sql"
	"github.com/crmquery/crmquery/internal/observability"
	"github.com/crmquery/crmquery/internal/pipeline"
	querypostgres "github.com/crmquery/crmquery/internal/query/postgres"
	"github.com/crmquery/crmquery/internal/schema"
	"github.com/crmquery/crmquery/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv("crmquery-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	db, err := store.Open(context.Background(), cfg.Store)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	catalog := schema.NewCatalog(db, cfg.Store.Tables, cfg.Schema.SampleRows)

	completer, err := nl2sql.NewOpenAIClient(nl2sql.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize completion client", slog.Any("error", err))
		os.Exit(1)
	}

	generator := nl2sql.NewGenerator(completer, nl2sql.GeneratorConfig{
		MaxRetries:   cfg.AI.MaxRetries,
		RetryBackoff: cfg.AI.RetryBackoff,
	}, logger)
	engine := querypostgres.NewEngine(db, cfg.Store.QueryTimeout)
	synthesizer := answer.NewSynthesizer(completer, cfg.Answer.Language, logger)

	flow := pipeline.New(catalog, generator, engine, synthesizer, pipeline.Config{
		MaxRows:            cfg.Store.MaxRows,
		RegenerateOnReject: cfg.Pipeline.RegenerateOnReject,
		Language:           cfg.Answer.Language,
	}, logger)

	deps := api.Dependencies{
		Logger:   logger,
		Pipeline: flow,
		Schema:   catalog,
		Readiness: api.CombineReadinessChecks(
			api.CheckStoreDSN(cfg),
			api.CheckCompletionConfig(cfg),
		),
		DependencyTimeout: time.Second,
		CheckDatabase:     db.PingContext,
		CheckCompletion:   completer.Healthy,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
