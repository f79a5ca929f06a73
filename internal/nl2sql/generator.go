package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// GeneratorConfig bounds how hard the generator tries before giving up.
type GeneratorConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// Generator turns natural-language questions into candidate SQL via a
// Completer, retrying transient completion failures with backoff.
type Generator struct {
	completer  Completer
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

func NewGenerator(completer Completer, cfg GeneratorConfig, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Generator{
		completer:  completer,
		maxRetries: retries,
		backoff:    cfg.RetryBackoff,
		logger:     logger,
	}
}

// GenerateQuery produces a candidate statement for the question. A
// completion that yields no extractable SQL comes back with Valid false
// rather than an error so callers can decide how to report it.
func (g *Generator) GenerateQuery(ctx context.Context, question, schemaContext string, maxRows int) (GeneratedSQL, error) {
	prompt := BuildQueryPrompt(question, schemaContext, maxRows)
	return g.generate(ctx, prompt)
}

// RegenerateQuery asks for a corrected statement after a rejection,
// feeding the rejected statement and the reason back to the model.
func (g *Generator) RegenerateQuery(ctx context.Context, question, schemaContext string, maxRows int, rejected, reason string) (GeneratedSQL, error) {
	prompt := BuildRetryPrompt(question, schemaContext, maxRows, rejected, reason)
	return g.generate(ctx, prompt)
}

// GenerateSegment produces a named segment definition from a free-form
// description.
func (g *Generator) GenerateSegment(ctx context.Context, description, schemaContext, language string) (Segment, error) {
	prompt := BuildSegmentPrompt(description, schemaContext, language)
	raw, err := g.complete(ctx, prompt)
	if err != nil {
		return Segment{}, err
	}
	segment, err := ParseSegment(raw)
	if err != nil {
		return Segment{}, fmt.Errorf("segment generation: %w", err)
	}
	return segment, nil
}

func (g *Generator) generate(ctx context.Context, prompt string) (GeneratedSQL, error) {
	raw, err := g.complete(ctx, prompt)
	if err != nil {
		return GeneratedSQL{}, err
	}
	statement, ok := ExtractSQL(raw)
	return GeneratedSQL{Raw: raw, Statement: statement, Valid: ok}, nil
}

// complete calls the completer with bounded retries. Context errors are
// never retried.
func (g *Generator) complete(ctx context.Context, prompt string) (string, error) {
	attempts := 0
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		attempts++
		raw, err := g.completer.Complete(ctx, prompt)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		g.logger.WarnContext(ctx, "completion attempt failed",
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()),
		)
		if attempt < g.maxRetries && g.backoff > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(g.backoff):
			}
		}
	}
	return "", &GenerationError{Attempts: attempts, Err: lastErr}
}
