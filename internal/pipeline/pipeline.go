package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crmquery/crmquery/internal/nl2sql"
	"github.com/crmquery/crmquery/internal/observability"
	"github.com/crmquery/crmquery/internal/query"
	"github.com/crmquery/crmquery/internal/schema"
	"github.com/crmquery/crmquery/internal/sqlguard"
)

// Phase names the stage a request failed in, for logs and for the
// Error wrapper handed back to callers.
type Phase string

const (
	PhaseGenerating   Phase = "generating"
	PhaseExecuting    Phase = "executing"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseStreaming    Phase = "streaming"
)

// Error attaches the failing phase to the underlying cause. Callers
// that only care about the cause unwrap as usual.
type Error struct {
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return string(e.Phase) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SchemaSource supplies the grounding descriptor and the permitted
// table list.
type SchemaSource interface {
	Describe(ctx context.Context) (schema.Descriptor, error)
	Permitted() []string
}

// SQLGenerator turns questions and segment descriptions into candidate
// SQL.
type SQLGenerator interface {
	GenerateQuery(ctx context.Context, question, schemaContext string, maxRows int) (nl2sql.GeneratedSQL, error)
	RegenerateQuery(ctx context.Context, question, schemaContext string, maxRows int, rejected, reason string) (nl2sql.GeneratedSQL, error)
	GenerateSegment(ctx context.Context, description, schemaContext, language string) (nl2sql.Segment, error)
}

// AnswerSynthesizer renders a query result as natural language.
type AnswerSynthesizer interface {
	Synthesize(ctx context.Context, question string, result query.Result) (string, bool, error)
	SynthesizeStream(ctx context.Context, question string, result query.Result, onDelta func(delta string) error) (bool, error)
}

type Config struct {
	MaxRows            int
	RegenerateOnReject bool
	Language           string
}

// Pipeline wires schema grounding, SQL generation, validation,
// execution, and answer synthesis into the per-request flow. Requests
// are independent; the only shared state is the cached descriptor
// inside the schema source.
type Pipeline struct {
	schema      SchemaSource
	generator   SQLGenerator
	engine      query.Engine
	synthesizer AnswerSynthesizer
	cfg         Config
	logger      *slog.Logger
}

func New(source SchemaSource, generator SQLGenerator, engine query.Engine, synthesizer AnswerSynthesizer, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		schema:      source,
		generator:   generator,
		engine:      engine,
		synthesizer: synthesizer,
		cfg:         cfg,
		logger:      logger,
	}
}

// Answer is the buffered outcome of a chat question.
type Answer struct {
	Text      string
	SQL       string
	Degraded  bool
	RowCount  int
	Truncated bool
}

// Answer runs the full pipeline and buffers the synthesized text.
func (p *Pipeline) Answer(ctx context.Context, question string) (Answer, error) {
	started := time.Now()
	validated, result, err := p.execute(ctx, question)
	if err != nil {
		observability.ObserveCompletion("chat", "error", time.Since(started))
		return Answer{}, err
	}

	text, degraded, err := p.synthesizer.Synthesize(ctx, question, result)
	if err != nil {
		observability.ObserveCompletion("chat", "error", time.Since(started))
		return Answer{}, p.fail(ctx, PhaseSynthesizing, question, err)
	}

	observability.ObserveCompletion("chat", outcomeLabel(degraded), time.Since(started))
	return Answer{
		Text:      text,
		SQL:       validated.Statement,
		Degraded:  degraded,
		RowCount:  result.RowCount,
		Truncated: result.Truncated,
	}, nil
}

// execute runs generation, validation, and execution. Ordering within
// a request is strict: generation completes (or is rejected) before
// validation, validation before execution.
func (p *Pipeline) execute(ctx context.Context, question string) (sqlguard.ValidatedQuery, query.Result, error) {
	validated, err := p.generateValidated(ctx, question)
	if err != nil {
		return sqlguard.ValidatedQuery{}, query.Result{}, err
	}

	execStart := time.Now()
	result, err := p.engine.Execute(ctx, query.Request{SQL: validated.Statement, RowLimit: validated.RowLimit})
	if err != nil {
		observability.ObserveQueryExecution("error", time.Since(execStart))
		return sqlguard.ValidatedQuery{}, query.Result{}, p.fail(ctx, PhaseExecuting, question, err)
	}
	observability.ObserveQueryExecution("ok", result.Duration)

	p.logger.InfoContext(ctx, "query executed",
		slog.String("sql", validated.Statement),
		slog.Int("rows", result.RowCount),
		slog.Bool("truncated", result.Truncated),
		slog.Duration("duration", result.Duration),
	)
	return validated, result, nil
}

// generateValidated grounds the question, generates candidate SQL, and
// validates it, regenerating once on rejection when configured.
func (p *Pipeline) generateValidated(ctx context.Context, question string) (sqlguard.ValidatedQuery, error) {
	descriptor, err := p.schema.Describe(ctx)
	if err != nil {
		return sqlguard.ValidatedQuery{}, p.fail(ctx, PhaseGenerating, question, fmt.Errorf("ground question: %w", err))
	}
	schemaContext := descriptor.Context()
	permitted := p.schema.Permitted()

	generated, err := p.generator.GenerateQuery(ctx, question, schemaContext, p.cfg.MaxRows)
	if err != nil {
		return sqlguard.ValidatedQuery{}, p.fail(ctx, PhaseGenerating, question, err)
	}
	if !generated.Valid {
		err := &sqlguard.RejectionError{Reason: sqlguard.ReasonUnparseable, Detail: "completion yielded no SQL statement"}
		observability.IncrementValidatorRejection(string(sqlguard.ReasonUnparseable))
		return sqlguard.ValidatedQuery{}, p.fail(ctx, PhaseGenerating, question, err)
	}

	validated, err := sqlguard.Validate(generated.Statement, permitted, p.cfg.MaxRows)
	if err == nil {
		return validated, nil
	}

	var rejection *sqlguard.RejectionError
	if !errors.As(err, &rejection) {
		return sqlguard.ValidatedQuery{}, err
	}
	observability.IncrementValidatorRejection(string(rejection.Reason))
	if !p.cfg.RegenerateOnReject {
		return sqlguard.ValidatedQuery{}, p.fail(ctx, PhaseGenerating, question, rejection)
	}

	p.logger.InfoContext(ctx, "regenerating after rejection",
		slog.String("reason", string(rejection.Reason)),
		slog.String("rejected_sql", generated.Statement),
	)
	regenerated, err := p.generator.RegenerateQuery(ctx, question, schemaContext, p.cfg.MaxRows, generated.Statement, rejection.Error())
	if err != nil {
		return sqlguard.ValidatedQuery{}, p.fail(ctx, PhaseGenerating, question, err)
	}
	if !regenerated.Valid {
		return sqlguard.ValidatedQuery{}, p.fail(ctx, PhaseGenerating, question, rejection)
	}

	validated, err = sqlguard.Validate(regenerated.Statement, permitted, p.cfg.MaxRows)
	if err != nil {
		var second *sqlguard.RejectionError
		if errors.As(err, &second) {
			observability.IncrementValidatorRejection(string(second.Reason))
		}
		return sqlguard.ValidatedQuery{}, p.fail(ctx, PhaseGenerating, question, err)
	}
	return validated, nil
}

// fail logs the failure and wraps the cause with the phase it happened
// in.
func (p *Pipeline) fail(ctx context.Context, phase Phase, question string, err error) error {
	p.logger.ErrorContext(ctx, "pipeline request failed",
		slog.String("phase", string(phase)),
		slog.String("question", question),
		slog.String("error", err.Error()),
	)
	return &Error{Phase: phase, Err: err}
}

func outcomeLabel(degraded bool) string {
	if degraded {
		return "degraded"
	}
	return "ok"
}
