package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crmquery/crmquery/internal/observability"
	"github.com/crmquery/crmquery/internal/query"
	"github.com/crmquery/crmquery/internal/sqlguard"
)

// Segment is a named, validated customer selection.
type Segment struct {
	Name string
	SQL  string
}

// DescribeSegment generates and validates a segment definition without
// executing it.
func (p *Pipeline) DescribeSegment(ctx context.Context, description string) (Segment, error) {
	started := time.Now()
	descriptor, err := p.schema.Describe(ctx)
	if err != nil {
		observability.ObserveCompletion("segment", "error", time.Since(started))
		return Segment{}, fmt.Errorf("ground segment description: %w", err)
	}

	generated, err := p.generator.GenerateSegment(ctx, description, descriptor.Context(), p.cfg.Language)
	if err != nil {
		observability.ObserveCompletion("segment", "error", time.Since(started))
		return Segment{}, err
	}

	validated, err := sqlguard.Validate(generated.SQL, p.schema.Permitted(), p.cfg.MaxRows)
	if err != nil {
		var rejection *sqlguard.RejectionError
		if errors.As(err, &rejection) {
			observability.IncrementValidatorRejection(string(rejection.Reason))
		}
		observability.ObserveCompletion("segment", "rejected", time.Since(started))
		return Segment{}, err
	}

	observability.ObserveCompletion("segment", "ok", time.Since(started))
	p.logger.InfoContext(ctx, "segment generated",
		slog.String("name", generated.Name),
		slog.String("sql", validated.Statement),
	)
	return Segment{Name: generated.Name, SQL: validated.Statement}, nil
}

// ExecuteSegment runs caller-supplied segment SQL. The statement is
// revalidated regardless of where it came from.
func (p *Pipeline) ExecuteSegment(ctx context.Context, sqlText string) (query.Result, error) {
	validated, err := sqlguard.Validate(sqlText, p.schema.Permitted(), p.cfg.MaxRows)
	if err != nil {
		var rejection *sqlguard.RejectionError
		if errors.As(err, &rejection) {
			observability.IncrementValidatorRejection(string(rejection.Reason))
		}
		return query.Result{}, err
	}

	execStart := time.Now()
	result, err := p.engine.Execute(ctx, query.Request{SQL: validated.Statement, RowLimit: validated.RowLimit})
	if err != nil {
		observability.ObserveQueryExecution("error", time.Since(execStart))
		return query.Result{}, err
	}
	observability.ObserveQueryExecution("ok", result.Duration)
	return result, nil
}
