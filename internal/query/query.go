package query

import (
	"context"
	"fmt"
	"time"
)

// Request is a validated statement ready for execution. RowLimit caps
// how many rows the engine returns regardless of what the statement
// itself asks for.
type Request struct {
	SQL      string
	RowLimit int
}

type Result struct {
	Columns   []string
	Rows      [][]any
	RowCount  int
	Truncated bool
	Duration  time.Duration
}

// Empty reports whether the query matched no rows at all.
func (r Result) Empty() bool {
	return r.RowCount == 0
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

// ErrorKind classifies execution failures for callers that report them
// differently.
type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindConnectionLost   ErrorKind = "connection_lost"
	KindDatabaseRejected ErrorKind = "database_rejected"
)

type ExecutionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query execution failed (%s): %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
