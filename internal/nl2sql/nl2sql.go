package nl2sql

import (
	"context"
	"fmt"
)

// Completer is the text-completion capability the pipeline depends on.
// Implementations may be slow (seconds) and may fail transiently; the
// same prompt can yield different output across calls, so callers must
// never trust the result without validation.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteStream delivers the completion incrementally. onDelta is
	// called in order for each text delta; returning an error aborts
	// the stream.
	CompleteStream(ctx context.Context, prompt string, onDelta func(delta string) error) error
}

// GeneratedSQL is the outcome of one generation pass. Valid is false
// when no statement could be located in the raw completion; that is an
// expected outcome, not an error.
type GeneratedSQL struct {
	Raw       string
	Statement string
	Valid     bool
}

// GenerationError reports that the completion capability kept failing
// after the retry budget was spent.
type GenerationError struct {
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("sql generation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
