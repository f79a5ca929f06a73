package pipeline

import (
	"context"
	"time"

	"github.com/crmquery/crmquery/internal/observability"
)

// StreamChunk is one ordered event of a streamed answer. Seq increases
// strictly; exactly one chunk carries Finish and it is always the last
// one, even after a mid-stream failure.
type StreamChunk struct {
	Seq    int
	Delta  string
	Finish bool
	Err    error
}

// AnswerStream runs generation, validation, and execution up front,
// then streams the synthesized answer over the returned channel.
// Errors before synthesis come back directly; later failures arrive as
// the terminal chunk's Err.
func (p *Pipeline) AnswerStream(ctx context.Context, question string) (<-chan StreamChunk, error) {
	started := time.Now()
	_, result, err := p.execute(ctx, question)
	if err != nil {
		observability.ObserveCompletion("chat_stream", "error", time.Since(started))
		return nil, err
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)

		seq := 0
		emit := func(chunk StreamChunk) bool {
			chunk.Seq = seq
			seq++
			select {
			case chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		degraded, err := p.synthesizer.SynthesizeStream(ctx, question, result, func(delta string) error {
			observability.IncrementStreamChunks(1)
			if !emit(StreamChunk{Delta: delta}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			observability.ObserveCompletion("chat_stream", "error", time.Since(started))
			emit(StreamChunk{Finish: true, Err: p.fail(ctx, PhaseStreaming, question, err)})
			return
		}
		observability.ObserveCompletion("chat_stream", outcomeLabel(degraded), time.Since(started))
		emit(StreamChunk{Finish: true})
	}()
	return chunks, nil
}
