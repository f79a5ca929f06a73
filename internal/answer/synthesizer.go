package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crmquery/crmquery/internal/nl2sql"
	"github.com/crmquery/crmquery/internal/query"
)

const emptyResultAnswer = "Tidak ada data yang cocok dengan pertanyaan Anda."

// Synthesizer turns a query result into a natural-language answer in
// the configured language. When the completer is unavailable it falls
// back to a templated rendering of the rows instead of failing the
// request.
type Synthesizer struct {
	completer nl2sql.Completer
	language  string
	logger    *slog.Logger
}

func NewSynthesizer(completer nl2sql.Completer, language string, logger *slog.Logger) *Synthesizer {
	if strings.TrimSpace(language) == "" {
		language = "Indonesian"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{completer: completer, language: language, logger: logger}
}

// Synthesize produces the answer text. The degraded flag reports that
// the completer failed and the templated fallback was used.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, result query.Result) (string, bool, error) {
	if result.Empty() {
		return emptyResultAnswer, false, nil
	}

	prompt := buildAnswerPrompt(question, result, s.language)
	text, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		s.logger.WarnContext(ctx, "answer synthesis degraded to template",
			slog.String("error", err.Error()),
		)
		return s.fallback(result), true, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return s.fallback(result), true, nil
	}
	return text, false, nil
}

// SynthesizeStream streams the answer through onDelta. Empty results
// and degraded fallbacks arrive as a single delta.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, question string, result query.Result, onDelta func(delta string) error) (bool, error) {
	if result.Empty() {
		return false, onDelta(emptyResultAnswer)
	}

	prompt := buildAnswerPrompt(question, result, s.language)
	streamed := false
	err := s.completer.CompleteStream(ctx, prompt, func(delta string) error {
		streamed = true
		return onDelta(delta)
	})
	if err == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if streamed {
		// Partial answer already reached the client, surface the
		// failure instead of appending a fallback mid-sentence.
		return false, err
	}
	s.logger.WarnContext(ctx, "answer synthesis degraded to template",
		slog.String("error", err.Error()),
	)
	return true, onDelta(s.fallback(result))
}

func (s *Synthesizer) fallback(result query.Result) string {
	var b strings.Builder
	b.WriteString("Berikut hasil query dari database:\n\n")
	b.WriteString(renderTable(result))
	if result.Truncated {
		fmt.Fprintf(&b, "\nHasil dibatasi %d baris pertama.\n", result.RowCount)
	}
	return b.String()
}

func buildAnswerPrompt(question string, result query.Result, language string) string {
	var b strings.Builder
	b.WriteString("You are a helpful data analyst. A database query was run to answer the user's question.\n")
	fmt.Fprintf(&b, "Summarize the result below as a concise natural-language answer in %s.\n", language)
	b.WriteString("Mention concrete numbers and names from the result. Do not show the SQL.\n")
	if result.Truncated {
		fmt.Fprintf(&b, "The result was truncated to the first %d rows, say so in the answer.\n", result.RowCount)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nResult:\n")
	b.WriteString(renderTable(result))
	b.WriteString("\nAnswer:")
	return b.String()
}

// renderTable formats the result as a markdown table.
func renderTable(result query.Result) string {
	var b strings.Builder
	b.WriteString("| ")
	b.WriteString(strings.Join(result.Columns, " | "))
	b.WriteString(" |\n|")
	for range result.Columns {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = renderCell(value)
		}
		b.WriteString("| ")
		b.WriteString(strings.Join(cells, " | "))
		b.WriteString(" |\n")
	}
	return b.String()
}

func renderCell(value any) string {
	if value == nil {
		return "NULL"
	}
	return strings.ReplaceAll(fmt.Sprintf("%v", value), "|", "\\|")
}
