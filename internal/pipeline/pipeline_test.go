package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/crmquery/crmquery/internal/nl2sql"
	"github.com/crmquery/crmquery/internal/query"
	"github.com/crmquery/crmquery/internal/schema"
	"github.com/crmquery/crmquery/internal/sqlguard"
)

type fakeSchema struct {
	descriptor schema.Descriptor
	err        error
	permitted  []string
	calls      int
}

func (f *fakeSchema) Describe(context.Context) (schema.Descriptor, error) {
	f.calls++
	return f.descriptor, f.err
}

func (f *fakeSchema) Permitted() []string { return f.permitted }

type fakeGenerator struct {
	generated      nl2sql.GeneratedSQL
	generatedErr   error
	regenerated    nl2sql.GeneratedSQL
	regeneratedErr error
	segment        nl2sql.Segment
	segmentErr     error

	generateCalls   int
	regenerateCalls int
	lastReason      string
}

func (f *fakeGenerator) GenerateQuery(context.Context, string, string, int) (nl2sql.GeneratedSQL, error) {
	f.generateCalls++
	return f.generated, f.generatedErr
}

func (f *fakeGenerator) RegenerateQuery(_ context.Context, _, _ string, _ int, _, reason string) (nl2sql.GeneratedSQL, error) {
	f.regenerateCalls++
	f.lastReason = reason
	return f.regenerated, f.regeneratedErr
}

func (f *fakeGenerator) GenerateSegment(context.Context, string, string, string) (nl2sql.Segment, error) {
	return f.segment, f.segmentErr
}

type fakeEngine struct {
	result  query.Result
	err     error
	calls   int
	lastReq query.Request
}

func (f *fakeEngine) Execute(_ context.Context, request query.Request) (query.Result, error) {
	f.calls++
	f.lastReq = request
	return f.result, f.err
}

type fakeSynthesizer struct {
	text      string
	degraded  bool
	err       error
	deltas    []string
	streamErr error
}

func (f *fakeSynthesizer) Synthesize(context.Context, string, query.Result) (string, bool, error) {
	return f.text, f.degraded, f.err
}

func (f *fakeSynthesizer) SynthesizeStream(_ context.Context, _ string, _ query.Result, onDelta func(string) error) (bool, error) {
	for _, delta := range f.deltas {
		if err := onDelta(delta); err != nil {
			return false, err
		}
	}
	return f.degraded, f.streamErr
}

func testDescriptor() schema.Descriptor {
	return schema.Descriptor{Tables: []schema.Table{
		{Name: "customer", Columns: []schema.Column{{Name: "custid", DataType: "integer"}, {Name: "custname", DataType: "text"}}},
		{Name: "invoice", Columns: []schema.Column{{Name: "invno", DataType: "integer"}, {Name: "custid", DataType: "integer"}}},
	}}
}

func permittedTables() []string {
	return []string{"branch", "customer", "lead", "invoice", "product", "productdtl", "city", "customertype", "customertypedtl"}
}

func newTestPipeline(source *fakeSchema, generator *fakeGenerator, engine *fakeEngine, synthesizer *fakeSynthesizer, cfg Config) *Pipeline {
	if cfg.MaxRows == 0 {
		cfg.MaxRows = 100
	}
	if cfg.Language == "" {
		cfg.Language = "Indonesian"
	}
	return New(source, generator, engine, synthesizer, cfg, slog.New(slog.DiscardHandler))
}

func TestAnswerHappyPath(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	generator := &fakeGenerator{generated: nl2sql.GeneratedSQL{
		Statement: "SELECT custname FROM customer WHERE custtype = 1",
		Valid:     true,
	}}
	engine := &fakeEngine{result: query.Result{
		Columns:  []string{"custname"},
		Rows:     [][]any{{"Budi"}},
		RowCount: 1,
	}}
	synthesizer := &fakeSynthesizer{text: "Ada satu pelanggan bernama Budi."}

	p := newTestPipeline(source, generator, engine, synthesizer, Config{RegenerateOnReject: true})
	answer, err := p.Answer(context.Background(), "Siapa pelanggan dengan tipe 1?")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answer.Text != "Ada satu pelanggan bernama Budi." {
		t.Fatalf("unexpected text: %q", answer.Text)
	}
	if answer.RowCount != 1 || answer.Degraded {
		t.Fatalf("unexpected answer: %+v", answer)
	}
	if engine.lastReq.RowLimit != 100 {
		t.Fatalf("unexpected row limit: %d", engine.lastReq.RowLimit)
	}
}

func TestAnswerUnparseableSkipsDatabase(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	generator := &fakeGenerator{generated: nl2sql.GeneratedSQL{Raw: "maaf, saya tidak tahu", Valid: false}}
	engine := &fakeEngine{}

	p := newTestPipeline(source, generator, engine, &fakeSynthesizer{}, Config{})
	_, err := p.Answer(context.Background(), "pertanyaan aneh")

	var rejection *sqlguard.RejectionError
	if !errors.As(err, &rejection) || rejection.Reason != sqlguard.ReasonUnparseable {
		t.Fatalf("expected unparseable rejection, got %v", err)
	}
	if engine.calls != 0 {
		t.Fatalf("database must not be contacted, got %d calls", engine.calls)
	}
}

func TestAnswerRegeneratesOnceOnRejection(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	generator := &fakeGenerator{
		generated:   nl2sql.GeneratedSQL{Statement: "DELETE FROM customer", Valid: true},
		regenerated: nl2sql.GeneratedSQL{Statement: "SELECT custname FROM customer", Valid: true},
	}
	engine := &fakeEngine{result: query.Result{RowCount: 1, Rows: [][]any{{"x"}}, Columns: []string{"custname"}}}

	p := newTestPipeline(source, generator, engine, &fakeSynthesizer{text: "ok"}, Config{RegenerateOnReject: true})
	answer, err := p.Answer(context.Background(), "hapus pelanggan")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if generator.regenerateCalls != 1 {
		t.Fatalf("expected one regeneration, got %d", generator.regenerateCalls)
	}
	if !strings.Contains(generator.lastReason, "WriteOperation") {
		t.Fatalf("expected rejection reason fed back, got %q", generator.lastReason)
	}
	if !strings.HasPrefix(answer.SQL, "SELECT custname") {
		t.Fatalf("unexpected sql: %q", answer.SQL)
	}
}

func TestAnswerSurfacesRejectionWhenRegenerationDisabled(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	generator := &fakeGenerator{generated: nl2sql.GeneratedSQL{Statement: "DROP TABLE customer", Valid: true}}
	engine := &fakeEngine{}

	p := newTestPipeline(source, generator, engine, &fakeSynthesizer{}, Config{RegenerateOnReject: false})
	_, err := p.Answer(context.Background(), "q")

	var rejection *sqlguard.RejectionError
	if !errors.As(err, &rejection) || rejection.Reason != sqlguard.ReasonWriteOperation {
		t.Fatalf("expected write rejection, got %v", err)
	}
	if generator.regenerateCalls != 0 {
		t.Fatalf("regeneration must not run when disabled")
	}
	if engine.calls != 0 {
		t.Fatalf("database must not be contacted")
	}
}

func TestAnswerSurfacesSecondRejection(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	generator := &fakeGenerator{
		generated:   nl2sql.GeneratedSQL{Statement: "DELETE FROM customer", Valid: true},
		regenerated: nl2sql.GeneratedSQL{Statement: "SELECT * FROM payroll", Valid: true},
	}

	p := newTestPipeline(source, generator, &fakeEngine{}, &fakeSynthesizer{}, Config{RegenerateOnReject: true})
	_, err := p.Answer(context.Background(), "q")

	var rejection *sqlguard.RejectionError
	if !errors.As(err, &rejection) || rejection.Reason != sqlguard.ReasonUnknownTable {
		t.Fatalf("expected unknown table rejection after retry, got %v", err)
	}
}

func TestAnswerSchemaUnavailableIsFatal(t *testing.T) {
	source := &fakeSchema{err: schema.ErrUnavailable, permitted: permittedTables()}
	generator := &fakeGenerator{}

	p := newTestPipeline(source, generator, &fakeEngine{}, &fakeSynthesizer{}, Config{})
	_, err := p.Answer(context.Background(), "q")
	if !errors.Is(err, schema.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if generator.generateCalls != 0 {
		t.Fatalf("generation must not run without schema")
	}
}

func TestAnswerPropagatesExecutionError(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	generator := &fakeGenerator{generated: nl2sql.GeneratedSQL{Statement: "SELECT custid FROM customer", Valid: true}}
	engine := &fakeEngine{err: &query.ExecutionError{Kind: query.KindTimeout, Err: context.DeadlineExceeded}}

	p := newTestPipeline(source, generator, engine, &fakeSynthesizer{}, Config{})
	_, err := p.Answer(context.Background(), "q")

	var execErr *query.ExecutionError
	if !errors.As(err, &execErr) || execErr.Kind != query.KindTimeout {
		t.Fatalf("expected timeout execution error, got %v", err)
	}
}

func TestAnswerErrorsCarryFailingPhase(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	generator := &fakeGenerator{generated: nl2sql.GeneratedSQL{Statement: "SELECT custid FROM customer", Valid: true}}
	engine := &fakeEngine{err: &query.ExecutionError{Kind: query.KindTimeout, Err: context.DeadlineExceeded}}

	p := newTestPipeline(source, generator, engine, &fakeSynthesizer{}, Config{})
	_, err := p.Answer(context.Background(), "q")

	var phaseErr *Error
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseExecuting {
		t.Fatalf("expected failure tagged with executing phase, got %v", err)
	}

	generator.generated = nl2sql.GeneratedSQL{Statement: "DELETE FROM customer", Valid: true}
	p = newTestPipeline(source, generator, &fakeEngine{}, &fakeSynthesizer{}, Config{})
	_, err = p.Answer(context.Background(), "q")
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseGenerating {
		t.Fatalf("expected failure tagged with generating phase, got %v", err)
	}
}

func TestAnswerReportsDegradedSynthesis(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	generator := &fakeGenerator{generated: nl2sql.GeneratedSQL{Statement: "SELECT custid FROM customer", Valid: true}}
	engine := &fakeEngine{result: query.Result{RowCount: 2, Rows: [][]any{{1}, {2}}, Columns: []string{"custid"}}}
	synthesizer := &fakeSynthesizer{text: "Berikut hasil query dari database", degraded: true}

	p := newTestPipeline(source, generator, engine, synthesizer, Config{})
	answer, err := p.Answer(context.Background(), "q")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !answer.Degraded {
		t.Fatalf("expected degraded answer")
	}
}

func TestAnswerStreamOrdering(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	generator := &fakeGenerator{generated: nl2sql.GeneratedSQL{Statement: "SELECT custname FROM customer", Valid: true}}
	engine := &fakeEngine{result: query.Result{RowCount: 1, Rows: [][]any{{"Budi"}}, Columns: []string{"custname"}}}
	synthesizer := &fakeSynthesizer{deltas: []string{"Ada ", "satu ", "pelanggan."}}

	p := newTestPipeline(source, generator, engine, synthesizer, Config{})
	chunks, err := p.AnswerStream(context.Background(), "q")
	if err != nil {
		t.Fatalf("AnswerStream: %v", err)
	}

	var collected strings.Builder
	lastSeq := -1
	finishes := 0
	var last StreamChunk
	for chunk := range chunks {
		if chunk.Seq <= lastSeq {
			t.Fatalf("sequence not strictly increasing: %d after %d", chunk.Seq, lastSeq)
		}
		lastSeq = chunk.Seq
		if chunk.Finish {
			finishes++
		}
		collected.WriteString(chunk.Delta)
		last = chunk
	}
	if finishes != 1 || !last.Finish {
		t.Fatalf("expected exactly one terminal finish chunk, finishes=%d last=%+v", finishes, last)
	}
	if last.Err != nil {
		t.Fatalf("unexpected terminal error: %v", last.Err)
	}
	if collected.String() != "Ada satu pelanggan." {
		t.Fatalf("unexpected stream content: %q", collected.String())
	}
}

func TestAnswerStreamTerminatesOnMidStreamFailure(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	generator := &fakeGenerator{generated: nl2sql.GeneratedSQL{Statement: "SELECT custname FROM customer", Valid: true}}
	engine := &fakeEngine{result: query.Result{RowCount: 1, Rows: [][]any{{"Budi"}}, Columns: []string{"custname"}}}
	synthesizer := &fakeSynthesizer{deltas: []string{"Ada "}, streamErr: errors.New("connection reset")}

	p := newTestPipeline(source, generator, engine, synthesizer, Config{})
	chunks, err := p.AnswerStream(context.Background(), "q")
	if err != nil {
		t.Fatalf("AnswerStream: %v", err)
	}

	var last StreamChunk
	count := 0
	for chunk := range chunks {
		last = chunk
		count++
	}
	if count == 0 || !last.Finish {
		t.Fatalf("stream must terminate with a finish chunk, got %d chunks last=%+v", count, last)
	}
	if last.Err == nil {
		t.Fatalf("expected terminal chunk to carry the failure")
	}
}

func TestAnswerStreamErrorsBeforeSynthesisReturnDirectly(t *testing.T) {
	source := &fakeSchema{err: schema.ErrUnavailable, permitted: permittedTables()}
	p := newTestPipeline(source, &fakeGenerator{}, &fakeEngine{}, &fakeSynthesizer{}, Config{})

	chunks, err := p.AnswerStream(context.Background(), "q")
	if !errors.Is(err, schema.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if chunks != nil {
		t.Fatalf("expected nil channel on early failure")
	}
}

func TestDescribeSegmentValidatesWithoutExecuting(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	generator := &fakeGenerator{segment: nl2sql.Segment{
		Name: "Pelanggan Tidak Aktif",
		SQL:  "SELECT custid, custname, email, mobileno FROM customer WHERE custid NOT IN (SELECT custid FROM invoice WHERE invdate > '2025-02-28')",
	}}
	engine := &fakeEngine{}

	p := newTestPipeline(source, generator, engine, &fakeSynthesizer{}, Config{})
	segment, err := p.DescribeSegment(context.Background(), "Customer yang belum transaksi dalam 6 bulan terakhir")
	if err != nil {
		t.Fatalf("DescribeSegment: %v", err)
	}
	if segment.Name != "Pelanggan Tidak Aktif" {
		t.Fatalf("unexpected name: %q", segment.Name)
	}
	if !strings.HasPrefix(segment.SQL, "SELECT") {
		t.Fatalf("unexpected sql: %q", segment.SQL)
	}
	if engine.calls != 0 {
		t.Fatalf("segment description must not execute")
	}
}

func TestDescribeSegmentRejectsUnsafeSQL(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	generator := &fakeGenerator{segment: nl2sql.Segment{Name: "x", SQL: "DELETE FROM customer"}}

	p := newTestPipeline(source, generator, &fakeEngine{}, &fakeSynthesizer{}, Config{})
	_, err := p.DescribeSegment(context.Background(), "d")

	var rejection *sqlguard.RejectionError
	if !errors.As(err, &rejection) || rejection.Reason != sqlguard.ReasonWriteOperation {
		t.Fatalf("expected write rejection, got %v", err)
	}
}

func TestExecuteSegmentRevalidates(t *testing.T) {
	source := &fakeSchema{descriptor: testDescriptor(), permitted: permittedTables()}
	engine := &fakeEngine{result: query.Result{RowCount: 1, Rows: [][]any{{1}}, Columns: []string{"custid"}}}

	p := newTestPipeline(source, &fakeGenerator{}, engine, &fakeSynthesizer{}, Config{})

	if _, err := p.ExecuteSegment(context.Background(), "TRUNCATE customer"); err == nil {
		t.Fatalf("expected unsafe segment sql to be rejected")
	}
	if engine.calls != 0 {
		t.Fatalf("rejected sql must not execute")
	}

	result, err := p.ExecuteSegment(context.Background(), "SELECT custid FROM customer")
	if err != nil {
		t.Fatalf("ExecuteSegment: %v", err)
	}
	if result.RowCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if engine.lastReq.RowLimit != 100 {
		t.Fatalf("expected row limit enforced, got %d", engine.lastReq.RowLimit)
	}
}
