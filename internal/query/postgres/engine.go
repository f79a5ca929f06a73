package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/crmquery/crmquery/internal/query"
)

var trailingLimitClause = regexp.MustCompile(`(?i)\s+LIMIT\s+\d+\s*;?\s*$`)

// Engine executes validated statements against Postgres inside a
// read-only transaction with a per-query deadline.
type Engine struct {
	db      *sql.DB
	timeout time.Duration
}

func NewEngine(db *sql.DB, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{db: db, timeout: timeout}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := strings.TrimSpace(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if request.RowLimit <= 0 {
		return query.Result{}, fmt.Errorf("row limit is required")
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.db.BeginTx(execCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	// One extra row past the limit tells truncation apart from an exact
	// fit. A LIMIT at the end of the statement would hide that extra
	// row, so it is lifted out before wrapping; RowLimit already carries
	// the tighter of the statement's own limit and the configured cap.
	inner := trailingLimitClause.ReplaceAllString(sqlText, "")
	wrapped := fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", inner, request.RowLimit+1)

	rows, err := tx.QueryContext(execCtx, wrapped)
	if err != nil {
		return query.Result{}, classify(err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, classify(err)
	}

	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if len(resultRows) == request.RowLimit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, classify(err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, classify(err)
	}

	return query.Result{
		Columns:   columns,
		Rows:      resultRows,
		RowCount:  len(resultRows),
		Truncated: truncated,
		Duration:  time.Since(start),
	}, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed.Format(time.RFC3339)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

// classify maps driver errors onto the execution taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &query.ExecutionError{Kind: query.KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &query.ExecutionError{Kind: query.KindTimeout, Err: err}
	case isConnectionError(err):
		return &query.ExecutionError{Kind: query.KindConnectionLost, Err: err}
	default:
		return &query.ExecutionError{Kind: query.KindDatabaseRejected, Err: err}
	}
}

func isConnectionError(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	message := err.Error()
	for _, fragment := range []string{"connection refused", "connection reset", "broken pipe", "unexpected EOF"} {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}
