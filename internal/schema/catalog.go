package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable reports that the store could not be introspected. A
// pipeline invocation cannot be grounded without a descriptor, so
// callers treat this as fatal for the request.
var ErrUnavailable = errors.New("schema unavailable")

type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

type Table struct {
	Name    string     `json:"name"`
	Columns []Column   `json:"columns"`
	Samples [][]string `json:"samples,omitempty"`
}

// Descriptor is an immutable snapshot of the permitted tables. It is
// built once and replaced wholesale on refresh; readers never observe
// a partially updated descriptor.
type Descriptor struct {
	Tables  []Table   `json:"tables"`
	BuiltAt time.Time `json:"built_at"`
}

func (d Descriptor) TableNames() []string {
	names := make([]string, 0, len(d.Tables))
	for _, table := range d.Tables {
		names = append(names, table.Name)
	}
	return names
}

// Context renders the descriptor as the textual grounding block
// embedded into completion prompts.
func (d Descriptor) Context() string {
	var sb strings.Builder
	for _, table := range d.Tables {
		sb.WriteString(fmt.Sprintf("\n%s (table)\n", table.Name))
		sb.WriteString("  Columns:\n")
		for _, col := range table.Columns {
			sb.WriteString(fmt.Sprintf("    - %s (%s)", col.Name, col.DataType))
			if col.Nullable {
				sb.WriteString(" NULL")
			}
			sb.WriteString("\n")
		}
		if len(table.Samples) > 0 {
			sb.WriteString("  Sample rows:\n")
			for _, row := range table.Samples {
				sb.WriteString("    " + strings.Join(row, " | ") + "\n")
			}
		}
	}
	return sb.String()
}

// Catalog introspects the permitted tables and caches the resulting
// descriptor for the life of the process unless explicitly refreshed.
type Catalog struct {
	db         *sql.DB
	permitted  []string
	sampleRows int

	mu     sync.RWMutex
	cached *Descriptor
}

func NewCatalog(db *sql.DB, permitted []string, sampleRows int) *Catalog {
	return &Catalog{
		db:         db,
		permitted:  append([]string(nil), permitted...),
		sampleRows: sampleRows,
	}
}

// Permitted returns the configured table whitelist, independent of
// whether introspection has succeeded.
func (c *Catalog) Permitted() []string {
	return append([]string(nil), c.permitted...)
}

func (c *Catalog) Describe(ctx context.Context) (Descriptor, error) {
	c.mu.RLock()
	cached := c.cached
	c.mu.RUnlock()
	if cached != nil {
		return *cached, nil
	}
	return c.Refresh(ctx)
}

// Refresh rebuilds the descriptor and swaps it in wholesale.
func (c *Catalog) Refresh(ctx context.Context) (Descriptor, error) {
	descriptor, err := c.introspect(ctx)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	c.mu.Lock()
	c.cached = descriptor
	c.mu.Unlock()
	return *descriptor, nil
}

func (c *Catalog) introspect(ctx context.Context) (*Descriptor, error) {
	if len(c.permitted) == 0 {
		return nil, fmt.Errorf("no permitted tables configured")
	}

	placeholders := make([]string, len(c.permitted))
	args := make([]any, len(c.permitted))
	for i, table := range c.permitted {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = table
	}

	query := fmt.Sprintf(`
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name IN (%s)
ORDER BY table_name, ordinal_position`, strings.Join(placeholders, ", "))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introspect columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byName := map[string]*Table{}
	order := make([]string, 0, len(c.permitted))
	for rows.Next() {
		var tableName, columnName, dataType, isNullable string
		if err := rows.Scan(&tableName, &columnName, &dataType, &isNullable); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		table, ok := byName[tableName]
		if !ok {
			table = &Table{Name: tableName}
			byName[tableName] = table
			order = append(order, tableName)
		}
		table.Columns = append(table.Columns, Column{
			Name:     columnName,
			DataType: dataType,
			Nullable: strings.EqualFold(isNullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("none of the permitted tables exist in the store")
	}

	descriptor := &Descriptor{BuiltAt: time.Now().UTC()}
	for _, name := range order {
		table := *byName[name]
		if c.sampleRows > 0 {
			samples, err := c.sample(ctx, name)
			if err == nil {
				table.Samples = samples
			}
		}
		descriptor.Tables = append(descriptor.Tables, table)
	}
	return descriptor, nil
}

func (c *Catalog) sample(ctx context.Context, tableName string) ([][]string, error) {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(tableName), c.sampleRows)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sample table %q: %w", tableName, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sample columns: %w", err)
	}

	var samples [][]string
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan sample row: %w", err)
		}
		rendered := make([]string, len(values))
		for i, value := range values {
			rendered[i] = renderValue(value)
		}
		samples = append(samples, rendered)
	}
	return samples, rows.Err()
}

func renderValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
