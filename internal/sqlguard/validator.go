package sqlguard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Reason classifies why a statement was rejected. Rejections are never
// fatal to the caller; they are surfaced as structured outcomes.
type Reason string

const (
	ReasonMultiStatement      Reason = "MultiStatement"
	ReasonWriteOperation      Reason = "WriteOperation"
	ReasonUnknownTable        Reason = "UnknownTable"
	ReasonDisallowedConstruct Reason = "DisallowedConstruct"
	ReasonUnparseable         Reason = "Unparseable"
)

type RejectionError struct {
	Reason Reason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("sql rejected: %s", e.Reason)
	}
	return fmt.Sprintf("sql rejected: %s: %s", e.Reason, e.Detail)
}

func reject(reason Reason, detail string) error {
	return &RejectionError{Reason: reason, Detail: detail}
}

// ValidatedQuery is the only form of SQL the executor accepts. The
// statement is a single read-only query whose referenced tables are a
// subset of the permitted set, and RowLimit is always finite.
type ValidatedQuery struct {
	Statement string
	RowLimit  int
	Tables    []string
}

var (
	writeVerbPattern = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|TRUNCATE|GRANT|REVOKE|MERGE|COPY|CALL|VACUUM|REINDEX|CLUSTER|LISTEN|NOTIFY|SET|RESET|REFRESH|INTO)\b`)
	dangerousFuncs   = regexp.MustCompile(`(?i)\b(pg_read_file|pg_read_binary_file|pg_ls_dir|pg_sleep|lo_import|lo_export|dblink|pg_terminate_backend|pg_cancel_backend|pg_reload_conf)\s*\(`)
	lockClause       = regexp.MustCompile(`(?i)\bFOR\s+(UPDATE|SHARE|NO\s+KEY\s+UPDATE|KEY\s+SHARE)\b`)
	tableRefPattern  = regexp.MustCompile(`(?i)\b(FROM|JOIN)\s+("?[A-Za-z_][\w$]*"?(?:\."?[\w$]+"?)?)`)
	ctePattern       = regexp.MustCompile(`(?i)(?:\bWITH\s+|\bRECURSIVE\s+|,\s*)("?[A-Za-z_][\w$]*"?)\s*(?:\([^)]*\))?\s+AS\s*\(`)
	identPattern     = regexp.MustCompile(`^"?[A-Za-z_][\w$]*"?(?:\."?[\w$]+"?)?`)
	fromParenPattern = regexp.MustCompile(`(?i)\bFROM\s*\(`)
	trailingLimit    = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)\s*$`)
)

// Validate statically checks a generated or caller-supplied statement
// against the permitted table set and binds a finite row limit. Checks
// run in order and short-circuit on the first failure. Validation is
// pure: the same statement, permitted set, and limit always produce the
// same result, and re-validating a returned Statement yields an equal
// ValidatedQuery.
func Validate(sqlText string, permitted []string, maxRows int) (ValidatedQuery, error) {
	if maxRows <= 0 {
		return ValidatedQuery{}, fmt.Errorf("max rows must be positive")
	}

	statement := strings.TrimSpace(sqlText)
	statement = strings.TrimRight(statement, "; \t\r\n")
	if statement == "" {
		return ValidatedQuery{}, reject(ReasonUnparseable, "empty statement")
	}

	stripped := stripStringLiterals(statement)

	if strings.Contains(stripped, ";") {
		return ValidatedQuery{}, reject(ReasonMultiStatement, "statement separator found")
	}

	head := firstKeyword(stripped)
	if head != "SELECT" && head != "WITH" {
		if writeVerbPattern.MatchString(head) {
			return ValidatedQuery{}, reject(ReasonWriteOperation, head+" is not a read-only statement")
		}
		return ValidatedQuery{}, reject(ReasonUnparseable, "statement does not begin with SELECT or WITH")
	}
	// Locking clauses are blanked here so FOR UPDATE surfaces as a
	// disallowed construct below rather than as a write verb.
	verbScan := lockClause.ReplaceAllString(stripped, " ")
	if match := writeVerbPattern.FindString(verbScan); match != "" {
		return ValidatedQuery{}, reject(ReasonWriteOperation, strings.ToUpper(match)+" is not allowed")
	}

	tables := referencedTables(stripped)
	permittedSet := make(map[string]struct{}, len(permitted))
	for _, table := range permitted {
		permittedSet[strings.ToLower(table)] = struct{}{}
	}
	for _, table := range tables {
		if _, ok := permittedSet[table]; !ok {
			return ValidatedQuery{}, reject(ReasonUnknownTable, "table "+table+" is not permitted")
		}
	}

	if strings.Contains(stripped, "--") || strings.Contains(stripped, "/*") || strings.Contains(stripped, "$$") {
		return ValidatedQuery{}, reject(ReasonDisallowedConstruct, "comments are not allowed")
	}
	if match := dangerousFuncs.FindString(stripped); match != "" {
		return ValidatedQuery{}, reject(ReasonDisallowedConstruct, strings.TrimSpace(match)+" is not allowed")
	}
	if lockClause.MatchString(stripped) {
		return ValidatedQuery{}, reject(ReasonDisallowedConstruct, "locking clauses are not allowed")
	}

	// Only a LIMIT at the very end of the statement belongs to the outer
	// query; anything followed by more text sits inside a subquery and
	// must not loosen or tighten the bound. The statement itself is never
	// rewritten so the row cap lives solely in RowLimit and the executor
	// stays able to detect rows beyond it.
	bound := maxRows
	if match := trailingLimit.FindStringSubmatch(stripped); match != nil {
		if explicit, err := strconv.Atoi(match[1]); err == nil && explicit < bound {
			bound = explicit
		}
	}

	return ValidatedQuery{
		Statement: statement,
		RowLimit:  bound,
		Tables:    tables,
	}, nil
}

func firstKeyword(statement string) string {
	fields := strings.Fields(statement)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// referencedTables lexically collects FROM/JOIN targets, excluding
// subqueries and CTE names defined by the statement itself. A FROM
// clause may name several tables separated by commas, so the scan
// continues through the whole list, not just the first entry.
func referencedTables(statement string) []string {
	cteNames := map[string]struct{}{}
	for _, match := range ctePattern.FindAllStringSubmatch(statement, -1) {
		cteNames[normalizeIdent(match[1])] = struct{}{}
	}

	seen := map[string]struct{}{}
	var tables []string
	add := func(raw string) {
		name := normalizeIdent(raw)
		if name == "" {
			return
		}
		if _, ok := cteNames[name]; ok {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		tables = append(tables, name)
	}

	for _, loc := range tableRefPattern.FindAllStringSubmatchIndex(statement, -1) {
		keyword := strings.ToUpper(statement[loc[2]:loc[3]])
		add(statement[loc[4]:loc[5]])
		if keyword != "FROM" {
			continue
		}
		for _, extra := range commaListTables(statement[loc[5]:]) {
			add(extra)
		}
	}
	// A FROM clause can also open with a parenthesized subquery; the
	// tables after it in the comma list still count.
	for _, loc := range fromParenPattern.FindAllStringIndex(statement, -1) {
		for _, extra := range commaListTables(skipBalanced(statement[loc[1]-1:])) {
			add(extra)
		}
	}
	return tables
}

// listStopWords are keywords that terminate a FROM list element and
// therefore can never be a table alias.
var listStopWords = map[string]struct{}{
	"WHERE": {}, "GROUP": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {},
	"OFFSET": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {}, "JOIN": {},
	"INNER": {}, "LEFT": {}, "RIGHT": {}, "FULL": {}, "CROSS": {},
	"NATURAL": {}, "ON": {}, "USING": {}, "FOR": {}, "WINDOW": {},
	"FETCH": {}, "RETURNING": {},
}

// commaListTables walks the remainder of a comma-separated FROM list
// and returns every further table name it references. Parenthesized
// elements are skipped whole; their inner FROM clauses are picked up
// by the outer scan.
func commaListTables(rest string) []string {
	var names []string
	for {
		rest = skipAlias(rest)
		rest = strings.TrimLeft(rest, " \t\r\n")
		if !strings.HasPrefix(rest, ",") {
			return names
		}
		rest = strings.TrimLeft(rest[1:], " \t\r\n")
		if strings.HasPrefix(rest, "(") {
			rest = skipBalanced(rest)
			continue
		}
		ident := identPattern.FindString(rest)
		if ident == "" {
			return names
		}
		names = append(names, ident)
		rest = rest[len(ident):]
	}
}

// skipAlias consumes an optional AS keyword and alias identifier.
func skipAlias(rest string) string {
	for {
		trimmed := strings.TrimLeft(rest, " \t\r\n")
		ident := identPattern.FindString(trimmed)
		if ident == "" || strings.ContainsAny(ident, `".`) {
			return rest
		}
		upper := strings.ToUpper(ident)
		if _, stop := listStopWords[upper]; stop {
			return rest
		}
		rest = trimmed[len(ident):]
		if upper != "AS" {
			return rest
		}
	}
}

func skipBalanced(rest string) string {
	depth := 0
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return rest[i+1:]
			}
		}
	}
	return ""
}

func normalizeIdent(ident string) string {
	ident = strings.TrimSpace(ident)
	if idx := strings.LastIndex(ident, "."); idx >= 0 {
		ident = ident[idx+1:]
	}
	ident = strings.Trim(ident, `"`)
	return strings.ToLower(ident)
}

// stripStringLiterals blanks the contents of single-quoted literals so
// keyword and separator scans cannot be fooled by quoted text.
func stripStringLiterals(statement string) string {
	var sb strings.Builder
	sb.Grow(len(statement))
	inString := false
	for i := 0; i < len(statement); i++ {
		ch := statement[i]
		if ch == '\'' {
			// Doubled quote inside a literal is an escaped quote.
			if inString && i+1 < len(statement) && statement[i+1] == '\'' {
				i++
				continue
			}
			inString = !inString
			sb.WriteByte(ch)
			continue
		}
		if inString {
			continue
		}
		sb.WriteByte(ch)
	}
	return sb.String()
}
