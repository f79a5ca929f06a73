package nl2sql

import (
	"encoding/json"
	"fmt"
	"strings"
)

var sqlStartKeywords = []string{
	"SELECT", "WITH", "INSERT", "UPDATE", "DELETE",
	"CREATE", "ALTER", "DROP", "TRUNCATE", "EXPLAIN",
}

// ExtractSQL locates a single SQL statement inside a raw completion,
// tolerating markdown fences, surrounding prose, comments, and trailing
// commentary. The second return is false when no statement was found.
// Write statements are still extracted; classifying them is the
// validator's job.
func ExtractSQL(raw string) (string, bool) {
	input := stripFences(strings.TrimSpace(raw))
	input = stripBlockComments(input)

	var sqlLines []string
	foundSQL := false
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		if idx := strings.Index(line, "--"); idx > 0 {
			line = strings.TrimSpace(line[:idx])
		}

		terminal := false
		if idx := semicolonOutsideLiteral(line); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
			terminal = true
		}

		if !foundSQL && startsWithSQLKeyword(line) {
			foundSQL = true
		}
		if foundSQL {
			if len(sqlLines) > 0 && looksLikeProse(line) {
				break
			}
			if line != "" {
				sqlLines = append(sqlLines, line)
			}
		}
		if foundSQL && terminal {
			break
		}
	}

	statement := strings.Join(strings.Fields(strings.Join(sqlLines, " ")), " ")
	if statement == "" {
		return "", false
	}
	return statement, true
}

// Segment is the parsed outcome of a segment-generation completion.
type Segment struct {
	Name string `json:"name"`
	SQL  string `json:"sql"`
}

// ParseSegment decodes the JSON object the segment prompt asks for,
// tolerating a markdown fence around it.
func ParseSegment(raw string) (Segment, error) {
	payload := stripFences(strings.TrimSpace(raw))
	if start := strings.Index(payload, "{"); start > 0 {
		payload = payload[start:]
	}
	if end := strings.LastIndex(payload, "}"); end >= 0 {
		payload = payload[:end+1]
	}

	var segment Segment
	if err := json.Unmarshal([]byte(payload), &segment); err != nil {
		return Segment{}, fmt.Errorf("decode segment response: %w", err)
	}
	if strings.TrimSpace(segment.Name) == "" || strings.TrimSpace(segment.SQL) == "" {
		return Segment{}, fmt.Errorf("segment response missing name or sql")
	}
	segment.Name = strings.TrimSpace(segment.Name)
	segment.SQL = strings.TrimSpace(segment.SQL)
	return segment, nil
}

// stripFences returns the contents of the first markdown code fence,
// wherever it sits in the completion; models often lead the fence with
// a sentence of prose. Input without a fence passes through untouched.
func stripFences(input string) string {
	start := strings.Index(input, "```")
	if start == -1 {
		return strings.TrimSpace(input)
	}
	body := input[start+3:]
	for _, tag := range []string{"sql", "json"} {
		if after, found := strings.CutPrefix(body, tag); found {
			body = after
			break
		}
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func stripBlockComments(input string) string {
	for {
		start := strings.Index(input, "/*")
		if start == -1 {
			return input
		}
		end := strings.Index(input[start:], "*/")
		if end == -1 {
			return input
		}
		input = input[:start] + " " + input[start+end+2:]
	}
}

func startsWithSQLKeyword(line string) bool {
	upper := strings.ToUpper(line)
	for _, keyword := range sqlStartKeywords {
		if strings.HasPrefix(upper, keyword+" ") || upper == keyword {
			return true
		}
	}
	return false
}

// looksLikeProse detects explanatory text following the statement.
func looksLikeProse(line string) bool {
	upper := strings.ToUpper(line)
	for _, prefix := range []string{"THIS ", "THE ", "WILL ", "RETURNS ", "NOTE:", "EXPLANATION:", "QUERY INI", "PENJELASAN"} {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

func semicolonOutsideLiteral(line string) int {
	inString := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				return i
			}
		}
	}
	return -1
}
