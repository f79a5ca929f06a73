package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/crmquery/crmquery/internal/query"
)

type segmentGenerateRequest struct {
	Description string `json:"description"`
}

type segmentGenerateResponse struct {
	Name string `json:"name"`
	SQL  string `json:"sql"`
}

type segmentExecuteRequest struct {
	SQL string `json:"sql"`
}

type segmentExecuteResponse struct {
	Customers []map[string]any `json:"customers"`
	Count     int              `json:"count"`
	Truncated bool             `json:"truncated,omitempty"`
}

func handleSegmentGenerate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request segmentGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body", false, nil)
		return
	}
	if strings.TrimSpace(request.Description) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "description is required", false, nil)
		return
	}

	segment, err := deps.Pipeline.DescribeSegment(r.Context(), request.Description)
	if err != nil {
		writePipelineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, segmentGenerateResponse{Name: segment.Name, SQL: segment.SQL})
}

func handleSegmentExecute(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request segmentExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body", false, nil)
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "sql is required", false, nil)
		return
	}

	result, err := deps.Pipeline.ExecuteSegment(r.Context(), request.SQL)
	if err != nil {
		writePipelineError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, segmentExecuteResponse{
		Customers: rowsAsObjects(result),
		Count:     result.RowCount,
		Truncated: result.Truncated,
	})
}

func rowsAsObjects(result query.Result) []map[string]any {
	customers := make([]map[string]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		record := make(map[string]any, len(result.Columns))
		for i, column := range result.Columns {
			if i < len(row) {
				record[column] = row[i]
			}
		}
		customers = append(customers, record)
	}
	return customers
}
