// Copyright 2025 James Ross
package api

import (
	"net/http"

	"github.com/PaesslerAG/jsonpath"
	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/huggingface/datasets-server/internal/pipeline"
)

// handleFilter evaluates the where query param as a JSONPath expression
// against each cached row, keeping rows where the path resolves to a
// truthy value, the way the teacher's dlq-remediation-pipeline evaluates
// a condition's JSONPath against a job's decoded payload.
func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	p, ok := parseReadParams(r, true, true)
	if !ok {
		writeError(w, dserrors.CodeParameterMissing, "dataset, config and split are required")
		return
	}
	where := r.URL.Query().Get("where")
	if where == "" {
		writeError(w, dserrors.CodeParameterMissing, "where is required")
		return
	}
	offset, length, ok := pagination(r, s.cfg.API.MaxRowsPerPage)
	if !ok {
		writeError(w, dserrors.CodeInvalidParameter, "invalid offset/length")
		return
	}
	// New compiles the expression; a malformed path fails here, before
	// any row is read, and is reported as 422 InvalidParameter per
	// spec.md §6.1 rather than silently excluding every row.
	eval, err := jsonpath.New(where)
	if err != nil {
		writeError(w, dserrors.CodeInvalidParameter, "malformed where expression: "+err.Error())
		return
	}

	s.serveRead(w, r, []string{pipeline.SplitFirstRows}, p, func(content []byte) (interface{}, error) {
		rows, err := decodeRows(content)
		if err != nil {
			return nil, err
		}
		matched := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			value, err := eval(r.Context(), map[string]interface{}(row))
			if err != nil {
				continue
			}
			if truthy(value) {
				matched = append(matched, row)
			}
		}
		return map[string]interface{}{"rows": paginate(matched, offset, length)}, nil
	})
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case []interface{}:
		return len(t) > 0
	default:
		return true
	}
}
