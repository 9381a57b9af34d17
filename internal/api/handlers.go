// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"net/http"

	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/huggingface/datasets-server/internal/pipeline"
)

// handleIsValid reshapes dataset-is-valid's {preview,viewer,search} into
// spec.md §6.1's documented {valid,preview,viewer,search}: valid is the
// boolean OR of the three capability flags.
func (s *Server) handleIsValid(w http.ResponseWriter, r *http.Request) {
	p, ok := parseReadParams(r, false, false)
	if !ok {
		writeError(w, dserrors.CodeParameterMissing, "dataset is required")
		return
	}
	s.serveRead(w, r, []string{pipeline.DatasetIsValid}, p, func(content []byte) (interface{}, error) {
		var flags struct {
			Preview bool `json:"preview"`
			Viewer  bool `json:"viewer"`
			Search  bool `json:"search"`
		}
		if err := json.Unmarshal(content, &flags); err != nil {
			return nil, err
		}
		return map[string]bool{
			"valid":   flags.Preview || flags.Viewer || flags.Search,
			"preview": flags.Preview,
			"viewer":  flags.Viewer,
			"search":  flags.Search,
		}, nil
	})
}

// handleSplits prefers config-split-names-from-streaming over the info
// variant, matching the two steps' declared parallel relationship, and
// wraps the bare array the steps produce into {"splits": [...]}.
func (s *Server) handleSplits(w http.ResponseWriter, r *http.Request) {
	p, ok := parseReadParams(r, false, false)
	if !ok {
		writeError(w, dserrors.CodeParameterMissing, "dataset is required")
		return
	}
	kinds := []string{pipeline.ConfigSplitNamesFromStreaming, pipeline.ConfigSplitNamesFromInfo}
	s.serveRead(w, r, kinds, p, func(content []byte) (interface{}, error) {
		var names []string
		if err := json.Unmarshal(content, &names); err != nil {
			return nil, err
		}
		return map[string][]string{"splits": names}, nil
	})
}

// handleFirstRows adds the "features" key spec.md §6.1 documents, which
// the illustrative step does not compute (schema inference is out of
// scope for this server), passing an empty slice so clients of the
// documented shape don't have to special-case a missing key.
func (s *Server) handleFirstRows(w http.ResponseWriter, r *http.Request) {
	p, ok := parseReadParams(r, true, true)
	if !ok {
		writeError(w, dserrors.CodeParameterMissing, "dataset, config and split are required")
		return
	}
	s.serveRead(w, r, []string{pipeline.SplitFirstRows}, p, func(content []byte) (interface{}, error) {
		var parsed struct {
			Rows      []map[string]any `json:"rows"`
			Truncated bool             `json:"truncated"`
		}
		if err := json.Unmarshal(content, &parsed); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"features":  []string{},
			"rows":      parsed.Rows,
			"truncated": parsed.Truncated,
		}, nil
	})
}

// handleRows paginates the same cached preview first-rows produced,
// spec.md §6.1's general-purpose row access on top of the illustrative
// preview step.
func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	p, ok := parseReadParams(r, true, true)
	if !ok {
		writeError(w, dserrors.CodeParameterMissing, "dataset, config and split are required")
		return
	}
	offset, length, ok := pagination(r, s.cfg.API.MaxRowsPerPage)
	if !ok {
		writeError(w, dserrors.CodeInvalidParameter, "invalid offset/length")
		return
	}
	s.serveRead(w, r, []string{pipeline.SplitFirstRows}, p, func(content []byte) (interface{}, error) {
		rows, err := decodeRows(content)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"rows": paginate(rows, offset, length)}, nil
	})
}

func decodeRows(content []byte) ([]map[string]any, error) {
	var parsed struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := json.Unmarshal(content, &parsed); err != nil {
		return nil, err
	}
	return parsed.Rows, nil
}

func paginate(rows []map[string]any, offset, length int) []map[string]any {
	if offset >= len(rows) {
		return []map[string]any{}
	}
	end := offset + length
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}
