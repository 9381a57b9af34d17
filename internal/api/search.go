// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/huggingface/datasets-server/internal/pipeline"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// handleSearch ranks cached rows against the query query param by fuzzy
// match over each row's JSON text, the way the teacher's TUI ranks queue
// rows against a filter string with fuzzy.RankFindNormalizedFold.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	p, ok := parseReadParams(r, true, true)
	if !ok {
		writeError(w, dserrors.CodeParameterMissing, "dataset, config and split are required")
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, dserrors.CodeParameterMissing, "query is required")
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
		texts := make([]string, len(rows))
		for i, row := range rows {
			b, err := json.Marshal(row)
			if err != nil {
				return nil, err
			}
			texts[i] = string(b)
		}
		ranks := fuzzy.RankFindNormalizedFold(query, texts)
		sort.Sort(ranks)
		matched := make([]map[string]any, 0, len(ranks))
		for _, rk := range ranks {
			matched = append(matched, rows[rk.OriginalIndex])
		}
		return map[string]interface{}{"rows": paginate(matched, offset, length)}, nil
	})
}
