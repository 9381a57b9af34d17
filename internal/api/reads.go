// Copyright 2025 James Ross
package api

import (
	"net/http"
	"strconv"

	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/huggingface/datasets-server/internal/orchestrator"
	"go.uber.org/zap"
)

// readParams is dataset/config/split pulled out of the query string.
type readParams struct {
	dataset string
	config  *string
	split   *string
}

// parseReadParams rejects a request missing any parameter the route
// requires; config and split are only required when wantConfig/wantSplit
// are true.
func parseReadParams(r *http.Request, wantConfig, wantSplit bool) (readParams, bool) {
	q := r.URL.Query()
	dataset := q.Get("dataset")
	if dataset == "" {
		return readParams{}, false
	}
	p := readParams{dataset: dataset}
	if wantConfig {
		cfg := q.Get("config")
		if cfg == "" {
			return readParams{}, false
		}
		p.config = &cfg
	}
	if wantSplit {
		split := q.Get("split")
		if split == "" {
			return readParams{}, false
		}
		p.split = &split
	}
	return p, true
}

// pagination parses offset/length, enforcing spec.md §6.1's bounds:
// offset >= 0, length in [1, maxRows]. length defaults to maxRows.
func pagination(r *http.Request, maxRows int) (offset, length int, ok bool) {
	q := r.URL.Query()
	offset = 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		offset = n
	}
	length = maxRows
	if v := q.Get("length"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRows {
			return 0, 0, false
		}
		length = n
	}
	return offset, length, true
}

// serveRead runs orchestrator.OnApiRead for kinds and writes the
// resulting outcome. shape reinterprets a ready entry's cached content
// into the response body (paginating, filtering, or just reshaping a
// builtin step's illustrative output into spec.md's documented envelope).
func (s *Server) serveRead(w http.ResponseWriter, r *http.Request, kinds []string, p readParams, shape func([]byte) (interface{}, error)) {
	result, err := s.orch.OnApiRead(r.Context(), p.dataset, kinds, p.config, p.split)
	if err != nil {
		s.log.Error("api read failed", zap.Error(err), zap.String("dataset", p.dataset))
		writeError(w, dserrors.CodeUnexpected, "failed to read dataset state")
		return
	}

	switch result.Outcome {
	case orchestrator.ReadReady:
		body, err := shape(result.Entry.Content)
		if err != nil {
			writeError(w, dserrors.CodePreviousStepFormatError, "cached content could not be decoded")
			return
		}
		writeSuccess(w, result.Entry.Revision, s.cfg.API.MaxAgeLong, body)
	case orchestrator.ReadCachedError:
		writeCachedError(w, result.Entry.ErrorCode, result.Entry.Details)
	case orchestrator.ReadNotFound:
		writeError(w, dserrors.CodeDatasetNotFound, "dataset not found")
	default: // ReadNotReady
		writeError(w, dserrors.CodeResponseNotReady, "response not ready, retry later")
	}
}
