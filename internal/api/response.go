// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/huggingface/datasets-server/internal/dserrors"
)

// ErrorResponse is the JSON envelope spec.md §6 mandates for every
// non-2xx response, mirroring original_source's error body shape.
type ErrorResponse struct {
	Error           string `json:"error"`
	CauseException  string `json:"cause_exception,omitempty"`
	CauseMessage    string `json:"cause_message,omitempty"`
	CauseTraceback  string `json:"cause_traceback,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError sets X-Error-Code, disables caching and writes the error
// envelope for code.
func writeError(w http.ResponseWriter, code dserrors.Code, message string) {
	w.Header().Set("X-Error-Code", string(code))
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, code.HTTPStatus(), ErrorResponse{Error: message})
}

// writeCachedError replays a CachedError recorded on a cache entry,
// surfacing its message as cause_message the way spec.md §7 describes.
func writeCachedError(w http.ResponseWriter, code dserrors.Code, details map[string]any) {
	w.Header().Set("X-Error-Code", string(code))
	w.Header().Set("Cache-Control", "no-store")
	resp := ErrorResponse{Error: string(code)}
	if m, ok := details["message"].(string); ok {
		resp.CauseMessage = m
	}
	writeJSON(w, code.HTTPStatus(), resp)
}

// writeSuccess writes a 200 with the cacheable headers spec.md §6
// requires for a ready response: X-Revision and a bounded Cache-Control.
func writeSuccess(w http.ResponseWriter, revision string, maxAge time.Duration, body interface{}) {
	w.Header().Set("X-Revision", revision)
	w.Header().Set("Cache-Control", cacheControl(maxAge))
	writeJSON(w, http.StatusOK, body)
}

func cacheControl(maxAge time.Duration) string {
	if maxAge <= 0 {
		return "no-store"
	}
	return fmt.Sprintf("max-age=%d", int(maxAge.Seconds()))
}
