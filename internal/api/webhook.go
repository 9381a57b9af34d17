// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/huggingface/datasets-server/internal/orchestrator"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// defaultWebhookSchema matches spec.md §6.2's payload shape; used when
// cfg.API.WebhookSchemaPath is unset, the way the teacher's
// json-payload-studio falls back to a built-in schema when a caller
// hasn't supplied its own.
const defaultWebhookSchema = `{
  "type": "object",
  "required": ["event", "repo"],
  "properties": {
    "event": {"type": "string", "enum": ["add", "update", "move", "remove", "doesnotexist"]},
    "repo": {
      "type": "object",
      "required": ["type", "name"],
      "properties": {
        "type": {"type": "string"},
        "name": {"type": "string"},
        "gitalyUid": {"type": "string"}
      }
    },
    "movedTo": {"type": "string"}
  }
}`

type webhookRepo struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	GitalyUID string `json:"gitalyUid,omitempty"`
}

type webhookPayload struct {
	Event   string      `json:"event"`
	Repo    webhookRepo `json:"repo"`
	MovedTo string      `json:"movedTo,omitempty"`
}

func (s *Server) webhookSchemaLoader() gojsonschema.JSONLoader {
	if s.cfg.API.WebhookSchemaPath != "" {
		if b, err := os.ReadFile(s.cfg.API.WebhookSchemaPath); err == nil {
			return gojsonschema.NewBytesLoader(b)
		}
		s.log.Warn("failed to read configured webhook schema, using built-in default",
			zap.String("path", s.cfg.API.WebhookSchemaPath))
	}
	return gojsonschema.NewStringLoader(defaultWebhookSchema)
}

// handleWebhook validates the inbound payload against the JSON Schema
// before decoding it into a typed struct, translates it into
// orchestrator.Event and runs OnHubEvent.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, dserrors.CodeInvalidParameter, "failed to read request body")
		return
	}

	result, err := gojsonschema.Validate(s.webhookSchemaLoader(), gojsonschema.NewBytesLoader(body))
	if err != nil || !result.Valid() {
		writeError(w, dserrors.CodeInvalidParameter, "payload does not match the webhook schema")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, dserrors.CodeInvalidParameter, "malformed webhook payload")
		return
	}
	if payload.Repo.Type != "dataset" {
		writeError(w, dserrors.CodeInvalidParameter, "repo.type must be dataset")
		return
	}

	kind, ok := webhookEventKind(payload.Event)
	if !ok {
		writeError(w, dserrors.CodeInvalidParameter, "unknown event "+payload.Event)
		return
	}
	if kind == orchestrator.EventMoved && payload.MovedTo == "" {
		writeError(w, dserrors.CodeInvalidParameter, "move event requires movedTo")
		return
	}

	ev := orchestrator.Event{Kind: kind, Dataset: payload.Repo.Name, MovedTo: payload.MovedTo}
	if err := s.orch.OnHubEvent(r.Context(), ev); err != nil {
		s.log.Error("webhook: OnHubEvent failed", zap.Error(err), zap.String("dataset", payload.Repo.Name))
		writeError(w, dserrors.CodeUnexpected, "failed to process hub event")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func webhookEventKind(event string) (orchestrator.EventKind, bool) {
	switch event {
	case "add":
		return orchestrator.EventCreated, true
	case "update":
		return orchestrator.EventUpdated, true
	case "move":
		return orchestrator.EventMoved, true
	case "remove":
		return orchestrator.EventDeleted, true
	default:
		return "", false
	}
}
