package eventbus

import (
	"context"
	"testing"

	"github.com/huggingface/datasets-server/internal/config"
	"go.uber.org/zap"
)

func TestDisabledPublisherIsNoOp(t *testing.T) {
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.EventBus.Enabled = false

	p, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if p.conn != nil {
		t.Fatal("expected a disabled publisher to hold no connection")
	}

	// Must not panic or block even though nothing is listening.
	p.Publish(context.Background(), Event{Dataset: "squad", Revision: "rev1", Step: "dataset-hub-cache", Status: "ok"})
	p.Close()
}

func TestEnabledPublisherFailsFastOnUnreachableURL(t *testing.T) {
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.EventBus.Enabled = true
	cfg.EventBus.URL = "nats://127.0.0.1:1"
	cfg.EventBus.Subject = "datasets.updated"

	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatal("expected connecting to an unreachable NATS URL to fail")
	}
}
