// Copyright 2025 James Ross
// Package eventbus publishes a fire-and-forget notification each time a
// worker commits a successful dataset-hub-cache entry, adapted from the teacher's
// NATSPublisher in internal/event-hooks onto a single "dataset updated"
// subject instead of a full job-lifecycle hook system.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/huggingface/datasets-server/internal/config"
	"github.com/huggingface/datasets-server/internal/obs"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event describes a dataset that reached a new cached state.
type Event struct {
	Dataset   string    `json:"dataset"`
	Revision  string    `json:"revision"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes Events to a NATS subject. A disabled or unconfigured
// Publisher is a harmless no-op, so callers can construct one unconditionally
// and call Publish without checking cfg.EventBus.Enabled themselves.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

// New connects to NATS when cfg.EventBus.Enabled is set. It returns a
// non-nil, inert Publisher (Publish is then a no-op) when the bus is
// disabled, so callers never need a nil check.
func New(cfg *config.Config, log *zap.Logger) (*Publisher, error) {
	if !cfg.EventBus.Enabled {
		return &Publisher{log: log}, nil
	}
	conn, err := nats.Connect(cfg.EventBus.URL, nats.Name("datasets-server"))
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}
	return &Publisher{conn: conn, subject: cfg.EventBus.Subject, log: log}, nil
}

// Publish sends ev on the configured subject. Failures are logged and
// swallowed: a dropped notification must never fail the worker's commit.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p.conn == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("eventbus: marshal failed", obs.Err(err))
		return
	}
	msg := &nats.Msg{
		Subject: p.subject,
		Data:    payload,
		Header: nats.Header{
			"Content-Type": []string{"application/json"},
			"Dataset":      []string{ev.Dataset},
		},
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		p.log.Warn("eventbus: publish failed", obs.String("subject", p.subject), obs.Err(err))
	}
}

// Close closes the underlying connection, if any.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
