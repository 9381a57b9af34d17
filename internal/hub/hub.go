// Copyright 2025 James Ross
// Package hub is the external collaborator spec.md §1 puts out of
// scope: it answers "what revision is dataset at" and "is dataset
// supported" questions the orchestrator needs, over HTTP, behind a
// circuit breaker the caller owns.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/huggingface/datasets-server/internal/config"
)

// Client is the interface the orchestrator depends on. A real HTTP
// implementation and a fake for tests both satisfy it.
type Client interface {
	// Revision returns the current git revision for dataset's default
	// branch, or ErrNotFound/ErrUnauthenticated.
	Revision(ctx context.Context, dataset string) (string, error)
	// Supported reports whether dataset exists and is not blocked.
	Supported(ctx context.Context, dataset string) (bool, error)
}

var ErrNotFound = fmt.Errorf("hub: dataset not found")
var ErrUnauthenticated = fmt.Errorf("hub: unauthenticated")

// HTTPClient is the production Client, talking to the configured hub
// endpoint.
type HTTPClient struct {
	endpoint string
	token    string
	http     *http.Client
}

func NewHTTPClient(cfg config.Hub) *HTTPClient {
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

type revisionResponse struct {
	SHA string `json:"sha"`
}

func (c *HTTPClient) Revision(ctx context.Context, dataset string) (string, error) {
	url := fmt.Sprintf("%s/api/datasets/%s", c.endpoint, dataset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("hub: build revision request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("hub: revision request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return "", ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", ErrUnauthenticated
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("hub: revision request: unexpected status %d", resp.StatusCode)
	}

	var body revisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("hub: decode revision response: %w", err)
	}
	return body.SHA, nil
}

func (c *HTTPClient) Supported(ctx context.Context, dataset string) (bool, error) {
	_, err := c.Revision(ctx, dataset)
	switch {
	case err == nil:
		return true, nil
	case err == ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// Memo wraps a Client with a short, bounded TTL cache for Revision
// lookups, per spec.md §5's "in-process caches must be bounded and
// TTL'd (a few seconds) and must never mask a revision change longer
// than the TTL."
type Memo struct {
	inner Client
	ttl   time.Duration

	mu      chan struct{}
	entries map[string]memoEntry
}

type memoEntry struct {
	revision string
	expires  time.Time
}

func NewMemo(inner Client, ttl time.Duration) *Memo {
	return &Memo{inner: inner, ttl: ttl, mu: make(chan struct{}, 1), entries: map[string]memoEntry{}}
}

func (m *Memo) lock()   { m.mu <- struct{}{} }
func (m *Memo) unlock() { <-m.mu }

func (m *Memo) Revision(ctx context.Context, dataset string) (string, error) {
	m.lock()
	if e, ok := m.entries[dataset]; ok && time.Now().Before(e.expires) {
		m.unlock()
		return e.revision, nil
	}
	m.unlock()

	rev, err := m.inner.Revision(ctx, dataset)
	if err != nil {
		return "", err
	}

	m.lock()
	m.entries[dataset] = memoEntry{revision: rev, expires: time.Now().Add(m.ttl)}
	m.unlock()
	return rev, nil
}

func (m *Memo) Supported(ctx context.Context, dataset string) (bool, error) {
	return m.inner.Supported(ctx, dataset)
}
