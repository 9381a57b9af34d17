package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/huggingface/datasets-server/internal/config"
)

func TestHTTPClientRevisionSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("expected bearer token forwarded, got %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"sha":"abc123"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(config.Hub{Endpoint: srv.URL, Token: "tok", Timeout: time.Second})
	rev, err := c.Revision(context.Background(), "squad")
	if err != nil {
		t.Fatal(err)
	}
	if rev != "abc123" {
		t.Fatalf("expected abc123, got %s", rev)
	}
}

func TestHTTPClientRevisionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(config.Hub{Endpoint: srv.URL, Timeout: time.Second})
	_, err := c.Revision(context.Background(), "ghost")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHTTPClientSupportedFalseOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(config.Hub{Endpoint: srv.URL, Timeout: time.Second})
	ok, err := c.Supported(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected unsupported")
	}
}

func TestMemoCachesWithinTTL(t *testing.T) {
	calls := 0
	fake := &countingClient{onRevision: func() (string, error) { calls++; return "rev1", nil }}
	m := NewMemo(fake, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		rev, err := m.Revision(context.Background(), "squad")
		if err != nil {
			t.Fatal(err)
		}
		if rev != "rev1" {
			t.Fatalf("unexpected revision %s", rev)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 underlying call within TTL, got %d", calls)
	}
}

func TestMemoExpiresAfterTTL(t *testing.T) {
	calls := 0
	fake := &countingClient{onRevision: func() (string, error) { calls++; return "rev1", nil }}
	m := NewMemo(fake, 10*time.Millisecond)

	if _, err := m.Revision(context.Background(), "squad"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := m.Revision(context.Background(), "squad"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected cache to expire after TTL, got %d calls", calls)
	}
}

type countingClient struct {
	onRevision func() (string, error)
}

func (c *countingClient) Revision(context.Context, string) (string, error) { return c.onRevision() }
func (c *countingClient) Supported(context.Context, string) (bool, error)  { return true, nil }
