package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := New(rdb)
	if err != nil {
		t.Fatal(err)
	}
	return s, mr
}

func splitKey(dataset, config, split, revision string) artifact.Key {
	return artifact.New("split-first-rows", artifact.ScopeSplit, dataset, config, split, revision)
}

func TestUpsertThenGetRoundTrips(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	k := splitKey("squad", "default", "train", "rev1")

	err := s.Upsert(ctx, UpsertInput{
		Key:           k,
		Content:       []byte(`{"rows":[1,2,3]}`),
		Status:        StatusOK,
		Progress:      1.0,
		RunnerVersion: 4,
	})
	if err != nil {
		t.Fatal(err)
	}

	entry, err := s.Get(ctx, k)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != StatusOK || entry.RunnerVersion != 4 || string(entry.Content) != `{"rows":[1,2,3]}` {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestUpsertRejectsOlderVersionSameRevision(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	k := splitKey("squad", "default", "train", "rev1")

	if err := s.Upsert(ctx, UpsertInput{Key: k, Status: StatusOK, RunnerVersion: 5, Progress: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, UpsertInput{Key: k, Status: StatusOK, RunnerVersion: 3, Progress: 1}); err != nil {
		t.Fatal(err)
	}

	entry, err := s.Get(ctx, k)
	if err != nil {
		t.Fatal(err)
	}
	if entry.RunnerVersion != 5 {
		t.Fatalf("expected version 5 to win, got %d", entry.RunnerVersion)
	}
}

func TestUpsertAcceptsNewRevisionRegardlessOfVersion(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	k1 := splitKey("squad", "default", "train", "rev1")
	if err := s.Upsert(ctx, UpsertInput{Key: k1, Status: StatusOK, RunnerVersion: 9, Progress: 1}); err != nil {
		t.Fatal(err)
	}
	k2 := splitKey("squad", "default", "train", "rev2")
	if err := s.Upsert(ctx, UpsertInput{Key: k2, Status: StatusOK, RunnerVersion: 1, Progress: 1}); err != nil {
		t.Fatal(err)
	}
	entry, err := s.Get(ctx, k2)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Revision != "rev2" || entry.RunnerVersion != 1 {
		t.Fatalf("expected new revision to win outright, got %+v", entry)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	_, err := s.Get(context.Background(), splitKey("nope", "default", "train", "rev1"))
	if _, ok := err.(ErrNotFound); !ok {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBestPrefersFirstOKAmongKinds(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	dataset, config := "squad", "default"

	fromInfo := artifact.New("config-split-names-from-info", artifact.ScopeConfig, dataset, config, "", "rev1")
	fromStreaming := artifact.New("config-split-names-from-streaming", artifact.ScopeConfig, dataset, config, "", "rev1")

	if err := s.Upsert(ctx, UpsertInput{Key: fromStreaming, Status: StatusOK, Progress: 1, RunnerVersion: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, UpsertInput{Key: fromInfo, Status: StatusError, ErrorCode: dserrors.CodeUnexpected, Progress: 1, RunnerVersion: 1}); err != nil {
		t.Fatal(err)
	}

	cfg := config
	kind, h, err := s.Best(ctx, []string{"config-split-names-from-info", "config-split-names-from-streaming"}, dataset, &cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if kind != "config-split-names-from-streaming" || h.Status != StatusOK {
		t.Fatalf("expected streaming OK entry preferred, got kind=%s status=%s", kind, h.Status)
	}
}

func TestBestFallsBackToLastAnyWhenNoneOK(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	dataset, config := "squad", "default"
	cfg := config

	fromInfo := artifact.New("config-split-names-from-info", artifact.ScopeConfig, dataset, config, "", "rev1")
	fromStreaming := artifact.New("config-split-names-from-streaming", artifact.ScopeConfig, dataset, config, "", "rev1")
	if err := s.Upsert(ctx, UpsertInput{Key: fromInfo, Status: StatusError, Progress: 1, RunnerVersion: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, UpsertInput{Key: fromStreaming, Status: StatusError, Progress: 1, RunnerVersion: 1}); err != nil {
		t.Fatal(err)
	}

	kind, h, err := s.Best(ctx, []string{"config-split-names-from-info", "config-split-names-from-streaming"}, dataset, &cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if kind != "config-split-names-from-streaming" || h.Status != StatusError {
		t.Fatalf("expected last-any fallback to streaming error entry, got kind=%s status=%s", kind, h.Status)
	}
}

func TestBestReturnsSyntheticNotFoundWhenNoneExist(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	cfg := "default"
	kind, h, err := s.Best(context.Background(), []string{"config-info"}, "squad", &cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if kind != "config-info" || h.Exists {
		t.Fatalf("expected synthetic not-found header, got %+v", h)
	}
}

func TestDeleteByDatasetRemovesAllEntries(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	k := splitKey("squad", "default", "train", "rev1")
	if err := s.Upsert(ctx, UpsertInput{Key: k, Status: StatusOK, Progress: 1, RunnerVersion: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteByDataset(ctx, "squad"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, k); err == nil {
		t.Fatal("expected entry to be gone after DeleteByDataset")
	}
}

func TestCountsByStatusReflectsUpserts(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	ok := splitKey("squad", "default", "train", "rev1")
	bad := splitKey("squad", "default", "validation", "rev1")
	if err := s.Upsert(ctx, UpsertInput{Key: ok, Status: StatusOK, Progress: 1, RunnerVersion: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, UpsertInput{Key: bad, Status: StatusError, Progress: 1, RunnerVersion: 1}); err != nil {
		t.Fatal(err)
	}
	report, err := s.CountsByStatus(ctx, []string{"split-first-rows"})
	if err != nil {
		t.Fatal(err)
	}
	if report["split-first-rows"][StatusOK] != 1 || report["split-first-rows"][StatusError] != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}
