package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/huggingface/datasets-server/internal/cache"
	"github.com/huggingface/datasets-server/internal/datasetstate"
	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/huggingface/datasets-server/internal/hub"
	"github.com/huggingface/datasets-server/internal/pipeline"
	"github.com/huggingface/datasets-server/internal/planner"
	"github.com/huggingface/datasets-server/internal/queuestore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *cache.Store, *queuestore.Store, *hub.Fake, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.New(rdb)
	if err != nil {
		t.Fatal(err)
	}
	q := queuestore.New(rdb, 0)
	g, err := pipeline.Graph()
	if err != nil {
		t.Fatal(err)
	}
	reader := datasetstate.NewReader(c, q, g)
	p := planner.New(reader, q, g)
	fakeHub := hub.NewFake()
	o := New(fakeHub, c, q, p, zap.NewNop())
	return o, c, q, fakeHub, mr
}

func TestOnHubEventDeletedRemovesCacheAndJobs(t *testing.T) {
	o, c, q, fakeHub, mr := newTestOrchestrator(t)
	defer mr.Close()
	ctx := context.Background()
	fakeHub.Revisions["squad"] = "rev1"

	k := artifact.New(pipeline.DatasetConfigNames, artifact.ScopeDataset, "squad", "", "", "rev1")
	if err := c.Upsert(ctx, cache.UpsertInput{Key: k, Status: cache.StatusOK, Progress: 1, RunnerVersion: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Upsert(ctx, k, queuestore.PriorityNormal, 20, "", ""); err != nil {
		t.Fatal(err)
	}

	if err := o.OnHubEvent(ctx, Event{Kind: EventDeleted, Dataset: "squad"}); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Get(ctx, k); err == nil {
		t.Fatal("expected cache entry removed after delete event")
	}
	inProcess, err := q.HasJobForKey(ctx, k)
	if err != nil {
		t.Fatal(err)
	}
	if inProcess {
		t.Fatal("expected job cancelled after delete event")
	}
}

func TestOnHubEventCreatedUpsertsRootJobWhenNoCacheYet(t *testing.T) {
	o, _, q, fakeHub, mr := newTestOrchestrator(t)
	defer mr.Close()
	ctx := context.Background()
	fakeHub.Revisions["squad"] = "rev1"

	if err := o.OnHubEvent(ctx, Event{Kind: EventCreated, Dataset: "squad"}); err != nil {
		t.Fatal(err)
	}

	k := artifact.New(pipeline.DatasetConfigNames, artifact.ScopeDataset, "squad", "", "", "rev1")
	inProcess, err := q.HasJobForKey(ctx, k)
	if err != nil {
		t.Fatal(err)
	}
	if !inProcess {
		t.Fatal("expected root job upserted for a dataset with no prior cache entry")
	}
}

func TestOnApiReadReturnsReadyWhenFreshAndSuccessful(t *testing.T) {
	o, c, _, fakeHub, mr := newTestOrchestrator(t)
	defer mr.Close()
	ctx := context.Background()
	fakeHub.Revisions["squad"] = "rev1"

	content, _ := json.Marshal([]string{"default"})
	k := artifact.New(pipeline.DatasetConfigNames, artifact.ScopeDataset, "squad", "", "", "rev1")
	if err := c.Upsert(ctx, cache.UpsertInput{Key: k, Content: content, Status: cache.StatusOK, Progress: 1, RunnerVersion: 1}); err != nil {
		t.Fatal(err)
	}

	result, err := o.OnApiRead(ctx, "squad", []string{pipeline.DatasetConfigNames}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != ReadReady {
		t.Fatalf("expected ReadReady, got %v", result.Outcome)
	}
}

func TestOnApiReadReturnsNotFoundForUnsupportedDataset(t *testing.T) {
	o, _, _, _, mr := newTestOrchestrator(t)
	defer mr.Close()
	ctx := context.Background()

	result, err := o.OnApiRead(ctx, "ghost", []string{pipeline.DatasetConfigNames}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != ReadNotFound {
		t.Fatalf("expected ReadNotFound, got %v", result.Outcome)
	}
}

func TestOnApiReadPlansBackfillAndReturnsNotReadyForColdSupportedDataset(t *testing.T) {
	o, _, q, fakeHub, mr := newTestOrchestrator(t)
	defer mr.Close()
	ctx := context.Background()
	fakeHub.Revisions["squad"] = "rev1"

	result, err := o.OnApiRead(ctx, "squad", []string{pipeline.DatasetConfigNames}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != ReadNotReady {
		t.Fatalf("expected ReadNotReady, got %v", result.Outcome)
	}

	k := artifact.New(pipeline.DatasetConfigNames, artifact.ScopeDataset, "squad", "", "", "rev1")
	inProcess, err := q.HasJobForKey(ctx, k)
	if err != nil {
		t.Fatal(err)
	}
	if !inProcess {
		t.Fatal("expected a backfill job planned for the cold supported dataset")
	}
}

func TestOnApiReadReturnsCachedErrorWhenNoJobPending(t *testing.T) {
	o, c, _, fakeHub, mr := newTestOrchestrator(t)
	defer mr.Close()
	ctx := context.Background()
	fakeHub.Revisions["squad"] = "rev2"

	k := artifact.New(pipeline.DatasetConfigNames, artifact.ScopeDataset, "squad", "", "", "rev1")
	if err := c.Upsert(ctx, cache.UpsertInput{Key: k, Status: cache.StatusError, ErrorCode: dserrors.CodeDatasetNotFound, Progress: 1, RunnerVersion: 1}); err != nil {
		t.Fatal(err)
	}

	result, err := o.OnApiRead(ctx, "squad", []string{pipeline.DatasetConfigNames}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != ReadCachedError {
		t.Fatalf("expected ReadCachedError, got %v", result.Outcome)
	}
	if result.Entry.ErrorCode != dserrors.CodeDatasetNotFound {
		t.Fatalf("expected cached error code preserved, got %v", result.Entry.ErrorCode)
	}
}

func TestTickPlansBackfillAcrossSample(t *testing.T) {
	o, _, q, fakeHub, mr := newTestOrchestrator(t)
	defer mr.Close()
	ctx := context.Background()
	fakeHub.Revisions["a"] = "rev1"
	fakeHub.Revisions["b"] = "rev1"

	planned, err := o.Tick(ctx, []DatasetSample{{Dataset: "a", Revision: "rev1"}, {Dataset: "b", Revision: "rev1"}})
	if err != nil {
		t.Fatal(err)
	}
	if planned == 0 {
		t.Fatal("expected tick to plan at least one task across the sample")
	}

	counts, err := q.CountsByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[queuestore.StatusWaiting] != int64(planned) {
		t.Fatalf("expected %d waiting jobs, got %d", planned, counts[queuestore.StatusWaiting])
	}
}
