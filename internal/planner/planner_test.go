package planner

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/huggingface/datasets-server/internal/cache"
	"github.com/huggingface/datasets-server/internal/datasetstate"
	"github.com/huggingface/datasets-server/internal/pipeline"
	"github.com/huggingface/datasets-server/internal/queuestore"
	"github.com/redis/go-redis/v9"
)

func newTestPlanner(t *testing.T) (*Planner, *cache.Store, *queuestore.Store, *miniredis.Miniredis) {
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
	return New(reader, q, g), c, q, mr
}

func TestPlanBackfillEnqueuesRootStepForFreshDataset(t *testing.T) {
	p, _, q, mr := newTestPlanner(t)
	defer mr.Close()
	ctx := context.Background()

	result, err := p.PlanBackfill(ctx, "squad", "rev1", queuestore.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if result.TasksPlanned == 0 {
		t.Fatal("expected at least the root dataset-config-names task to be planned")
	}

	counts, err := q.CountsByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[queuestore.StatusWaiting] != int64(result.TasksPlanned) {
		t.Fatalf("expected %d waiting jobs, got %d", result.TasksPlanned, counts[queuestore.StatusWaiting])
	}
}

func TestPlanBackfillIsIdempotentWithNoWorkerProgress(t *testing.T) {
	p, _, q, mr := newTestPlanner(t)
	defer mr.Close()
	ctx := context.Background()

	first, err := p.PlanBackfill(ctx, "squad", "rev1", queuestore.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.PlanBackfill(ctx, "squad", "rev1", queuestore.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	if first.TasksPlanned != second.TasksPlanned {
		t.Fatalf("expected same task count across idempotent passes, got %d then %d", first.TasksPlanned, second.TasksPlanned)
	}

	counts, err := q.CountsByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[queuestore.StatusWaiting] != int64(first.TasksPlanned) {
		t.Fatalf("expected no duplicate jobs from second plan pass, got %d waiting for %d planned", counts[queuestore.StatusWaiting], first.TasksPlanned)
	}
}

func TestPlanBackfillSkipsFreshSuccessfulSteps(t *testing.T) {
	p, c, q, mr := newTestPlanner(t)
	defer mr.Close()
	ctx := context.Background()

	g, err := pipeline.Graph()
	if err != nil {
		t.Fatal(err)
	}
	step, err := g.Get(pipeline.DatasetConfigNames)
	if err != nil {
		t.Fatal(err)
	}

	k := artifact.New(pipeline.DatasetConfigNames, artifact.ScopeDataset, "squad", "", "", "rev1")
	if err := c.Upsert(ctx, cache.UpsertInput{
		Key:           k,
		Content:       []byte(`[]`),
		Status:        cache.StatusOK,
		Progress:      1,
		RunnerVersion: step.Version,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := p.PlanBackfill(ctx, "squad", "rev1", queuestore.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	inProcess, err := q.HasJobForKey(ctx, k)
	if err != nil {
		t.Fatal(err)
	}
	if inProcess {
		t.Fatal("expected fresh successful dataset-config-names to not be replanned")
	}
}
