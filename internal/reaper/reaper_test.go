package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/huggingface/datasets-server/internal/config"
	"github.com/huggingface/datasets-server/internal/queuestore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestReaperRequeuesJobWithoutHeartbeat(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Queue.ZombieMaxSilence = time.Minute
	cfg.Queue.ZombieMaxRetries = 3

	q := queuestore.New(rdb, 0)
	log := zap.NewNop()
	rep := New(cfg, q, log)

	ctx := context.Background()
	k := artifact.New("dataset-config-names", artifact.ScopeDataset, "squad", "", "", "rev1")
	jobID, err := q.Upsert(ctx, k, queuestore.PriorityNormal, 20, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.StartOne(ctx, "w1", 100, nil, 0); err != nil {
		t.Fatal(err)
	}

	// Backdate the lease's heartbeat by rewriting it directly, simulating a
	// worker that has gone silent well past ZombieMaxSilence.
	stale := time.Now().UTC().Add(-2 * time.Minute).Format(time.RFC3339Nano)
	if err := rdb.HSet(ctx, "ds:queue:job:"+jobID, "last_heartbeat_at", stale).Err(); err != nil {
		t.Fatal(err)
	}

	rep.scanOnce(ctx)

	job, err := q.Get(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != queuestore.StatusWaiting {
		t.Fatalf("expected job returned to WAITING, got %s", job.Status)
	}
	if job.Retries != 1 {
		t.Fatalf("expected retries incremented to 1, got %d", job.Retries)
	}
}
