package queuestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, 7*24*time.Hour), mr
}

func key(dataset string) artifact.Key {
	return artifact.New("split-first-rows", artifact.ScopeSplit, dataset, "default", "train", "rev1")
}

func TestUpsertIsIdempotentForSameKey(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	k := key("squad")

	id1, err := s.Upsert(ctx, k, PriorityNormal, 50, "", "")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.Upsert(ctx, k, PriorityNormal, 50, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected idempotent upsert to return same job id, got %s and %s", id1, id2)
	}
}

func TestUpsertRaisesButNeverLowersPriority(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	k := key("squad")

	id, err := s.Upsert(ctx, k, PriorityLow, 50, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(ctx, k, PriorityHigh, 50, "", ""); err != nil {
		t.Fatal(err)
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Priority != PriorityHigh {
		t.Fatalf("expected priority raised to HIGH, got %s", job.Priority)
	}

	if _, err := s.Upsert(ctx, k, PriorityLow, 50, "", ""); err != nil {
		t.Fatal(err)
	}
	job, err = s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Priority != PriorityHigh {
		t.Fatalf("expected priority to stay HIGH, got %s", job.Priority)
	}
}

func TestStartOneLeasesHighestPriorityOldestFirst(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	if _, err := s.Upsert(ctx, key("a"), PriorityNormal, 50, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(ctx, key("b"), PriorityHigh, 50, "", ""); err != nil {
		t.Fatal(err)
	}

	job, err := s.StartOne(ctx, "worker-1", 20, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if job.Dataset != "b" || job.Status != StatusStarted || job.OwnerID != "worker-1" {
		t.Fatalf("expected HIGH priority job b leased first, got %+v", job)
	}
}

func TestStartOneReturnsEmptyWhenNothingWaiting(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	_, err := s.StartOne(context.Background(), "worker-1", 20, nil, 0)
	if err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestStartOneEnforcesFairnessCeiling(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	if _, err := s.Upsert(ctx, key("squad"), PriorityNormal, 50, "", ""); err != nil {
		t.Fatal(err)
	}
	job1, err := s.StartOne(ctx, "worker-1", 1, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if job1.Dataset != "squad" {
		t.Fatalf("expected squad leased, got %+v", job1)
	}

	k2 := artifact.New("split-first-rows", artifact.ScopeSplit, "squad", "default", "validation", "rev1")
	if _, err := s.Upsert(ctx, k2, PriorityNormal, 50, "", ""); err != nil {
		t.Fatal(err)
	}
	_, err = s.StartOne(ctx, "worker-2", 1, nil, 0)
	if err != ErrEmpty {
		t.Fatalf("expected fairness cap of 1 to block second lease, got %v", err)
	}
}

func TestHeartbeatRejectsWrongOwner(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	if _, err := s.Upsert(ctx, key("squad"), PriorityNormal, 50, "", ""); err != nil {
		t.Fatal(err)
	}
	job, err := s.StartOne(ctx, "worker-1", 20, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Heartbeat(ctx, job.JobID, "worker-2"); err != nil {
		t.Fatal(err)
	}
	refreshed, err := s.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if refreshed.LastHeartbeatAt == nil || !refreshed.LastHeartbeatAt.Equal(*job.LastHeartbeatAt) {
		t.Fatalf("expected heartbeat from a non-owner to leave last_heartbeat_at at its lease value %v, got %v", job.LastHeartbeatAt, refreshed.LastHeartbeatAt)
	}
}

func TestFinishRejectsOwnerMismatch(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	if _, err := s.Upsert(ctx, key("squad"), PriorityNormal, 50, "", ""); err != nil {
		t.Fatal(err)
	}
	job, err := s.StartOne(ctx, "worker-1", 20, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(ctx, job.JobID, "worker-wrong", StatusSuccess); err != nil {
		t.Fatal(err)
	}
	unchanged, err := s.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if unchanged.Status != StatusStarted {
		t.Fatalf("expected status unchanged by mismatched owner, got %s", unchanged.Status)
	}

	if err := s.Finish(ctx, job.JobID, "worker-1", StatusSuccess); err != nil {
		t.Fatal(err)
	}
	done, err := s.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", done.Status)
	}
}

func TestReclaimZombiesReturnsStaleJobToWaiting(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	if _, err := s.Upsert(ctx, key("squad"), PriorityNormal, 50, "", ""); err != nil {
		t.Fatal(err)
	}
	job, err := s.StartOne(ctx, "worker-1", 20, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.ReclaimZombies(ctx, time.Now().Add(time.Hour), time.Minute, 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job reclaimed, got %d", n)
	}
	reclaimed, err := s.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed.Status != StatusWaiting || reclaimed.Retries != 1 {
		t.Fatalf("expected job returned to WAITING with retries=1, got %+v", reclaimed)
	}
}

func TestReclaimZombiesFailsAsCrashedAfterMaxRetries(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	if _, err := s.Upsert(ctx, key("squad"), PriorityNormal, 50, "", ""); err != nil {
		t.Fatal(err)
	}
	job, err := s.StartOne(ctx, "worker-1", 20, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.rdb.HSet(ctx, jobKey(job.JobID), "retries", 3).Err(); err != nil {
		t.Fatal(err)
	}

	n, err := s.ReclaimZombies(ctx, time.Now().Add(time.Hour), time.Minute, 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job reclaimed, got %d", n)
	}
	failed, err := s.Get(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != StatusError {
		t.Fatalf("expected ERROR after exceeding max retries, got %s", failed.Status)
	}
}

func TestCancelByKeyRemovesWaitingJob(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	k := key("squad")
	id, err := s.Upsert(ctx, k, PriorityNormal, 50, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CancelByKey(ctx, k); err != nil {
		t.Fatal(err)
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", job.Status)
	}
}
