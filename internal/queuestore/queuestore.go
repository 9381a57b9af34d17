// Copyright 2025 James Ross
// Package queuestore implements the queue store contract from spec.md
// §4.3: a durable priority queue with at-most-one-in-flight-per-key,
// backed by Redis sorted sets (priority+age ordering) and hashes for
// job records. The atomic lease (startOne) and the per-namespace
// fairness cap (invariant 6) are enforced by a single Lua script: read
// candidates, pick the oldest one whose namespace is under the cap
// (fewest STARTED jobs breaking equal-age ties), write its new state,
// all inside one round trip so two workers never lease the same job.
package queuestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/redis/go-redis/v9"
)

// Priority is the job priority ordering from spec.md §4.3: HIGH > NORMAL > LOW.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "LOW"
	}
}

// Status is a job record's lifecycle state (spec.md §3.1 "Job record").
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusStarted   Status = "STARTED"
	StatusSuccess   Status = "SUCCESS"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
	StatusSkipped   Status = "SKIPPED"
)

// Job is the durable job record.
type Job struct {
	JobID           string
	Kind            string
	Dataset         string
	Config          *string
	Split           *string
	Revision        string
	Priority        Priority
	Difficulty      int
	Status          Status
	CreatedAt       time.Time
	StartedAt       *time.Time
	LastHeartbeatAt *time.Time
	FinishedAt      *time.Time
	OwnerID         string
	Retries         int
	TraceID         string
	SpanID          string
}

// ErrEmpty is returned by StartOne when no eligible job is available.
var ErrEmpty = fmt.Errorf("queuestore: no eligible job")

// Store is the Redis-backed realization of spec.md §4.3.
type Store struct {
	rdb *redis.Client
	ttl time.Duration

	startOneScript *redis.Script
}

// New builds a queue Store. ttl is the ds:queue TTL index (spec.md §6.3,
// default 7 days) applied to terminal job records at finish time.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, startOneScript: startOneScript}
}

func jobKey(id string) string              { return fmt.Sprintf("ds:queue:job:%s", id) }
func byKeyIndex(kind, digest string) string { return fmt.Sprintf("ds:queue:bykey:%s:%s", kind, digest) }
func waitingZSet(priority Priority) string  { return fmt.Sprintf("ds:queue:waiting:%s", priority) }
func startedSet(namespace string) string    { return fmt.Sprintf("ds:queue:started:%s", namespace) }
func priorityOrder() []Priority             { return []Priority{PriorityHigh, PriorityNormal, PriorityLow} }

// Upsert inserts a WAITING job for the key unless a WAITING/STARTED job
// already exists for it (invariant 1, idempotent upsert). It never
// lowers an existing job's priority (spec.md §4.3).
func (s *Store) Upsert(ctx context.Context, k artifact.Key, priority Priority, difficulty int, traceID, spanID string) (string, error) {
	idx := byKeyIndex(k.Kind, k.Digest())
	existingID, err := s.rdb.Get(ctx, idx).Result()
	if err == nil && existingID != "" {
		existing, err := s.Get(ctx, existingID)
		if err == nil && (existing.Status == StatusWaiting || existing.Status == StatusStarted) {
			if priority > existing.Priority && existing.Status == StatusWaiting {
				if err := s.raisePriority(ctx, existing, priority); err != nil {
					return "", err
				}
			}
			return existing.JobID, nil
		}
	} else if err != nil && err != redis.Nil {
		return "", fmt.Errorf("queuestore: check existing job for %s: %w", k, err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	job := Job{
		JobID:      id,
		Kind:       k.Kind,
		Dataset:    k.Dataset,
		Config:     k.Config,
		Split:      k.Split,
		Revision:   k.Revision,
		Priority:   priority,
		Difficulty: difficulty,
		Status:     StatusWaiting,
		CreatedAt:  now,
		TraceID:    traceID,
		SpanID:     spanID,
	}

	pipe := s.rdb.TxPipeline()
	writeJobHash(pipe, ctx, job)
	pipe.Set(ctx, idx, id, 0)
	pipe.ZAdd(ctx, waitingZSet(priority), redis.Z{Score: float64(now.UnixNano()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queuestore: upsert %s: %w", k, err)
	}
	return id, nil
}

func (s *Store) raisePriority(ctx context.Context, job Job, newPriority Priority) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, waitingZSet(job.Priority), job.JobID)
	pipe.ZAdd(ctx, waitingZSet(newPriority), redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.JobID})
	pipe.HSet(ctx, jobKey(job.JobID), "priority", int(newPriority))
	_, err := pipe.Exec(ctx)
	return err
}

func writeJobHash(pipe redis.Pipeliner, ctx context.Context, job Job) {
	fields := map[string]any{
		"job_id":     job.JobID,
		"kind":       job.Kind,
		"dataset":    job.Dataset,
		"revision":   job.Revision,
		"priority":   int(job.Priority),
		"difficulty": job.Difficulty,
		"status":     string(job.Status),
		"created_at": job.CreatedAt.Format(time.RFC3339Nano),
		"retries":    job.Retries,
		"trace_id":   job.TraceID,
		"span_id":    job.SpanID,
	}
	if job.Config != nil {
		fields["config"] = *job.Config
	}
	if job.Split != nil {
		fields["split"] = *job.Split
	}
	pipe.HSet(ctx, jobKey(job.JobID), fields)
}

// startOneScript atomically selects and leases the best eligible WAITING
// job across a priority band, enforcing the fairness ceiling
// (maxJobsPerNamespace) from invariant 6. The script reads up to 200
// candidates from the priority set in created_at order and, per
// candidate, only its dataset (for the namespace's STARTED count). Kind
// and difficulty eligibility is not checked here: StartOne checks it in
// Go after the lease.
var startOneScript = redis.NewScript(`
local waiting_key = KEYS[1]
local job_prefix = 'ds:queue:job:'
local started_prefix = 'ds:queue:started:'
local now = ARGV[1]
local worker_id = ARGV[2]
local max_per_namespace = tonumber(ARGV[3])
local owner_key_suffix = ARGV[4]

local candidates = redis.call('ZRANGE', waiting_key, 0, 199, 'WITHSCORES')
if #candidates == 0 then
	return nil
end

local best_id = nil
local best_score = nil
local best_namespace_count = nil
for i = 1, #candidates, 2 do
	local id = candidates[i]
	local score = tonumber(candidates[i + 1])
	if best_score ~= nil and score > best_score then
		break
	end
	local jkey = job_prefix .. id
	local dataset = redis.call('HGET', jkey, 'dataset')
	if dataset then
		local ns = dataset
		local slash = string.find(dataset, '/')
		if slash then ns = string.sub(dataset, 1, slash - 1) end
		local started_count = redis.call('SCARD', started_prefix .. ns)
		if started_count < max_per_namespace then
			if best_namespace_count == nil or started_count < best_namespace_count then
				best_id = id
				best_score = score
				best_namespace_count = started_count
			end
		end
	end
end

if best_id == nil then
	return nil
end

local jkey = job_prefix .. best_id
local dataset = redis.call('HGET', jkey, 'dataset')
local ns = dataset
local slash = string.find(dataset, '/')
if slash then ns = string.sub(dataset, 1, slash - 1) end

redis.call('ZREM', waiting_key, best_id)
redis.call('SADD', started_prefix .. ns, best_id)
redis.call('HSET', jkey, 'status', 'STARTED', 'owner_id', worker_id, 'started_at', now, 'last_heartbeat_at', now)

return best_id
`)

// StartOne atomically leases the highest-priority eligible WAITING job,
// preferring HIGH over NORMAL over LOW, oldest created_at first within a
// priority band (guaranteed by the sorted set's score), subject to the
// per-namespace fairness cap. allowedKinds and maxDifficulty implement
// the difficulty-based worker eligibility supplement: pass nil/0 to
// accept any kind/difficulty.
func (s *Store) StartOne(ctx context.Context, workerID string, maxJobsPerNamespace int, allowedKinds map[string]bool, maxDifficulty int) (Job, error) {
	for _, p := range priorityOrder() {
		res, err := s.startOneScript.Run(ctx, s.rdb, []string{waitingZSet(p)},
			time.Now().UTC().Format(time.RFC3339Nano), workerID, maxJobsPerNamespace, "",
		).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return Job{}, fmt.Errorf("queuestore: start one at priority %s: %w", p, err)
		}
		id, ok := res.(string)
		if !ok || id == "" {
			continue
		}
		job, err := s.Get(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if !eligible(job, allowedKinds, maxDifficulty) {
			// Leased a job outside this worker's eligibility band: push
			// it back to WAITING for another worker and keep scanning.
			if err := s.requeueIneligible(ctx, job); err != nil {
				return Job{}, err
			}
			continue
		}
		return job, nil
	}
	return Job{}, ErrEmpty
}

func eligible(job Job, allowedKinds map[string]bool, maxDifficulty int) bool {
	if allowedKinds != nil && len(allowedKinds) > 0 && !allowedKinds[job.Kind] {
		return false
	}
	if maxDifficulty > 0 && job.Difficulty > maxDifficulty {
		return false
	}
	return true
}

func (s *Store) requeueIneligible(ctx context.Context, job Job) error {
	namespace := artifact.Namespace(job.Dataset)
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, startedSet(namespace), job.JobID)
	pipe.HSet(ctx, jobKey(job.JobID), "status", string(StatusWaiting))
	pipe.HDel(ctx, jobKey(job.JobID), "owner_id", "started_at", "last_heartbeat_at")
	pipe.ZAdd(ctx, waitingZSet(job.Priority), redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.JobID})
	_, err := pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes last_heartbeat_at only if the caller still owns
// the lease and the job is still STARTED.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OwnerID != workerID || job.Status != StatusStarted {
		return nil
	}
	return s.rdb.HSet(ctx, jobKey(jobID), "last_heartbeat_at", time.Now().UTC().Format(time.RFC3339Nano)).Err()
}

// Finish transitions a STARTED job to a final status, rejecting on
// owner mismatch (lease safety, spec.md §8). It also removes the job
// from the per-namespace started set and the by-key index, and applies
// the TTL index (spec.md §6.3) to the terminal record.
func (s *Store) Finish(ctx context.Context, jobID, workerID string, final Status) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OwnerID != workerID || job.Status != StatusStarted {
		return nil
	}
	namespace := artifact.Namespace(job.Dataset)
	now := time.Now().UTC()
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, startedSet(namespace), jobID)
	pipe.Del(ctx, byKeyIndex(job.Kind, artifact.New(job.Kind, scopeFor(job), job.Dataset, derefOr(job.Config), derefOr(job.Split), job.Revision).Digest()))
	pipe.HSet(ctx, jobKey(jobID), "status", string(final), "finished_at", now.Format(time.RFC3339Nano))
	if s.ttl > 0 {
		pipe.Expire(ctx, jobKey(jobID), s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func scopeFor(job Job) artifact.Scope {
	switch {
	case job.Split != nil:
		return artifact.ScopeSplit
	case job.Config != nil:
		return artifact.ScopeConfig
	default:
		return artifact.ScopeDataset
	}
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ReclaimZombies scans STARTED jobs with no heartbeat within maxSilence
// and returns them to WAITING, or to ERROR with JobRunnerCrashedError
// once retried more than maxRetries times (spec.md §4.3, §5).
func (s *Store) ReclaimZombies(ctx context.Context, now time.Time, maxSilence time.Duration, maxRetries int) (int, error) {
	reclaimed := 0
	namespaces, err := s.allStartedNamespaces(ctx)
	if err != nil {
		return 0, err
	}
	for _, ns := range namespaces {
		ids, err := s.rdb.SMembers(ctx, startedSet(ns)).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("queuestore: list started in %s: %w", ns, err)
		}
		for _, id := range ids {
			job, err := s.Get(ctx, id)
			if err != nil {
				continue
			}
			if job.LastHeartbeatAt == nil || now.Sub(*job.LastHeartbeatAt) <= maxSilence {
				continue
			}
			if job.Retries >= maxRetries {
				if err := s.failAsCrashed(ctx, job); err != nil {
					return reclaimed, err
				}
			} else {
				if err := s.returnToWaiting(ctx, job); err != nil {
					return reclaimed, err
				}
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *Store) allStartedNamespaces(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.Keys(ctx, "ds:queue:started:*").Result()
	if err != nil {
		return nil, err
	}
	namespaces := make([]string, 0, len(keys))
	for _, k := range keys {
		namespaces = append(namespaces, k[len("ds:queue:started:"):])
	}
	return namespaces, nil
}

func (s *Store) returnToWaiting(ctx context.Context, job Job) error {
	namespace := artifact.Namespace(job.Dataset)
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, startedSet(namespace), job.JobID)
	pipe.HSet(ctx, jobKey(job.JobID), "status", string(StatusWaiting), "retries", job.Retries+1)
	pipe.HDel(ctx, jobKey(job.JobID), "owner_id", "started_at", "last_heartbeat_at")
	pipe.ZAdd(ctx, waitingZSet(job.Priority), redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.JobID})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) failAsCrashed(ctx context.Context, job Job) error {
	namespace := artifact.Namespace(job.Dataset)
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, startedSet(namespace), job.JobID)
	pipe.Del(ctx, byKeyIndex(job.Kind, artifact.New(job.Kind, scopeFor(job), job.Dataset, derefOr(job.Config), derefOr(job.Split), job.Revision).Digest()))
	pipe.HSet(ctx, jobKey(job.JobID), "status", string(StatusError), "error_code", string(dserrors.CodeJobRunnerCrashedError), "finished_at", time.Now().UTC().Format(time.RFC3339Nano))
	if s.ttl > 0 {
		pipe.Expire(ctx, jobKey(job.JobID), s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// CancelByKey cancels any WAITING/STARTED job for the key, used when a
// dataset is deleted from the hub.
func (s *Store) CancelByKey(ctx context.Context, k artifact.Key) error {
	idx := byKeyIndex(k.Kind, k.Digest())
	id, err := s.rdb.Get(ctx, idx).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queuestore: lookup by-key index for %s: %w", k, err)
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil
	}
	if job.Status != StatusWaiting && job.Status != StatusStarted {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	if job.Status == StatusWaiting {
		pipe.ZRem(ctx, waitingZSet(job.Priority), job.JobID)
	} else {
		pipe.SRem(ctx, startedSet(artifact.Namespace(job.Dataset)), job.JobID)
	}
	pipe.Del(ctx, idx)
	pipe.HSet(ctx, jobKey(job.JobID), "status", string(StatusCancelled), "finished_at", time.Now().UTC().Format(time.RFC3339Nano))
	if s.ttl > 0 {
		pipe.Expire(ctx, jobKey(job.JobID), s.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// HasJobForKey reports whether a WAITING or STARTED job is currently
// tracked for k, without reading the job record itself. datasetstate
// uses this to fill in a StepState's job_state without ever mutating
// the queue.
func (s *Store) HasJobForKey(ctx context.Context, k artifact.Key) (bool, error) {
	n, err := s.rdb.Exists(ctx, byKeyIndex(k.Kind, k.Digest())).Result()
	if err != nil {
		return false, fmt.Errorf("queuestore: check by-key index for %s: %w", k, err)
	}
	return n > 0, nil
}

// CountsByStatus is a metrics source (spec.md §4.3).
func (s *Store) CountsByStatus(ctx context.Context) (map[Status]int64, error) {
	counts := map[Status]int64{}
	for _, p := range priorityOrder() {
		n, err := s.rdb.ZCard(ctx, waitingZSet(p)).Result()
		if err != nil {
			return nil, err
		}
		counts[StatusWaiting] += n
	}
	namespaces, err := s.allStartedNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, ns := range namespaces {
		n, err := s.rdb.SCard(ctx, startedSet(ns)).Result()
		if err != nil {
			return nil, err
		}
		counts[StatusStarted] += n
	}
	return counts, nil
}

// Depth returns the number of WAITING jobs whose kind equals step,
// feeding obs.StartQueueDepthUpdater without coupling obs to this
// package.
func (s *Store) Depth(ctx context.Context, step string) (int64, error) {
	var total int64
	for _, p := range priorityOrder() {
		ids, err := s.rdb.ZRange(ctx, waitingZSet(p), 0, -1).Result()
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			kind, err := s.rdb.HGet(ctx, jobKey(id), "kind").Result()
			if err == nil && kind == step {
				total++
			}
		}
	}
	return total, nil
}

// Get reads a job record by id.
func (s *Store) Get(ctx context.Context, jobID string) (Job, error) {
	m, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("queuestore: get %s: %w", jobID, err)
	}
	if len(m) == 0 {
		return Job{}, fmt.Errorf("queuestore: job %s not found", jobID)
	}
	job := Job{
		JobID:    jobID,
		Kind:     m["kind"],
		Dataset:  m["dataset"],
		Revision: m["revision"],
		Status:   Status(m["status"]),
		OwnerID:  m["owner_id"],
		TraceID:  m["trace_id"],
		SpanID:   m["span_id"],
	}
	if v, ok := m["config"]; ok {
		job.Config = &v
	}
	if v, ok := m["split"]; ok {
		job.Split = &v
	}
	if v := m["priority"]; v != "" {
		job.Priority = Priority(parseInt(v))
	}
	if v := m["difficulty"]; v != "" {
		job.Difficulty = parseInt(v)
	}
	if v := m["retries"]; v != "" {
		job.Retries = parseInt(v)
	}
	if v := m["created_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := m["started_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.StartedAt = &t
		}
	}
	if v := m["last_heartbeat_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.LastHeartbeatAt = &t
		}
	}
	if v := m["finished_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.FinishedAt = &t
		}
	}
	return job, nil
}

func parseInt(s string) int {
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
