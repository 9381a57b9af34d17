// Copyright 2025 James Ross
// Package cache implements the cache store contract from spec.md §4.2:
// a durable mapping from artifact key to cache entry, backed by Redis
// hashes plus secondary index sets, with conditional-upsert enforced by
// a Lua script so concurrent writers for the same key never regress a
// newer job_runner_version (invariant 2).
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

// Status is the outcome recorded on a cache entry.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

// Entry is the durable record described in spec.md §3.1 "Cache entry".
type Entry struct {
	Kind           string
	Dataset        string
	Config         *string
	Split          *string
	Content        []byte
	Status         Status
	ErrorCode      dserrors.Code
	Details        map[string]any
	Progress       float64
	RunnerVersion  int
	Revision       string
	Attempts       int
	UpdatedAt      time.Time
}

// Header is Entry without the content blob — the "getWithoutContent"
// cheap variant spec.md §4.2 calls out for hot paths.
type Header struct {
	Kind          string
	Dataset       string
	Config        *string
	Split         *string
	Status        Status
	ErrorCode     dserrors.Code
	Progress      float64
	RunnerVersion int
	Revision      string
	Attempts      int
	UpdatedAt     time.Time
	Exists        bool
}

// ErrNotFound is returned by Get when no entry exists for the key.
type ErrNotFound struct{ Key artifact.Key }

func (e ErrNotFound) Error() string { return fmt.Sprintf("cache entry not found: %s", e.Key) }

// Store is the Redis-backed realization of spec.md §4.2.
type Store struct {
	rdb     *redis.Client
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	upsertScript *redis.Script
}

// New builds a cache Store around an existing Redis client.
func New(rdb *redis.Client) (*Store, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: build zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: build zstd decoder: %w", err)
	}
	return &Store{
		rdb:          rdb,
		encoder:      enc,
		decoder:      dec,
		upsertScript: upsertScript,
	}, nil
}

func hashKey(k artifact.Key) string {
	return fmt.Sprintf("ds:cache:%s:%s", k.Kind, k.Digest())
}

func datasetIndexKey(dataset string) string {
	return fmt.Sprintf("ds:cache:idx:dataset:%s", dataset)
}

func statusIndexKey(kind string, status Status) string {
	return fmt.Sprintf("ds:cache:idx:status:%s:%s", kind, status)
}

// upsertScript enforces invariant 2 (cache monotonicity within a
// revision): a write loses to the stored entry when the stored entry
// has the same revision and a runner_version greater than the
// incoming one: read current state, decide, write conditionally, all
// inside one atomic script so concurrent upserts never race.
var upsertScript = redis.NewScript(`
local key = KEYS[1]
local new_revision = ARGV[1]
local new_version = tonumber(ARGV[2])
local is_error = ARGV[3] == "1"

local cur_revision = redis.call('HGET', key, 'revision')
local cur_version = tonumber(redis.call('HGET', key, 'runner_version'))

if cur_revision == new_revision and cur_version ~= nil and cur_version > new_version then
	return 0
end

local cur_attempts = tonumber(redis.call('HGET', key, 'attempts')) or 0
local next_attempts = 0
if is_error then
	if cur_revision == new_revision then
		next_attempts = cur_attempts + 1
	else
		next_attempts = 1
	end
end

redis.call('HSET', key,
	'revision', new_revision,
	'runner_version', new_version,
	'attempts', next_attempts,
	'updated_at', ARGV[4],
	'status', ARGV[5],
	'error_code', ARGV[6],
	'progress', ARGV[7],
	'content', ARGV[8],
	'details', ARGV[9]
)
return 1
`)

// UpsertInput bundles the upsert parameters from spec.md §4.2.
type UpsertInput struct {
	Key           artifact.Key
	Content       []byte
	Status        Status
	ErrorCode     dserrors.Code
	Details       map[string]any
	Progress      float64
	RunnerVersion int
}

// Upsert replaces the entry for in.Key unless a newer runner_version
// already committed for the same revision (invariant 2). It compresses
// the content blob with zstd before storing it.
func (s *Store) Upsert(ctx context.Context, in UpsertInput) error {
	compressed, err := s.compress(in.Content)
	if err != nil {
		return fmt.Errorf("cache: compress content: %w", err)
	}
	detailsJSON, err := json.Marshal(in.Details)
	if err != nil {
		return fmt.Errorf("cache: marshal details: %w", err)
	}

	key := hashKey(in.Key)
	isError := "0"
	if in.Status == StatusError {
		isError = "1"
	}
	res, err := s.upsertScript.Run(ctx, s.rdb, []string{key},
		in.Key.Revision,
		in.RunnerVersion,
		isError,
		time.Now().UTC().Format(time.RFC3339Nano),
		string(in.Status),
		string(in.ErrorCode),
		in.Progress,
		compressed,
		string(detailsJSON),
	).Result()
	if err != nil {
		return fmt.Errorf("cache: run upsert script: %w", err)
	}
	if n, _ := res.(int64); n == 0 {
		return nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, datasetIndexKey(in.Key.Dataset), key)
	pipe.SAdd(ctx, statusIndexKey(in.Key.Kind, in.Status), key)
	if in.Status == StatusOK {
		pipe.SRem(ctx, statusIndexKey(in.Key.Kind, StatusError), key)
	} else {
		pipe.SRem(ctx, statusIndexKey(in.Key.Kind, StatusOK), key)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) compress(content []byte) (string, error) {
	var buf bytes.Buffer
	w := s.encoder
	w.Reset(&buf)
	if _, err := w.Write(content); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *Store) decompress(content string) ([]byte, error) {
	if content == "" {
		return nil, nil
	}
	r := s.decoder
	if err := r.Reset(bytes.NewReader([]byte(content))); err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// Get returns the full entry for k, or ErrNotFound.
func (s *Store) Get(ctx context.Context, k artifact.Key) (Entry, error) {
	m, err := s.rdb.HGetAll(ctx, hashKey(k)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("cache: get %s: %w", k, err)
	}
	if len(m) == 0 {
		return Entry{}, ErrNotFound{Key: k}
	}
	content, err := s.decompress(m["content"])
	if err != nil {
		return Entry{}, fmt.Errorf("cache: decompress %s: %w", k, err)
	}
	entry := Entry{
		Kind:    k.Kind,
		Dataset: k.Dataset,
		Config:  k.Config,
		Split:   k.Split,
		Content: content,
		Status:  Status(m["status"]),
		ErrorCode: dserrors.Code(m["error_code"]),
		Progress:  parseFloat(m["progress"]),
		RunnerVersion: parseInt(m["runner_version"]),
		Revision:      m["revision"],
		Attempts:      parseInt(m["attempts"]),
	}
	if t, err := time.Parse(time.RFC3339Nano, m["updated_at"]); err == nil {
		entry.UpdatedAt = t
	}
	if m["details"] != "" {
		_ = json.Unmarshal([]byte(m["details"]), &entry.Details)
	}
	return entry, nil
}

// GetWithoutContent is the cheap header variant spec.md §4.2 calls out
// for hot paths such as planning and fan-out.
func (s *Store) GetWithoutContent(ctx context.Context, k artifact.Key) (Header, error) {
	m, err := s.rdb.HMGet(ctx, hashKey(k), "status", "error_code", "progress", "runner_version", "revision", "attempts", "updated_at").Result()
	if err != nil {
		return Header{}, fmt.Errorf("cache: get header %s: %w", k, err)
	}
	if m[0] == nil {
		return Header{Kind: k.Kind, Dataset: k.Dataset, Config: k.Config, Split: k.Split}, nil
	}
	h := Header{
		Kind:    k.Kind,
		Dataset: k.Dataset,
		Config:  k.Config,
		Split:   k.Split,
		Exists:  true,
	}
	if v, ok := m[0].(string); ok {
		h.Status = Status(v)
	}
	if v, ok := m[1].(string); ok {
		h.ErrorCode = dserrors.Code(v)
	}
	if v, ok := m[2].(string); ok {
		h.Progress = parseFloat(v)
	}
	if v, ok := m[3].(string); ok {
		h.RunnerVersion = parseInt(v)
	}
	if v, ok := m[4].(string); ok {
		h.Revision = v
	}
	if v, ok := m[5].(string); ok {
		h.Attempts = parseInt(v)
	}
	if v, ok := m[6].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			h.UpdatedAt = t
		}
	}
	return h, nil
}

// Best implements the "preferred predecessor" rule from spec.md §4.2:
// among kinds (in caller order) return the first with status OK; if
// none succeeded, return the last with any entry; if none exist at
// all, return a synthetic not-found header for kinds[0].
func (s *Store) Best(ctx context.Context, kinds []string, dataset string, config, split *string) (string, Header, error) {
	if len(kinds) == 0 {
		return "", Header{}, fmt.Errorf("cache: Best called with no kinds")
	}
	var lastAny Header
	var lastAnyKind string
	haveAny := false
	for _, kind := range kinds {
		k := artifact.New(kind, scopeFor(config, split), dataset, derefOr(config, ""), derefOr(split, ""), "")
		h, err := s.GetWithoutContent(ctx, k)
		if err != nil {
			return "", Header{}, err
		}
		if !h.Exists {
			continue
		}
		if h.Status == StatusOK {
			return kind, h, nil
		}
		lastAny, lastAnyKind, haveAny = h, kind, true
	}
	if haveAny {
		return lastAnyKind, lastAny, nil
	}
	return kinds[0], Header{Kind: kinds[0], Dataset: dataset, Config: config, Split: split}, nil
}

func scopeFor(config, split *string) artifact.Scope {
	switch {
	case split != nil:
		return artifact.ScopeSplit
	case config != nil:
		return artifact.ScopeConfig
	default:
		return artifact.ScopeDataset
	}
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// DeleteByDataset removes every cache entry for dataset, used on hub
// deletion events.
func (s *Store) DeleteByDataset(ctx context.Context, dataset string) error {
	idx := datasetIndexKey(dataset)
	keys, err := s.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("cache: list dataset index %s: %w", dataset, err)
	}
	if len(keys) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, k)
	}
	pipe.Del(ctx, idx)
	_, err = pipe.Exec(ctx)
	return err
}

// Datasets returns every dataset with at least one cache entry, by
// scanning the ds:cache:idx:dataset:* index keys. The orchestrator's
// tick sampler uses this to find candidates for a Tick pass without
// needing its own dataset directory.
func (s *Store) Datasets(ctx context.Context) ([]string, error) {
	var datasets []string
	iter := s.rdb.Scan(ctx, 0, "ds:cache:idx:dataset:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		datasets = append(datasets, strings.TrimPrefix(key, "ds:cache:idx:dataset:"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache: scan dataset index: %w", err)
	}
	return datasets, nil
}

// Report is a per-kind/per-status count, supplementing spec.md's bare
// /metrics line the way original_source's cache_reports route does.
type Report map[string]map[Status]int64

// CountsByStatus scans the status index sets for the given kinds and
// returns a Report suitable for Prometheus gauges or log-only auditing
// from the orchestrator's tick().
func (s *Store) CountsByStatus(ctx context.Context, kinds []string) (Report, error) {
	report := make(Report, len(kinds))
	for _, kind := range kinds {
		report[kind] = map[Status]int64{}
		for _, status := range []Status{StatusOK, StatusError} {
			n, err := s.rdb.SCard(ctx, statusIndexKey(kind, status)).Result()
			if err != nil {
				return nil, fmt.Errorf("cache: count %s/%s: %w", kind, status, err)
			}
			report[kind][status] = n
		}
	}
	return report, nil
}

func parseFloat(s string) float64 {
	var f float64
	_, _ = fmt.Sscanf(s, "%g", &f)
	return f
}

func parseInt(s string) int {
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
