// Copyright 2025 James Ross
// Package worker implements spec.md §4.7's worker loop: lease, skip
// decision, invoke step, commit, fan-out, heartbeat — adapted from the
// teacher's goroutine-per-worker pool onto this domain's queuestore,
// cache and step runtime.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/huggingface/datasets-server/internal/breaker"
	"github.com/huggingface/datasets-server/internal/cache"
	"github.com/huggingface/datasets-server/internal/config"
	"github.com/huggingface/datasets-server/internal/datasetstate"
	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/huggingface/datasets-server/internal/eventbus"
	"github.com/huggingface/datasets-server/internal/graph"
	"github.com/huggingface/datasets-server/internal/hub"
	"github.com/huggingface/datasets-server/internal/obs"
	"github.com/huggingface/datasets-server/internal/pipeline"
	"github.com/huggingface/datasets-server/internal/queuestore"
	"github.com/huggingface/datasets-server/internal/steps"
	"go.uber.org/zap"
)

// Worker runs a pool of concurrent step-execution loops against one
// queue/cache pair.
type Worker struct {
	cfg      *config.Config
	cache    *cache.Store
	queue    *queuestore.Store
	graph    *graph.Graph
	registry *steps.Registry
	runtime  *steps.Runtime
	reader   *datasetstate.Reader
	hub      hub.Client
	cb       *breaker.CircuitBreaker
	events   *eventbus.Publisher
	log      *zap.Logger
	baseID   string
}

func New(cfg *config.Config, c *cache.Store, q *queuestore.Store, g *graph.Graph, registry *steps.Registry, reader *datasetstate.Reader, h hub.Client, events *eventbus.Publisher, log *zap.Logger) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	cb.SetOnStateChange(func(from, to breaker.State) {
		obs.CircuitBreakerState.Set(float64(to))
		if to == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
		log.Warn("hub circuit breaker transitioned", obs.String("from", from.String()), obs.String("to", to.String()))
	})
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Worker{
		cfg:      cfg,
		cache:    c,
		queue:    q,
		graph:    g,
		registry: registry,
		runtime:  steps.NewRuntime(cfg.Worker.ContentMaxBytes),
		reader:   reader,
		hub:      h,
		cb:       cb,
		events:   events,
		log:      log,
		baseID:   base,
	}
}

// Run starts cfg.Worker.PoolSize concurrent worker loops and blocks
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.PoolSize; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", w.baseID, i)
		go func() {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			w.runOne(ctx, workerID)
		}()
	}
	wg.Wait()
	return nil
}

func (w *Worker) runOne(ctx context.Context, workerID string) {
	backoff := w.cfg.Worker.PollEmptyBackoffBase
	for ctx.Err() == nil {
		job, err := w.queue.StartOne(ctx, workerID, w.cfg.Queue.MaxJobsPerNamespace, nil, w.cfg.Worker.DifficultyMax)
		if err == queuestore.ErrEmpty {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > w.cfg.Worker.PollEmptyBackoffMax {
				backoff = w.cfg.Worker.PollEmptyBackoffMax
			}
			continue
		}
		if err != nil {
			w.log.Warn("worker: lease failed", obs.Err(err))
			time.Sleep(w.cfg.Worker.PollEmptyBackoffBase)
			continue
		}
		backoff = w.cfg.Worker.PollEmptyBackoffBase
		obs.JobsStarted.WithLabelValues(job.Kind).Inc()
		w.process(ctx, workerID, job)
	}
}

// currentRevision re-confirms the dataset's revision through the
// breaker-gated hub client; on an open breaker or any error it falls
// back to the revision the job was enqueued with, rather than blocking
// the worker on a degraded hub.
func (w *Worker) currentRevision(ctx context.Context, job queuestore.Job) string {
	if w.hub == nil || !w.cb.Allow() {
		return job.Revision
	}
	rev, err := w.hub.Revision(ctx, job.Dataset)
	w.cb.Record(err == nil)
	if err != nil {
		return job.Revision
	}
	return rev
}

func (w *Worker) process(ctx context.Context, workerID string, job queuestore.Job) {
	ctx, span := obs.ContextWithJobSpan(ctx, job.Kind, job.JobID, job.TraceID, job.SpanID, job.Retries)
	defer span.End()
	start := time.Now()

	step, ok := w.registry.Get(job.Kind)
	if !ok {
		w.log.Error("worker: no step implementation registered", obs.String("kind", job.Kind))
		_ = w.queue.Finish(ctx, job.JobID, workerID, queuestore.StatusError)
		obs.JobsCommitted.WithLabelValues(job.Kind, string(queuestore.StatusError)).Inc()
		return
	}

	revision := w.currentRevision(ctx, job)
	job.Revision = revision // fan-out enqueues successors at the freshly-confirmed revision
	k := artifact.Key{Kind: job.Kind, Dataset: job.Dataset, Config: job.Config, Split: job.Split, Revision: revision}

	header, err := w.cache.GetWithoutContent(ctx, k)
	if err != nil {
		obs.RecordError(ctx, err)
		w.log.Warn("worker: read cache header failed", obs.Err(err))
	}

	state, stateErr := w.reader.Materialize(ctx, job.Dataset, revision)
	if stateErr != nil {
		w.log.Warn("worker: materialize dataset state failed", obs.Err(stateErr))
		state = nil
	}

	if err == nil && header.Exists && header.Status == cache.StatusOK && header.Revision == revision &&
		header.RunnerVersion >= step.Version() && header.Progress >= 1.0 {
		w.finish(ctx, workerID, job, queuestore.StatusSkipped, nil, nil, state)
		obs.JobsCommitted.WithLabelValues(job.Kind, string(queuestore.StatusSkipped)).Inc()
		obs.StepDuration.WithLabelValues(job.Kind).Observe(time.Since(start).Seconds())
		return
	}

	var configs, splits []string
	if state != nil {
		configs = state.Configs
		if job.Config != nil {
			splits = state.Splits[*job.Config]
		}
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		w.heartbeatLoop(hbCtx, job.JobID, workerID)
	}()

	outcome := w.runtime.Run(ctx, step, steps.JobParams{Key: k, Cache: w.cache, Configs: configs, Splits: splits})
	cancelHB()
	hbWG.Wait()

	obs.StepDuration.WithLabelValues(job.Kind).Observe(time.Since(start).Seconds())

	if outcome.ErrorCode != dserrors.CodeDatasetNotFound {
		if err := w.cache.Upsert(ctx, cache.UpsertInput{
			Key:           k,
			Content:       outcome.Content,
			Status:        outcome.Status,
			ErrorCode:     outcome.ErrorCode,
			Progress:      outcome.Progress,
			RunnerVersion: step.Version(),
		}); err != nil {
			obs.RecordError(ctx, err)
			w.log.Error("worker: commit cache entry failed", obs.Err(err))
		}
	}

	finalStatus := queuestore.StatusSuccess
	if outcome.Status == cache.StatusError {
		finalStatus = queuestore.StatusError
	}
	if job.Kind == pipeline.DatasetHubCache && outcome.Status == cache.StatusOK {
		w.events.Publish(ctx, eventbus.Event{
			Dataset:   job.Dataset,
			Revision:  revision,
			Step:      job.Kind,
			Status:    string(outcome.Status),
			Timestamp: start,
		})
	}
	w.finish(ctx, workerID, job, finalStatus, outcome.Content, outcome.SplitKeys, state)
	obs.JobsCommitted.WithLabelValues(job.Kind, string(finalStatus)).Inc()
}

func (w *Worker) heartbeatLoop(ctx context.Context, jobID, workerID string) {
	interval := w.cfg.Worker.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, jobID, workerID); err != nil {
				w.log.Warn("worker: heartbeat failed", obs.Err(err))
			}
		}
	}
}

func (w *Worker) finish(ctx context.Context, workerID string, job queuestore.Job, status queuestore.Status, content []byte, splitKeys []steps.SplitKey, state *datasetstate.State) {
	w.fanOut(ctx, job, content, splitKeys, state)
	if err := w.queue.Finish(ctx, job.JobID, workerID, status); err != nil {
		w.log.Error("worker: finish failed", obs.Err(err))
	}
}

// fanOut implements spec.md §4.7 step 5: enumerate graph successors and
// enqueue one job per instance their input scope requires, inheriting
// the finishing job's priority.
func (w *Worker) fanOut(ctx context.Context, job queuestore.Job, content []byte, splitKeys []steps.SplitKey, state *datasetstate.State) {
	for _, succ := range w.graph.Successors(job.Kind) {
		succStep, err := w.graph.Get(succ)
		if err != nil {
			continue
		}
		switch succStep.InputScope {
		case artifact.ScopeDataset:
			k := artifact.New(succ, artifact.ScopeDataset, job.Dataset, "", "", job.Revision)
			w.enqueueSuccessor(ctx, k, succStep, job)
		case artifact.ScopeConfig:
			for _, c := range w.successorConfigs(job, content, state) {
				k := artifact.New(succ, artifact.ScopeConfig, job.Dataset, c, "", job.Revision)
				w.enqueueSuccessor(ctx, k, succStep, job)
			}
		case artifact.ScopeSplit:
			for _, sk := range w.successorSplits(job, splitKeys, state) {
				k := artifact.New(succ, artifact.ScopeSplit, job.Dataset, sk.Config, sk.Split, job.Revision)
				w.enqueueSuccessor(ctx, k, succStep, job)
			}
		}
	}
}

func (w *Worker) enqueueSuccessor(ctx context.Context, k artifact.Key, succStep graph.Step, job queuestore.Job) {
	difficulty, err := w.graph.BonusDifficulty(succStep.Name, 0)
	if err != nil {
		difficulty = succStep.Difficulty
	}
	if _, err := w.queue.Upsert(ctx, k, job.Priority, difficulty, job.TraceID, job.SpanID); err != nil {
		w.log.Warn("worker: fan-out enqueue failed", obs.String("kind", succStep.Name), obs.Err(err))
		return
	}
	obs.JobsEnqueued.WithLabelValues(succStep.Name).Inc()
}

func (w *Worker) successorConfigs(job queuestore.Job, content []byte, state *datasetstate.State) []string {
	if job.Kind == pipeline.DatasetConfigNames && len(content) > 0 {
		var configs []string
		if json.Unmarshal(content, &configs) == nil {
			return configs
		}
	}
	if state != nil {
		return state.Configs
	}
	return nil
}

type splitTarget struct {
	Config string
	Split  string
}

func (w *Worker) successorSplits(job queuestore.Job, splitKeys []steps.SplitKey, state *datasetstate.State) []splitTarget {
	if len(splitKeys) > 0 {
		config := ""
		if job.Config != nil {
			config = *job.Config
		}
		targets := make([]splitTarget, 0, len(splitKeys))
		for _, sk := range splitKeys {
			c := config
			if sk.Config != "" {
				c = sk.Config
			}
			targets = append(targets, splitTarget{Config: c, Split: sk.Split})
		}
		return targets
	}
	if state == nil {
		return nil
	}
	var targets []splitTarget
	for c, splits := range state.Splits {
		for _, sp := range splits {
			targets = append(targets, splitTarget{Config: c, Split: sp})
		}
	}
	return targets
}
