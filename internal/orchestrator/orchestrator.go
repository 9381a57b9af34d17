// Copyright 2025 James Ross
// Package orchestrator implements spec.md §4.5's three entry points:
// onHubEvent, onApiRead and tick. It talks to the hub client directly
// (the worker's breaker-gated revision re-check is the only other hub
// caller); cache, queue and dataset-state stay pure.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/huggingface/datasets-server/internal/cache"
	"github.com/huggingface/datasets-server/internal/hub"
	"github.com/huggingface/datasets-server/internal/pipeline"
	"github.com/huggingface/datasets-server/internal/planner"
	"github.com/huggingface/datasets-server/internal/queuestore"
	"go.uber.org/zap"
)

// EventKind is the webhook event taxonomy from spec.md §6.2.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventMoved   EventKind = "moved"
	EventDeleted EventKind = "deleted"
)

// Event is the normalized hub event onHubEvent consumes, decoupled from
// the wire-level webhook payload shape (internal/api owns that mapping).
type Event struct {
	Kind    EventKind
	Dataset string
	MovedTo string
}

// Orchestrator wires the hub client to the cache, queue and planner.
type Orchestrator struct {
	hub     hub.Client
	cache   *cache.Store
	queue   *queuestore.Store
	planner *planner.Planner
	log     *zap.Logger
}

func New(h hub.Client, c *cache.Store, q *queuestore.Store, p *planner.Planner, log *zap.Logger) *Orchestrator {
	return &Orchestrator{hub: h, cache: c, queue: q, planner: p, log: log}
}

// OnHubEvent implements spec.md §4.5's onHubEvent.
func (o *Orchestrator) OnHubEvent(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventDeleted:
		return o.deleteDataset(ctx, ev.Dataset)
	case EventMoved:
		if ev.MovedTo == "" {
			return fmt.Errorf("orchestrator: moved event missing movedTo for %s", ev.Dataset)
		}
		if err := o.deleteDataset(ctx, ev.Dataset); err != nil {
			return err
		}
		return o.refreshOrRebuild(ctx, ev.MovedTo)
	case EventCreated, EventUpdated:
		return o.refreshOrRebuild(ctx, ev.Dataset)
	default:
		return fmt.Errorf("orchestrator: unknown event kind %q", ev.Kind)
	}
}

func (o *Orchestrator) deleteDataset(ctx context.Context, dataset string) error {
	if err := o.cache.DeleteByDataset(ctx, dataset); err != nil {
		return fmt.Errorf("orchestrator: delete cache for %s: %w", dataset, err)
	}
	for _, step := range allStepNames() {
		k := artifact.New(step, artifact.ScopeDataset, dataset, "", "", "")
		if err := o.queue.CancelByKey(ctx, k); err != nil {
			return fmt.Errorf("orchestrator: cancel jobs for %s/%s: %w", dataset, step, err)
		}
	}
	return nil
}

// refreshOrRebuild fetches the current hub revision; if the cached
// dataset-config-names entry already matches it, planBackfill alone
// (which only re-plans steps shouldRefresh marks stale) is enough for a
// shallow refresh. Otherwise the root step is upserted at NORMAL
// priority so its children cascade through fan-out on commit.
func (o *Orchestrator) refreshOrRebuild(ctx context.Context, dataset string) error {
	revision, err := o.hub.Revision(ctx, dataset)
	if err != nil {
		return fmt.Errorf("orchestrator: fetch revision for %s: %w", dataset, err)
	}

	rootKey := artifact.New(pipeline.DatasetConfigNames, artifact.ScopeDataset, dataset, "", "", revision)
	header, err := o.cache.GetWithoutContent(ctx, rootKey)
	if err != nil {
		return fmt.Errorf("orchestrator: read root cache entry for %s: %w", dataset, err)
	}

	if header.Exists && header.Revision == revision && header.Status == cache.StatusOK {
		_, err := o.planner.PlanBackfill(ctx, dataset, revision, queuestore.PriorityNormal)
		return err
	}

	if _, err := o.queue.Upsert(ctx, rootKey, queuestore.PriorityNormal, 20, "", ""); err != nil {
		return fmt.Errorf("orchestrator: upsert root job for %s: %w", dataset, err)
	}
	return nil
}

// ReadOutcome is what OnApiRead hands back to the API layer.
type ReadOutcome int

const (
	ReadReady ReadOutcome = iota
	ReadCachedError
	ReadNotReady
	ReadNotFound
)

// ReadResult carries the outcome plus whichever cache entry (success or
// error) backed it, when one exists.
type ReadResult struct {
	Outcome ReadOutcome
	Kind    string
	Entry   cache.Entry
}

// OnApiRead implements spec.md §4.5's onApiRead.
func (o *Orchestrator) OnApiRead(ctx context.Context, dataset string, kinds []string, config, split *string) (ReadResult, error) {
	kind, header, err := o.cache.Best(ctx, kinds, dataset, config, split)
	if err != nil {
		return ReadResult{}, fmt.Errorf("orchestrator: best(%v) for %s: %w", kinds, dataset, err)
	}

	if header.Exists && header.Status == cache.StatusOK {
		revision, err := o.hub.Revision(ctx, dataset)
		if err == nil && header.Revision == revision {
			entry, err := o.cache.Get(ctx, artifact.New(kind, scopeFor(config, split), dataset, derefOr(config), derefOr(split), header.Revision))
			if err != nil {
				return ReadResult{}, err
			}
			return ReadResult{Outcome: ReadReady, Kind: kind, Entry: entry}, nil
		}
	}

	if header.Exists {
		k := artifact.New(kind, scopeFor(config, split), dataset, derefOr(config), derefOr(split), header.Revision)
		inProcess, err := o.queue.HasJobForKey(ctx, k)
		if err != nil {
			return ReadResult{}, err
		}
		if !inProcess {
			entry, err := o.cache.Get(ctx, k)
			if err != nil {
				return ReadResult{}, err
			}
			return ReadResult{Outcome: ReadCachedError, Kind: kind, Entry: entry}, nil
		}
		return ReadResult{Outcome: ReadNotReady, Kind: kind}, nil
	}

	supported, err := o.hub.Supported(ctx, dataset)
	if err != nil {
		return ReadResult{}, fmt.Errorf("orchestrator: check support for %s: %w", dataset, err)
	}
	if !supported {
		return ReadResult{Outcome: ReadNotFound}, nil
	}

	revision, err := o.hub.Revision(ctx, dataset)
	if err != nil {
		return ReadResult{}, fmt.Errorf("orchestrator: fetch revision for %s: %w", dataset, err)
	}
	if _, err := o.planner.PlanBackfill(ctx, dataset, revision, queuestore.PriorityNormal); err != nil {
		return ReadResult{}, fmt.Errorf("orchestrator: plan backfill for %s: %w", dataset, err)
	}
	return ReadResult{Outcome: ReadNotReady, Kind: kind}, nil
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

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// DatasetSample is one dataset considered by a Tick pass.
type DatasetSample struct {
	Dataset  string
	Revision string
}

// Tick runs the periodic maintenance pass: materialize a bounded sample
// of datasets and enqueue their backfill tasks at LOW priority. Callers
// (cmd wiring via robfig/cron) supply the sample; tick itself stays a
// pure fan-out over it so it is trivially testable.
func (o *Orchestrator) Tick(ctx context.Context, datasets []DatasetSample) (int, error) {
	planned := 0
	for _, d := range datasets {
		result, err := o.planner.PlanBackfill(ctx, d.Dataset, d.Revision, queuestore.PriorityLow)
		if err != nil {
			o.log.Warn("tick: plan backfill failed", zap.String("dataset", d.Dataset), zap.Error(err))
			continue
		}
		planned += result.TasksPlanned
	}
	return planned, nil
}

func allStepNames() []string {
	g, err := pipeline.Graph()
	if err != nil {
		return nil
	}
	return g.AllSteps()
}
