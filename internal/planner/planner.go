// Copyright 2025 James Ross
// Package planner implements spec.md §4.5's planBackfill: materialize a
// dataset's current state and upsert every stale, not-in-process step as
// a queue job at the caller's priority. Planning never deletes cache
// entries — staleness is resolved by overwrite at commit time.
package planner

import (
	"context"
	"fmt"

	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/huggingface/datasets-server/internal/datasetstate"
	"github.com/huggingface/datasets-server/internal/graph"
	"github.com/huggingface/datasets-server/internal/queuestore"
)

// Planner wires a dataset-state reader to the queue store.
type Planner struct {
	reader    *datasetstate.Reader
	queue     *queuestore.Store
	graph     *graph.Graph
	retryable map[dserrors.Code]bool
}

func New(reader *datasetstate.Reader, queue *queuestore.Store, g *graph.Graph) *Planner {
	return &Planner{reader: reader, queue: queue, graph: g, retryable: dserrors.DefaultRetryable()}
}

// Result summarizes one planning pass, for logging/metrics.
type Result struct {
	Dataset      string
	TasksPlanned int
}

// PlanBackfill materializes DatasetState(dataset) and upserts every
// returned BackfillTask into the queue at priority, overriding
// backfillTasks' default LOW with the caller's chosen priority (e.g.
// NORMAL from an on-demand API read, LOW from tick()'s sweep).
func (p *Planner) PlanBackfill(ctx context.Context, dataset, revision string, priority queuestore.Priority) (Result, error) {
	state, err := p.reader.Materialize(ctx, dataset, revision)
	if err != nil {
		return Result{}, fmt.Errorf("planner: materialize %s: %w", dataset, err)
	}

	tasks, err := datasetstate.BackfillTasks(state, p.graph, p.retryable, priority)
	if err != nil {
		return Result{}, fmt.Errorf("planner: compute backfill tasks for %s: %w", dataset, err)
	}

	for _, task := range tasks {
		step, err := p.graph.Get(task.Key.Kind)
		if err != nil {
			return Result{}, fmt.Errorf("planner: unknown step %q: %w", task.Key.Kind, err)
		}
		if _, err := p.queue.Upsert(ctx, task.Key, task.Priority, step.Difficulty, "", ""); err != nil {
			return Result{}, fmt.Errorf("planner: upsert task %s: %w", task.Key, err)
		}
	}

	return Result{Dataset: dataset, TasksPlanned: len(tasks)}, nil
}
