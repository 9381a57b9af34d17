// Copyright 2025 James Ross
// Package datasetstate implements spec.md §4.4: a pure, read-only
// materialization of one dataset's state from the cache and queue
// stores, with no mutation of either. It is rebuilt on every planning
// pass, never cached itself.
package datasetstate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/huggingface/datasets-server/internal/cache"
	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/huggingface/datasets-server/internal/graph"
	"github.com/huggingface/datasets-server/internal/pipeline"
	"github.com/huggingface/datasets-server/internal/queuestore"
)

// CacheState is the cache half of a StepState (spec.md §3.1).
type CacheState struct {
	Exists        bool
	IsSuccess     bool
	Revision      string
	RunnerVersion int
	Progress      float64
	ErrorCode     dserrors.Code
}

// JobState is the queue half of a StepState.
type JobState struct {
	InProcess bool
}

// StepState is the pair (cache_state, job_state) for one step applied
// to one (dataset, config?, split?) scope instance.
type StepState struct {
	Step   string
	Key    artifact.Key
	Cache  CacheState
	Job    JobState
}

// State is the in-memory aggregation for one (dataset, revision).
type State struct {
	Dataset  string
	Revision string
	Configs  []string
	Splits   map[string][]string // config -> splits
	Steps    []StepState
}

// Reader materializes State from the cache and queue stores. It never
// mutates either store — spec.md §4.4's "no mutation of external stores".
type Reader struct {
	cache *cache.Store
	queue *queuestore.Store
	graph *graph.Graph
}

func NewReader(c *cache.Store, q *queuestore.Store, g *graph.Graph) *Reader {
	return &Reader{cache: c, queue: q, graph: g}
}

// Materialize builds the State for dataset at its current revision.
func (r *Reader) Materialize(ctx context.Context, dataset, revision string) (*State, error) {
	state := &State{Dataset: dataset, Revision: revision, Splits: map[string][]string{}}

	configs, err := r.readConfigs(ctx, dataset, revision)
	if err != nil {
		return nil, err
	}
	state.Configs = configs

	for _, config := range configs {
		splits, err := r.readSplits(ctx, dataset, config, revision)
		if err != nil {
			return nil, err
		}
		state.Splits[config] = splits
	}

	for _, stepName := range r.graph.AllSteps() {
		step, err := r.graph.Get(stepName)
		if err != nil {
			return nil, err
		}
		instances, err := r.instancesFor(step, dataset, state.Configs, state.Splits)
		if err != nil {
			return nil, err
		}
		for _, k := range instances {
			ss, err := r.stepState(ctx, stepName, k)
			if err != nil {
				return nil, err
			}
			state.Steps = append(state.Steps, ss)
		}
	}

	return state, nil
}

func (r *Reader) instancesFor(step graph.Step, dataset string, configs []string, splits map[string][]string) ([]artifact.Key, error) {
	switch step.InputScope {
	case artifact.ScopeDataset:
		return []artifact.Key{artifact.New(step.Name, artifact.ScopeDataset, dataset, "", "", "")}, nil
	case artifact.ScopeConfig:
		keys := make([]artifact.Key, 0, len(configs))
		for _, c := range configs {
			keys = append(keys, artifact.New(step.Name, artifact.ScopeConfig, dataset, c, "", ""))
		}
		return keys, nil
	case artifact.ScopeSplit:
		var keys []artifact.Key
		for _, c := range configs {
			for _, sp := range splits[c] {
				keys = append(keys, artifact.New(step.Name, artifact.ScopeSplit, dataset, c, sp, ""))
			}
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("datasetstate: unknown scope %q for step %q", step.InputScope, step.Name)
	}
}

func (r *Reader) stepState(ctx context.Context, stepName string, k artifact.Key) (StepState, error) {
	h, err := r.cache.GetWithoutContent(ctx, k)
	if err != nil {
		return StepState{}, fmt.Errorf("datasetstate: read cache header for %s: %w", k, err)
	}
	cs := CacheState{
		Exists:        h.Exists,
		IsSuccess:     h.Status == cache.StatusOK,
		Revision:      h.Revision,
		RunnerVersion: h.RunnerVersion,
		Progress:      h.Progress,
		ErrorCode:     h.ErrorCode,
	}

	inProcess, err := r.queue.HasJobForKey(ctx, k)
	if err != nil {
		return StepState{}, err
	}

	return StepState{Step: stepName, Key: k, Cache: cs, Job: JobState{InProcess: inProcess}}, nil
}

func (r *Reader) readConfigs(ctx context.Context, dataset, revision string) ([]string, error) {
	k := artifact.New(pipeline.DatasetConfigNames, artifact.ScopeDataset, dataset, "", "", revision)
	entry, err := r.cache.Get(ctx, k)
	if err != nil {
		return nil, nil
	}
	if entry.Status != cache.StatusOK {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(entry.Content, &names); err != nil {
		return nil, fmt.Errorf("datasetstate: parse config names for %s: %w", dataset, err)
	}
	return names, nil
}

func (r *Reader) readSplits(ctx context.Context, dataset, config, revision string) ([]string, error) {
	splitKinds := r.graph.StepsProviding(graph.CapProvidesConfigSplitNames)
	if len(splitKinds) == 0 {
		return nil, nil
	}
	cfg := config
	kind, h, err := r.cache.Best(ctx, splitKinds, dataset, &cfg, nil)
	if err != nil {
		return nil, err
	}
	if !h.Exists || h.Status != cache.StatusOK {
		return nil, nil
	}
	k := artifact.New(kind, artifact.ScopeConfig, dataset, config, "", revision)
	entry, err := r.cache.Get(ctx, k)
	if err != nil {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(entry.Content, &names); err != nil {
		return nil, fmt.Errorf("datasetstate: parse split names for %s/%s: %w", dataset, config, err)
	}
	return names, nil
}

// ShouldRefresh implements spec.md §4.4's derived predicate.
func ShouldRefresh(ss StepState, currentRevision string, graphVersion int, retryable map[dserrors.Code]bool) bool {
	if !ss.Cache.Exists {
		return true
	}
	if ss.Cache.Revision != currentRevision {
		return true
	}
	if ss.Cache.RunnerVersion < graphVersion {
		return true
	}
	if !ss.Cache.IsSuccess && retryable[ss.Cache.ErrorCode] {
		return true
	}
	if ss.Cache.Progress < 1.0 {
		return true
	}
	return false
}

// BackfillTask is an enqueue candidate produced from a StepState whose
// ShouldRefresh holds and whose job is not already in process.
type BackfillTask struct {
	Key      artifact.Key
	Priority queuestore.Priority
}

// BackfillTasks implements spec.md §4.4's backfillTasks operation.
func BackfillTasks(state *State, g *graph.Graph, retryable map[dserrors.Code]bool, priority queuestore.Priority) ([]BackfillTask, error) {
	var tasks []BackfillTask
	for _, ss := range state.Steps {
		step, err := g.Get(ss.Step)
		if err != nil {
			return nil, err
		}
		if ss.Job.InProcess {
			continue
		}
		if ShouldRefresh(ss, state.Revision, step.Version, retryable) {
			tasks = append(tasks, BackfillTask{Key: ss.Key, Priority: priority})
		}
	}
	return tasks, nil
}
