// Copyright 2025 James Ross
// Package steps implements spec.md §4.6's step runtime contract: the
// uniform preCompute/compute/postCompute lifecycle, the parallel-step
// short circuit, the contentMaxBytes size guard, and the mapping of any
// compute error into the dserrors taxonomy. It also carries a small
// registry of illustrative pure-function steps covering six of
// internal/pipeline's step kinds, enough to exercise internal/worker
// end-to-end, standing in for the dataset-library business logic
// spec.md puts out of scope. internal/worker finishes a job whose kind
// has no registered step as ERROR.
package steps

import (
	"context"
	"fmt"

	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/huggingface/datasets-server/internal/cache"
	"github.com/huggingface/datasets-server/internal/dserrors"
)

// SplitKey is one (config, split) pair newSplitKeys discovers, per
// spec.md §4.6.
type SplitKey struct {
	Config string
	Split  string
}

// JobParams bundles what a step's compute needs: the artifact key being
// produced, a handle to read predecessor cache entries, and whatever
// configs/splits the caller (internal/worker) already knows about for
// this dataset.
type JobParams struct {
	Key     artifact.Key
	Cache   *cache.Store
	Configs []string
	Splits  []string // splits known for Key.Config, when Key is config- or split-scoped
}

// JobResult is what compute returns on success.
type JobResult struct {
	Content  []byte
	Progress float64
}

// Step is the uniform contract from spec.md §4.6.
type Step interface {
	Name() string
	Version() int
	// ParallelStep returns the sibling kind this step is declared
	// parallel with, if any.
	ParallelStep() (string, bool)
	PreCompute(ctx context.Context, p JobParams) error
	Compute(ctx context.Context, p JobParams) (JobResult, error)
	PostCompute(ctx context.Context, p JobParams)
	// NewSplitKeys is consulted only for steps whose output enumerates
	// splits; other steps return nil.
	NewSplitKeys(content []byte) []SplitKey
}

// Registry holds the known step implementations by kind name.
type Registry struct {
	steps map[string]Step
}

func NewRegistry() *Registry {
	return &Registry{steps: map[string]Step{}}
}

func (r *Registry) Register(s Step) {
	r.steps[s.Name()] = s
}

func (r *Registry) Get(name string) (Step, bool) {
	s, ok := r.steps[name]
	return s, ok
}

// Outcome is the runtime's verdict for one invocation, ready for the
// worker to commit to the cache store.
type Outcome struct {
	Status    cache.Status
	ErrorCode dserrors.Code
	Content   []byte
	Progress  float64
	SplitKeys []SplitKey
}

// Runtime executes a Step under the contract spec.md §4.6 describes.
type Runtime struct {
	contentMaxBytes int64
}

func NewRuntime(contentMaxBytes int64) *Runtime {
	return &Runtime{contentMaxBytes: contentMaxBytes}
}

// Run invokes step for p, enforcing the parallel short-circuit, the
// pre/compute/post lifecycle (postCompute always runs, even on
// failure) and the size guard, and maps any error through
// dserrors.ToCachedError.
func (rt *Runtime) Run(ctx context.Context, step Step, p JobParams) Outcome {
	if peer, ok := step.ParallelStep(); ok {
		peerKey := artifact.Key{Kind: peer, Dataset: p.Key.Dataset, Config: p.Key.Config, Split: p.Key.Split, Revision: p.Key.Revision}
		h, err := p.Cache.GetWithoutContent(ctx, peerKey)
		if err == nil && h.Exists && h.Status == cache.StatusOK && h.Revision == p.Key.Revision && h.RunnerVersion >= step.Version() {
			ce := dserrors.ToCachedError(&dserrors.ResponseAlreadyComputedError{EquivalentKind: peer})
			return Outcome{Status: cache.StatusError, ErrorCode: ce.Code, Progress: 1.0}
		}
	}

	if err := step.PreCompute(ctx, p); err != nil {
		step.PostCompute(ctx, p)
		ce := dserrors.ToCachedError(err)
		return Outcome{Status: cache.StatusError, ErrorCode: ce.Code}
	}
	defer step.PostCompute(ctx, p)

	result, err := step.Compute(ctx, p)
	if err != nil {
		ce := dserrors.ToCachedError(err)
		return Outcome{Status: cache.StatusError, ErrorCode: ce.Code}
	}

	if rt.contentMaxBytes > 0 && int64(len(result.Content)) > rt.contentMaxBytes {
		ce := dserrors.ToCachedError(&dserrors.TooBigContentError{SizeBytes: int64(len(result.Content)), MaxBytes: rt.contentMaxBytes})
		return Outcome{Status: cache.StatusError, ErrorCode: ce.Code}
	}

	return Outcome{
		Status:    cache.StatusOK,
		Content:   result.Content,
		Progress:  result.Progress,
		SplitKeys: step.NewSplitKeys(result.Content),
	}
}

// predecessorEntry is a small helper builtin steps use to read one
// predecessor's cache entry at the same (dataset, config, split,
// revision) as the job being computed, raising CachedArtifactError
// when it isn't a successful entry — spec.md §3.2 invariant 4.
func predecessorEntry(ctx context.Context, p JobParams, kind string) (cache.Entry, error) {
	k := artifact.Key{Kind: kind, Dataset: p.Key.Dataset, Config: p.Key.Config, Split: p.Key.Split, Revision: p.Key.Revision}
	entry, err := p.Cache.Get(ctx, k)
	if err != nil {
		return cache.Entry{}, &dserrors.CachedArtifactError{PredecessorKind: kind, Code: dserrors.CodeResponseNotFound, Message: fmt.Sprintf("no entry for %s", k)}
	}
	if entry.Status != cache.StatusOK {
		return cache.Entry{}, &dserrors.CachedArtifactError{PredecessorKind: kind, Code: entry.ErrorCode, Message: "predecessor not OK"}
	}
	return entry, nil
}
