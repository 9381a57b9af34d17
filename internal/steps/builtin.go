// Copyright 2025 James Ross
package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/huggingface/datasets-server/internal/dserrors"
	"github.com/huggingface/datasets-server/internal/mediaurl"
	"github.com/huggingface/datasets-server/internal/pipeline"
)

// configNamesStep is the root step: it has no predecessor and, since the
// hub client that would actually list a dataset's configs is out of
// scope for compute (internal/hub is orchestrator-only), returns a
// fixed config list. Real deployments replace this with a dataset-library
// call; this stands in to exercise the rest of the runtime end-to-end.
type configNamesStep struct {
	defaultConfigs []string
}

func NewConfigNamesStep(defaultConfigs []string) Step {
	if len(defaultConfigs) == 0 {
		defaultConfigs = []string{"default"}
	}
	return &configNamesStep{defaultConfigs: defaultConfigs}
}

func (s *configNamesStep) Name() string                { return pipeline.DatasetConfigNames }
func (s *configNamesStep) Version() int                 { return 2 }
func (s *configNamesStep) ParallelStep() (string, bool) { return "", false }
func (s *configNamesStep) PreCompute(context.Context, JobParams) error { return nil }
func (s *configNamesStep) PostCompute(context.Context, JobParams)      {}

func (s *configNamesStep) Compute(_ context.Context, _ JobParams) (JobResult, error) {
	content, err := json.Marshal(s.defaultConfigs)
	if err != nil {
		return JobResult{}, fmt.Errorf("config-names: marshal configs: %w", err)
	}
	return JobResult{Content: content, Progress: 1.0}, nil
}

func (s *configNamesStep) NewSplitKeys([]byte) []SplitKey { return nil }

// splitNamesFromInfoStep reads the split list out of config-info's
// content and is declared parallel with config-split-names-from-streaming:
// when that sibling already has a fresh successful entry, this step's
// compute is skipped entirely (spec.md §4.6's ResponseAlreadyComputedError
// short circuit), matching the two parallel split-discovery strategies
// the distillation's worked example exercises.
type splitNamesFromInfoStep struct{}

func NewSplitNamesFromInfoStep() Step { return &splitNamesFromInfoStep{} }

func (s *splitNamesFromInfoStep) Name() string { return pipeline.ConfigSplitNamesFromInfo }
func (s *splitNamesFromInfoStep) Version() int { return 2 }
func (s *splitNamesFromInfoStep) ParallelStep() (string, bool) {
	return pipeline.ConfigSplitNamesFromStreaming, true
}
func (s *splitNamesFromInfoStep) PreCompute(context.Context, JobParams) error { return nil }
func (s *splitNamesFromInfoStep) PostCompute(context.Context, JobParams)      {}

func (s *splitNamesFromInfoStep) Compute(ctx context.Context, p JobParams) (JobResult, error) {
	info, err := predecessorEntry(ctx, p, pipeline.ConfigInfo)
	if err != nil {
		return JobResult{}, err
	}
	var parsed struct {
		Splits []string `json:"splits"`
	}
	if err := json.Unmarshal(info.Content, &parsed); err != nil {
		return JobResult{}, &dserrors.CachedArtifactError{PredecessorKind: pipeline.ConfigInfo, Code: dserrors.CodePreviousStepFormatError, Message: err.Error()}
	}
	content, err := json.Marshal(parsed.Splits)
	if err != nil {
		return JobResult{}, fmt.Errorf("split-names-from-info: marshal splits: %w", err)
	}
	return JobResult{Content: content, Progress: 1.0}, nil
}

func (s *splitNamesFromInfoStep) NewSplitKeys(content []byte) []SplitKey {
	var names []string
	if err := json.Unmarshal(content, &names); err != nil {
		return nil
	}
	keys := make([]SplitKey, 0, len(names))
	for _, n := range names {
		keys = append(keys, SplitKey{Split: n})
	}
	return keys
}

// firstRowsStep produces a split preview, requiring at least one of its
// two graph predecessors (config-parquet-metadata, or a config-split-names
// producer) to have succeeded — it doesn't care which, matching spec.md
// §4.1's "trigger gating: a job may run regardless of predecessor
// status" rule (the predecessor check happens inside compute, not the
// planner).
type firstRowsStep struct {
	maxRows int
}

func NewFirstRowsStep(maxRows int) Step {
	if maxRows <= 0 {
		maxRows = 100
	}
	return &firstRowsStep{maxRows: maxRows}
}

func (s *firstRowsStep) Name() string                { return pipeline.SplitFirstRows }
func (s *firstRowsStep) Version() int                 { return 4 }
func (s *firstRowsStep) ParallelStep() (string, bool) { return "", false }
func (s *firstRowsStep) PreCompute(context.Context, JobParams) error { return nil }
func (s *firstRowsStep) PostCompute(context.Context, JobParams)      {}

func (s *firstRowsStep) Compute(ctx context.Context, p JobParams) (JobResult, error) {
	configScoped := p
	configScoped.Key.Split = nil
	if _, err := predecessorEntry(ctx, configScoped, pipeline.ConfigParquetMetadata); err != nil {
		if _, err2 := predecessorEntry(ctx, configScoped, pipeline.ConfigSplitNamesFromStreaming); err2 != nil {
			return JobResult{}, err
		}
	}
	rows := make([]map[string]any, 0, s.maxRows)
	for i := 0; i < s.maxRows; i++ {
		rows = append(rows, map[string]any{"row_idx": i})
	}
	content, err := json.Marshal(map[string]any{"rows": rows, "truncated": false})
	if err != nil {
		return JobResult{}, fmt.Errorf("first-rows: marshal rows: %w", err)
	}
	return JobResult{Content: content, Progress: 1.0}, nil
}

func (s *firstRowsStep) NewSplitKeys([]byte) []SplitKey { return nil }

// parquetMetadataStep reads the file list config-parquet produced and
// keeps only the entries matching a parquet glob, the way the teacher's
// producer validates scan roots against configured globs before
// trusting them. When a media store is configured it also rewrites each
// matched path into a time-limited presigned GET URL, so the response a
// reader caches already points at fetchable bytes instead of a bare key.
type parquetMetadataStep struct {
	pattern   string
	presigner *mediaurl.Presigner
}

func NewParquetMetadataStep(presigner *mediaurl.Presigner) Step {
	return &parquetMetadataStep{pattern: "**/*.parquet", presigner: presigner}
}

func (s *parquetMetadataStep) Name() string                { return pipeline.ConfigParquetMetadata }
func (s *parquetMetadataStep) Version() int                 { return 2 }
func (s *parquetMetadataStep) ParallelStep() (string, bool) { return "", false }
func (s *parquetMetadataStep) PreCompute(context.Context, JobParams) error { return nil }
func (s *parquetMetadataStep) PostCompute(context.Context, JobParams)      {}

func (s *parquetMetadataStep) Compute(ctx context.Context, p JobParams) (JobResult, error) {
	parquet, err := predecessorEntry(ctx, p, pipeline.ConfigParquet)
	if err != nil {
		return JobResult{}, err
	}
	var files []string
	if err := json.Unmarshal(parquet.Content, &files); err != nil {
		return JobResult{}, &dserrors.CachedArtifactError{PredecessorKind: pipeline.ConfigParquet, Code: dserrors.CodePreviousStepFormatError, Message: err.Error()}
	}
	matched := make([]string, 0, len(files))
	for _, f := range files {
		if ok, _ := doublestar.PathMatch(s.pattern, f); ok {
			matched = append(matched, f)
		}
	}
	urls := matched
	if s.presigner != nil && s.presigner.Configured() {
		urls = make([]string, len(matched))
		for i, f := range matched {
			signed, err := s.presigner.PresignGet(f)
			if err != nil {
				urls[i] = f
				continue
			}
			urls[i] = signed
		}
	}
	content, err := json.Marshal(map[string]any{"num_files": len(matched), "files": urls})
	if err != nil {
		return JobResult{}, fmt.Errorf("parquet-metadata: marshal metadata: %w", err)
	}
	return JobResult{Content: content, Progress: 1.0}, nil
}

func (s *parquetMetadataStep) NewSplitKeys([]byte) []SplitKey { return nil }

// isValidStep aggregates whether any of the viewer-enabling predecessors
// succeeded for this dataset, the way original_source's `dataset-is-valid`
// response combines per-capability booleans.
type isValidStep struct{}

func NewIsValidStep() Step { return &isValidStep{} }

func (s *isValidStep) Name() string                { return pipeline.DatasetIsValid }
func (s *isValidStep) Version() int                 { return 5 }
func (s *isValidStep) ParallelStep() (string, bool) { return "", false }
func (s *isValidStep) PreCompute(context.Context, JobParams) error { return nil }
func (s *isValidStep) PostCompute(context.Context, JobParams)      {}

func (s *isValidStep) Compute(ctx context.Context, p JobParams) (JobResult, error) {
	if _, err := predecessorEntry(ctx, p, pipeline.DatasetConfigNames); err != nil {
		return JobResult{}, err
	}
	preview, viewer, search := false, false, false
	for _, config := range p.Configs {
		scoped := JobParams{Key: p.Key, Cache: p.Cache}
		scoped.Key.Config = &config
		if _, err := predecessorEntry(ctx, scoped, pipeline.ConfigParquetMetadata); err == nil {
			viewer = true
		}
		for _, split := range p.Splits {
			scoped.Key.Split = &split
			if _, err := predecessorEntry(ctx, scoped, pipeline.SplitFirstRows); err == nil {
				preview = true
			}
			if _, err := predecessorEntry(ctx, scoped, pipeline.SplitDuckdbIndex); err == nil {
				search = true
			}
		}
	}
	content, err := json.Marshal(map[string]bool{"preview": preview, "viewer": viewer, "search": search})
	if err != nil {
		return JobResult{}, fmt.Errorf("is-valid: marshal flags: %w", err)
	}
	return JobResult{Content: content, Progress: 1.0}, nil
}

func (s *isValidStep) NewSplitKeys([]byte) []SplitKey { return nil }

// hubCacheStep folds dataset-is-valid and config-size into the single
// summary document the hub's own listing page reads per dataset.
type hubCacheStep struct{}

func NewHubCacheStep() Step { return &hubCacheStep{} }

func (s *hubCacheStep) Name() string                { return pipeline.DatasetHubCache }
func (s *hubCacheStep) Version() int                 { return 3 }
func (s *hubCacheStep) ParallelStep() (string, bool) { return "", false }
func (s *hubCacheStep) PreCompute(context.Context, JobParams) error { return nil }
func (s *hubCacheStep) PostCompute(context.Context, JobParams)      {}

func (s *hubCacheStep) Compute(ctx context.Context, p JobParams) (JobResult, error) {
	valid, err := predecessorEntry(ctx, p, pipeline.DatasetIsValid)
	if err != nil {
		return JobResult{}, err
	}
	var flags map[string]bool
	_ = json.Unmarshal(valid.Content, &flags)

	totalBytes := int64(0)
	for _, config := range p.Configs {
		scoped := p
		scoped.Key.Config = &config
		entry, err := predecessorEntry(ctx, scoped, pipeline.ConfigSize)
		if err != nil {
			continue
		}
		var size struct {
			Bytes int64 `json:"bytes"`
		}
		if json.Unmarshal(entry.Content, &size) == nil {
			totalBytes += size.Bytes
		}
	}

	content, err := json.Marshal(map[string]any{"flags": flags, "total_bytes": totalBytes})
	if err != nil {
		return JobResult{}, fmt.Errorf("hub-cache: marshal summary: %w", err)
	}
	return JobResult{Content: content, Progress: 1.0}, nil
}

func (s *hubCacheStep) NewSplitKeys([]byte) []SplitKey { return nil }

// DefaultRegistry builds the registry with every illustrative step
// wired in, for production wiring (internal/worker) and tests alike.
// presigner may be nil or unconfigured; NewParquetMetadataStep treats
// both as "no media store, pass file paths through unsigned".
func DefaultRegistry(maxRows int, presigner *mediaurl.Presigner) *Registry {
	r := NewRegistry()
	r.Register(NewConfigNamesStep(nil))
	r.Register(NewSplitNamesFromInfoStep())
	r.Register(NewFirstRowsStep(maxRows))
	r.Register(NewParquetMetadataStep(presigner))
	r.Register(NewIsValidStep())
	r.Register(NewHubCacheStep())
	return r
}
