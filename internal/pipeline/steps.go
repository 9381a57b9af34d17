// Copyright 2025 James Ross
// Package pipeline instantiates the closed enumeration of step kinds this
// server knows how to process, as a concrete *graph.Graph. This is the
// "graph specification" spec.md §4.1 says is constructed once at process
// start; the step list below is the authoritative closed set (spec.md
// §9's open question resolution: unrecognized predecessors are a hard
// construction error, never silently ignored).
package pipeline

import (
	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/huggingface/datasets-server/internal/graph"
)

// Step kind names. These are the closed enumeration from spec.md §3.1.
const (
	DatasetConfigNames           = "dataset-config-names"
	ConfigSplitNamesFromInfo     = "config-split-names-from-info"
	ConfigSplitNamesFromStreaming = "config-split-names-from-streaming"
	ConfigInfo                   = "config-info"
	ConfigSize                   = "config-size"
	ConfigParquetAndInfo         = "config-parquet-and-info"
	ConfigParquet                = "config-parquet"
	ConfigParquetMetadata        = "config-parquet-metadata"
	ConfigOptInOutUrlsCount      = "config-opt-in-out-urls-count"
	SplitFirstRows               = "split-first-rows"
	SplitDuckdbIndex             = "split-duckdb-index"
	SplitDescriptiveStatistics   = "split-descriptive-statistics"
	SplitOptInOutUrlsScan        = "split-opt-in-out-urls-scan"
	DatasetIsValid                = "dataset-is-valid"
	DatasetHubCache               = "dataset-hub-cache"
)

// DifficultyBonusThresholdBytes is the dataset byte size above which a
// step's difficulty gets its configured bonus, per spec.md §3.1's
// "optional bonus difficulty when the dataset's known byte size exceeds
// a threshold" and original_source's DATASET_TOO_BIG bonus handling.
const DifficultyBonusThresholdBytes = 3_000_000_000 // 3 GB

// Graph builds the fixed processing graph. It never fails for the
// built-in step list; the error return exists because graph.New is a
// general constructor that does validate its input.
func Graph() (*graph.Graph, error) {
	return graph.New(specs())
}

func specs() []graph.StepSpec {
	return []graph.StepSpec{
		{
			Name:       DatasetConfigNames,
			InputScope: artifact.ScopeDataset,
			Version:    2,
			Difficulty: 20,
		},
		{
			Name:        ConfigSplitNamesFromStreaming,
			InputScope:  artifact.ScopeConfig,
			TriggeredBy: []string{DatasetConfigNames},
			Version:     3,
			Difficulty:  60,
			Capabilities: map[graph.Capability]bool{
				graph.CapProvidesConfigSplitNames: true,
			},
		},
		{
			Name:        ConfigInfo,
			InputScope:  artifact.ScopeConfig,
			TriggeredBy: []string{DatasetConfigNames},
			Version:     2,
			Difficulty:  40,
		},
		{
			Name:        ConfigSplitNamesFromInfo,
			InputScope:  artifact.ScopeConfig,
			TriggeredBy: []string{ConfigInfo},
			Version:     2,
			Difficulty:  20,
			Capabilities: map[graph.Capability]bool{
				graph.CapProvidesConfigSplitNames: true,
			},
		},
		{
			Name:                          ConfigParquetAndInfo,
			InputScope:                    artifact.ScopeConfig,
			TriggeredBy:                   []string{DatasetConfigNames},
			Version:                       4,
			Difficulty:                    70,
			DifficultyBonus:               50,
			DifficultyBonusThresholdBytes: DifficultyBonusThresholdBytes,
		},
		{
			Name:        ConfigParquet,
			InputScope:  artifact.ScopeConfig,
			TriggeredBy: []string{ConfigParquetAndInfo},
			Version:     6,
			Difficulty:  20,
		},
		{
			Name:        ConfigParquetMetadata,
			InputScope:  artifact.ScopeConfig,
			TriggeredBy: []string{ConfigParquet},
			Version:     2,
			Difficulty:  20,
			Capabilities: map[graph.Capability]bool{
				graph.CapProvidesConfigParquetMetadata: true,
			},
		},
		{
			Name:        ConfigSize,
			InputScope:  artifact.ScopeConfig,
			TriggeredBy: []string{ConfigParquetAndInfo},
			Version:     2,
			Difficulty:  20,
		},
		{
			Name:        ConfigOptInOutUrlsCount,
			InputScope:  artifact.ScopeConfig,
			TriggeredBy: []string{SplitOptInOutUrlsScan},
			Version:     1,
			Difficulty:  20,
		},
		{
			Name:        SplitFirstRows,
			InputScope:  artifact.ScopeSplit,
			TriggeredBy: []string{ConfigSplitNamesFromStreaming, ConfigParquetMetadata},
			Version:     4,
			Difficulty:  70,
			Capabilities: map[graph.Capability]bool{
				graph.CapEnablesPreview: true,
			},
		},
		{
			Name:        SplitDuckdbIndex,
			InputScope:  artifact.ScopeSplit,
			TriggeredBy: []string{ConfigParquetMetadata},
			Version:     3,
			Difficulty:  70,
			Capabilities: map[graph.Capability]bool{
				graph.CapEnablesSearch: true,
			},
			DifficultyBonus:               30,
			DifficultyBonusThresholdBytes: DifficultyBonusThresholdBytes,
		},
		{
			Name:        SplitDescriptiveStatistics,
			InputScope:  artifact.ScopeSplit,
			TriggeredBy: []string{ConfigParquetMetadata},
			Version:     4,
			Difficulty:  70,
		},
		{
			Name:        SplitOptInOutUrlsScan,
			InputScope:  artifact.ScopeSplit,
			TriggeredBy: []string{ConfigSplitNamesFromStreaming},
			Version:     2,
			Difficulty:  50,
		},
		{
			Name: DatasetIsValid,
			InputScope: artifact.ScopeDataset,
			TriggeredBy: []string{
				SplitFirstRows,
				ConfigParquetMetadata,
				SplitDuckdbIndex,
				DatasetConfigNames,
			},
			Version:    5,
			Difficulty: 20,
			Capabilities: map[graph.Capability]bool{
				graph.CapEnablesViewer: true,
			},
		},
		{
			Name:        DatasetHubCache,
			InputScope:  artifact.ScopeDataset,
			TriggeredBy: []string{DatasetIsValid, ConfigSize},
			Version:     3,
			Difficulty:  20,
		},
	}
}
