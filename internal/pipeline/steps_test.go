package pipeline

import (
	"testing"

	"github.com/huggingface/datasets-server/internal/artifact"
	"github.com/huggingface/datasets-server/internal/graph"
)

func TestGraphBuildsWithoutError(t *testing.T) {
	g, err := Graph()
	if err != nil {
		t.Fatal(err)
	}
	if len(g.AllSteps()) != len(specs()) {
		t.Fatalf("expected %d steps, got %d", len(specs()), len(g.AllSteps()))
	}
}

func TestFirstRowsHasTwoPredecessors(t *testing.T) {
	g, _ := Graph()
	preds := g.Predecessors(SplitFirstRows)
	if len(preds) != 2 {
		t.Fatalf("expected 2 predecessors for split-first-rows, got %v", preds)
	}
}

func TestSplitNamesProvidersCapability(t *testing.T) {
	g, _ := Graph()
	providers := g.StepsProviding(graph.CapProvidesConfigSplitNames)
	if len(providers) != 2 {
		t.Fatalf("expected 2 providers of config-split-names capability, got %v", providers)
	}
}

func TestDatasetScopedSteps(t *testing.T) {
	g, _ := Graph()
	steps := g.StepsFor(artifact.ScopeDataset)
	want := map[string]bool{DatasetConfigNames: true, DatasetIsValid: true, DatasetHubCache: true}
	if len(steps) != len(want) {
		t.Fatalf("expected %d dataset-scoped steps, got %v", len(want), steps)
	}
	for _, s := range steps {
		if !want[s] {
			t.Fatalf("unexpected dataset-scoped step %q", s)
		}
	}
}

func TestParquetAndInfoHasByteSizeBonus(t *testing.T) {
	g, _ := Graph()
	small, _ := g.BonusDifficulty(ConfigParquetAndInfo, 1_000)
	big, _ := g.BonusDifficulty(ConfigParquetAndInfo, DifficultyBonusThresholdBytes+1)
	if big <= small {
		t.Fatalf("expected bonus difficulty for large datasets, small=%d big=%d", small, big)
	}
}
