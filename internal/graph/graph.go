// Copyright 2025 James Ross
// Package graph implements the processing graph: a closed, immutable DAG
// of step kinds and their trigger relations, constructed once at process
// start from a declarative spec and never mutated after.
package graph

import (
	"fmt"

	"github.com/huggingface/datasets-server/internal/artifact"
)

// Capability is an optional flag a step kind may declare, consulted by
// downstream components (the API marks a dataset "viewer-enabled" if any
// step providing the "enables_viewer" capability succeeded, etc).
type Capability string

const (
	CapProvidesConfigSplitNames     Capability = "provides_config_split_names"
	CapEnablesPreview               Capability = "enables_preview"
	CapEnablesViewer                Capability = "enables_viewer"
	CapEnablesSearch                Capability = "enables_search"
	CapProvidesConfigParquetMetadata Capability = "provides_config_parquet_metadata"
)

// StepSpec is the declarative description of one step kind, as authored
// in a graph specification (see internal/pipeline for the concrete
// instance used by this server).
type StepSpec struct {
	Name       string
	InputScope artifact.Scope
	// TriggeredBy lists the predecessor step names, in the order later
	// returned by Predecessors.
	TriggeredBy []string
	Version     int
	Difficulty  int
	Capabilities map[Capability]bool
	// DifficultyBonus is added to Difficulty by BonusDifficulty when the
	// dataset's known byte size exceeds DifficultyBonusThresholdBytes.
	DifficultyBonus               int
	DifficultyBonusThresholdBytes int64
}

// Step is the resolved, graph-aware view of a StepSpec.
type Step struct {
	StepSpec
}

// HasCapability reports whether this step declares the given capability.
func (s Step) HasCapability(c Capability) bool {
	return s.Capabilities[c]
}

// Graph is the immutable processing graph. The zero value is not usable;
// construct with New.
type Graph struct {
	steps        map[string]Step
	order        []string // topological order, diagnostics only
	predecessors map[string][]string
	successors   map[string][]string
	byScope      map[artifact.Scope][]string
	byCapability map[Capability][]string
}

// New validates specs and builds a Graph. It rejects unknown trigger
// references and self-loops; per spec, an unrecognized predecessor name
// is a hard construction error, not a silently-ignored edge.
func New(specs []StepSpec) (*Graph, error) {
	g := &Graph{
		steps:        make(map[string]Step, len(specs)),
		predecessors: make(map[string][]string, len(specs)),
		successors:   make(map[string][]string, len(specs)),
		byScope:      make(map[artifact.Scope][]string),
		byCapability: make(map[Capability][]string),
	}

	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("graph: step with empty name")
		}
		if _, dup := g.steps[spec.Name]; dup {
			return nil, fmt.Errorf("graph: duplicate step %q", spec.Name)
		}
		g.steps[spec.Name] = Step{StepSpec: spec}
	}

	for _, spec := range specs {
		for _, trigger := range spec.TriggeredBy {
			if trigger == spec.Name {
				return nil, fmt.Errorf("graph: step %q triggers itself", spec.Name)
			}
			if _, ok := g.steps[trigger]; !ok {
				return nil, fmt.Errorf("graph: step %q references unknown trigger %q", spec.Name, trigger)
			}
			g.predecessors[spec.Name] = append(g.predecessors[spec.Name], trigger)
			g.successors[trigger] = append(g.successors[trigger], spec.Name)
		}
		g.byScope[spec.InputScope] = append(g.byScope[spec.InputScope], spec.Name)
		for cap, on := range spec.Capabilities {
			if on {
				g.byCapability[cap] = append(g.byCapability[cap], spec.Name)
			}
		}
	}

	order, err := topologicalOrder(specs, g.predecessors)
	if err != nil {
		return nil, err
	}
	g.order = order

	return g, nil
}

// ErrNotFound is returned by Get for an unknown step name.
type ErrNotFound struct{ Name string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("graph: step %q not found", e.Name) }

// Get returns the named step or ErrNotFound.
func (g *Graph) Get(name string) (Step, error) {
	s, ok := g.steps[name]
	if !ok {
		return Step{}, &ErrNotFound{Name: name}
	}
	return s, nil
}

// Predecessors returns step's trigger list in declared (stable insertion)
// order. Empty for a root step.
func (g *Graph) Predecessors(step string) []string {
	return append([]string(nil), g.predecessors[step]...)
}

// Successors returns the steps that declare step as a trigger, in the
// order their specs were passed to New.
func (g *Graph) Successors(step string) []string {
	return append([]string(nil), g.successors[step]...)
}

// StepsFor returns every step whose input scope equals scope.
func (g *Graph) StepsFor(scope artifact.Scope) []string {
	return append([]string(nil), g.byScope[scope]...)
}

// StepsProviding returns every step with capability set.
func (g *Graph) StepsProviding(capability Capability) []string {
	return append([]string(nil), g.byCapability[capability]...)
}

// TopologicalOrder returns the diagnostic topological order computed at
// construction. Runtime planning never depends on this ordering; it
// exists for introspection/debugging tooling (e.g. printing the graph).
func (g *Graph) TopologicalOrder() []string {
	return append([]string(nil), g.order...)
}

// BonusDifficulty returns step's base difficulty plus its configured
// bonus when datasetSizeBytes exceeds the step's threshold.
func (g *Graph) BonusDifficulty(step string, datasetSizeBytes int64) (int, error) {
	s, err := g.Get(step)
	if err != nil {
		return 0, err
	}
	d := s.Difficulty
	if s.DifficultyBonusThresholdBytes > 0 && datasetSizeBytes > s.DifficultyBonusThresholdBytes {
		d += s.DifficultyBonus
	}
	return d, nil
}

// AllSteps returns every step name known to the graph, in the graph's
// topological order (predecessors before successors).
func (g *Graph) AllSteps() []string {
	names := make([]string, 0, len(g.steps))
	for _, spec := range g.order {
		names = append(names, spec)
	}
	return names
}

func topologicalOrder(specs []StepSpec, predecessors map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(specs))
	nameOrder := make([]string, 0, len(specs))
	for _, s := range specs {
		indegree[s.Name] = len(predecessors[s.Name])
		nameOrder = append(nameOrder, s.Name)
	}

	successors := make(map[string][]string)
	for _, s := range specs {
		for _, trigger := range predecessors[s.Name] {
			successors[trigger] = append(successors[trigger], s.Name)
		}
	}

	var queue []string
	for _, name := range nameOrder {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, succ := range successors[n] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(specs) {
		return nil, fmt.Errorf("graph: cycle detected among step triggers")
	}
	return order, nil
}
