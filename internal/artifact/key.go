// Copyright 2025 James Ross
// Package artifact defines the canonical identifier of a processing-step
// output: the (kind, dataset, config, split, revision) tuple every cache
// entry and job record is keyed by.
package artifact

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// Scope is the input scope a step kind operates over.
type Scope string

const (
	ScopeDataset Scope = "dataset"
	ScopeConfig  Scope = "config"
	ScopeSplit   Scope = "split"
)

// Key is the tuple identifying one cache entry or job record.
//
// Config is present iff the owning step's input scope is config or
// split; Split iff split. Two keys are equal iff every field, including
// the optional ones, is equal; a nil Config/Split is distinct from a
// pointer to the empty string.
type Key struct {
	Kind     string
	Dataset  string
	Config   *string
	Split    *string
	Revision string
}

// New builds a Key for the given scope, only populating Config/Split as
// the scope requires. config/split are ignored when scope doesn't carry them.
func New(kind string, scope Scope, dataset, config, split, revision string) Key {
	k := Key{Kind: kind, Dataset: dataset, Revision: revision}
	switch scope {
	case ScopeConfig:
		k.Config = &config
	case ScopeSplit:
		k.Config = &config
		k.Split = &split
	}
	return k
}

// Scope reports which scope this key was constructed for, inferred from
// which optional fields are populated.
func (k Key) Scope() Scope {
	switch {
	case k.Split != nil:
		return ScopeSplit
	case k.Config != nil:
		return ScopeConfig
	default:
		return ScopeDataset
	}
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// Equal reports structural equality, treating a nil pointer as distinct
// from a pointer to "".
func (k Key) Equal(o Key) bool {
	if k.Kind != o.Kind || k.Dataset != o.Dataset || k.Revision != o.Revision {
		return false
	}
	if (k.Config == nil) != (o.Config == nil) {
		return false
	}
	if k.Config != nil && *k.Config != *o.Config {
		return false
	}
	if (k.Split == nil) != (o.Split == nil) {
		return false
	}
	if k.Split != nil && *k.Split != *o.Split {
		return false
	}
	return true
}

// Less gives the lexicographic ordering on (kind, dataset, config, split,
// revision), with an absent optional field sorting before any present one.
func (k Key) Less(o Key) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	if k.Dataset != o.Dataset {
		return k.Dataset < o.Dataset
	}
	if c := cmpOptional(k.Config, o.Config); c != 0 {
		return c < 0
	}
	if c := cmpOptional(k.Split, o.Split); c != 0 {
		return c < 0
	}
	return k.Revision < o.Revision
}

func cmpOptional(a, b *string) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}

// Digest returns a short, stable hash of (dataset, config, split) suitable
// for sharded lookup and Redis key construction. It deliberately excludes
// kind and revision: the cache store shards on (dataset, config, split)
// so that all kinds for the same split land near each other.
func (k Key) Digest() string {
	h := sha1.New()
	_, _ = fmt.Fprintf(h, "%s\x00%s\x00%s", k.Dataset, derefOr(k.Config, ""), derefOr(k.Split, ""))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// String renders a human-readable identifier, e.g. "kind/dataset/config/split@revision".
func (k Key) String() string {
	parts := []string{k.Kind, k.Dataset}
	if k.Config != nil {
		parts = append(parts, *k.Config)
	}
	if k.Split != nil {
		parts = append(parts, *k.Split)
	}
	s := strings.Join(parts, "/")
	if k.Revision != "" {
		s += "@" + k.Revision
	}
	return s
}

// Namespace returns the hub namespace (the org/user prefix) of the
// dataset, used for queue fairness accounting. Datasets without a "/"
// are their own namespace (canonical datasets have no owner prefix).
func (k Key) Namespace() string {
	return Namespace(k.Dataset)
}

// Namespace extracts the org/user prefix from a dataset name.
func Namespace(dataset string) string {
	if i := strings.IndexByte(dataset, '/'); i >= 0 {
		return dataset[:i]
	}
	return dataset
}
