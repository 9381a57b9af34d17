package artifact

import "testing"

func TestNewScopePopulatesOptionalFields(t *testing.T) {
	k := New("dataset-config-names", ScopeDataset, "squad", "ignored", "ignored", "rev1")
	if k.Config != nil || k.Split != nil {
		t.Fatalf("dataset-scope key should have nil config/split, got %+v", k)
	}
	if k.Scope() != ScopeDataset {
		t.Fatalf("expected ScopeDataset, got %v", k.Scope())
	}

	ck := New("config-split-names-from-info", ScopeConfig, "squad", "plain_text", "ignored", "rev1")
	if ck.Config == nil || *ck.Config != "plain_text" || ck.Split != nil {
		t.Fatalf("config-scope key wrong: %+v", ck)
	}

	sk := New("split-first-rows", ScopeSplit, "squad", "plain_text", "train", "rev1")
	if sk.Config == nil || *sk.Config != "plain_text" || sk.Split == nil || *sk.Split != "train" {
		t.Fatalf("split-scope key wrong: %+v", sk)
	}
}

func TestEqualDistinguishesNilFromEmpty(t *testing.T) {
	empty := ""
	a := Key{Kind: "k", Dataset: "d", Config: &empty}
	b := Key{Kind: "k", Dataset: "d"}
	if a.Equal(b) {
		t.Fatal("nil config must not equal pointer-to-empty-string config")
	}
}

func TestLessOrdersByTupleWithAbsentFieldsFirst(t *testing.T) {
	base := Key{Kind: "k", Dataset: "d"}
	cfg := "c"
	withConfig := Key{Kind: "k", Dataset: "d", Config: &cfg}
	if !base.Less(withConfig) {
		t.Fatal("absent config should sort before a present one")
	}
	if withConfig.Less(base) {
		t.Fatal("ordering should not be symmetric here")
	}
}

func TestDigestStableAndScopedToDatasetConfigSplit(t *testing.T) {
	k1 := New("split-first-rows", ScopeSplit, "squad", "plain_text", "train", "rev1")
	k2 := New("split-duckdb-index", ScopeSplit, "squad", "plain_text", "train", "rev2")
	if k1.Digest() != k2.Digest() {
		t.Fatal("digest must ignore kind and revision")
	}
	k3 := New("split-first-rows", ScopeSplit, "squad", "plain_text", "validation", "rev1")
	if k1.Digest() == k3.Digest() {
		t.Fatal("digest must vary with split")
	}
}

func TestNamespaceExtractsOwnerPrefix(t *testing.T) {
	if Namespace("huggingface/squad") != "huggingface" {
		t.Fatalf("got %q", Namespace("huggingface/squad"))
	}
	if Namespace("squad") != "squad" {
		t.Fatalf("canonical dataset should be its own namespace, got %q", Namespace("squad"))
	}
}
