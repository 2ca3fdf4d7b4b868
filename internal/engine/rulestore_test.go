package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinPackLoads(t *testing.T) {
	store, err := NewRuleStore()
	if err != nil {
		t.Fatalf("NewRuleStore() error: %v", err)
	}
	if store.Len() == 0 {
		t.Fatal("built-in pack loaded zero rules")
	}
	for _, rule := range store.rules {
		if rule.Segment == "" || rule.Resource == "" {
			t.Errorf("rule missing segment or resource: %+v", rule)
		}
		if len(rule.Transforms) == 0 {
			t.Errorf("rule %s has no transforms", rule.Segment)
		}
	}
}

func TestSearchRanksSegmentMatchFirst(t *testing.T) {
	store, err := NewRuleStore()
	if err != nil {
		t.Fatalf("NewRuleStore() error: %v", err)
	}

	for _, seg := range []string{"PID", "PV1", "OBX", "DG1", "AL1", "IN1", "PAT", "PRB"} {
		hits, err := store.Search(context.Background(), "map "+seg+" segment fields to fhir resource", 3)
		if err != nil {
			t.Fatalf("Search(%s) error: %v", seg, err)
		}
		if len(hits) == 0 {
			t.Fatalf("Search(%s) returned no hits", seg)
		}
		if hits[0].Rule.Segment != seg {
			t.Errorf("Search(%s) top hit = %s", seg, hits[0].Rule.Segment)
		}
		if hits[0].Score <= 0 || hits[0].Score > 1 {
			t.Errorf("Search(%s) score %f out of range", seg, hits[0].Score)
		}
	}
}

func TestSearchRespectsTopK(t *testing.T) {
	store, _ := NewRuleStore()
	hits, err := store.Search(context.Background(), "patient observation condition coverage mapping", 2)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(hits) > 2 {
		t.Errorf("Search returned %d hits with topK=2", len(hits))
	}

	if hits, _ := store.Search(context.Background(), "patient", 0); hits != nil {
		t.Error("topK=0 should return no hits")
	}
}

func TestSearchNoMatch(t *testing.T) {
	store, _ := NewRuleStore()
	hits, err := store.Search(context.Background(), "xylophone quantum", 3)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Search returned %d hits for unrelated query", len(hits))
	}
}

func TestSearchDeterministicOrder(t *testing.T) {
	store, _ := NewRuleStore()
	first, _ := store.Search(context.Background(), "patient reference mapping", 5)
	second, _ := store.Search(context.Background(), "patient reference mapping", 5)
	if len(first) != len(second) {
		t.Fatalf("hit counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Rule.Segment != second[i].Rule.Segment {
			t.Errorf("hit %d differs: %s vs %s", i, first[i].Rule.Segment, second[i].Rule.Segment)
		}
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	pack := `
name: site
rules:
  - segment: ZBT
    positions: [1]
    resource: Observation
    provenance: "site blood type custom segment mapping"
    transforms:
      - {source: ZBT-1, target: Observation.code.coding.code, required: true}
      - {source: "", target: Observation.status, default: final, required: true}
`
	if err := os.WriteFile(filepath.Join(dir, "site.yaml"), []byte(pack), 0o644); err != nil {
		t.Fatal(err)
	}
	// Non-YAML files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := NewRuleStore()
	if err != nil {
		t.Fatalf("NewRuleStore() error: %v", err)
	}
	before := store.Len()
	if err := store.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir() error: %v", err)
	}
	if store.Len() != before+1 {
		t.Errorf("Len() = %d after LoadDir, want %d", store.Len(), before+1)
	}

	hits, err := store.Search(context.Background(), "map ZBT segment fields to fhir resource", 3)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(hits) == 0 || hits[0].Rule.Segment != "ZBT" {
		t.Fatalf("loaded rule not retrievable: %+v", hits)
	}
}

func TestLoadDirMissing(t *testing.T) {
	store, _ := NewRuleStore()
	if err := store.LoadDir("/nonexistent/rule/packs"); err == nil {
		t.Error("LoadDir on a missing directory should fail")
	}
}

func TestLoadDirBadYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	store, _ := NewRuleStore()
	if err := store.LoadDir(dir); err == nil {
		t.Error("LoadDir should surface parse errors")
	}
}
