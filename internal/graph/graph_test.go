package graph

import (
	"testing"
)

func TestBuildEdgesPairsAndAggregates(t *testing.T) {
	byPermit := map[string][]int64{
		"P1": {3, 1, 2}, // unordered on purpose: must canonicalize a<b
		"P2": {1, 2},
		"P3": {5}, // single entity, no edge
	}
	permits := map[string]permitMeta{
		"P1": {permitType: "new_construction", neighborhood: "MISSION"},
		"P2": {permitType: "alteration", neighborhood: "MISSION"},
	}

	edges := buildEdges(byPermit, permits)

	if len(edges) != 3 {
		t.Fatalf("expected 3 edges from P1's triangle, got %d", len(edges))
	}

	e12 := edges[[2]int64{1, 2}]
	if e12 == nil {
		t.Fatalf("expected edge (1,2)")
	}
	if len(e12.permits) != 2 || !e12.permits["P1"] || !e12.permits["P2"] {
		t.Fatalf("expected edge (1,2) to have shared_permits across P1 and P2, got %+v", e12.permits)
	}

	e13 := edges[[2]int64{1, 3}]
	if e13 == nil || len(e13.permits) != 1 || !e13.permits["P1"] {
		t.Fatalf("expected edge (1,3) from P1 only, got %+v", e13)
	}

	if _, ok := edges[[2]int64{5, 1}]; ok {
		t.Fatalf("P3's singleton entity must not produce an edge")
	}
}

func TestBuildEdgesNoPairBelowTwoEntities(t *testing.T) {
	byPermit := map[string][]int64{"P1": {1}}
	edges := buildEdges(byPermit, map[string]permitMeta{})
	if len(edges) != 0 {
		t.Fatalf("expected no edges for a permit with a single entity, got %d", len(edges))
	}
}
