package resolver

import (
	"testing"

	"github.com/cityworks/permit-pipeline/internal/models"
)

func strp(s string) *string { return &s }

func TestStepPTSAgentIDGroupsBuildingContactsOnly(t *testing.T) {
	rows := []contactRow{
		{id: 1, source: models.SourceBuilding, permitNumber: "P1", name: "ACME CONSTRUCTION", ptsAgentID: strp("A1"), entityIdx: -1},
		{id: 2, source: models.SourceBuilding, permitNumber: "P2", name: "ACME CONSTRUCTION", ptsAgentID: strp("A1"), entityIdx: -1},
		{id: 3, source: models.SourceElectrical, permitNumber: "P3", name: "OTHER ELECTRIC", ptsAgentID: strp("A1"), entityIdx: -1},
	}
	var entities []entityBuild
	stepPTSAgentID(rows, &entities)

	if len(entities) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(entities))
	}
	if entities[0].resolutionMethod != models.MethodPTSAgentID || entities[0].resolutionConfidence != models.ConfidenceHigh {
		t.Fatalf("unexpected method/confidence: %+v", entities[0])
	}
	if rows[0].entityIdx != 0 || rows[1].entityIdx != 0 {
		t.Fatalf("expected building contacts assigned to entity 0")
	}
	if rows[2].entityIdx != -1 {
		t.Fatalf("electrical contact must not be grouped by pts_agent_id in step 1")
	}
}

func TestStepLicenseNumberMergesIntoExistingEntity(t *testing.T) {
	rows := []contactRow{
		{id: 1, source: models.SourceBuilding, permitNumber: "P1", name: "ACME", ptsAgentID: strp("A1"), licenseNumber: strp("L1"), entityIdx: -1},
		{id: 2, source: models.SourceElectrical, permitNumber: "P2", name: "ACME ELECTRIC", licenseNumber: strp("L1"), entityIdx: -1},
	}
	var entities []entityBuild
	stepPTSAgentID(rows, &entities)
	stepLicenseNumber(rows, &entities)

	if len(entities) != 1 {
		t.Fatalf("expected the license-number contact to merge into the existing entity, got %d entities", len(entities))
	}
	if entities[0].resolutionMethod != models.MethodPTSAgentID {
		t.Fatalf("merged entity must keep its earlier resolution_method, got %s", entities[0].resolutionMethod)
	}
	if rows[1].entityIdx != 0 {
		t.Fatalf("expected second contact merged into entity 0, got %d", rows[1].entityIdx)
	}
}

func TestStepLicenseNumberCreatesNewEntityWhenNoPriorMatch(t *testing.T) {
	rows := []contactRow{
		{id: 1, source: models.SourcePlumbing, permitNumber: "P1", name: "BAY PLUMBING", licenseNumber: strp("L9"), entityIdx: -1},
		{id: 2, source: models.SourcePlumbing, permitNumber: "P2", name: "BAY PLUMBING", licenseNumber: strp("L9"), entityIdx: -1},
	}
	var entities []entityBuild
	stepLicenseNumber(rows, &entities)

	if len(entities) != 1 {
		t.Fatalf("expected 1 new entity, got %d", len(entities))
	}
	if entities[0].resolutionMethod != models.MethodLicenseNumber || entities[0].resolutionConfidence != models.ConfidenceMedium {
		t.Fatalf("unexpected method/confidence: %+v", entities[0])
	}
}

func TestStepFuzzyNameClustersAboveThreshold(t *testing.T) {
	rows := []contactRow{
		{id: 1, source: models.SourceBuilding, permitNumber: "P1", name: "JOHN SMITH CONSTRUCTION", entityIdx: -1},
		{id: 2, source: models.SourceBuilding, permitNumber: "P2", name: "JOHN SMITH CONSTRUCTION CO", entityIdx: -1},
		{id: 3, source: models.SourceBuilding, permitNumber: "P3", name: "JOE DIFFERENT BUILDERS", entityIdx: -1},
	}
	var entities []entityBuild
	stepFuzzyName(rows, &entities)

	if rows[0].entityIdx != rows[1].entityIdx {
		t.Fatalf("expected near-identical names to cluster into the same entity")
	}
	if rows[2].entityIdx == rows[0].entityIdx {
		t.Fatalf("expected a dissimilar name in a different block to not cluster with entity 0")
	}
}

func TestStepSingletonsAssignsEveryRemainingRow(t *testing.T) {
	rows := []contactRow{
		{id: 1, source: models.SourceBuilding, permitNumber: "P1", name: "", entityIdx: -1},
	}
	var entities []entityBuild
	stepSingletons(rows, &entities)

	if rows[0].entityIdx != 0 {
		t.Fatalf("expected the unmatched row to get its own entity")
	}
	if entities[0].resolutionMethod != models.MethodSingleton || entities[0].resolutionConfidence != models.ConfidenceLow {
		t.Fatalf("unexpected singleton method/confidence: %+v", entities[0])
	}
}

func TestJaccardTokenSetSimilarity(t *testing.T) {
	cases := []struct {
		a, b []string
		want float64
	}{
		{[]string{"JOHN", "SMITH"}, []string{"JOHN", "SMITH"}, 1.0},
		{[]string{"JOHN", "SMITH"}, []string{"JANE", "DOE"}, 0.0},
	}
	for _, c := range cases {
		if got := jaccard(c.a, c.b); got != c.want {
			t.Fatalf("jaccard(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestCascadeLeavesNoContactUnassigned(t *testing.T) {
	rows := []contactRow{
		{id: 1, source: models.SourceBuilding, permitNumber: "P1", name: "ACME CO", ptsAgentID: strp("A1"), entityIdx: -1},
		{id: 2, source: models.SourceElectrical, permitNumber: "P2", name: "ACME ELECTRIC", licenseNumber: strp("L1"), entityIdx: -1},
		{id: 3, source: models.SourcePlumbing, permitNumber: "P3", name: "RANDOM PLUMBER", entityIdx: -1},
		{id: 4, source: models.SourceBuilding, permitNumber: "P4", name: "", entityIdx: -1},
	}
	var entities []entityBuild
	stepPTSAgentID(rows, &entities)
	stepLicenseNumber(rows, &entities)
	stepSFBusinessLicense(rows, &entities)
	stepFuzzyName(rows, &entities)
	stepSingletons(rows, &entities)

	for _, r := range rows {
		if r.entityIdx == -1 {
			t.Fatalf("contact id=%d left unassigned after full cascade", r.id)
		}
	}
}
