package velocity

import (
	"testing"
	"time"

	"github.com/cityworks/permit-pipeline/internal/models"
)

func mkRow(permit, station, hood string, addenda int, arrive, finish time.Time) routingRow {
	return routingRow{permitNumber: permit, station: station, neighborhood: hood, addendaNumber: addenda, arriveDate: arrive, finishDate: finish}
}

func TestFilterRowsExcludesPre2018AndImplausibleDurations(t *testing.T) {
	rows := []routingRow{
		mkRow("P1", "PLAN", "", 0, time.Date(2017, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2017, 6, 5, 0, 0, 0, 0, time.UTC)),
		mkRow("P2", "PLAN", "", 0, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)),
		mkRow("P3", "PLAN", "", 0, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
	}
	out := filterRows(rows)
	if len(out) != 1 || out[0].permitNumber != "P2" {
		t.Fatalf("expected only P2 to survive pre-2018 and >365-day filters, got %+v", out)
	}
}

func TestDedupeReassignmentsKeepsLatestFinish(t *testing.T) {
	rows := []routingRow{
		mkRow("P1", "PLAN", "", 0, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)),
		mkRow("P1", "PLAN", "", 0, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)),
	}
	out := dedupeReassignments(rows)
	if len(out) != 1 {
		t.Fatalf("expected reassignment rows deduped to 1, got %d", len(out))
	}
	if !out[0].finishDate.Equal(time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected the latest finish_date to survive, got %v", out[0].finishDate)
	}
}

func TestPercentileMonotoneNonDecreasing(t *testing.T) {
	s := &sampleSet{durations: []float64{1, 5, 10, 20, 40, 80, 100}}
	p25, p50, p75, p90 := s.percentiles()
	if !(p25 <= p50 && p50 <= p75 && p75 <= p90) {
		t.Fatalf("percentiles must be monotone non-decreasing, got p25=%v p50=%v p75=%v p90=%v", p25, p50, p75, p90)
	}
}

func TestClassifyTrend(t *testing.T) {
	if got := ClassifyTrend(120, 100); got != TrendSlower {
		t.Fatalf("expected slower for +20%%, got %s", got)
	}
	if got := ClassifyTrend(80, 100); got != TrendFaster {
		t.Fatalf("expected faster for -20%%, got %s", got)
	}
	if got := ClassifyTrend(105, 100); got != TrendNormal {
		t.Fatalf("expected normal for +5%%, got %s", got)
	}
}

func TestComputeBaselinesSuppressesStratifiedRowsBelowFloor(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var rows []routingRow
	for i := 0; i < 5; i++ {
		rows = append(rows, mkRow("P", "PLAN", "MISSION", 0, now.AddDate(0, 0, -10), now.AddDate(0, 0, -5)))
	}
	baselines := computeBaselines(rows, now)

	for _, b := range baselines {
		if b.Neighborhood == "MISSION" {
			t.Fatalf("expected the 5-sample MISSION stratum to be suppressed below the 10-sample floor, got %+v", b)
		}
	}

	foundStationOnly := false
	for _, b := range baselines {
		if b.Station == "PLAN" && b.Neighborhood == "" {
			foundStationOnly = true
		}
	}
	if !foundStationOnly {
		t.Fatalf("expected a station-only fallback row for PLAN")
	}
}

func TestComputeBaselinesFlagsLowConfidenceUnderSampleFloor(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var rows []routingRow
	for i := 0; i < 5; i++ {
		rows = append(rows, mkRow("P", "PLAN", "", 0, now.AddDate(0, 0, -10), now.AddDate(0, 0, -5)))
	}
	baselines := computeBaselines(rows, now)

	var current *models.VelocityBaseline
	for i := range baselines {
		if baselines[i].Period == models.PeriodCurrent {
			current = &baselines[i]
		}
	}
	if current == nil {
		t.Fatalf("expected a current-period row")
	}
	if !current.LowConfidence {
		t.Fatalf("expected low_confidence=true with only 5 samples after auto-widen")
	}
	if current.WindowDays != autoWidenWindowDays {
		t.Fatalf("expected the window to auto-widen to %d days, got %d", autoWidenWindowDays, current.WindowDays)
	}

	var baseline *models.VelocityBaseline
	for i := range baselines {
		if baselines[i].Period == models.PeriodBaseline {
			baseline = &baselines[i]
		}
	}
	if baseline == nil {
		t.Fatalf("expected a baseline-period row")
	}
	if !baseline.LowConfidence {
		t.Fatalf("expected low_confidence=true on the baseline row with only 5 samples (floor is %d)", minSampleFloor)
	}
}

func TestCycleTypeSplitsInitialAndRevision(t *testing.T) {
	if cycleType(0) != models.CycleInitial {
		t.Fatalf("addenda_number 0 must be initial")
	}
	if cycleType(1) != models.CycleRevision {
		t.Fatalf("addenda_number >=1 must be revision")
	}
}
