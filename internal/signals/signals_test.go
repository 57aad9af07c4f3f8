package signals

import (
	"testing"
	"time"

	"github.com/cityworks/permit-pipeline/internal/models"
)

func tp(t time.Time) *time.Time { return &t }
func sp(s string) *string       { return &s }

func TestHoldCommentsAtOpenStation(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := permitRow{permitNumber: "P1", status: "issued"}
	routing := []routingRow{
		{permitNumber: "P1", station: "PLAN", arriveDate: tp(now.AddDate(0, 0, -10)), reviewResult: sp("Issued Comments")},
	}
	sig := computeSignalsForPermit(p, routing, nil, now)
	if !sig.HoldComments {
		t.Fatalf("expected hold_comments=true for an open routing row with Issued Comments")
	}
}

func TestHoldStalledRequiresRecentAndOldEnough(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := permitRow{permitNumber: "P1", status: "issued"}
	routing := []routingRow{
		{permitNumber: "P1", station: "PLAN", arriveDate: tp(now.AddDate(0, 0, -40))},
	}
	sig := computeSignalsForPermit(p, routing, nil, now)
	if !sig.HoldStalled {
		t.Fatalf("expected hold_stalled=true for a 40-day-old open routing row with no review_result")
	}
}

func TestHoldStalledExcludesPre2020(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := permitRow{permitNumber: "P1", status: "issued"}
	routing := []routingRow{
		{permitNumber: "P1", station: "PLAN", arriveDate: tp(time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC))},
	}
	sig := computeSignalsForPermit(p, routing, nil, now)
	if sig.HoldStalled {
		t.Fatalf("expected hold_stalled=false for a pre-2020 routing row")
	}
}

func TestExpiredUninspected(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := permitRow{permitNumber: "P1", status: "Expired"}
	sig := computeSignalsForPermit(p, nil, nil, now)
	if !sig.ExpiredUninspected {
		t.Fatalf("expected expired_uninspected=true when no final inspection exists")
	}

	sig2 := computeSignalsForPermit(p, nil, []inspectionRow{{permitNumber: "P1", result: "Complete"}}, now)
	if sig2.ExpiredUninspected {
		t.Fatalf("expected expired_uninspected=false once a final inspection exists")
	}
}

func TestStaleWithActivityRequiresTwoInspectionsAndAgeWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := permitRow{permitNumber: "P1", status: "issued", statusDate: tp(now.AddDate(-3, 0, 0))}
	inspections := []inspectionRow{
		{permitNumber: "P1", inspectionDate: tp(now.AddDate(-3, 0, 0)), result: "Passed"},
		{permitNumber: "P1", inspectionDate: tp(now.AddDate(-3, 1, 0)), result: "Passed"},
	}
	sig := computeSignalsForPermit(p, nil, inspections, now)
	if !sig.StaleWithActivity {
		t.Fatalf("expected stale_with_activity=true for a 3-year-old issued permit with 2 inspections")
	}

	tooRecent := permitRow{permitNumber: "P2", status: "issued", statusDate: tp(now.AddDate(-1, 0, 0))}
	sig2 := computeSignalsForPermit(tooRecent, nil, inspections, now)
	if sig2.StaleWithActivity {
		t.Fatalf("expected stale_with_activity=false for activity only 1 year ago")
	}
}

func TestHealthTierHighRiskRequiresTwoSignalTypes(t *testing.T) {
	signals := []models.PermitSignals{{HoldComments: true, StaleWithActivity: true}}
	tier, pattern := healthTier(false, signals)
	if tier != models.TierHighRisk {
		t.Fatalf("expected HIGH_RISK for hold+stale_with_activity, got %s (%v)", tier, pattern)
	}
}

func TestHealthTierBehindIsHoldStalledOnly(t *testing.T) {
	signals := []models.PermitSignals{{HoldStalled: true}}
	tier, _ := healthTier(false, signals)
	if tier != models.TierBehind {
		t.Fatalf("expected BEHIND for hold_stalled alone, got %s", tier)
	}
}

func TestHealthTierOnTrackWithNoSignals(t *testing.T) {
	signals := []models.PermitSignals{{}}
	tier, pattern := healthTier(false, signals)
	if tier != models.TierOnTrack || len(pattern) != 0 {
		t.Fatalf("expected ON_TRACK with no pattern, got %s (%v)", tier, pattern)
	}
}

func TestHealthTierQuietWithNoPermits(t *testing.T) {
	tier, _ := healthTier(false, nil)
	if tier != models.TierQuiet {
		t.Fatalf("expected QUIET with no permits, got %s", tier)
	}
}

func TestHealthTierCountsHoldAndExpiredAcrossPermitsAsHighRisk(t *testing.T) {
	// A permit can't simultaneously carry an open hold and be
	// expired-uninspected; even if upstream data somehow produced both
	// flags on two different permits at the same property, the pattern
	// still reflects both present as two distinct AT_RISK-class signals
	// (HIGH_RISK), which is the defined behavior for 2+ signal types.
	signals := []models.PermitSignals{{HoldComments: true}, {ExpiredUninspected: true}}
	tier, pattern := healthTier(false, signals)
	if tier != models.TierHighRisk {
		t.Fatalf("expected HIGH_RISK when hold and expired_uninspected both present across permits, got %s", tier)
	}
	if len(pattern) != 2 {
		t.Fatalf("expected exactly 2 pattern entries, got %v", pattern)
	}
}
