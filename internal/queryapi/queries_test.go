package queryapi

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestStationsForTriggersDedupes(t *testing.T) {
	stations := stationsForTriggers([]string{"electrical", "plumbing", "electrical"})
	seen := map[string]int{}
	for _, s := range stations {
		seen[s]++
	}
	for s, n := range seen {
		if n > 1 {
			t.Fatalf("expected station %s to appear once, got %d", s, n)
		}
	}
	if seen["DBI"] == 0 {
		t.Fatalf("expected DBI to be included for both electrical and plumbing triggers")
	}
}

func TestStationsForTriggersUnknownTriggerYieldsNoStations(t *testing.T) {
	stations := stationsForTriggers([]string{"not_a_real_trigger"})
	if len(stations) != 0 {
		t.Fatalf("expected no stations for an unknown trigger, got %v", stations)
	}
}

// TestDiagnoseStuckPermitNeverReportsStuckWithoutSufficientSamples proves a
// station sitting open for a long time is never classified "stuck" when its
// only matching velocity_baseline row is low_confidence (i.e. there is no
// row meeting the low_confidence = false filter), per the testable property
// that a "stuck" verdict always implies a minimum sample count backed it.
func TestDiagnoseStuckPermitNeverReportsStuckWithoutSufficientSamples(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	api := New(db, "postgres")

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	arrive := now.AddDate(0, 0, -400) // far past any plausible p50/p75, to prove it's the filter, not the math

	mock.ExpectQuery("SELECT status FROM permits").
		WithArgs("P1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_review"))

	mock.ExpectQuery("SELECT station, arrive_date FROM addenda_routing").
		WithArgs("P1").
		WillReturnRows(sqlmock.NewRows([]string{"station", "arrive_date"}).AddRow("DBI", arrive))

	// No row satisfies "low_confidence = false", so both lookups come back empty.
	mock.ExpectQuery("SELECT p50_days FROM velocity_baseline").
		WithArgs("DBI").
		WillReturnRows(sqlmock.NewRows([]string{"p50_days"}))
	mock.ExpectQuery("SELECT p75_days FROM velocity_baseline").
		WithArgs("DBI").
		WillReturnRows(sqlmock.NewRows([]string{"p75_days"}))

	pb, err := api.DiagnoseStuckPermit(context.Background(), "P1", now)
	if err != nil {
		t.Fatalf("DiagnoseStuckPermit: %v", err)
	}
	if len(pb.Stations) != 1 {
		t.Fatalf("expected 1 station status, got %d", len(pb.Stations))
	}
	if pb.Stations[0].Classification != "normal" {
		t.Fatalf("expected classification normal without a low_confidence=false baseline row, got %q", pb.Stations[0].Classification)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
