package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/cityworks/permit-pipeline/internal/config"
	"github.com/cityworks/permit-pipeline/internal/ingest"
	"github.com/cityworks/permit-pipeline/internal/logging"
	"github.com/cityworks/permit-pipeline/internal/pipeerr"
)

func testScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{StalenessDays: 2}
	log := logging.New("scheduler", "error", "text")
	store := ingest.NewStore(db)
	sched := New(db, cfg, log, nil, store, nil)
	return sched, mock
}

func TestRunStepRejectsUnknownStep(t *testing.T) {
	sched, _ := testScheduler(t)
	err := sched.RunStep(context.Background(), "not_a_real_step")
	if pipeerr.Kind(err) != "BadRequest" {
		t.Fatalf("expected BadRequest for an unknown step, got %v", err)
	}
}

func TestCheckStalenessFlagsOldAndMissingDatasets(t *testing.T) {
	sched, mock := testScheduler(t)

	fresh := time.Now().AddDate(0, 0, -1)
	stale := time.Now().AddDate(0, 0, -10)

	rows := sqlmock.NewRows([]string{"dataset_id", "last_success_at", "row_count", "skipped_count", "wall_time_ms", "last_error"}).
		AddRow("permits", fresh, 100, 0, 500, nil).
		AddRow("violations", stale, 50, 0, 300, nil).
		AddRow("inspections", nil, 0, 0, 0, "fetch failed")
	mock.ExpectQuery("SELECT dataset_id, last_success_at").WillReturnRows(rows)

	alerts, err := sched.CheckStaleness(context.Background())
	if err != nil {
		t.Fatalf("CheckStaleness: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 stale alerts (violations, inspections), got %d: %+v", len(alerts), alerts)
	}
	byDataset := map[string]bool{}
	for _, a := range alerts {
		byDataset[a.DatasetID] = true
	}
	if !byDataset["violations"] || !byDataset["inspections"] {
		t.Fatalf("expected alerts for violations and inspections, got %+v", alerts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSweepStuckJobsMarksOldRunningRows(t *testing.T) {
	sched, mock := testScheduler(t)

	mock.ExpectExec("UPDATE cron_log").WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := sched.SweepStuckJobs(context.Background())
	if err != nil {
		t.Fatalf("SweepStuckJobs: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows swept, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
