package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/cityworks/permit-pipeline/internal/soda"
)

func TestBuildingContactsLoaderUpsertSkipsValidationErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewStore(db)
	loader := &BuildingContactsLoader{DatasetIDValue: "3pee-9qhc", Store: store}

	mock.ExpectExec("INSERT INTO contacts").WillReturnResult(sqlmock.NewResult(1, 1))

	records := []soda.Record{
		soda.ParseRecord(`{"permit_number":"P1","role":"Contractor","pts_agent_id":"A1"}`),
		soda.ParseRecord(`{"role":"Contractor"}`), // missing permit_number: skipped
	}
	skipped, err := loader.Upsert(context.Background(), records)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("expected 1 skipped row (missing permit_number), got %d", skipped)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIngestLogRecordSuccessAndFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewStore(db)

	mock.ExpectExec("INSERT INTO ingest_log").WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.RecordSuccess(context.Background(), "permits", 100, 2, 5*time.Second); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	mock.ExpectExec("INSERT INTO ingest_log").WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.RecordFailure(context.Background(), "permits", context.DeadlineExceeded); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
