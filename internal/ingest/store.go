// Package ingest implements the per-dataset loaders of §4.2: each one reads
// a delta cursor from ingest_log, fetches new/changed rows through the
// Source Client, transforms them into the unified schema, and upserts by
// natural key.
package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cityworks/permit-pipeline/internal/models"
)

// Store provides the raw-table upsert and ingest_log operations shared by
// every loader.
type Store struct {
	db *sql.DB
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// LastSuccess reads the last-successful-fetch timestamp for dataset, or nil
// if the dataset has never ingested successfully.
func (s *Store) LastSuccess(ctx context.Context, datasetID string) (*time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT last_success_at FROM ingest_log WHERE dataset_id = $1`, datasetID,
	).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ingest_log for %s: %w", datasetID, err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// AllIngestLogs returns every dataset's ingest_log row, for the Scheduler's
// staleness alarm (§4.8).
func (s *Store) AllIngestLogs(ctx context.Context) ([]models.IngestLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dataset_id, last_success_at, row_count, skipped_count, wall_time_ms, last_error
		FROM ingest_log
	`)
	if err != nil {
		return nil, fmt.Errorf("read ingest_log: %w", err)
	}
	defer rows.Close()

	var out []models.IngestLog
	for rows.Next() {
		var l models.IngestLog
		var lastSuccess sql.NullTime
		var lastError sql.NullString
		if err := rows.Scan(&l.DatasetID, &lastSuccess, &l.RowCount, &l.SkippedCount, &l.WallTimeMS, &lastError); err != nil {
			return nil, err
		}
		if lastSuccess.Valid {
			l.LastSuccessAt = &lastSuccess.Time
		}
		l.LastError = lastError.String
		out = append(out, l)
	}
	return out, rows.Err()
}

// RecordSuccess upserts an ingest_log row after a successful run.
func (s *Store) RecordSuccess(ctx context.Context, datasetID string, rowCount, skippedCount int, wallTime time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_log (dataset_id, last_success_at, row_count, skipped_count, wall_time_ms, last_error)
		VALUES ($1, now(), $2, $3, $4, NULL)
		ON CONFLICT (dataset_id) DO UPDATE SET
			last_success_at = EXCLUDED.last_success_at,
			row_count = EXCLUDED.row_count,
			skipped_count = EXCLUDED.skipped_count,
			wall_time_ms = EXCLUDED.wall_time_ms,
			last_error = NULL
	`, datasetID, rowCount, skippedCount, wallTime.Milliseconds())
	return err
}

// RecordFailure leaves the prior ingest_log row's timestamp untouched but
// records the error, per §4.2's "on failure, leaves the prior row in place"
// rule.
func (s *Store) RecordFailure(ctx context.Context, datasetID string, cause error) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_log (dataset_id, last_success_at, row_count, skipped_count, wall_time_ms, last_error)
		VALUES ($1, NULL, 0, 0, 0, $2)
		ON CONFLICT (dataset_id) DO UPDATE SET last_error = EXCLUDED.last_error
	`, datasetID, cause.Error())
	return err
}

// UpsertContact inserts or replaces a contact row keyed by (source, permit_number, row_position).
func (s *Store) UpsertContact(ctx context.Context, c models.Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (
			source, permit_number, row_position, role, name, first_name, last_name, firm_name,
			pts_agent_id, license_number, sf_business_license, phone,
			address_line1, address_city, address_state, address_zip,
			is_applicant, from_date, data_as_of
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (source, permit_number, row_position) DO UPDATE SET
			role = EXCLUDED.role,
			name = EXCLUDED.name,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			firm_name = EXCLUDED.firm_name,
			pts_agent_id = EXCLUDED.pts_agent_id,
			license_number = EXCLUDED.license_number,
			sf_business_license = EXCLUDED.sf_business_license,
			phone = EXCLUDED.phone,
			address_line1 = EXCLUDED.address_line1,
			address_city = EXCLUDED.address_city,
			address_state = EXCLUDED.address_state,
			address_zip = EXCLUDED.address_zip,
			is_applicant = EXCLUDED.is_applicant,
			from_date = EXCLUDED.from_date,
			data_as_of = EXCLUDED.data_as_of
		WHERE contacts.data_as_of <= EXCLUDED.data_as_of
	`, c.Source, c.PermitNumber, c.RowPosition, c.Role, c.Name, c.FirstName, c.LastName, c.FirmName,
		c.PTSAgentID, c.LicenseNumber, c.SFBusinessLicense, c.Phone,
		c.AddressLine1, c.AddressCity, c.AddressState, c.AddressZip,
		c.IsApplicant, c.FromDate, c.DataAsOf)
	return err
}

// UpsertPermit inserts or replaces a permit row keyed by permit_number.
func (s *Store) UpsertPermit(ctx context.Context, p models.Permit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permits (
			permit_number, permit_type, status, filed_date, issued_date, approved_date,
			completed_date, estimated_cost, address_line1, neighborhood, block, lot,
			status_date, data_as_of
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (permit_number) DO UPDATE SET
			permit_type = EXCLUDED.permit_type,
			status = EXCLUDED.status,
			filed_date = EXCLUDED.filed_date,
			issued_date = EXCLUDED.issued_date,
			approved_date = EXCLUDED.approved_date,
			completed_date = EXCLUDED.completed_date,
			estimated_cost = EXCLUDED.estimated_cost,
			address_line1 = EXCLUDED.address_line1,
			neighborhood = EXCLUDED.neighborhood,
			block = EXCLUDED.block,
			lot = EXCLUDED.lot,
			status_date = EXCLUDED.status_date,
			data_as_of = EXCLUDED.data_as_of
		WHERE permits.data_as_of <= EXCLUDED.data_as_of
	`, p.PermitNumber, p.PermitType, p.Status, p.FiledDate, p.IssuedDate, p.ApprovedDate,
		p.CompletedDate, p.EstimatedCost, p.AddressLine1, p.Neighborhood, p.Block, p.Lot,
		p.StatusDate, p.DataAsOf)
	return err
}

// UpsertInspection inserts or replaces an inspection row.
func (s *Store) UpsertInspection(ctx context.Context, insp models.Inspection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inspections (reference_number, permit_number, inspection_type, result, inspection_date, data_as_of)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (reference_number, permit_number, inspection_date) DO UPDATE SET
			inspection_type = EXCLUDED.inspection_type,
			result = EXCLUDED.result,
			data_as_of = EXCLUDED.data_as_of
		WHERE inspections.data_as_of <= EXCLUDED.data_as_of
	`, insp.ReferenceNumber, insp.PermitNumber, insp.InspectionType, insp.Result, insp.InspectionDate, insp.DataAsOf)
	return err
}

// UpsertAddendaRouting inserts or replaces an addenda routing row.
func (s *Store) UpsertAddendaRouting(ctx context.Context, ar models.AddendaRouting) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO addenda_routing (
			permit_number, station, addenda_number, arrive_date, finish_date,
			review_result, hold_description, reviewer, data_as_of
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (permit_number, station, addenda_number, arrive_date) DO UPDATE SET
			finish_date = EXCLUDED.finish_date,
			review_result = EXCLUDED.review_result,
			hold_description = EXCLUDED.hold_description,
			reviewer = EXCLUDED.reviewer,
			data_as_of = EXCLUDED.data_as_of
		WHERE addenda_routing.data_as_of <= EXCLUDED.data_as_of
	`, ar.PermitNumber, ar.Station, ar.AddendaNumber, ar.ArriveDate, ar.FinishDate,
		ar.ReviewResult, ar.HoldDescription, ar.Reviewer, ar.DataAsOf)
	return err
}

// UpsertViolation inserts or replaces a notice-of-violation row.
func (s *Store) UpsertViolation(ctx context.Context, v models.Violation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO violations (violation_number, block, lot, street_number, street_name, status, date_filed, data_as_of)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (violation_number) DO UPDATE SET
			block = EXCLUDED.block,
			lot = EXCLUDED.lot,
			street_number = EXCLUDED.street_number,
			street_name = EXCLUDED.street_name,
			status = EXCLUDED.status,
			date_filed = EXCLUDED.date_filed,
			data_as_of = EXCLUDED.data_as_of
		WHERE violations.data_as_of <= EXCLUDED.data_as_of
	`, v.ViolationNumber, v.Block, v.Lot, v.StreetNumber, v.StreetName, v.Status, v.DateFiled, v.DataAsOf)
	return err
}
