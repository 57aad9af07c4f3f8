// Package directory provides read access to the operator-maintained
// station_directory table, the only source of contact detail
// DiagnoseStuckPermit is allowed to surface (§4.7, Open Question 4): the
// pipeline never invents a phone number or email.
package directory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cityworks/permit-pipeline/internal/models"
)

// Directory looks up operator-entered station contacts.
type Directory struct {
	db *sql.DB
}

func New(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// Lookup returns the station's contact entry, or ok=false if the operator
// has not configured one for that station.
func (d *Directory) Lookup(ctx context.Context, station string) (models.StationContact, bool, error) {
	var c models.StationContact
	err := d.db.QueryRowContext(ctx, `
		SELECT station, name, phone, email FROM station_directory WHERE station = $1
	`, station).Scan(&c.Station, &c.Name, &c.Phone, &c.Email)
	if err == sql.ErrNoRows {
		return models.StationContact{}, false, nil
	}
	if err != nil {
		return models.StationContact{}, false, fmt.Errorf("lookup station directory for %s: %w", station, err)
	}
	return c, true, nil
}

// Upsert lets operators maintain the directory (no pipeline code writes to
// it on its own behalf).
func (d *Directory) Upsert(ctx context.Context, c models.StationContact) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO station_directory (station, name, phone, email)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (station) DO UPDATE SET name = EXCLUDED.name, phone = EXCLUDED.phone, email = EXCLUDED.email
	`, c.Station, c.Name, c.Phone, c.Email)
	return err
}
