package database

import (
	"context"
	"database/sql"
	"fmt"
)

// RebuildThenSwap implements the §5 rebuild-then-swap discipline shared by
// the Entity Resolver, Graph Builder, Velocity Computer, and Signal
// Detector: it creates a `<table>_staging` table with the same shape as
// `<table>` (via createStaging, which should issue `CREATE TABLE ... LIKE`
// style DDL or rely on migrations having already created it), lets populate
// fill it with rows, then atomically renames staging into place and drops
// the previous live table.
//
// Readers that query `<table>` between the rename statements either see the
// fully-populated new table or the fully-populated old one; the transaction
// boundary guarantees no half-built state is observable, though in the
// single-digit-millisecond window around the RENAME statements a confused
// concurrent DDL reader may see the table vanish and should retry (callers
// surface this as pipeerr.NewUnavailable).
func RebuildThenSwap(ctx context.Context, db *sql.DB, table string, createStaging func(ctx context.Context, tx *sql.Tx) error, populate func(ctx context.Context, tx *sql.Tx) (int64, error)) (int64, error) {
	staging := table + "_staging"
	old := table + "_old"

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rebuild tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", staging)); err != nil {
		return 0, fmt.Errorf("drop stale staging table %s: %w", staging, err)
	}
	if err := createStaging(ctx, tx); err != nil {
		return 0, fmt.Errorf("create staging table %s: %w", staging, err)
	}

	affected, err := populate(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("populate staging table %s: %w", staging, err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", old)); err != nil {
		return 0, fmt.Errorf("drop old backup table %s: %w", old, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE IF EXISTS %s RENAME TO %s", table, old)); err != nil {
		return 0, fmt.Errorf("rename %s to %s: %w", table, old, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", staging, table)); err != nil {
		return 0, fmt.Errorf("rename %s to %s: %w", staging, table, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", old)); err != nil {
		return 0, fmt.Errorf("drop superseded table %s: %w", old, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rebuild swap for %s: %w", table, err)
	}
	return affected, nil
}
