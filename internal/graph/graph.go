// Package graph implements the Graph Builder (§4.4): a single set-based
// derivation of the weighted relationships table from contacts sharing a
// permit, plus the read-side neighbor/traversal/cluster queries the Query
// API drives off of it.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cityworks/permit-pipeline/internal/database"
	"github.com/cityworks/permit-pipeline/internal/logging"
	"github.com/cityworks/permit-pipeline/internal/models"
)

type permitMeta struct {
	permitType    string
	neighborhood  string
	filedDate     *time.Time
	estimatedCost float64
}

type edgeAccum struct {
	permits       map[string]bool
	permitTypes   map[string]bool
	neighborhoods map[string]bool
	dateStart     *time.Time
	dateEnd       *time.Time
	totalCost     float64
}

// Builder rebuilds the relationships table in full.
type Builder struct {
	db  *sql.DB
	log *logging.Logger
}

func New(db *sql.DB, log *logging.Logger) *Builder {
	return &Builder{db: db, log: log}
}

// Run materializes every unordered pair of entities sharing a permit (§4.4).
func (b *Builder) Run(ctx context.Context) (int64, error) {
	entityIDsByPermit, err := b.loadEntityIDsByPermit(ctx)
	if err != nil {
		return 0, fmt.Errorf("load contacts by permit: %w", err)
	}
	permits, err := b.loadPermitMeta(ctx)
	if err != nil {
		return 0, fmt.Errorf("load permit metadata: %w", err)
	}

	accum := buildEdges(entityIDsByPermit, permits)

	n, err := b.swap(ctx, accum)
	if err != nil {
		return 0, err
	}
	b.log.WithContext(ctx).Infof("graph builder: %d edges materialized", n)
	return n, nil
}

// buildEdges is the set-based derivation at the core of §4.4: for every
// permit with two or more distinct entities attached, emit every unordered
// pair (canonically a<b) and fold in that permit's metadata.
func buildEdges(entityIDsByPermit map[string][]models.BigInt, permits map[string]permitMeta) map[[2]models.BigInt]*edgeAccum {
	accum := map[[2]models.BigInt]*edgeAccum{}

	for permitNumber, ids := range entityIDsByPermit {
		if len(ids) < 2 {
			continue
		}
		meta := permits[permitNumber]
		sorted := append([]models.BigInt(nil), ids...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		for i := 0; i < len(sorted); i++ {
			for j := i + 1; j < len(sorted); j++ {
				key := [2]models.BigInt{sorted[i], sorted[j]}
				e, ok := accum[key]
				if !ok {
					e = &edgeAccum{
						permits:       map[string]bool{},
						permitTypes:   map[string]bool{},
						neighborhoods: map[string]bool{},
					}
					accum[key] = e
				}
				e.permits[permitNumber] = true
				if meta.permitType != "" {
					e.permitTypes[meta.permitType] = true
				}
				if meta.neighborhood != "" {
					e.neighborhoods[meta.neighborhood] = true
				}
				if meta.filedDate != nil {
					if e.dateStart == nil || meta.filedDate.Before(*e.dateStart) {
						e.dateStart = meta.filedDate
					}
					if e.dateEnd == nil || meta.filedDate.After(*e.dateEnd) {
						e.dateEnd = meta.filedDate
					}
				}
				e.totalCost += meta.estimatedCost
			}
		}
	}
	return accum
}

func (b *Builder) loadEntityIDsByPermit(ctx context.Context) (map[string][]models.BigInt, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT DISTINCT permit_number, entity_id FROM contacts WHERE entity_id IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]models.BigInt{}
	for rows.Next() {
		var permitNumber string
		var entityID models.BigInt
		if err := rows.Scan(&permitNumber, &entityID); err != nil {
			return nil, err
		}
		out[permitNumber] = append(out[permitNumber], entityID)
	}
	return out, rows.Err()
}

func (b *Builder) loadPermitMeta(ctx context.Context) (map[string]permitMeta, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT permit_number, permit_type, neighborhood, filed_date, estimated_cost FROM permits
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]permitMeta{}
	for rows.Next() {
		var m permitMeta
		var permitNumber string
		var cost sql.NullFloat64
		if err := rows.Scan(&permitNumber, &m.permitType, &m.neighborhood, &m.filedDate, &cost); err != nil {
			return nil, err
		}
		if cost.Valid {
			m.estimatedCost = cost.Float64
		}
		out[permitNumber] = m
	}
	return out, rows.Err()
}

// swap truncates and repopulates relationships via rebuild-then-swap, per
// §4.4's "truncate the edge table and repopulate" full-rebuild semantics.
func (b *Builder) swap(ctx context.Context, accum map[[2]models.BigInt]*edgeAccum) (int64, error) {
	return database.RebuildThenSwap(ctx, b.db, "relationships",
		func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `CREATE TABLE relationships_staging (LIKE relationships INCLUDING ALL)`)
			return err
		},
		func(ctx context.Context, tx *sql.Tx) (int64, error) {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO relationships_staging (
					entity_id_a, entity_id_b, shared_permits, permit_numbers, permit_types,
					date_range_start, date_range_end, total_estimated_cost, neighborhoods
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`)
			if err != nil {
				return 0, err
			}
			defer stmt.Close()

			keys := make([][2]models.BigInt, 0, len(accum))
			for k := range accum {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool {
				if keys[i][0] != keys[j][0] {
					return keys[i][0] < keys[j][0]
				}
				return keys[i][1] < keys[j][1]
			})

			for _, k := range keys {
				e := accum[k]
				permitNumbers := sortedKeys(e.permits)
				if len(permitNumbers) > 20 {
					permitNumbers = permitNumbers[:20]
				}
				if _, err := stmt.ExecContext(ctx, k[0], k[1], len(e.permits),
					strings.Join(permitNumbers, ","), strings.Join(sortedKeys(e.permitTypes), ","),
					e.dateStart, e.dateEnd, e.totalCost, strings.Join(sortedKeys(e.neighborhoods), ",")); err != nil {
					return 0, err
				}
			}
			return int64(len(keys)), nil
		},
	)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
