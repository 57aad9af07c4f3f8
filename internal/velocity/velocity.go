// Package velocity implements the Velocity Computer (§4.5): a rolling-window
// percentile aggregator over addenda_routing, per station and (optionally)
// per (station, neighborhood).
package velocity

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cityworks/permit-pipeline/internal/database"
	"github.com/cityworks/permit-pipeline/internal/logging"
	"github.com/cityworks/permit-pipeline/internal/models"
)

const (
	minSampleFloor       = 30
	stratifiedMinSamples = 10
	currentWindowDays    = 90
	autoWidenWindowDays  = 180
	baselineWindowDays   = 365
)

type routingRow struct {
	permitNumber  string
	station       string
	neighborhood  string
	addendaNumber int
	arriveDate    time.Time
	finishDate    time.Time
}

// Computer rebuilds velocity_baseline from addenda_routing.
type Computer struct {
	db  *sql.DB
	log *logging.Logger
}

func New(db *sql.DB, log *logging.Logger) *Computer {
	return &Computer{db: db, log: log}
}

// Run applies the pre-filters, dedupes reassignments, and emits one
// velocity_baseline row per (station, neighborhood?, period, cycle_type)
// with sufficient samples (§4.5).
func (c *Computer) Run(ctx context.Context, now time.Time) (int64, error) {
	rows, err := c.loadRows(ctx)
	if err != nil {
		return 0, fmt.Errorf("load addenda routing rows: %w", err)
	}

	rows = filterRows(rows)
	rows = dedupeReassignments(rows)

	baselines := computeBaselines(rows, now)

	n, err := c.swap(ctx, baselines)
	if err != nil {
		return 0, err
	}
	c.log.WithContext(ctx).Infof("velocity computer: %d baseline rows computed", n)
	return n, nil
}

func (c *Computer) loadRows(ctx context.Context) ([]routingRow, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT ar.permit_number, ar.station, p.neighborhood, ar.addenda_number,
		       ar.arrive_date, ar.finish_date, ar.review_result
		FROM addenda_routing ar
		JOIN permits p ON p.permit_number = ar.permit_number
		WHERE ar.station IS NOT NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []routingRow
	for rows.Next() {
		var r routingRow
		var station sql.NullString
		var arrive, finish sql.NullTime
		var reviewResult sql.NullString
		if err := rows.Scan(&r.permitNumber, &station, &r.neighborhood, &r.addendaNumber,
			&arrive, &finish, &reviewResult); err != nil {
			return nil, err
		}
		if !station.Valid || !arrive.Valid || !finish.Valid {
			continue
		}
		r.station = station.String
		r.arriveDate = arrive.Time
		r.finishDate = finish.Time
		if reviewResult.Valid && (reviewResult.String == "Not Applicable" || reviewResult.String == "Administrative") {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var cutoff2018 = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)

// filterRows applies §4.5's pre-filters: sparse/inconsistent history before
// 2018, pass-through review results (already excluded at load time), null
// station (excluded at load time), and implausible durations.
func filterRows(rows []routingRow) []routingRow {
	var out []routingRow
	for _, r := range rows {
		if r.arriveDate.Before(cutoff2018) {
			continue
		}
		duration := r.finishDate.Sub(r.arriveDate).Hours() / 24
		if duration < 0 || duration > 365 {
			continue
		}
		out = append(out, r)
	}
	return out
}

// dedupeReassignments keeps the row with the latest non-null finish_date for
// each (permit_number, station, addenda_number) (§4.5).
func dedupeReassignments(rows []routingRow) []routingRow {
	type key struct {
		permit   string
		station  string
		addendum int
	}
	best := map[key]routingRow{}
	for _, r := range rows {
		k := key{r.permitNumber, r.station, r.addendaNumber}
		cur, ok := best[k]
		if !ok || r.finishDate.After(cur.finishDate) {
			best[k] = r
		}
	}
	out := make([]routingRow, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out
}

func cycleType(addendaNumber int) models.CycleType {
	if addendaNumber == 0 {
		return models.CycleInitial
	}
	return models.CycleRevision
}

type sampleSet struct {
	durations []float64
}

func (s *sampleSet) add(d float64) { s.durations = append(s.durations, d) }

func (s *sampleSet) percentiles() (p25, p50, p75, p90 float64) {
	if len(s.durations) == 0 {
		return 0, 0, 0, 0
	}
	sorted := append([]float64(nil), s.durations...)
	sort.Float64s(sorted)
	return percentile(sorted, 25), percentile(sorted, 50), percentile(sorted, 75), percentile(sorted, 90)
}

// percentile interpolates linearly between the two closest ranks of an
// already-sorted slice (the same definition as Postgres's percentile_cont).
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// computeBaselines produces station-only and (station, neighborhood) rows
// for both the current and baseline windows, across initial and revision
// cycles (§4.5).
func computeBaselines(rows []routingRow, now time.Time) []models.VelocityBaseline {
	var out []models.VelocityBaseline

	byStationCycle := map[string]map[models.CycleType][]routingRow{}
	byStationHoodCycle := map[string]map[string]map[models.CycleType][]routingRow{}

	for _, r := range rows {
		ct := cycleType(r.addendaNumber)

		if byStationCycle[r.station] == nil {
			byStationCycle[r.station] = map[models.CycleType][]routingRow{}
		}
		byStationCycle[r.station][ct] = append(byStationCycle[r.station][ct], r)

		if r.neighborhood == "" {
			continue
		}
		if byStationHoodCycle[r.station] == nil {
			byStationHoodCycle[r.station] = map[string]map[models.CycleType][]routingRow{}
		}
		if byStationHoodCycle[r.station][r.neighborhood] == nil {
			byStationHoodCycle[r.station][r.neighborhood] = map[models.CycleType][]routingRow{}
		}
		byStationHoodCycle[r.station][r.neighborhood][ct] = append(byStationHoodCycle[r.station][r.neighborhood][ct], r)
	}

	for station, byCycle := range byStationCycle {
		for ct, group := range byCycle {
			out = append(out, baselineRowsFor(station, "", ct, group, now, false)...)
		}
	}
	for station, byHood := range byStationHoodCycle {
		for hood, byCycle := range byHood {
			for ct, group := range byCycle {
				out = append(out, baselineRowsFor(station, hood, ct, group, now, true)...)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Station != out[j].Station {
			return out[i].Station < out[j].Station
		}
		if out[i].Neighborhood != out[j].Neighborhood {
			return out[i].Neighborhood < out[j].Neighborhood
		}
		if out[i].Period != out[j].Period {
			return out[i].Period < out[j].Period
		}
		return out[i].CycleType < out[j].CycleType
	})
	return out
}

// baselineRowsFor emits the current and baseline rows for one
// (station, neighborhood?, cycle) group. Neighborhood-stratified rows are
// suppressed below stratifiedMinSamples (§4.5).
func baselineRowsFor(station, neighborhood string, ct models.CycleType, group []routingRow, now time.Time, stratified bool) []models.VelocityBaseline {
	var out []models.VelocityBaseline

	current, windowDays, lowConf := windowSamples(group, now, currentWindowDays)
	currentOK := len(current.durations) > 0 && (!stratified || len(current.durations) >= stratifiedMinSamples)
	if currentOK {
		p25, p50, p75, p90 := current.percentiles()
		out = append(out, models.VelocityBaseline{
			Station: station, Neighborhood: neighborhood, Period: models.PeriodCurrent, CycleType: ct,
			WindowDays: windowDays, SampleCount: len(current.durations),
			P25Days: p25, P50Days: p50, P75Days: p75, P90Days: p90,
			LowConfidence: lowConf, ComputedAt: now,
		})
	}

	baseline := windowSet(group, now, baselineWindowDays)
	if stratified && len(baseline.durations) < stratifiedMinSamples {
		return out
	}
	if len(baseline.durations) > 0 {
		p25, p50, p75, p90 := baseline.percentiles()
		out = append(out, models.VelocityBaseline{
			Station: station, Neighborhood: neighborhood, Period: models.PeriodBaseline, CycleType: ct,
			WindowDays: baselineWindowDays, SampleCount: len(baseline.durations),
			P25Days: p25, P50Days: p50, P75Days: p75, P90Days: p90,
			LowConfidence: len(baseline.durations) < minSampleFloor, ComputedAt: now,
		})
	}
	return out
}

// windowSamples implements the current window's auto-widen rule: start at
// 90 days, widen to 180 if under 30 samples, and flag low-confidence if
// still short after widening (§4.5).
func windowSamples(group []routingRow, now time.Time, days int) (*sampleSet, int, bool) {
	s := windowSet(group, now, days)
	if len(s.durations) >= minSampleFloor {
		return s, days, false
	}
	widened := windowSet(group, now, autoWidenWindowDays)
	if len(widened.durations) >= minSampleFloor {
		return widened, autoWidenWindowDays, false
	}
	return widened, autoWidenWindowDays, true
}

func windowSet(group []routingRow, now time.Time, days int) *sampleSet {
	cutoff := now.AddDate(0, 0, -days)
	s := &sampleSet{}
	for _, r := range group {
		if r.arriveDate.Before(cutoff) {
			continue
		}
		s.add(r.finishDate.Sub(r.arriveDate).Hours() / 24)
	}
	return s
}

// Trend classifies current p50 against baseline p50 per §4.5.
type Trend string

const (
	TrendSlower Trend = "slower"
	TrendFaster Trend = "faster"
	TrendNormal Trend = "normal"
)

func ClassifyTrend(currentP50, baselineP50 float64) Trend {
	if baselineP50 == 0 {
		return TrendNormal
	}
	delta := (currentP50 - baselineP50) / baselineP50
	switch {
	case delta > 0.15:
		return TrendSlower
	case delta < -0.15:
		return TrendFaster
	default:
		return TrendNormal
	}
}

// swap rebuilds velocity_baseline via the rebuild-then-swap discipline.
func (c *Computer) swap(ctx context.Context, baselines []models.VelocityBaseline) (int64, error) {
	return database.RebuildThenSwap(ctx, c.db, "velocity_baseline",
		func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `CREATE TABLE velocity_baseline_staging (LIKE velocity_baseline INCLUDING ALL)`)
			return err
		},
		func(ctx context.Context, tx *sql.Tx) (int64, error) {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO velocity_baseline_staging (
					station, neighborhood, period, cycle_type, window_days, sample_count,
					p25_days, p50_days, p75_days, p90_days, low_confidence, computed_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			`)
			if err != nil {
				return 0, err
			}
			defer stmt.Close()

			for _, b := range baselines {
				if _, err := stmt.ExecContext(ctx, b.Station, b.Neighborhood, b.Period, b.CycleType,
					b.WindowDays, b.SampleCount, b.P25Days, b.P50Days, b.P75Days, b.P90Days,
					b.LowConfidence, b.ComputedAt); err != nil {
					return 0, err
				}
			}
			return int64(len(baselines)), nil
		},
	)
}
