// Package signals implements the Signal Detector (§4.6): per-permit health
// signals, per-property aggregation against open violations, and the
// compound property health tier.
package signals

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

type permitRow struct {
	permitNumber string
	status       string
	statusDate   *time.Time
	block        string
	lot          string
}

type routingRow struct {
	permitNumber string
	station      string
	arriveDate   *time.Time
	finishDate   *time.Time
	reviewResult *string
}

type inspectionRow struct {
	permitNumber   string
	inspectionDate *time.Time
	result         string
}

type violationRow struct {
	block  string
	lot    string
	status string
}

// Detector computes and rebuilds permit_signals and property_signals.
type Detector struct {
	db  *sql.DB
	log *logging.Logger
}

func New(db *sql.DB, log *logging.Logger) *Detector {
	return &Detector{db: db, log: log}
}

func (d *Detector) Run(ctx context.Context, now time.Time) (permitCount, propertyCount int64, err error) {
	permits, err := d.loadPermits(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load permits: %w", err)
	}
	routing, err := d.loadRouting(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load addenda routing: %w", err)
	}
	inspections, err := d.loadInspections(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load inspections: %w", err)
	}
	violations, err := d.loadViolations(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load violations: %w", err)
	}

	permitSignals := computePermitSignals(permits, routing, inspections, now)
	propertySignals := computePropertySignals(permits, permitSignals, violations, now)

	n1, err := d.swapPermitSignals(ctx, permitSignals)
	if err != nil {
		return 0, 0, err
	}
	n2, err := d.swapPropertySignals(ctx, propertySignals)
	if err != nil {
		return 0, 0, err
	}
	d.log.WithContext(ctx).Infof("signal detector: %d permit rows, %d property rows", n1, n2)
	return n1, n2, nil
}

func (d *Detector) loadPermits(ctx context.Context) ([]permitRow, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT permit_number, status, status_date, block, lot FROM permits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []permitRow
	for rows.Next() {
		var p permitRow
		var statusDate sql.NullTime
		if err := rows.Scan(&p.permitNumber, &p.status, &statusDate, &p.block, &p.lot); err != nil {
			return nil, err
		}
		if statusDate.Valid {
			p.statusDate = &statusDate.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *Detector) loadRouting(ctx context.Context) ([]routingRow, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT permit_number, station, arrive_date, finish_date, review_result FROM addenda_routing
		WHERE station IS NOT NULL
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
		if err := rows.Scan(&r.permitNumber, &station, &arrive, &finish, &reviewResult); err != nil {
			return nil, err
		}
		r.station = station.String
		if arrive.Valid {
			r.arriveDate = &arrive.Time
		}
		if finish.Valid {
			r.finishDate = &finish.Time
		}
		if reviewResult.Valid {
			r.reviewResult = &reviewResult.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *Detector) loadInspections(ctx context.Context) ([]inspectionRow, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT permit_number, inspection_date, result FROM inspections`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inspectionRow
	for rows.Next() {
		var r inspectionRow
		var inspDate sql.NullTime
		if err := rows.Scan(&r.permitNumber, &inspDate, &r.result); err != nil {
			return nil, err
		}
		if inspDate.Valid {
			r.inspectionDate = &inspDate.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *Detector) loadViolations(ctx context.Context) ([]violationRow, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT block, lot, status FROM violations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []violationRow
	for rows.Next() {
		var v violationRow
		if err := rows.Scan(&v.block, &v.lot, &v.status); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func isFinalInspection(result string) bool {
	r := strings.ToLower(strings.TrimSpace(result))
	return r == "complete" || r == "passed" || r == "pass" || r == "final"
}

// lastActivity = max(status_date, latest inspection date, latest addenda
// finish_date), the Open Question 3 decision for stale_with_activity.
func lastActivity(p permitRow, routing []routingRow, inspections []inspectionRow) *time.Time {
	var latest *time.Time
	consider := func(t *time.Time) {
		if t == nil {
			return
		}
		if latest == nil || t.After(*latest) {
			latest = t
		}
	}
	consider(p.statusDate)
	for _, r := range routing {
		if r.permitNumber == p.permitNumber {
			consider(r.finishDate)
		}
	}
	for _, i := range inspections {
		if i.permitNumber == p.permitNumber {
			consider(i.inspectionDate)
		}
	}
	return latest
}

var recentCutoff2020 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// computeSignalsForPermit derives the four boolean signals for one permit
// (§4.6). routing/inspections are pre-filtered to this permit by the caller.
func computeSignalsForPermit(p permitRow, routing []routingRow, inspections []inspectionRow, now time.Time) models.PermitSignals {
	sig := models.PermitSignals{PermitNumber: p.permitNumber, ComputedAt: now}
	var evidence []string

	// Holds are only computed for permits whose status is not expired, so a
	// single permit never carries both a hold and expired_uninspected.
	expired := strings.Contains(strings.ToLower(p.status), "expired")

	// hold_comments: the latest routing row at an open station (no
	// finish_date yet) has review_result = "Issued Comments".
	var latestOpen *routingRow
	for i := range routing {
		r := &routing[i]
		if r.finishDate != nil {
			continue
		}
		if latestOpen == nil || (r.arriveDate != nil && latestOpen.arriveDate != nil && r.arriveDate.After(*latestOpen.arriveDate)) {
			latestOpen = r
		}
	}
	if !expired && latestOpen != nil && latestOpen.reviewResult != nil && *latestOpen.reviewResult == "Issued Comments" {
		sig.HoldComments = true
		evidence = append(evidence, fmt.Sprintf("open hold at %s: Issued Comments", latestOpen.station))
	}

	// hold_stalled: a recent (>=2020) routing row has null review_result and
	// null finish_date and arrive_date >= 30 days ago.
	for _, r := range routing {
		if expired || r.finishDate != nil || r.reviewResult != nil || r.arriveDate == nil {
			continue
		}
		if r.arriveDate.Before(recentCutoff2020) {
			continue
		}
		if now.Sub(*r.arriveDate) >= 30*24*time.Hour {
			sig.HoldStalled = true
			evidence = append(evidence, fmt.Sprintf("stalled at %s since %s", r.station, r.arriveDate.Format("2006-01-02")))
			break
		}
	}

	// expired_uninspected: permit status indicates expired but no final
	// inspection exists.
	if expired {
		hasFinal := false
		for _, i := range inspections {
			if isFinalInspection(i.result) {
				hasFinal = true
				break
			}
		}
		if !hasFinal {
			sig.ExpiredUninspected = true
			evidence = append(evidence, "status expired, no final inspection on record")
		}
	}

	// stale_with_activity: status=issued, last activity 2-7 years ago, >=2
	// real inspections.
	if strings.EqualFold(p.status, "issued") {
		la := lastActivity(p, routing, inspections)
		if la != nil {
			age := now.Sub(*la)
			if age >= 2*365*24*time.Hour && age <= 7*365*24*time.Hour && len(inspections) >= 2 {
				sig.StaleWithActivity = true
				evidence = append(evidence, fmt.Sprintf("last activity %s, %d inspections on record", la.Format("2006-01-02"), len(inspections)))
			}
		}
	}

	sig.Evidence = strings.Join(evidence, "; ")
	return sig
}

func computePermitSignals(permits []permitRow, routing []routingRow, inspections []inspectionRow, now time.Time) []models.PermitSignals {
	routingByPermit := map[string][]routingRow{}
	for _, r := range routing {
		routingByPermit[r.permitNumber] = append(routingByPermit[r.permitNumber], r)
	}
	inspectionsByPermit := map[string][]inspectionRow{}
	for _, i := range inspections {
		inspectionsByPermit[i.permitNumber] = append(inspectionsByPermit[i.permitNumber], i)
	}

	out := make([]models.PermitSignals, 0, len(permits))
	for _, p := range permits {
		out = append(out, computeSignalsForPermit(p, routingByPermit[p.permitNumber], inspectionsByPermit[p.permitNumber], now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PermitNumber < out[j].PermitNumber })
	return out
}

func isOpenViolationStatus(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	return s != "closed" && s != "resolved" && s != "complied"
}

// healthTier applies §4.6's compound rule: count distinct AT_RISK-class
// signal types present, then classify. hold_comments and hold_stalled count
// as a single "hold" signal type so a permit with both doesn't
// double-count.
func healthTier(novOpen bool, signals []models.PermitSignals) (models.HealthTier, []string) {
	if len(signals) == 0 {
		return models.TierQuiet, nil
	}

	hold, expiredUninspected, staleWithActivity := false, false, false
	for _, s := range signals {
		if s.HoldComments || s.HoldStalled {
			hold = true
		}
		if s.ExpiredUninspected {
			expiredUninspected = true
		}
		if s.StaleWithActivity {
			staleWithActivity = true
		}
	}

	var pattern []string
	if hold {
		pattern = append(pattern, "hold")
	}
	if novOpen {
		pattern = append(pattern, "nov_open")
	}
	if expiredUninspected {
		pattern = append(pattern, "expired_uninspected")
	}
	if staleWithActivity {
		pattern = append(pattern, "stale_with_activity")
	}

	switch {
	case len(pattern) >= 2:
		return models.TierHighRisk, pattern
	case len(pattern) == 1 && pattern[0] == "hold":
		// hold_stalled alone (no other signal type) is BEHIND; hold_comments
		// alone is still an AT_RISK signal.
		onlyStalled := true
		for _, s := range signals {
			if s.HoldComments {
				onlyStalled = false
			}
		}
		if onlyStalled {
			return models.TierBehind, pattern
		}
		return models.TierAtRisk, pattern
	case len(pattern) == 1:
		return models.TierAtRisk, pattern
	default:
		return models.TierOnTrack, pattern
	}
}

func computePropertySignals(permits []permitRow, permitSignals []models.PermitSignals, violations []violationRow, now time.Time) []models.PropertySignals {
	signalsByPermit := map[string]models.PermitSignals{}
	for _, s := range permitSignals {
		signalsByPermit[s.PermitNumber] = s
	}

	type propKey struct{ block, lot string }
	byProp := map[propKey][]permitRow{}
	for _, p := range permits {
		if p.block == "" && p.lot == "" {
			continue
		}
		byProp[propKey{p.block, p.lot}] = append(byProp[propKey{p.block, p.lot}], p)
	}

	novByProp := map[propKey]bool{}
	for _, v := range violations {
		if v.block == "" && v.lot == "" {
			continue
		}
		if isOpenViolationStatus(v.status) {
			novByProp[propKey{v.block, v.lot}] = true
		}
	}
	for k := range novByProp {
		if _, ok := byProp[k]; !ok {
			byProp[k] = nil // property has an open violation but no tracked permit: still QUIET/has a row
		}
	}

	keys := make([]propKey, 0, len(byProp))
	for k := range byProp {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].block != keys[j].block {
			return keys[i].block < keys[j].block
		}
		return keys[i].lot < keys[j].lot
	})

	out := make([]models.PropertySignals, 0, len(keys))
	for _, k := range keys {
		permitsHere := byProp[k]
		var sigs []models.PermitSignals
		openPermits := 0
		for _, p := range permitsHere {
			if s, ok := signalsByPermit[p.permitNumber]; ok {
				sigs = append(sigs, s)
			}
			if !strings.Contains(strings.ToLower(p.status), "expired") && !strings.Contains(strings.ToLower(p.status), "complete") {
				openPermits++
			}
		}
		tier, pattern := healthTier(novByProp[k], sigs)
		out = append(out, models.PropertySignals{
			Block: k.block, Lot: k.lot,
			NOVOpen:     novByProp[k],
			OpenPermits: openPermits,
			HealthTier:  tier,
			Pattern:     pattern,
			ComputedAt:  now,
		})
	}
	return out
}

func (d *Detector) swapPermitSignals(ctx context.Context, rows []models.PermitSignals) (int64, error) {
	return database.RebuildThenSwap(ctx, d.db, "permit_signals",
		func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `CREATE TABLE permit_signals_staging (LIKE permit_signals INCLUDING ALL)`)
			return err
		},
		func(ctx context.Context, tx *sql.Tx) (int64, error) {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO permit_signals_staging (
					permit_number, hold_comments, hold_stalled, expired_uninspected,
					stale_with_activity, evidence, computed_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7)
			`)
			if err != nil {
				return 0, err
			}
			defer stmt.Close()
			for _, r := range rows {
				if _, err := stmt.ExecContext(ctx, r.PermitNumber, r.HoldComments, r.HoldStalled,
					r.ExpiredUninspected, r.StaleWithActivity, r.Evidence, r.ComputedAt); err != nil {
					return 0, err
				}
			}
			return int64(len(rows)), nil
		},
	)
}

func (d *Detector) swapPropertySignals(ctx context.Context, rows []models.PropertySignals) (int64, error) {
	return database.RebuildThenSwap(ctx, d.db, "property_signals",
		func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `CREATE TABLE property_signals_staging (LIKE property_signals INCLUDING ALL)`)
			return err
		},
		func(ctx context.Context, tx *sql.Tx) (int64, error) {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO property_signals_staging (
					block, lot, nov_open, open_permits, health_tier, pattern, computed_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7)
			`)
			if err != nil {
				return 0, err
			}
			defer stmt.Close()
			for _, r := range rows {
				if _, err := stmt.ExecContext(ctx, r.Block, r.Lot, r.NOVOpen, r.OpenPermits,
					r.HealthTier, strings.Join(r.Pattern, ","), r.ComputedAt); err != nil {
					return 0, err
				}
			}
			return int64(len(rows)), nil
		},
	)
}
