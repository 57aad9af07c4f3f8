// Package queryapi implements the read-only Query API (§4.7) consumed by
// the web and tool layers: entity search, N-hop network, inspector links,
// cluster discovery, anomaly scan, stuck-permit diagnosis, and timeline
// estimation. No operation here mutates state.
package queryapi

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cityworks/permit-pipeline/internal/directory"
	"github.com/cityworks/permit-pipeline/internal/graph"
	"github.com/cityworks/permit-pipeline/internal/models"
	"github.com/cityworks/permit-pipeline/internal/pipeerr"
)

// API serves every read-only operation of §4.7.
type API struct {
	db        *sqlx.DB
	graphR    *graph.Reader
	directory *directory.Directory
}

func New(db *sql.DB, driverName string) *API {
	sx := sqlx.NewDb(db, driverName)
	return &API{db: sx, graphR: graph.NewReader(db), directory: directory.New(db)}
}

// EntitySearchResult is one row of SearchEntity's result.
type EntitySearchResult struct {
	EntityID      models.BigInt `db:"entity_id" json:"entity_id"`
	CanonicalName string        `db:"canonical_name" json:"canonical_name"`
	CanonicalFirm string        `db:"canonical_firm" json:"canonical_firm"`
	EntityType    string        `db:"entity_type" json:"entity_type"`
	PermitCount   int           `db:"permit_count" json:"permit_count"`
	ContactCount  int           `db:"contact_count" json:"contact_count"`
}

// SearchEntity does a LIKE/ILIKE search over canonical_name and
// canonical_firm, ranked by permit_count desc, returning at most 20 rows.
func (a *API) SearchEntity(ctx context.Context, name, entityType string) ([]EntitySearchResult, error) {
	query := `
		SELECT entity_id, canonical_name, canonical_firm, entity_type, permit_count, contact_count
		FROM entities
		WHERE (canonical_name ILIKE $1 OR canonical_firm ILIKE $1)
	`
	args := []interface{}{"%" + name + "%"}
	if entityType != "" {
		query += " AND entity_type = $2"
		args = append(args, entityType)
	}
	query += " ORDER BY permit_count DESC LIMIT 20"

	var out []EntitySearchResult
	if err := a.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("search entity: %w", err)
	}
	return out, nil
}

// EntityNetwork delegates to the Graph Builder's frontier BFS (§4.4, §4.7).
func (a *API) EntityNetwork(ctx context.Context, entityID models.BigInt, hops int) (*graph.Network, error) {
	if hops < 1 {
		hops = 1
	}
	if hops > 3 {
		hops = 3
	}
	return a.graphR.EntityNetwork(ctx, entityID, hops)
}

// FindClusters delegates to the Graph Builder's connected-components BFS.
// entityType, when non-empty, restricts clusters to entities of that type.
func (a *API) FindClusters(ctx context.Context, minSize, minWeight int, entityType string) ([]graph.Cluster, error) {
	return a.graphR.FindClusters(ctx, minWeight, minSize, entityType)
}

// InspectorLink is one (entity, shared_permit_count) result row.
type InspectorLink struct {
	EntityID          models.BigInt `db:"entity_id" json:"entity_id"`
	CanonicalName     string        `db:"canonical_name" json:"canonical_name"`
	CanonicalFirm     string        `db:"canonical_firm" json:"canonical_firm"`
	SharedPermitCount int           `db:"shared_permit_count" json:"shared_permit_count"`
}

// InspectorContractorLinks traces reviewer -> routed permits -> contacts on
// those permits -> entities (§4.7). "Inspector" here is the reviewer of
// record on addenda_routing, the only reviewer identity the raw datasets
// carry.
func (a *API) InspectorContractorLinks(ctx context.Context, inspectorName string) ([]InspectorLink, error) {
	var out []InspectorLink
	err := a.db.SelectContext(ctx, &out, `
		SELECT c.entity_id AS entity_id, e.canonical_name, e.canonical_firm,
		       count(DISTINCT c.permit_number) AS shared_permit_count
		FROM addenda_routing ar
		JOIN contacts c ON c.permit_number = ar.permit_number AND c.entity_id IS NOT NULL
		JOIN entities e ON e.entity_id = c.entity_id
		WHERE ar.reviewer ILIKE $1
		GROUP BY c.entity_id, e.canonical_name, e.canonical_firm
		ORDER BY shared_permit_count DESC
	`, "%"+inspectorName+"%")
	if err != nil {
		return nil, fmt.Errorf("inspector contractor links: %w", err)
	}
	return out, nil
}

// AnomalyScan is the four-category result of §4.7's AnomalyScan.
type AnomalyScan struct {
	HighVolume              []EntitySearchResult `json:"high_volume"`
	InspectorConcentration  []EntitySearchResult `json:"inspector_concentration"`
	GeographicConcentration []EntitySearchResult `json:"geographic_concentration"`
	FastApprovals           []string             `json:"fast_approvals"`
}

// AnomalyScan surfaces four categories of outlier activity (§4.7).
func (a *API) AnomalyScan(ctx context.Context, minPermits int) (*AnomalyScan, error) {
	var highVolume []EntitySearchResult
	err := a.db.SelectContext(ctx, &highVolume, `
		SELECT e.entity_id, e.canonical_name, e.canonical_firm, e.entity_type, e.permit_count, e.contact_count
		FROM entities e
		JOIN (
			SELECT entity_type, percentile_cont(0.5) WITHIN GROUP (ORDER BY permit_count) AS median
			FROM entities GROUP BY entity_type
		) m ON m.entity_type = e.entity_type
		WHERE e.permit_count > 3 * m.median AND e.permit_count >= $1
		ORDER BY e.permit_count DESC
	`, minPermits)
	if err != nil {
		return nil, fmt.Errorf("anomaly scan high volume: %w", err)
	}

	var inspectorConcentration []EntitySearchResult
	err = a.db.SelectContext(ctx, &inspectorConcentration, `
		SELECT e.entity_id, e.canonical_name, e.canonical_firm, e.entity_type, e.permit_count, e.contact_count
		FROM entities e
		WHERE e.permit_count >= $1 AND EXISTS (
			SELECT 1 FROM (
				SELECT ar.reviewer, count(DISTINCT ar.permit_number) AS n
				FROM addenda_routing ar
				JOIN contacts c ON c.permit_number = ar.permit_number
				WHERE c.entity_id = e.entity_id AND ar.reviewer <> ''
				GROUP BY ar.reviewer
			) rev, (
				SELECT count(DISTINCT ar.permit_number) AS total
				FROM addenda_routing ar
				JOIN contacts c ON c.permit_number = ar.permit_number
				WHERE c.entity_id = e.entity_id AND ar.reviewer <> ''
			) tot WHERE rev.n::float / nullif(tot.total, 0) >= 0.5
		)
		ORDER BY e.permit_count DESC
	`, minPermits)
	if err != nil {
		return nil, fmt.Errorf("anomaly scan inspector concentration: %w", err)
	}

	var geoConcentration []EntitySearchResult
	err = a.db.SelectContext(ctx, &geoConcentration, `
		SELECT e.entity_id, e.canonical_name, e.canonical_firm, e.entity_type, e.permit_count, e.contact_count
		FROM entities e
		WHERE e.permit_count >= $1 AND EXISTS (
			SELECT 1 FROM (
				SELECT c.entity_id, p.neighborhood, count(DISTINCT c.permit_number) AS n,
				       sum(count(DISTINCT c.permit_number)) OVER (PARTITION BY c.entity_id) AS total
				FROM contacts c JOIN permits p ON p.permit_number = c.permit_number
				WHERE c.entity_id = e.entity_id
				GROUP BY c.entity_id, p.neighborhood
			) hood WHERE hood.n::float / nullif(hood.total, 0) >= 0.8
		)
		ORDER BY e.permit_count DESC
	`, minPermits)
	if err != nil {
		return nil, fmt.Errorf("anomaly scan geographic concentration: %w", err)
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT permit_number FROM permits
		WHERE filed_date IS NOT NULL AND issued_date IS NOT NULL
		  AND issued_date - filed_date < interval '7 days'
		  AND estimated_cost > 100000
		ORDER BY permit_number
	`)
	if err != nil {
		return nil, fmt.Errorf("anomaly scan fast approvals: %w", err)
	}
	defer rows.Close()
	var fastApprovals []string
	for rows.Next() {
		var permitNumber string
		if err := rows.Scan(&permitNumber); err != nil {
			return nil, err
		}
		fastApprovals = append(fastApprovals, permitNumber)
	}

	return &AnomalyScan{
		HighVolume:              highVolume,
		InspectorConcentration:  inspectorConcentration,
		GeographicConcentration: geoConcentration,
		FastApprovals:           fastApprovals,
	}, nil
}

// StationStatus is one open-station entry in DiagnoseStuckPermit's report.
type StationStatus struct {
	Station        string  `json:"station"`
	DaysAtStation  float64 `json:"days_at_station"`
	Classification string  `json:"classification"` // normal, slow, stuck
	P50Days        float64 `json:"p50_days"`
}

// Playbook is DiagnoseStuckPermit's ordered intervention guidance.
type Playbook struct {
	PermitNumber string          `json:"permit_number"`
	Stations     []StationStatus `json:"stations"`
	Steps        []string        `json:"steps"`
}

// DiagnoseStuckPermit classifies each open station against that station's
// current p50 and produces an ordered intervention playbook with no
// invented contact data (§4.7, Open Question 4).
func (a *API) DiagnoseStuckPermit(ctx context.Context, permitNumber string, now time.Time) (*Playbook, error) {
	var status string
	err := a.db.GetContext(ctx, &status, `SELECT status FROM permits WHERE permit_number = $1`, permitNumber)
	if err == sql.ErrNoRows {
		return nil, pipeerr.NewNotFound("permit", permitNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("look up permit %s: %w", permitNumber, err)
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT station, arrive_date FROM addenda_routing
		WHERE permit_number = $1 AND finish_date IS NULL AND station IS NOT NULL
	`, permitNumber)
	if err != nil {
		return nil, fmt.Errorf("load open stations for %s: %w", permitNumber, err)
	}
	defer rows.Close()

	pb := &Playbook{PermitNumber: permitNumber}
	for rows.Next() {
		var station string
		var arrive time.Time
		if err := rows.Scan(&station, &arrive); err != nil {
			return nil, err
		}
		daysAt := now.Sub(arrive).Hours() / 24

		var p50, p75 sql.NullFloat64
		_ = a.db.GetContext(ctx, &p50, `
			SELECT p50_days FROM velocity_baseline
			WHERE station = $1 AND neighborhood = '' AND period = 'current' AND cycle_type = 'initial' AND low_confidence = false
		`, station)
		_ = a.db.GetContext(ctx, &p75, `
			SELECT p75_days FROM velocity_baseline
			WHERE station = $1 AND neighborhood = '' AND period = 'current' AND cycle_type = 'initial' AND low_confidence = false
		`, station)

		classification := "normal"
		if p50.Valid {
			switch {
			case daysAt >= 2*p50.Float64:
				classification = "stuck"
			case p75.Valid && daysAt >= p75.Float64:
				classification = "slow"
			}
		}

		pb.Stations = append(pb.Stations, StationStatus{
			Station: station, DaysAtStation: daysAt, Classification: classification, P50Days: p50.Float64,
		})

		if classification == "normal" {
			continue
		}

		urgency := "moderate"
		if classification == "stuck" {
			urgency = "high"
		}
		step := fmt.Sprintf("[%s] permit %s is %s at station %s (%.0f days, station p50 %.0f days).",
			strings.ToUpper(urgency), permitNumber, classification, station, daysAt, p50.Float64)

		if contact, ok, err := a.directory.Lookup(ctx, station); err == nil && ok {
			step += fmt.Sprintf(" Contact %s", contact.Name)
			if contact.Phone != nil {
				step += fmt.Sprintf(" (%s)", *contact.Phone)
			}
			step += " to request expediting."
		} else {
			step += " No station contact is configured; escalate through the standard station queue."
		}
		pb.Steps = append(pb.Steps, step)
	}
	return pb, nil
}

// TimelineEstimate is EstimateTimeline's result (§4.7).
type TimelineEstimate struct {
	P25Days    float64 `json:"p25_days"`
	P50Days    float64 `json:"p50_days"`
	P75Days    float64 `json:"p75_days"`
	P90Days    float64 `json:"p90_days"`
	Confidence string  `json:"confidence"` // high, medium, low
}

// EstimateTimeline sums per-station p50s (preferring neighborhood-stratified
// velocity when available) across the trigger→station map, falling back to
// aggregate permit percentiles when velocity data is too sparse (§4.7).
func (a *API) EstimateTimeline(ctx context.Context, permitType string, triggers []string, neighborhood string) (*TimelineEstimate, error) {
	stations := stationsForTriggers(triggers)
	if len(stations) == 0 {
		return a.fallbackTimelineEstimate(ctx, permitType)
	}

	var sumP25, sumP50, sumP75, sumP90 float64
	totalSamples := 0

	for _, station := range stations {
		row := stationVelocityRow{}
		found := false

		if neighborhood != "" {
			if err := a.db.GetContext(ctx, &row, `
				SELECT p25_days, p50_days, p75_days, p90_days, sample_count FROM velocity_baseline
				WHERE station = $1 AND neighborhood = $2 AND period = 'current' AND cycle_type = 'initial' AND low_confidence = false
			`, station, neighborhood); err == nil {
				found = true
			}
		}
		if !found {
			if err := a.db.GetContext(ctx, &row, `
				SELECT p25_days, p50_days, p75_days, p90_days, sample_count FROM velocity_baseline
				WHERE station = $1 AND neighborhood = '' AND period = 'current' AND cycle_type = 'initial' AND low_confidence = false
			`, station); err != nil {
				continue
			}
		}

		sumP25 += row.P25
		sumP50 += row.P50
		sumP75 += row.P75
		sumP90 += row.P90
		totalSamples += row.SampleCount
	}

	if totalSamples == 0 {
		return a.fallbackTimelineEstimate(ctx, permitType)
	}

	confidence := "low"
	switch {
	case totalSamples >= 100:
		confidence = "high"
	case totalSamples >= 10:
		confidence = "medium"
	}

	return &TimelineEstimate{P25Days: sumP25, P50Days: sumP50, P75Days: sumP75, P90Days: sumP90, Confidence: confidence}, nil
}

type stationVelocityRow struct {
	P25         float64 `db:"p25_days"`
	P50         float64 `db:"p50_days"`
	P75         float64 `db:"p75_days"`
	P90         float64 `db:"p90_days"`
	SampleCount int     `db:"sample_count"`
}

// fallbackTimelineEstimate progressively widens an aggregate percentile
// query over the permits table when station-level velocity data is
// insufficient (§4.7): first permits of permitType, then all permits if that
// yields no completed permits.
func (a *API) fallbackTimelineEstimate(ctx context.Context, permitType string) (*TimelineEstimate, error) {
	var row struct {
		P25 sql.NullFloat64 `db:"p25"`
		P50 sql.NullFloat64 `db:"p50"`
		P75 sql.NullFloat64 `db:"p75"`
		P90 sql.NullFloat64 `db:"p90"`
	}
	for _, filter := range []string{permitType, ""} {
		err := a.db.GetContext(ctx, &row, `
			SELECT
				percentile_cont(0.25) WITHIN GROUP (ORDER BY EXTRACT(EPOCH FROM (completed_date - filed_date)) / 86400) AS p25,
				percentile_cont(0.50) WITHIN GROUP (ORDER BY EXTRACT(EPOCH FROM (completed_date - filed_date)) / 86400) AS p50,
				percentile_cont(0.75) WITHIN GROUP (ORDER BY EXTRACT(EPOCH FROM (completed_date - filed_date)) / 86400) AS p75,
				percentile_cont(0.90) WITHIN GROUP (ORDER BY EXTRACT(EPOCH FROM (completed_date - filed_date)) / 86400) AS p90
			FROM permits
			WHERE ($1 = '' OR permit_type = $1) AND filed_date IS NOT NULL AND completed_date IS NOT NULL
		`, filter)
		if err != nil {
			return nil, fmt.Errorf("fallback timeline estimate: %w", err)
		}
		if row.P50.Valid {
			break
		}
	}
	return &TimelineEstimate{P25Days: row.P25.Float64, P50Days: row.P50.Float64, P75Days: row.P75.Float64, P90Days: row.P90.Float64, Confidence: "low"}, nil
}

// stationsForTriggers maps addenda triggers to the stations they route
// through. Operator-configured in a real deployment; a small static map is
// enough to exercise the station-sum model.
func stationsForTriggers(triggers []string) []string {
	table := map[string][]string{
		"new_construction":  {"PLAN", "DBI", "FIRE", "PUBLIC_WORKS"},
		"electrical":        {"DBI", "ELECTRICAL"},
		"plumbing":          {"DBI", "PLUMBING"},
		"change_of_use":     {"PLAN", "PLANNING", "DBI"},
		"historic_district": {"PLAN", "HISTORIC_PRESERVATION", "DBI"},
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range triggers {
		for _, s := range table[t] {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
