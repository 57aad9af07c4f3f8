// Package resolver implements the Entity Resolver (§4.3): a five-step
// cascade that assigns a canonical entity_id to every contact row, rebuilt
// in full on each run and swapped into place atomically.
package resolver

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

// contactRow is the subset of a contacts row the cascade needs in memory.
// Resolving ~1.8M rows entirely in Go (rather than round-tripping to SQL
// per comparison) is what makes blocking-based fuzzy matching tractable.
type contactRow struct {
	id                models.BigInt
	source            models.ContactSource
	permitNumber      string
	role              models.Role
	name              string
	firmName          string
	ptsAgentID        *string
	licenseNumber     *string
	sfBusinessLicense *string
	fromDate          *time.Time

	entityIdx int // index into the in-memory entities slice, -1 if unassigned
}

type entityBuild struct {
	canonicalName        string
	canonicalFirm        string
	entityType           string
	ptsAgentID           *string
	licenseNumber        *string
	sfBusinessLicense    *string
	resolutionMethod     models.ResolutionMethod
	resolutionConfidence models.ResolutionConfidence
	members              []int // indices into contactRow slice
}

// Resolver runs the cascade and rebuilds entities/contacts.entity_id.
type Resolver struct {
	db  *sql.DB
	log *logging.Logger
}

func New(db *sql.DB, log *logging.Logger) *Resolver {
	return &Resolver{db: db, log: log}
}

// Run executes the full five-step cascade and swaps the result into place.
// It returns the number of entities produced.
func (r *Resolver) Run(ctx context.Context) (int64, error) {
	rows, err := r.loadContacts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load contacts: %w", err)
	}
	for i := range rows {
		rows[i].entityIdx = -1
	}

	var entities []entityBuild

	stepPTSAgentID(rows, &entities)
	stepLicenseNumber(rows, &entities)
	stepSFBusinessLicense(rows, &entities)
	stepFuzzyName(rows, &entities)
	stepSingletons(rows, &entities)

	n, err := r.swap(ctx, rows, entities)
	if err != nil {
		return 0, err
	}
	r.log.WithContext(ctx).Infof("entity resolver: %d contacts resolved into %d entities", len(rows), n)
	return n, nil
}

func (r *Resolver) loadContacts(ctx context.Context) ([]contactRow, error) {
	query := `
		SELECT id, source, permit_number, role, name, firm_name,
		       pts_agent_id, license_number, sf_business_license, from_date
		FROM contacts
		ORDER BY id ASC
	`
	sqlRows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer sqlRows.Close()

	var out []contactRow
	for sqlRows.Next() {
		var c contactRow
		if err := sqlRows.Scan(&c.id, &c.source, &c.permitNumber, &c.role, &c.name, &c.firmName,
			&c.ptsAgentID, &c.licenseNumber, &c.sfBusinessLicense, &c.fromDate); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, sqlRows.Err()
}

// stepPTSAgentID groups building-source contacts by non-null pts_agent_id
// (§4.3 step 1, high confidence).
func stepPTSAgentID(rows []contactRow, entities *[]entityBuild) {
	groups := map[string][]int{}
	for i, c := range rows {
		if c.source != models.SourceBuilding || c.ptsAgentID == nil || *c.ptsAgentID == "" {
			continue
		}
		groups[*c.ptsAgentID] = append(groups[*c.ptsAgentID], i)
	}

	keys := sortedKeys(groups)
	for _, key := range keys {
		members := groups[key]
		idx := len(*entities)
		name, firm := mostFrequentNameFirm(rows, members)
		*entities = append(*entities, entityBuild{
			canonicalName:        name,
			canonicalFirm:        firm,
			entityType:           string(rows[members[0]].role),
			ptsAgentID:           strPtr(key),
			resolutionMethod:     models.MethodPTSAgentID,
			resolutionConfidence: models.ConfidenceHigh,
			members:              members,
		})
		for _, m := range members {
			rows[m].entityIdx = idx
		}
	}
}

// stepLicenseNumber merges into an existing Step-1 entity sharing the same
// license_number, else creates a new medium-confidence entity (§4.3 step 2).
func stepLicenseNumber(rows []contactRow, entities *[]entityBuild) {
	mergeOrCreate(rows, entities, func(c *contactRow) *string { return c.licenseNumber },
		func(e *entityBuild) *string { return e.licenseNumber },
		func(e *entityBuild, v string) { e.licenseNumber = strPtr(v) },
		models.MethodLicenseNumber)
}

// stepSFBusinessLicense is identical to step 2 but keyed on business license
// (§4.3 step 3).
func stepSFBusinessLicense(rows []contactRow, entities *[]entityBuild) {
	mergeOrCreate(rows, entities, func(c *contactRow) *string { return c.sfBusinessLicense },
		func(e *entityBuild) *string { return e.sfBusinessLicense },
		func(e *entityBuild, v string) { e.sfBusinessLicense = strPtr(v) },
		models.MethodSFBusinessLicense)
}

// mergeOrCreate implements the shared shape of cascade steps 2 and 3: group
// remaining unassigned contacts by a key, and for each distinct key either
// fold the group into an existing entity that already carries that key (via
// any member contact resolved in an earlier step) or create a new one.
func mergeOrCreate(
	rows []contactRow,
	entities *[]entityBuild,
	keyOf func(*contactRow) *string,
	existingKeyOf func(*entityBuild) *string,
	setKey func(*entityBuild, string),
	method models.ResolutionMethod,
) {
	// Index: key -> entity index, for contacts already assigned in an
	// earlier step that carry this key on some member.
	existingByKey := map[string]int{}
	for ei := range *entities {
		for _, m := range (*entities)[ei].members {
			if k := keyOf(&rows[m]); k != nil && *k != "" {
				if _, ok := existingByKey[*k]; !ok {
					existingByKey[*k] = ei
				}
			}
		}
	}

	groups := map[string][]int{}
	for i, c := range rows {
		if c.entityIdx != -1 {
			continue
		}
		k := keyOf(&c)
		if k == nil || *k == "" {
			continue
		}
		groups[*k] = append(groups[*k], i)
	}

	keys := sortedKeys(groups)
	for _, key := range keys {
		members := groups[key]
		if ei, ok := existingByKey[key]; ok {
			(*entities)[ei].members = append((*entities)[ei].members, members...)
			if existingKeyOf(&(*entities)[ei]) == nil {
				setKey(&(*entities)[ei], key)
			}
			for _, m := range members {
				rows[m].entityIdx = ei
			}
			continue
		}

		idx := len(*entities)
		name, firm := mostFrequentNameFirm(rows, members)
		e := entityBuild{
			canonicalName:        name,
			canonicalFirm:        firm,
			entityType:           string(rows[members[0]].role),
			resolutionMethod:     method,
			resolutionConfidence: models.ConfidenceMedium,
			members:              members,
		}
		setKey(&e, key)
		*entities = append(*entities, e)
		existingByKey[key] = idx
		for _, m := range members {
			rows[m].entityIdx = idx
		}
	}
}

// stepFuzzyName blocks remaining unassigned contacts by the first three
// characters of their normalized name and clusters within each block by
// token-set Jaccard similarity (§4.3 step 4, low confidence).
func stepFuzzyName(rows []contactRow, entities *[]entityBuild) {
	const jaccardThreshold = 0.75

	blocks := map[string][]int{}
	for i, c := range rows {
		if c.entityIdx != -1 || c.name == "" {
			continue
		}
		key := c.name
		if len(key) > 3 {
			key = key[:3]
		}
		blocks[key] = append(blocks[key], i)
	}

	blockKeys := sortedKeys(blocks)
	for _, bk := range blockKeys {
		members := blocks[bk]
		sort.Slice(members, func(a, b int) bool { return rows[members[a]].id < rows[members[b]].id })

		type cluster struct {
			entityIdx int
			tokenSets [][]string
		}
		var clusters []cluster

		for _, i := range members {
			tokens := strings.Fields(rows[i].name)
			placed := false
			for ci := range clusters {
				for _, existing := range clusters[ci].tokenSets {
					if jaccard(tokens, existing) >= jaccardThreshold {
						ei := clusters[ci].entityIdx
						(*entities)[ei].members = append((*entities)[ei].members, i)
						clusters[ci].tokenSets = append(clusters[ci].tokenSets, tokens)
						rows[i].entityIdx = ei
						placed = true
						break
					}
				}
				if placed {
					break
				}
			}
			if placed {
				continue
			}

			idx := len(*entities)
			*entities = append(*entities, entityBuild{
				canonicalName:        rows[i].name,
				canonicalFirm:        rows[i].firmName,
				entityType:           string(rows[i].role),
				resolutionMethod:     models.MethodFuzzyName,
				resolutionConfidence: models.ConfidenceLow,
				members:              []int{i},
			})
			rows[i].entityIdx = idx
			clusters = append(clusters, cluster{entityIdx: idx, tokenSets: [][]string{tokens}})
		}
	}
}

// stepSingletons assigns every remaining contact its own low-confidence
// entity (§4.3 step 5). Only contacts with an empty normalized name remain
// here: stepFuzzyName gives every named contact a fuzzy_name entity, even
// when its cluster has a single member.
func stepSingletons(rows []contactRow, entities *[]entityBuild) {
	for i, c := range rows {
		if c.entityIdx != -1 {
			continue
		}
		idx := len(*entities)
		*entities = append(*entities, entityBuild{
			canonicalName:        c.name,
			canonicalFirm:        c.firmName,
			entityType:           string(c.role),
			resolutionMethod:     models.MethodSingleton,
			resolutionConfidence: models.ConfidenceLow,
			members:              []int{i},
		})
		rows[i].entityIdx = idx
	}
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := map[string]bool{}
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	union := map[string]bool{}
	for _, t := range a {
		union[t] = true
	}
	for _, t := range b {
		union[t] = true
		if set[t] {
			inter++
		}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(inter) / float64(len(union))
}

func mostFrequentNameFirm(rows []contactRow, members []int) (string, string) {
	nameCounts := map[string]int{}
	firmCounts := map[string]int{}
	var bestName, bestFirm string
	var bestNameDate, bestFirmDate time.Time

	for _, m := range members {
		c := rows[m]
		if c.name != "" {
			nameCounts[c.name]++
			if isBetter(nameCounts, c.name, bestName, c.fromDate, &bestNameDate) {
				bestName = c.name
			}
		}
		if c.firmName != "" {
			firmCounts[c.firmName]++
			if isBetter(firmCounts, c.firmName, bestFirm, c.fromDate, &bestFirmDate) {
				bestFirm = c.firmName
			}
		}
	}
	return bestName, bestFirm
}

// isBetter reports whether candidate should replace current as the
// most-frequent value, breaking ties by most-recent from_date (§4.3 step 1).
func isBetter(counts map[string]int, candidate, current string, candidateDate *time.Time, bestDate *time.Time) bool {
	if current == "" {
		if candidateDate != nil {
			*bestDate = *candidateDate
		}
		return true
	}
	if counts[candidate] > counts[current] {
		if candidateDate != nil {
			*bestDate = *candidateDate
		}
		return true
	}
	if counts[candidate] == counts[current] && candidateDate != nil && candidateDate.After(*bestDate) {
		*bestDate = *candidateDate
		return true
	}
	return false
}

func sortedKeys(m map[string][]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func strPtr(s string) *string { return &s }

// swap writes entities into a staging table and rebuilds the live entities
// table via database.RebuildThenSwap (§4.3's "rebuilds from scratch into a
// staging table and atomically swaps"), then sets contacts.entity_id on the
// live contacts table.
func (r *Resolver) swap(ctx context.Context, rows []contactRow, entities []entityBuild) (int64, error) {
	n, err := database.RebuildThenSwap(ctx, r.db, "entities",
		func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE entities_staging (LIKE entities INCLUDING ALL)
			`)
			return err
		},
		func(ctx context.Context, tx *sql.Tx) (int64, error) {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO entities_staging (
					entity_id, canonical_name, canonical_firm, entity_type,
					pts_agent_id, license_number, sf_business_license,
					resolution_method, resolution_confidence,
					contact_count, permit_count, source_datasets
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			`)
			if err != nil {
				return 0, err
			}
			defer stmt.Close()

			for i, e := range entities {
				permits := map[string]bool{}
				sources := map[string]bool{}
				for _, m := range e.members {
					permits[rows[m].permitNumber] = true
					sources[string(rows[m].source)] = true
				}
				entityID := int64(i + 1)
				if _, err := stmt.ExecContext(ctx, entityID, e.canonicalName, e.canonicalFirm, e.entityType,
					e.ptsAgentID, e.licenseNumber, e.sfBusinessLicense,
					e.resolutionMethod, e.resolutionConfidence,
					len(e.members), len(permits), strings.Join(sortedStringKeys(sources), ",")); err != nil {
					return 0, err
				}
			}
			return int64(len(entities)), nil
		},
	)
	if err != nil {
		return 0, fmt.Errorf("rebuild entities: %w", err)
	}

	if err := r.writeContactAssignments(ctx, rows, entities); err != nil {
		return 0, fmt.Errorf("write contact entity_id assignments: %w", err)
	}
	return n, nil
}

// writeContactAssignments updates contacts.entity_id row by row, entity by
// entity, in one transaction after the entities table swap has committed.
func (r *Resolver) writeContactAssignments(ctx context.Context, rows []contactRow, entities []entityBuild) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE contacts SET entity_id = $1 WHERE id = $2`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, e := range entities {
		entityID := int64(i + 1)
		for _, m := range e.members {
			if _, err := stmt.ExecContext(ctx, entityID, rows[m].id); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func sortedStringKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
