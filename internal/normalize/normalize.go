// Package normalize implements the field aliasing, type coercion, and name
// normalization rules of §4.2.
package normalize

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/cityworks/permit-pipeline/internal/models"
)

// Name normalizes a contact or firm name: UPPER-case, collapse internal
// whitespace, strip punctuation, trim. It is idempotent: Name(Name(x)) ==
// Name(x).
func Name(raw string) string {
	upper := strings.ToUpper(raw)

	var b strings.Builder
	b.Grow(len(upper))
	for _, r := range upper {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r):
			b.WriteRune(r)
		}
	}

	fields := strings.Fields(b.String())
	return strings.Join(fields, " ")
}

// buildingRoleMap covers the 11 building-dataset role codes.
var buildingRoleMap = map[string]models.Role{
	"CONTRACTOR":       models.RoleContractor,
	"ARCHITECT":        models.RoleArchitect,
	"ENGINEER":         models.RoleEngineer,
	"AGENT":            models.RoleAgent,
	"EXPEDITER":        models.RoleExpediter,
	"DESIGNER":         models.RoleDesigner,
	"OWNER":            models.RoleOwner,
	"LESSEE":           models.RoleLessee,
	"PAYOR":            models.RolePayor,
	"PROJECT CONTACT":  models.RoleProjectContact,
	"ATTORNEY":         models.RoleAttorney,
}

// electricalRoleMap covers the 3 electrical-dataset role codes.
var electricalRoleMap = map[string]models.Role{
	"CONTRACTOR": models.RoleContractor,
	"AGENT":      models.RoleAgent,
	"OWNER":      models.RoleOwner,
}

// MapRole maps a raw upstream role code to the canonical role set for the
// given source dataset. Unknown values map to RoleOther. The plumbing
// dataset carries no explicit role column; every plumbing contact is an
// implicit contractor per §4.2.
func MapRole(source models.ContactSource, raw string) models.Role {
	switch source {
	case models.SourcePlumbing:
		return models.RoleContractor
	case models.SourceElectrical:
		if role, ok := electricalRoleMap[strings.ToUpper(strings.TrimSpace(raw))]; ok {
			return role
		}
		return models.RoleOther
	case models.SourceBuilding:
		if role, ok := buildingRoleMap[strings.ToUpper(strings.TrimSpace(raw))]; ok {
			return role
		}
		return models.RoleOther
	default:
		return models.RoleOther
	}
}

// EstimatedCost coerces upstream text to a float64. An empty string yields
// nil; a non-parsable string yields nil too — §4.2 requires
// this to never fail the row, only to drop the field.
func EstimatedCost(raw string) *float64 {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "$")
	trimmed = strings.ReplaceAll(trimmed, ",", "")
	if trimmed == "" {
		return nil
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return nil
	}
	return &v
}

// FullName aliases first_name + " " + last_name for person-shaped sources.
func FullName(first, last string) string {
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)
	if first == "" {
		return last
	}
	if last == "" {
		return first
	}
	return first + " " + last
}

// NilIfEmpty converts an empty string (after trimming) to a nil pointer, used
// for nullable identifier fields (pts_agent_id, license_number,
// sf_business_license) where the empty string must not collide under a
// uniqueness check.
func NilIfEmpty(raw string) *string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
