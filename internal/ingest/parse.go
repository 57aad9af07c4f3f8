package ingest

import (
	"time"

	"github.com/cityworks/permit-pipeline/internal/models"
	"github.com/cityworks/permit-pipeline/internal/normalize"
	"github.com/cityworks/permit-pipeline/internal/pipeerr"
	"github.com/cityworks/permit-pipeline/internal/soda"
)

// dataAsOf extracts the upstream row's data_as_of column, defaulting to now
// if upstream omits it so every row still carries a last-write-wins cursor.
func dataAsOf(r soda.Record) time.Time {
	if t, ok := r.Time("data_as_of"); ok {
		return t
	}
	return time.Now().UTC()
}

// parseBuildingContact maps a building-contacts row (11 role codes,
// pts_agent_id present) to a unified Contact.
func parseBuildingContact(r soda.Record, pos int) (models.Contact, error) {
	permit := r.String("permit_number")
	if permit == "" {
		return models.Contact{}, &pipeerr.ValidationError{Dataset: "building_contacts", Field: "permit_number", Reason: "missing"}
	}
	name := normalize.Name(r.String("contact_name"))
	if name == "" {
		name = normalize.Name(normalize.FullName(r.String("first_name"), r.String("last_name")))
	}
	return models.Contact{
		Source:            models.SourceBuilding,
		PermitNumber:      permit,
		RowPosition:       pos,
		Role:              normalize.MapRole(models.SourceBuilding, r.String("role")),
		Name:              name,
		FirstName:         normalize.Name(r.String("first_name")),
		LastName:          normalize.Name(r.String("last_name")),
		FirmName:          normalize.Name(r.String("firm_name")),
		PTSAgentID:        normalize.NilIfEmpty(r.String("pts_agent_id")),
		LicenseNumber:     normalize.NilIfEmpty(r.String("license1")),
		SFBusinessLicense: normalize.NilIfEmpty(r.String("sf_business_license")),
		Phone:             r.String("phone"),
		AddressLine1:      r.String("address1"),
		AddressCity:       r.String("city"),
		AddressState:      r.String("state"),
		AddressZip:        r.String("zip"),
		IsApplicant:       r.String("is_applicant") == "Y" || r.String("is_applicant") == "true",
		FromDate:          timePtr(r, "from_date"),
		DataAsOf:          dataAsOf(r),
	}, nil
}

// parseElectricalContact maps an electrical-contacts row (3 role codes) to a
// unified Contact; it is business-shaped (no first/last name split).
func parseElectricalContact(r soda.Record, pos int) (models.Contact, error) {
	permit := r.String("permit_number")
	if permit == "" {
		return models.Contact{}, &pipeerr.ValidationError{Dataset: "electrical_contacts", Field: "permit_number", Reason: "missing"}
	}
	firm := normalize.Name(r.String("company_name"))
	return models.Contact{
		Source:            models.SourceElectrical,
		PermitNumber:      permit,
		RowPosition:       pos,
		Role:              normalize.MapRole(models.SourceElectrical, r.String("role")),
		Name:              firm,
		FirmName:          firm,
		LicenseNumber:     normalize.NilIfEmpty(r.String("license1")),
		SFBusinessLicense: normalize.NilIfEmpty(r.String("sf_business_license")),
		Phone:             r.String("phone"),
		AddressLine1:      r.String("address1"),
		AddressCity:       r.String("city"),
		AddressState:      r.String("state"),
		AddressZip:        r.String("zip"),
		DataAsOf:          dataAsOf(r),
	}, nil
}

// parsePlumbingContact maps a plumbing-contacts row. The dataset carries no
// role column; every row is an implicit contractor per §4.2.
func parsePlumbingContact(r soda.Record, pos int) (models.Contact, error) {
	permit := r.String("permit_number")
	if permit == "" {
		return models.Contact{}, &pipeerr.ValidationError{Dataset: "plumbing_contacts", Field: "permit_number", Reason: "missing"}
	}
	firm := normalize.Name(r.String("firm_name"))
	if firm == "" {
		firm = normalize.Name(r.String("company_name"))
	}
	return models.Contact{
		Source:            models.SourcePlumbing,
		PermitNumber:      permit,
		RowPosition:       pos,
		Role:              normalize.MapRole(models.SourcePlumbing, ""),
		Name:              firm,
		FirmName:          firm,
		LicenseNumber:     normalize.NilIfEmpty(r.String("license1")),
		SFBusinessLicense: normalize.NilIfEmpty(r.String("sf_business_license")),
		Phone:             r.String("phone"),
		AddressLine1:      r.String("address1"),
		AddressCity:       r.String("city"),
		AddressState:      r.String("state"),
		AddressZip:        r.String("zip"),
		DataAsOf:          dataAsOf(r),
	}, nil
}

func parsePermit(r soda.Record) (models.Permit, error) {
	permit := r.String("permit_number")
	if permit == "" {
		return models.Permit{}, &pipeerr.ValidationError{Dataset: "permits", Field: "permit_number", Reason: "missing"}
	}
	return models.Permit{
		PermitNumber:  permit,
		PermitType:    r.String("permit_type"),
		Status:        r.String("status"),
		FiledDate:     timePtr(r, "filed_date"),
		IssuedDate:    timePtr(r, "issued_date"),
		ApprovedDate:  timePtr(r, "approved_date"),
		CompletedDate: timePtr(r, "completed_date"),
		EstimatedCost: normalize.EstimatedCost(r.String("estimated_cost")),
		AddressLine1:  r.String("street_number") + " " + r.String("street_name"),
		Neighborhood:  r.String("neighborhoods_analysis_boundaries"),
		Block:         r.String("block"),
		Lot:           r.String("lot"),
		StatusDate:    timePtr(r, "status_date"),
		DataAsOf:      dataAsOf(r),
	}, nil
}

func parseInspection(r soda.Record) (models.Inspection, error) {
	permit := r.String("permit_number")
	if permit == "" {
		return models.Inspection{}, &pipeerr.ValidationError{Dataset: "inspections", Field: "permit_number", Reason: "missing"}
	}
	return models.Inspection{
		ReferenceNumber: r.String("reference_number"),
		PermitNumber:    permit,
		InspectionType:  r.String("inspection_type"),
		Result:          r.String("result"),
		InspectionDate:  timePtr(r, "inspection_date"),
		DataAsOf:        dataAsOf(r),
	}, nil
}

func parseAddendaRouting(r soda.Record) (models.AddendaRouting, error) {
	permit := r.String("permit_number")
	if permit == "" {
		return models.AddendaRouting{}, &pipeerr.ValidationError{Dataset: "addenda_routing", Field: "permit_number", Reason: "missing"}
	}
	addendaNum, _ := r.Int("addenda_number")
	return models.AddendaRouting{
		PermitNumber:    permit,
		Station:         normalize.NilIfEmpty(r.String("station")),
		AddendaNumber:   addendaNum,
		ArriveDate:      timePtr(r, "arrive_date"),
		FinishDate:      timePtr(r, "finish_date"),
		ReviewResult:    normalize.NilIfEmpty(r.String("review_result")),
		HoldDescription: r.String("hold_description"),
		Reviewer:        r.String("reviewer"),
		DataAsOf:        dataAsOf(r),
	}, nil
}

func parseViolation(r soda.Record) (models.Violation, error) {
	violationNumber := r.String("complaint_number")
	if violationNumber == "" {
		violationNumber = r.String("violation_number")
	}
	if violationNumber == "" {
		return models.Violation{}, &pipeerr.ValidationError{Dataset: "violations", Field: "violation_number", Reason: "missing"}
	}
	return models.Violation{
		ViolationNumber: violationNumber,
		Block:           r.String("block"),
		Lot:             r.String("lot"),
		StreetNumber:    r.String("street_number"),
		StreetName:      r.String("street_name"),
		Status:          r.String("status"),
		DateFiled:       timePtr(r, "date_filed"),
		DataAsOf:        dataAsOf(r),
	}, nil
}

func timePtr(r soda.Record, field string) *time.Time {
	if t, ok := r.Time(field); ok {
		return &t
	}
	return nil
}
