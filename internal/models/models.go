// Package models defines the pipeline's data model (§3).
package models

import "time"

// ContactSource identifies which of the three contact datasets a Contact
// row came from.
type ContactSource string

const (
	SourceBuilding   ContactSource = "building"
	SourceElectrical ContactSource = "electrical"
	SourcePlumbing   ContactSource = "plumbing"
)

// Role is the canonical, cross-source role a contact played on a permit.
type Role string

const (
	RoleContractor     Role = "contractor"
	RoleArchitect      Role = "architect"
	RoleEngineer       Role = "engineer"
	RoleAgent          Role = "agent"
	RoleExpediter      Role = "expediter"
	RoleDesigner       Role = "designer"
	RoleOwner          Role = "owner"
	RoleLessee         Role = "lessee"
	RolePayor          Role = "payor"
	RoleProjectContact Role = "project_contact"
	RoleAttorney       Role = "attorney"
	RoleSubcontractor  Role = "subcontractor"
	RoleOther          Role = "other"
)

// ValidRoles is the canonical set contacts.role must be drawn from.
var ValidRoles = map[Role]bool{
	RoleContractor: true, RoleArchitect: true, RoleEngineer: true,
	RoleAgent: true, RoleExpediter: true, RoleDesigner: true,
	RoleOwner: true, RoleLessee: true, RolePayor: true,
	RoleProjectContact: true, RoleAttorney: true, RoleSubcontractor: true,
	RoleOther: true,
}

// Contact is one row per (permit, actor) co-appearance reported by a source
// dataset.
type Contact struct {
	ID                BigInt
	Source            ContactSource
	PermitNumber      string
	RowPosition       int
	Role              Role
	Name              string
	FirstName         string
	LastName          string
	FirmName          string
	PTSAgentID        *string
	LicenseNumber     *string
	SFBusinessLicense *string
	Phone             string
	AddressLine1      string
	AddressCity       string
	AddressState      string
	AddressZip        string
	IsApplicant       bool
	FromDate          *time.Time
	EntityID          *BigInt
	DataAsOf          time.Time
}

// BigInt aliases int64 for clarity at model boundaries; all synthetic and
// dense integer identities in §3 use it.
type BigInt = int64

// ResolutionMethod records which cascade step assigned an Entity.
type ResolutionMethod string

const (
	MethodPTSAgentID        ResolutionMethod = "pts_agent_id"
	MethodLicenseNumber     ResolutionMethod = "license_number"
	MethodSFBusinessLicense ResolutionMethod = "sf_business_license"
	MethodFuzzyName         ResolutionMethod = "fuzzy_name"
	MethodSingleton         ResolutionMethod = "singleton"
)

// ResolutionConfidence is the cascade step's confidence in its match.
type ResolutionConfidence string

const (
	ConfidenceHigh   ResolutionConfidence = "high"
	ConfidenceMedium ResolutionConfidence = "medium"
	ConfidenceLow    ResolutionConfidence = "low"
)

// Entity is a deduplicated real-world actor.
type Entity struct {
	EntityID             BigInt
	CanonicalName        string
	CanonicalFirm        string
	EntityType           string
	PTSAgentID           *string
	LicenseNumber        *string
	SFBusinessLicense    *string
	ResolutionMethod     ResolutionMethod
	ResolutionConfidence ResolutionConfidence
	ContactCount         int
	PermitCount          int
	SourceDatasets       []string
}

// Relationship is an undirected co-occurrence edge between two entities.
// EntityIDA is always < EntityIDB.
type Relationship struct {
	EntityIDA          BigInt
	EntityIDB          BigInt
	SharedPermits       int
	PermitNumbers       []string
	PermitTypes         []string
	DateRangeStart      *time.Time
	DateRangeEnd        *time.Time
	TotalEstimatedCost  float64
	Neighborhoods       []string
}

// Permit is the canonical record for a permit.
type Permit struct {
	PermitNumber  string
	PermitType    string
	Status        string
	FiledDate     *time.Time
	IssuedDate    *time.Time
	ApprovedDate  *time.Time
	CompletedDate *time.Time
	EstimatedCost *float64
	AddressLine1  string
	Neighborhood  string
	Block         string
	Lot           string
	StatusDate    *time.Time
	DataAsOf      time.Time
}

// Inspection is one row per inspection event against a permit.
type Inspection struct {
	ID              BigInt
	ReferenceNumber string
	PermitNumber    string
	InspectionType  string
	Result          string
	InspectionDate  *time.Time
	DataAsOf        time.Time
}

// AddendaRouting is one row per (permit, station, sequence) routing event,
// the substrate of velocity, hold, and stuck-permit analysis.
type AddendaRouting struct {
	ID              BigInt
	PermitNumber    string
	Station         *string
	AddendaNumber   int
	ArriveDate      *time.Time
	FinishDate      *time.Time
	ReviewResult    *string
	HoldDescription string
	Reviewer        string
	DataAsOf        time.Time
}

// Violation is a notice of violation, joined to permits by block/lot or
// street-number+name when no permit number is present.
type Violation struct {
	ID              BigInt
	ViolationNumber string
	Block           string
	Lot             string
	StreetNumber    string
	StreetName      string
	Status          string
	DateFiled       *time.Time
	DataAsOf        time.Time
}

// Period names a velocity baseline's rolling window.
type Period string

const (
	PeriodCurrent  Period = "current"
	PeriodBaseline Period = "baseline"
)

// CycleType distinguishes an addenda's first pass from revision cycles.
type CycleType string

const (
	CycleInitial  CycleType = "initial"
	CycleRevision CycleType = "revision"
)

// VelocityBaseline is a derived row per (station, neighborhood?, period, cycle_type).
type VelocityBaseline struct {
	Station       string
	Neighborhood  string // "" means station-only (unstratified)
	Period        Period
	CycleType     CycleType
	WindowDays    int
	SampleCount   int
	P25Days       float64
	P50Days       float64
	P75Days       float64
	P90Days       float64
	LowConfidence bool
	ComputedAt    time.Time
}

// IngestLog records the last successful fetch timestamp per dataset (§4.2).
type IngestLog struct {
	DatasetID     string
	LastSuccessAt *time.Time
	RowCount      int
	SkippedCount  int
	WallTimeMS    int64
	LastError     string
}

// CronLogStatus is the outcome recorded for a scheduler step run.
type CronLogStatus string

const (
	CronRunning CronLogStatus = "running"
	CronSuccess CronLogStatus = "success"
	CronFailed  CronLogStatus = "failed"
)

// CronLog is one row per scheduler step execution (§4.8).
type CronLog struct {
	ID              string        `json:"id"`
	Step            string        `json:"step"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	Status          CronLogStatus `json:"status"`
	RecordsAffected int           `json:"records_affected"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

// HealthTier is the compound per-property risk classification (§4.6).
type HealthTier string

const (
	TierHighRisk HealthTier = "HIGH_RISK"
	TierAtRisk   HealthTier = "AT_RISK"
	TierBehind   HealthTier = "BEHIND"
	TierOnTrack  HealthTier = "ON_TRACK"
	TierQuiet    HealthTier = "QUIET"
)

// PermitSignals holds the per-permit boolean health signals (§4.6).
type PermitSignals struct {
	PermitNumber       string
	HoldComments       bool
	HoldStalled        bool
	ExpiredUninspected bool
	StaleWithActivity  bool
	Evidence           string
	ComputedAt         time.Time
}

// PropertySignals aggregates permit signals plus open violations for one
// block/lot (§4.6).
type PropertySignals struct {
	Block       string
	Lot         string
	NOVOpen     bool
	OpenPermits int
	HealthTier  HealthTier
	Pattern     []string
	ComputedAt  time.Time
}

// StationContact is an operator-maintained directory entry used only to
// populate DiagnoseStuckPermit's playbook (§4.7, Open Question 4); the
// pipeline never invents contact data.
type StationContact struct {
	Station string
	Name    string
	Phone   *string
	Email   *string
}
