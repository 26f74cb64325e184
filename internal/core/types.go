package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Jurisdiction is a top-level administrative region (a state).
type Jurisdiction struct {
	ID        uuid.UUID
	Name      string
	Code      string // Unique short code: "OG", "LA"
	CreatedAt time.Time
}

// Region is a sub-unit owned by exactly one Jurisdiction (an LGA).
type Region struct {
	ID               uuid.UUID
	JurisdictionID   uuid.UUID
	JurisdictionName string // Denormalized from the owning jurisdiction
	Name             string
	NameKey          string // Folded name; unique within the jurisdiction
	Code             string
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Source is an external disclosure origin, keyed by URL.
type Source struct {
	ID        uuid.UUID
	URL       string
	Name      string
	Kind      string // "state_portal", "pdf"
	Parser    string // Parser definition key: "ogun_allocations_v1"
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Allocation is a single disclosed funding fact.
// (RegionID, SourceID, Period) is the natural key.
type Allocation struct {
	ID        uuid.UUID
	RegionID  uuid.UUID
	SourceID  uuid.UUID
	Period    pgtype.Date
	Amount    pgtype.Numeric
	Raw       []string
	Revision  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PeriodString returns the canonical YYYY-MM-DD form of the period.
func (a Allocation) PeriodString() string {
	return FormatPeriod(a.Period)
}

// AmountString returns the canonical decimal form of the amount.
func (a Allocation) AmountString() string {
	return FormatAmount(a.Amount)
}

// NewRegionParams holds the fields for creating a region.
type NewRegionParams struct {
	JurisdictionID   uuid.UUID
	JurisdictionName string
	Name             string
	NameKey          string
	Code             string
	Metadata         map[string]any
}

// SourceParams holds the fields for registering a source.
type SourceParams struct {
	URL    string
	Name   string
	Kind   string
	Parser string
	Active bool
}

// AllocationParams holds the fields for reconciling an allocation.
type AllocationParams struct {
	RegionID uuid.UUID
	SourceID uuid.UUID
	Period   pgtype.Date
	Amount   pgtype.Numeric
	Raw      []string
}

// Candidate is a typed allocation extracted from one raw row.
type Candidate struct {
	RegionName string
	Period     pgtype.Date
	Amount     pgtype.Numeric
	Raw        []string
}

// RowStatus is the final state of one row in a run.
type RowStatus string

const (
	RowInserted  RowStatus = "inserted"
	RowUpdated   RowStatus = "updated"
	RowUnchanged RowStatus = "unchanged"
	RowSkipped   RowStatus = "skipped"
)

// SkipReason explains why a row or a whole source was skipped.
type SkipReason string

const (
	SkipTooFewColumns SkipReason = "too_few_columns"
	SkipEmptyRegion   SkipReason = "empty_region"
	SkipInvalidPeriod SkipReason = "invalid_period"
	SkipInvalidAmount SkipReason = "invalid_amount"
	SkipResolution    SkipReason = "resolution_failed"
	SkipPersistence   SkipReason = "persistence_failed"

	SkipFetchFailed       SkipReason = "fetch_failed"
	SkipEmptyContent      SkipReason = "empty_content"
	SkipNoRows            SkipReason = "no_rows"
	SkipUnknownParser     SkipReason = "unknown_parser"
	SkipUnsupportedFormat SkipReason = "unsupported_format"
	SkipInactive          SkipReason = "inactive"
)

// RowOutcome records what happened to one raw row.
type RowOutcome struct {
	Index        int // 0-based position among data rows (header excluded)
	Status       RowStatus
	Reason       SkipReason // Set when Status is RowSkipped
	Detail       string
	RegionName   string
	RegionID     uuid.UUID
	AllocationID uuid.UUID
	Raw          []string
}

// RunStage is the coordinator state for one source.
type RunStage string

const (
	StageFetch          RunStage = "fetch"
	StageParse          RunStage = "parse"
	StageRegisterSource RunStage = "register_source"
	StageRows           RunStage = "rows"
	StageDone           RunStage = "done"
)

// RunOutcome is the overall result of one source run.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "completed"
	OutcomeSkipped   RunOutcome = "skipped"
	OutcomeFailed    RunOutcome = "failed"
)

// RunResult is the aggregate result of processing one source.
type RunResult struct {
	RunID       uuid.UUID
	SourceName  string
	SourceURL   string
	SourceID    uuid.UUID
	Outcome     RunOutcome
	Stage       RunStage // Always StageDone once RunSource returns
	HaltedAt    RunStage // Stage a skipped or failed run stopped in
	Reason      SkipReason
	Error       string
	TotalRows   int
	Inserted    int
	Updated     int
	Unchanged   int
	Skipped     int
	Rows        []RowOutcome
	SnapshotKey string
	StartedAt   time.Time
	Duration    time.Duration
}

// SkippedRows returns only the outcomes of rows that were skipped.
func (r RunResult) SkippedRows() []RowOutcome {
	var out []RowOutcome
	for _, row := range r.Rows {
		if row.Status == RowSkipped {
			out = append(out, row)
		}
	}
	return out
}

// IngestRun is the persisted summary of one RunResult.
type IngestRun struct {
	ID          uuid.UUID
	SourceName  string
	SourceURL   string
	Outcome     RunOutcome
	Reason      SkipReason
	Error       string
	Inserted    int
	Updated     int
	Unchanged   int
	Skipped     int
	SnapshotKey string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// AllocationFilter narrows allocation listings.
type AllocationFilter struct {
	RegionID uuid.UUID // Zero value means any region
	SourceID uuid.UUID // Zero value means any source
	From     pgtype.Date
	To       pgtype.Date
	Limit    int
}

// RegionSummary aggregates the allocations of one region.
type RegionSummary struct {
	RegionID     uuid.UUID
	Count        int
	Total        pgtype.Numeric
	LatestPeriod pgtype.Date
}
