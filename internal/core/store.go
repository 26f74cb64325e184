package core

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence collaborator. Every write is keyed on a natural
// key enforced by the backing store; nothing here deletes.
//
// Implementations must return ErrNotFound for missing lookups and
// ErrConflict (wrapped) when an insert violates a uniqueness constraint.
type Store interface {
	// UpsertJurisdiction inserts or renames the jurisdiction with the given code.
	UpsertJurisdiction(ctx context.Context, name, code string) (Jurisdiction, error)
	GetJurisdiction(ctx context.Context, id uuid.UUID) (Jurisdiction, error)
	GetJurisdictionByCode(ctx context.Context, code string) (Jurisdiction, error)
	ListJurisdictions(ctx context.Context) ([]Jurisdiction, error)

	// FindRegion looks up a region by its folded name within a jurisdiction.
	FindRegion(ctx context.Context, jurisdictionID uuid.UUID, nameKey string) (Region, error)
	GetRegion(ctx context.Context, id uuid.UUID) (Region, error)
	// InsertRegion creates a region. A duplicate (jurisdiction, name_key)
	// returns ErrConflict; the caller re-fetches.
	InsertRegion(ctx context.Context, p NewRegionParams) (Region, error)
	UpdateRegionMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) (Region, error)
	ListRegions(ctx context.Context, jurisdictionID uuid.UUID) ([]Region, error)

	FindSourceByURL(ctx context.Context, url string) (Source, error)
	// UpsertSource inserts a source or updates it on conflict on url.
	UpsertSource(ctx context.Context, p SourceParams) (Source, error)

	// UpsertAllocation inserts or corrects an allocation on conflict on
	// (region_id, source_id, period) in a single statement.
	UpsertAllocation(ctx context.Context, p AllocationParams) (Allocation, RowStatus, error)
	ListAllocations(ctx context.Context, f AllocationFilter) ([]Allocation, error)
	SummarizeRegion(ctx context.Context, regionID uuid.UUID) (RegionSummary, error)

	RecordRun(ctx context.Context, run IngestRun) error
	ListRuns(ctx context.Context, limit int) ([]IngestRun, error)
}
