package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultListLimit caps list queries that do not ask for a limit.
const DefaultListLimit = 100

// MaxListLimit is the largest limit a caller may request.
const MaxListLimit = 1000

// Service provides the read-side queries behind the HTTP API and the CLI.
type Service struct {
	store Store
}

// NewService creates a new Service instance.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Jurisdictions lists all jurisdictions ordered by code.
func (s *Service) Jurisdictions(ctx context.Context) ([]Jurisdiction, error) {
	return s.store.ListJurisdictions(ctx)
}

// Regions returns a jurisdiction, looked up by code, and its regions.
func (s *Service) Regions(ctx context.Context, code string) (Jurisdiction, []Region, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Jurisdiction{}, nil, fmt.Errorf("jurisdiction code is required: %w", ErrInvalidQuery)
	}

	j, err := s.store.GetJurisdictionByCode(ctx, code)
	if err != nil {
		return Jurisdiction{}, nil, err
	}
	regions, err := s.store.ListRegions(ctx, j.ID)
	if err != nil {
		return Jurisdiction{}, nil, fmt.Errorf("list regions of %s: %w", code, err)
	}
	return j, regions, nil
}

// AllocationQuery holds the raw parameters of an allocation listing.
type AllocationQuery struct {
	RegionID string
	From     string // Any period format ParsePeriod accepts
	To       string
	Limit    int
}

// RegionAllocations returns a region and its allocations, most recent
// period first.
func (s *Service) RegionAllocations(ctx context.Context, q AllocationQuery) (Region, []Allocation, error) {
	region, err := s.region(ctx, q.RegionID)
	if err != nil {
		return Region{}, nil, err
	}

	filter := AllocationFilter{RegionID: region.ID, Limit: clampLimit(q.Limit)}
	if strings.TrimSpace(q.From) != "" {
		if filter.From, err = ParsePeriod(q.From); err != nil {
			return Region{}, nil, fmt.Errorf("from: %v: %w", err, ErrInvalidQuery)
		}
	}
	if strings.TrimSpace(q.To) != "" {
		if filter.To, err = ParsePeriod(q.To); err != nil {
			return Region{}, nil, fmt.Errorf("to: %v: %w", err, ErrInvalidQuery)
		}
	}
	if filter.From.Valid && filter.To.Valid && filter.From.Time.After(filter.To.Time) {
		return Region{}, nil, fmt.Errorf("from is after to: %w", ErrInvalidQuery)
	}

	allocs, err := s.store.ListAllocations(ctx, filter)
	if err != nil {
		return Region{}, nil, fmt.Errorf("list allocations: %w", err)
	}
	return region, allocs, nil
}

// RegionSummary aggregates a region's allocations.
func (s *Service) RegionSummary(ctx context.Context, regionID string) (Region, RegionSummary, error) {
	region, err := s.region(ctx, regionID)
	if err != nil {
		return Region{}, RegionSummary{}, err
	}
	sum, err := s.store.SummarizeRegion(ctx, region.ID)
	if err != nil {
		return Region{}, RegionSummary{}, fmt.Errorf("summarize region: %w", err)
	}
	return region, sum, nil
}

// RecentRuns lists ingest runs, most recent first.
func (s *Service) RecentRuns(ctx context.Context, limit int) ([]IngestRun, error) {
	return s.store.ListRuns(ctx, clampLimit(limit))
}

func (s *Service) region(ctx context.Context, rawID string) (Region, error) {
	id, err := uuid.Parse(strings.TrimSpace(rawID))
	if err != nil {
		return Region{}, fmt.Errorf("region id %q: %w", rawID, ErrInvalidQuery)
	}
	return s.store.GetRegion(ctx, id)
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > MaxListLimit:
		return MaxListLimit
	default:
		return n
	}
}
