// Package memstore is an in-process core.Store. It enforces the same natural
// keys as the relational schema and is used by tests and dry runs.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/allocsync/internal/core"
)

type regionKey struct {
	jurisdictionID uuid.UUID
	nameKey        string
}

type allocationKey struct {
	regionID uuid.UUID
	sourceID uuid.UUID
	period   string
}

// Store holds all entities in maps guarded by a single mutex.
type Store struct {
	mu sync.RWMutex

	jurisdictions map[uuid.UUID]core.Jurisdiction
	byCode        map[string]uuid.UUID
	regions       map[uuid.UUID]core.Region
	byRegionKey   map[regionKey]uuid.UUID
	sources       map[uuid.UUID]core.Source
	byURL         map[string]uuid.UUID
	allocations   map[uuid.UUID]core.Allocation
	byAllocKey    map[allocationKey]uuid.UUID
	runs          []core.IngestRun

	now func() time.Time
}

var _ core.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		jurisdictions: make(map[uuid.UUID]core.Jurisdiction),
		byCode:        make(map[string]uuid.UUID),
		regions:       make(map[uuid.UUID]core.Region),
		byRegionKey:   make(map[regionKey]uuid.UUID),
		sources:       make(map[uuid.UUID]core.Source),
		byURL:         make(map[string]uuid.UUID),
		allocations:   make(map[uuid.UUID]core.Allocation),
		byAllocKey:    make(map[allocationKey]uuid.UUID),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// ----------------------------------------------------------------------------
// Jurisdictions
// ----------------------------------------------------------------------------

func (s *Store) UpsertJurisdiction(_ context.Context, name, code string) (core.Jurisdiction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byCode[code]; ok {
		j := s.jurisdictions[id]
		j.Name = name
		s.jurisdictions[id] = j
		return j, nil
	}

	j := core.Jurisdiction{ID: uuid.New(), Name: name, Code: code, CreatedAt: s.now()}
	s.jurisdictions[j.ID] = j
	s.byCode[code] = j.ID
	return j, nil
}

func (s *Store) GetJurisdiction(_ context.Context, id uuid.UUID) (core.Jurisdiction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jurisdictions[id]
	if !ok {
		return core.Jurisdiction{}, fmt.Errorf("jurisdiction %s: %w", id, core.ErrNotFound)
	}
	return j, nil
}

func (s *Store) GetJurisdictionByCode(_ context.Context, code string) (core.Jurisdiction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCode[code]
	if !ok {
		return core.Jurisdiction{}, fmt.Errorf("jurisdiction %s: %w", code, core.ErrNotFound)
	}
	return s.jurisdictions[id], nil
}

func (s *Store) ListJurisdictions(_ context.Context) ([]core.Jurisdiction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := slices.Collect(maps.Values(s.jurisdictions))
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// ----------------------------------------------------------------------------
// Regions
// ----------------------------------------------------------------------------

func (s *Store) FindRegion(_ context.Context, jurisdictionID uuid.UUID, nameKey string) (core.Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRegionKey[regionKey{jurisdictionID, nameKey}]
	if !ok {
		return core.Region{}, fmt.Errorf("region %q: %w", nameKey, core.ErrNotFound)
	}
	return cloneRegion(s.regions[id]), nil
}

func (s *Store) GetRegion(_ context.Context, id uuid.UUID) (core.Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.regions[id]
	if !ok {
		return core.Region{}, fmt.Errorf("region %s: %w", id, core.ErrNotFound)
	}
	return cloneRegion(r), nil
}

func (s *Store) InsertRegion(_ context.Context, p core.NewRegionParams) (core.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jurisdictions[p.JurisdictionID]; !ok {
		return core.Region{}, fmt.Errorf("jurisdiction %s: %w", p.JurisdictionID, core.ErrNotFound)
	}
	key := regionKey{p.JurisdictionID, p.NameKey}
	if _, ok := s.byRegionKey[key]; ok {
		return core.Region{}, fmt.Errorf("region %q: %w", p.Name, core.ErrConflict)
	}

	now := s.now()
	r := core.Region{
		ID:               uuid.New(),
		JurisdictionID:   p.JurisdictionID,
		JurisdictionName: p.JurisdictionName,
		Name:             p.Name,
		NameKey:          p.NameKey,
		Code:             p.Code,
		Metadata:         maps.Clone(p.Metadata),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.regions[r.ID] = r
	s.byRegionKey[key] = r.ID
	return cloneRegion(r), nil
}

func (s *Store) UpdateRegionMetadata(_ context.Context, id uuid.UUID, metadata map[string]any) (core.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions[id]
	if !ok {
		return core.Region{}, fmt.Errorf("region %s: %w", id, core.ErrNotFound)
	}
	r.Metadata = maps.Clone(metadata)
	r.UpdatedAt = s.now()
	s.regions[id] = r
	return cloneRegion(r), nil
}

func (s *Store) ListRegions(_ context.Context, jurisdictionID uuid.UUID) ([]core.Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Region
	for _, r := range s.regions {
		if r.JurisdictionID == jurisdictionID {
			out = append(out, cloneRegion(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NameKey < out[j].NameKey })
	return out, nil
}

func cloneRegion(r core.Region) core.Region {
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// ----------------------------------------------------------------------------
// Sources
// ----------------------------------------------------------------------------

func (s *Store) FindSourceByURL(_ context.Context, url string) (core.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byURL[url]
	if !ok {
		return core.Source{}, fmt.Errorf("source %s: %w", url, core.ErrNotFound)
	}
	return s.sources[id], nil
}

func (s *Store) UpsertSource(_ context.Context, p core.SourceParams) (core.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id, ok := s.byURL[p.URL]; ok {
		src := s.sources[id]
		src.Name, src.Kind, src.Parser, src.Active = p.Name, p.Kind, p.Parser, p.Active
		src.UpdatedAt = now
		s.sources[id] = src
		return src, nil
	}

	src := core.Source{
		ID:        uuid.New(),
		URL:       p.URL,
		Name:      p.Name,
		Kind:      p.Kind,
		Parser:    p.Parser,
		Active:    p.Active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sources[src.ID] = src
	s.byURL[p.URL] = src.ID
	return src, nil
}

// ----------------------------------------------------------------------------
// Allocations
// ----------------------------------------------------------------------------

func (s *Store) UpsertAllocation(_ context.Context, p core.AllocationParams) (core.Allocation, core.RowStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.regions[p.RegionID]; !ok {
		return core.Allocation{}, "", fmt.Errorf("region %s: %w", p.RegionID, core.ErrNotFound)
	}
	if _, ok := s.sources[p.SourceID]; !ok {
		return core.Allocation{}, "", fmt.Errorf("source %s: %w", p.SourceID, core.ErrNotFound)
	}

	now := s.now()
	key := allocationKey{p.RegionID, p.SourceID, core.FormatPeriod(p.Period)}
	if id, ok := s.byAllocKey[key]; ok {
		a := s.allocations[id]
		if core.FormatAmount(a.Amount) == core.FormatAmount(p.Amount) && slices.Equal(a.Raw, p.Raw) {
			return cloneAllocation(a), core.RowUnchanged, nil
		}
		a.Amount = p.Amount
		a.Raw = slices.Clone(p.Raw)
		a.Revision++
		a.UpdatedAt = now
		s.allocations[id] = a
		return cloneAllocation(a), core.RowUpdated, nil
	}

	a := core.Allocation{
		ID:        uuid.New(),
		RegionID:  p.RegionID,
		SourceID:  p.SourceID,
		Period:    p.Period,
		Amount:    p.Amount,
		Raw:       slices.Clone(p.Raw),
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.allocations[a.ID] = a
	s.byAllocKey[key] = a.ID
	return cloneAllocation(a), core.RowInserted, nil
}

func (s *Store) ListAllocations(_ context.Context, f core.AllocationFilter) ([]core.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Allocation
	for _, a := range s.allocations {
		if f.RegionID != uuid.Nil && a.RegionID != f.RegionID {
			continue
		}
		if f.SourceID != uuid.Nil && a.SourceID != f.SourceID {
			continue
		}
		if f.From.Valid && a.Period.Time.Before(f.From.Time) {
			continue
		}
		if f.To.Valid && a.Period.Time.After(f.To.Time) {
			continue
		}
		out = append(out, cloneAllocation(a))
	}

	// Most recent period first, matching the SQL stores.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Period.Time.Equal(out[j].Period.Time) {
			return out[i].Period.Time.After(out[j].Period.Time)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) SummarizeRegion(ctx context.Context, regionID uuid.UUID) (core.RegionSummary, error) {
	allocs, err := s.ListAllocations(ctx, core.AllocationFilter{RegionID: regionID})
	if err != nil {
		return core.RegionSummary{}, err
	}

	sum := core.RegionSummary{RegionID: regionID, Count: len(allocs)}
	for _, a := range allocs {
		sum.Total = core.SumAmounts(sum.Total, a.Amount)
		if !sum.LatestPeriod.Valid || a.Period.Time.After(sum.LatestPeriod.Time) {
			sum.LatestPeriod = a.Period
		}
	}
	return sum, nil
}

func cloneAllocation(a core.Allocation) core.Allocation {
	a.Raw = slices.Clone(a.Raw)
	return a
}

// ----------------------------------------------------------------------------
// Runs
// ----------------------------------------------------------------------------

func (s *Store) RecordRun(_ context.Context, run core.IngestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *Store) ListRuns(_ context.Context, limit int) ([]core.IngestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := slices.Clone(s.runs)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Counts reports how many entities of each kind the store holds.
func (s *Store) Counts() (jurisdictions, regions, sources, allocations int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jurisdictions), len(s.regions), len(s.sources), len(s.allocations)
}
