// Package storetest holds the behavioural contract every core.Store must
// satisfy. Store implementations call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/allocsync/internal/core"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) core.Store

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("JurisdictionUpsertByCode", func(t *testing.T) { testJurisdictionUpsert(t, newStore(t)) })
	t.Run("RegionUniquePerJurisdiction", func(t *testing.T) { testRegionUnique(t, newStore(t)) })
	t.Run("RegionMetadata", func(t *testing.T) { testRegionMetadata(t, newStore(t)) })
	t.Run("SourceUpsertByURL", func(t *testing.T) { testSourceUpsert(t, newStore(t)) })
	t.Run("AllocationUpsert", func(t *testing.T) { testAllocationUpsert(t, newStore(t)) })
	t.Run("AllocationListing", func(t *testing.T) { testAllocationListing(t, newStore(t)) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, newStore(t)) })
}

func mustDate(t *testing.T, s string) pgtype.Date {
	t.Helper()
	d, err := core.ParsePeriod(s)
	require.NoError(t, err)
	return d
}

func mustAmount(t *testing.T, s string) pgtype.Numeric {
	t.Helper()
	n, err := core.ParseAmount(s)
	require.NoError(t, err)
	return n
}

// Fixture is a jurisdiction, region and source ready for allocation writes.
type Fixture struct {
	Jurisdiction core.Jurisdiction
	Region       core.Region
	Source       core.Source
}

// Seed creates one jurisdiction, region and source.
func Seed(t *testing.T, s core.Store) Fixture {
	t.Helper()
	ctx := context.Background()

	j, err := s.UpsertJurisdiction(ctx, "Ogun", "OG")
	require.NoError(t, err)
	r, err := s.InsertRegion(ctx, core.NewRegionParams{
		JurisdictionID:   j.ID,
		JurisdictionName: j.Name,
		Name:             "Abeokuta North",
		NameKey:          core.NameKey("Abeokuta North"),
	})
	require.NoError(t, err)
	src, err := s.UpsertSource(ctx, core.SourceParams{
		URL:    "https://ogunstate.gov.ng/allocations",
		Name:   "Ogun portal",
		Kind:   core.KindStatePortal,
		Parser: "ogun_allocations_v1",
		Active: true,
	})
	require.NoError(t, err)
	return Fixture{Jurisdiction: j, Region: r, Source: src}
}

func testJurisdictionUpsert(t *testing.T, s core.Store) {
	ctx := context.Background()

	first, err := s.UpsertJurisdiction(ctx, "Ogun", "OG")
	require.NoError(t, err)
	again, err := s.UpsertJurisdiction(ctx, "Ogun State", "OG")
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Ogun State", again.Name)

	byCode, err := s.GetJurisdictionByCode(ctx, "OG")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byCode.ID)

	_, err = s.GetJurisdiction(ctx, uuid.New())
	assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)

	_, err = s.UpsertJurisdiction(ctx, "Lagos", "LA")
	require.NoError(t, err)
	all, err := s.ListJurisdictions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testRegionUnique(t *testing.T, s core.Store) {
	ctx := context.Background()

	ogun, err := s.UpsertJurisdiction(ctx, "Ogun", "OG")
	require.NoError(t, err)
	lagos, err := s.UpsertJurisdiction(ctx, "Lagos", "LA")
	require.NoError(t, err)

	params := core.NewRegionParams{
		JurisdictionID:   ogun.ID,
		JurisdictionName: ogun.Name,
		Name:             "Ikeja",
		NameKey:          core.NameKey("Ikeja"),
	}
	created, err := s.InsertRegion(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, "Ogun", created.JurisdictionName)

	_, err = s.InsertRegion(ctx, params)
	assert.True(t, errors.Is(err, core.ErrConflict), "duplicate insert: got %v", err)

	// Same name under another jurisdiction is a distinct region.
	params.JurisdictionID, params.JurisdictionName = lagos.ID, lagos.Name
	other, err := s.InsertRegion(ctx, params)
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)

	found, err := s.FindRegion(ctx, ogun.ID, core.NameKey("IKEJA"))
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = s.FindRegion(ctx, ogun.ID, core.NameKey("Ifo"))
	assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)

	regions, err := s.ListRegions(ctx, ogun.ID)
	require.NoError(t, err)
	assert.Len(t, regions, 1)
}

func testRegionMetadata(t *testing.T, s core.Store) {
	ctx := context.Background()
	fx := Seed(t, s)

	updated, err := s.UpdateRegionMetadata(ctx, fx.Region.ID, map[string]any{"geopolitical_zone": "South West"})
	require.NoError(t, err)
	assert.Equal(t, "South West", updated.Metadata["geopolitical_zone"])
	assert.Equal(t, fx.Region.Name, updated.Name)

	got, err := s.GetRegion(ctx, fx.Region.ID)
	require.NoError(t, err)
	assert.Equal(t, "South West", got.Metadata["geopolitical_zone"])

	_, err = s.UpdateRegionMetadata(ctx, uuid.New(), nil)
	assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)
}

func testSourceUpsert(t *testing.T, s core.Store) {
	ctx := context.Background()

	_, err := s.FindSourceByURL(ctx, "https://example.test/a")
	assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)

	first, err := s.UpsertSource(ctx, core.SourceParams{URL: "https://example.test/a", Name: "A", Kind: "state_portal", Parser: "p1", Active: true})
	require.NoError(t, err)
	again, err := s.UpsertSource(ctx, core.SourceParams{URL: "https://example.test/a", Name: "A2", Kind: "state_portal", Parser: "p2", Active: true})
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "A2", again.Name)

	found, err := s.FindSourceByURL(ctx, "https://example.test/a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	assert.Equal(t, "p2", found.Parser)
}

func testAllocationUpsert(t *testing.T, s core.Store) {
	ctx := context.Background()
	fx := Seed(t, s)

	params := core.AllocationParams{
		RegionID: fx.Region.ID,
		SourceID: fx.Source.ID,
		Period:   mustDate(t, "January 2024"),
		Amount:   mustAmount(t, "150,000,000.00"),
		Raw:      []string{"January 2024", "150,000,000.00", "Abeokuta North"},
	}

	inserted, status, err := s.UpsertAllocation(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, core.RowInserted, status)
	assert.Equal(t, 1, inserted.Revision)
	assert.Equal(t, "150000000.00", inserted.AmountString())
	assert.Equal(t, "2024-01-01", inserted.PeriodString())

	same, status, err := s.UpsertAllocation(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, core.RowUnchanged, status)
	assert.Equal(t, inserted.ID, same.ID)
	assert.Equal(t, 1, same.Revision)

	params.Amount = mustAmount(t, "151,000,000.00")
	params.Raw = []string{"January 2024", "151,000,000.00", "Abeokuta North"}
	corrected, status, err := s.UpsertAllocation(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, core.RowUpdated, status)
	assert.Equal(t, inserted.ID, corrected.ID)
	assert.Equal(t, 2, corrected.Revision)
	assert.Equal(t, "151000000.00", corrected.AmountString())
	assert.Equal(t, params.Raw, corrected.Raw)

	list, err := s.ListAllocations(ctx, core.AllocationFilter{RegionID: fx.Region.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "151000000.00", list[0].AmountString())
}

func testAllocationListing(t *testing.T, s core.Store) {
	ctx := context.Background()
	fx := Seed(t, s)

	for _, row := range []struct{ period, amount string }{
		{"January 2024", "100.00"},
		{"February 2024", "200.50"},
		{"March 2024", "300.00"},
	} {
		_, _, err := s.UpsertAllocation(ctx, core.AllocationParams{
			RegionID: fx.Region.ID,
			SourceID: fx.Source.ID,
			Period:   mustDate(t, row.period),
			Amount:   mustAmount(t, row.amount),
			Raw:      []string{row.period, row.amount},
		})
		require.NoError(t, err)
	}

	list, err := s.ListAllocations(ctx, core.AllocationFilter{RegionID: fx.Region.ID})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "2024-03-01", list[0].PeriodString(), "most recent first")
	assert.Equal(t, "2024-01-01", list[2].PeriodString())

	limited, err := s.ListAllocations(ctx, core.AllocationFilter{RegionID: fx.Region.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	ranged, err := s.ListAllocations(ctx, core.AllocationFilter{
		RegionID: fx.Region.ID,
		From:     mustDate(t, "2024-02-01"),
		To:       mustDate(t, "2024-02-28"),
	})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "200.50", ranged[0].AmountString())

	sum, err := s.SummarizeRegion(ctx, fx.Region.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Count)
	assert.Equal(t, "600.50", core.FormatAmount(sum.Total))
	assert.Equal(t, "2024-03-01", core.FormatPeriod(sum.LatestPeriod))

	empty, err := s.SummarizeRegion(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Count)
}

func testRuns(t *testing.T, s core.Store) {
	ctx := context.Background()

	for i, name := range []string{"first", "second"} {
		start := mustDate(t, "2024-01-01").Time.Add(timeOffset(i))
		require.NoError(t, s.RecordRun(ctx, core.IngestRun{
			ID:         uuid.New(),
			SourceName: name,
			SourceURL:  "https://example.test/" + name,
			Outcome:    core.OutcomeCompleted,
			Inserted:   i + 1,
			StartedAt:  start,
			FinishedAt: start.Add(timeOffset(1)),
		}))
	}

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "second", runs[0].SourceName, "most recent first")
	assert.Equal(t, 2, runs[0].Inserted)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func timeOffset(hours int) time.Duration {
	return time.Duration(hours) * time.Hour
}
