package core_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/allocsync/internal/core"
	_ "github.com/JonMunkholm/allocsync/internal/core/parsers"
	"github.com/JonMunkholm/allocsync/internal/memstore"
)

const ogunURL = "https://ogunstate.gov.ng/lga-allocations"

const abeokutaPage = `<html><body>
<table class="allocations">
  <tr><th>Period</th><th>Amount</th><th>LGA</th></tr>
  <tr><td>January 2024</td><td>₦150,000,000.00</td><td>Abeokuta North</td></tr>
  <tr><td>February 2024</td><td>₦145,500,000.00</td><td>Abeokuta South</td></tr>
</table>
</body></html>`

// fakeFetcher serves pages from memory.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeFetcher) set(url, page string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = page
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[url]; err != nil {
		return "", err
	}
	return f.pages[url], nil
}

func (f *fakeFetcher) Download(_ context.Context, url, dest string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[url]; err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, []byte(f.pages[url]), 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

// fakeArchiver records archived content by key.
type fakeArchiver struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (a *fakeArchiver) Archive(_ context.Context, slug, ext string, content []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := fmt.Sprintf("snapshots/%s/%d.%s", slug, len(content), ext)
	a.objects[key] = content
	return key, nil
}

type harness struct {
	store    *memstore.Store
	fetcher  *fakeFetcher
	archiver *fakeArchiver
	coord    *core.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memstore.New(),
		fetcher:  newFakeFetcher(),
		archiver: &fakeArchiver{objects: map[string][]byte{}},
	}
	coord, err := core.NewCoordinator(core.CoordinatorDeps{
		Store:       h.store,
		Fetcher:     h.fetcher,
		Archiver:    h.archiver,
		DownloadDir: t.TempDir(),
	})
	require.NoError(t, err)
	h.coord = coord
	return h
}

func ogunSource() core.SourceConfig {
	return core.SourceConfig{
		SourceDescriptor: core.SourceDescriptor{
			URL:    ogunURL,
			Name:   "Ogun State Portal",
			Kind:   core.KindStatePortal,
			Parser: "ogun_allocations_v1",
		},
		Jurisdiction: core.JurisdictionRef{Name: "Ogun", Code: "OG"},
		Active:       true,
	}
}

func allocationsByRegion(t *testing.T, s core.Store, jurisdictionCode string) map[string][]core.Allocation {
	t.Helper()
	ctx := context.Background()

	j, err := s.GetJurisdictionByCode(ctx, jurisdictionCode)
	require.NoError(t, err)
	regions, err := s.ListRegions(ctx, j.ID)
	require.NoError(t, err)

	out := make(map[string][]core.Allocation)
	for _, r := range regions {
		allocs, err := s.ListAllocations(ctx, core.AllocationFilter{RegionID: r.ID})
		require.NoError(t, err)
		out[r.Name] = allocs
	}
	return out
}

func TestRunSource_Abeokuta(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(ogunURL, abeokutaPage)

	res := h.coord.RunSource(context.Background(), ogunSource())

	require.Equal(t, core.OutcomeCompleted, res.Outcome, res.Error)
	assert.Equal(t, core.StageDone, res.Stage)
	assert.Equal(t, 2, res.TotalRows)
	assert.Equal(t, 2, res.Inserted)
	assert.Zero(t, res.Updated+res.Unchanged+res.Skipped)
	assert.NotEmpty(t, res.SnapshotKey)

	byRegion := allocationsByRegion(t, h.store, "OG")
	require.Len(t, byRegion, 2)

	north := byRegion["Abeokuta North"]
	require.Len(t, north, 1)
	assert.Equal(t, "150000000.00", north[0].AmountString())
	assert.Equal(t, "2024-01-01", north[0].PeriodString())

	south := byRegion["Abeokuta South"]
	require.Len(t, south, 1)
	assert.Equal(t, "145500000.00", south[0].AmountString())
	assert.Equal(t, "2024-02-01", south[0].PeriodString())
	assert.Equal(t, res.SourceID, south[0].SourceID)

	j, err := h.store.GetJurisdictionByCode(context.Background(), "OG")
	require.NoError(t, err)
	region, err := h.store.FindRegion(context.Background(), j.ID, core.NameKey("abeokuta south"))
	require.NoError(t, err)
	assert.Equal(t, "Ogun", region.JurisdictionName)

	runs, err := h.store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.Equal(t, 2, runs[0].Inserted)
}

func TestRunSource_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(ogunURL, abeokutaPage)
	ctx := context.Background()

	first := h.coord.RunSource(ctx, ogunSource())
	require.Equal(t, core.OutcomeCompleted, first.Outcome)
	_, regionsBefore, sourcesBefore, allocsBefore := h.store.Counts()

	second := h.coord.RunSource(ctx, ogunSource())
	require.Equal(t, core.OutcomeCompleted, second.Outcome)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, first.SourceID, second.SourceID)

	_, regionsAfter, sourcesAfter, allocsAfter := h.store.Counts()
	assert.Equal(t, regionsBefore, regionsAfter)
	assert.Equal(t, sourcesBefore, sourcesAfter)
	assert.Equal(t, allocsBefore, allocsAfter)
}

func TestRunSource_CorrectionOverwrites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fetcher.set(ogunURL, abeokutaPage)
	require.Equal(t, core.OutcomeCompleted, h.coord.RunSource(ctx, ogunSource()).Outcome)

	h.fetcher.set(ogunURL, `<table class="allocations">
  <tr><th>Period</th><th>Amount</th><th>LGA</th></tr>
  <tr><td>January 2024</td><td>₦152,000,000.00</td><td>ABEOKUTA NORTH</td></tr>
  <tr><td>February 2024</td><td>₦145,500,000.00</td><td>Abeokuta South</td></tr>
</table>`)
	res := h.coord.RunSource(ctx, ogunSource())

	require.Equal(t, core.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Unchanged)

	byRegion := allocationsByRegion(t, h.store, "OG")
	require.Len(t, byRegion, 2, "case variant must resolve to the existing region")
	north := byRegion["Abeokuta North"]
	require.Len(t, north, 1)
	assert.Equal(t, "152000000.00", north[0].AmountString())
	assert.Equal(t, 2, north[0].Revision)
}

func TestRunSource_RegionDedupAcrossJurisdictions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	page := `<table class="allocations">
  <tr><th>Period</th><th>Amount</th><th>LGA</th></tr>
  <tr><td>January 2024</td><td>1,000.00</td><td>Surulere</td></tr>
</table>`

	lagos := ogunSource()
	lagos.URL, lagos.Name = "https://lagosstate.gov.ng/allocations", "Lagos Portal"
	lagos.Jurisdiction = core.JurisdictionRef{Name: "Lagos", Code: "LA"}
	oyo := ogunSource()
	oyo.URL, oyo.Name = "https://oyostate.gov.ng/allocations", "Oyo Portal"
	oyo.Jurisdiction = core.JurisdictionRef{Name: "Oyo", Code: "OY"}

	h.fetcher.set(lagos.URL, page)
	h.fetcher.set(oyo.URL, page)

	results := h.coord.RunAll(ctx, []core.SourceConfig{lagos, oyo, lagos})
	require.Len(t, results, 3)
	for _, r := range results {
		require.Equal(t, core.OutcomeCompleted, r.Outcome, r.Error)
	}

	_, regions, sources, allocs := h.store.Counts()
	assert.Equal(t, 2, regions, "one Surulere per jurisdiction")
	assert.Equal(t, 2, sources)
	assert.Equal(t, 2, allocs)
	assert.Equal(t, 1, results[2].Unchanged)
}

func TestRunSource_MalformedRows(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(ogunURL, `<table class="allocations">
  <tr><th>Period</th><th>Amount</th><th>LGA</th></tr>
  <tr><td>January 2024</td><td>₦150,000,000.00</td><td>Abeokuta North</td></tr>
  <tr><td>Total</td><td>₦150,000,000.00</td></tr>
  <tr><td>February 2024</td><td>N/A</td><td>Ifo</td></tr>
  <tr><td>Someday</td><td>1,000</td><td>Ifo</td></tr>
  <tr><td>March 2024</td><td>2,000</td><td> </td></tr>
  <tr><td>March 2024</td><td>3,000</td><td>Ifo</td></tr>
</table>`)

	res := h.coord.RunSource(context.Background(), ogunSource())

	require.Equal(t, core.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 6, res.TotalRows)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 4, res.Skipped)

	reasons := map[int]core.SkipReason{}
	for _, row := range res.SkippedRows() {
		reasons[row.Index] = row.Reason
	}
	assert.Equal(t, map[int]core.SkipReason{
		1: core.SkipTooFewColumns,
		2: core.SkipInvalidAmount,
		3: core.SkipInvalidPeriod,
		4: core.SkipEmptyRegion,
	}, reasons)
}

func TestRunSource_EmptyContent(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(ogunURL, "   \n")

	res := h.coord.RunSource(context.Background(), ogunSource())

	assert.Equal(t, core.OutcomeSkipped, res.Outcome)
	assert.Equal(t, core.SkipEmptyContent, res.Reason)
	assert.Equal(t, core.StageDone, res.Stage)
	assert.Equal(t, core.StageFetch, res.HaltedAt)
	assert.Zero(t, res.Inserted+res.Updated+res.Unchanged)

	j, r, s, a := h.store.Counts()
	assert.Zero(t, j+r+s+a, "no writes for empty content")
}

func TestRunSource_NoTable(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(ogunURL, "<html><body><p>Maintenance</p></body></html>")

	res := h.coord.RunSource(context.Background(), ogunSource())

	assert.Equal(t, core.OutcomeSkipped, res.Outcome)
	assert.Equal(t, core.SkipNoRows, res.Reason)
	assert.Equal(t, core.StageDone, res.Stage)
	assert.Equal(t, core.StageParse, res.HaltedAt)

	_, _, sources, _ := h.store.Counts()
	assert.Zero(t, sources, "source is registered only after rows are found")
}

func TestRunAll_ContinuesAfterFailure(t *testing.T) {
	h := newHarness(t)
	broken := ogunSource()
	broken.URL, broken.Name = "https://broken.example/allocations", "Broken"
	h.fetcher.errs[broken.URL] = fmt.Errorf("dial tcp: %w", core.ErrFetch)
	h.fetcher.set(ogunURL, abeokutaPage)

	inactive := ogunSource()
	inactive.Name, inactive.Active = "Inactive", false

	results := h.coord.RunAll(context.Background(), []core.SourceConfig{broken, inactive, ogunSource()})
	require.Len(t, results, 3)

	assert.Equal(t, core.OutcomeSkipped, results[0].Outcome)
	assert.Equal(t, core.SkipFetchFailed, results[0].Reason)
	assert.Contains(t, results[0].Error, "dial tcp")

	assert.Equal(t, core.OutcomeSkipped, results[1].Outcome)
	assert.Equal(t, core.SkipInactive, results[1].Reason)

	assert.Equal(t, core.OutcomeCompleted, results[2].Outcome)
	assert.Equal(t, 2, results[2].Inserted)
	assert.Equal(t, 2, h.fetcher.calls, "inactive source is not fetched")
}

func TestRunAll_StopsWhenCancelled(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(ogunURL, abeokutaPage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := h.coord.RunAll(ctx, []core.SourceConfig{ogunSource()})
	assert.Empty(t, results)
}

func TestRunSource_UnknownParser(t *testing.T) {
	h := newHarness(t)
	sc := ogunSource()
	sc.Parser = "does_not_exist"

	res := h.coord.RunSource(context.Background(), sc)

	assert.Equal(t, core.OutcomeSkipped, res.Outcome)
	assert.Equal(t, core.SkipUnknownParser, res.Reason)
	assert.Zero(t, h.fetcher.calls)
}

func TestRunSource_PDFArchivedAndSkipped(t *testing.T) {
	h := newHarness(t)
	sc := ogunSource()
	sc.URL, sc.Kind, sc.Parser = "https://ogunstate.gov.ng/faac-jan-2024.pdf", core.KindPDF, ""
	h.fetcher.set(sc.URL, "%PDF-1.7 ...")

	res := h.coord.RunSource(context.Background(), sc)

	assert.Equal(t, core.OutcomeSkipped, res.Outcome)
	assert.Equal(t, core.SkipUnsupportedFormat, res.Reason)
	require.NotEmpty(t, res.SnapshotKey)
	assert.Equal(t, []byte("%PDF-1.7 ..."), h.archiver.objects[res.SnapshotKey])
	assert.Equal(t, "pdf", filepath.Ext(res.SnapshotKey)[1:])
}

func TestRunSource_RegionMetadataMerged(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(ogunURL, abeokutaPage)
	sc := ogunSource()
	sc.RegionMetadata = map[string]any{"geopolitical_zone": "South West"}

	res := h.coord.RunSource(context.Background(), sc)
	require.Equal(t, core.OutcomeCompleted, res.Outcome)

	j, err := h.store.GetJurisdictionByCode(context.Background(), "OG")
	require.NoError(t, err)
	regions, err := h.store.ListRegions(context.Background(), j.ID)
	require.NoError(t, err)
	require.Len(t, regions, 2)
	for _, r := range regions {
		assert.Equal(t, "South West", r.Metadata["geopolitical_zone"], r.Name)
	}
}

// failingStore fails allocation writes for one region name.
type failingStore struct {
	*memstore.Store
	failRegion string
}

func (s *failingStore) UpsertAllocation(ctx context.Context, p core.AllocationParams) (core.Allocation, core.RowStatus, error) {
	r, err := s.Store.GetRegion(ctx, p.RegionID)
	if err == nil && r.Name == s.failRegion {
		return core.Allocation{}, "", errors.New("connection reset by peer")
	}
	return s.Store.UpsertAllocation(ctx, p)
}

func TestRunSource_PersistenceFailureSkipsRow(t *testing.T) {
	store := &failingStore{Store: memstore.New(), failRegion: "Abeokuta North"}
	fetcher := newFakeFetcher()
	fetcher.set(ogunURL, abeokutaPage)
	coord, err := core.NewCoordinator(core.CoordinatorDeps{Store: store, Fetcher: fetcher})
	require.NoError(t, err)

	res := coord.RunSource(context.Background(), ogunSource())

	require.Equal(t, core.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	skipped := res.SkippedRows()
	require.Len(t, skipped, 1)
	assert.Equal(t, core.SkipPersistence, skipped[0].Reason)
	assert.Equal(t, "Abeokuta North", skipped[0].RegionName)
}

// unresolvableStore fails region lookups for one name, as a dropped
// connection would.
type unresolvableStore struct {
	*memstore.Store
	failKey string
}

func (s *unresolvableStore) FindRegion(ctx context.Context, jurisdictionID uuid.UUID, nameKey string) (core.Region, error) {
	if nameKey == s.failKey {
		return core.Region{}, errors.New("connection reset by peer")
	}
	return s.Store.FindRegion(ctx, jurisdictionID, nameKey)
}

func TestRunSource_ResolutionFailureSkipsRow(t *testing.T) {
	page := `<table class="allocations">
<tr><th>Period</th><th>Amount</th><th>LGA</th></tr>
<tr><td>January 2024</td><td>100.00</td><td>Ifo</td></tr>
<tr><td>January 2024</td><td>200.00</td><td>Ewekoro</td></tr>
<tr><td>January 2024</td><td>300.00</td><td>Ijebu Ode</td></tr>
</table>`
	store := &unresolvableStore{Store: memstore.New(), failKey: core.NameKey("Ewekoro")}
	fetcher := newFakeFetcher()
	fetcher.set(ogunURL, page)
	coord, err := core.NewCoordinator(core.CoordinatorDeps{Store: store, Fetcher: fetcher})
	require.NoError(t, err)

	res := coord.RunSource(context.Background(), ogunSource())

	require.Equal(t, core.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, core.SkipResolution, res.Rows[1].Reason)
	assert.Equal(t, "Ewekoro", res.Rows[1].RegionName)
	assert.Equal(t, core.RowInserted, res.Rows[2].Status, "later rows are still reconciled")
	assert.Equal(t, "RES001", core.MapSkip(res.Rows[1].Reason).Code)

	_, regions, _, allocations := store.Counts()
	assert.Equal(t, 2, regions)
	assert.Equal(t, 2, allocations)
}

func TestRunSource_CancelledFetchFails(t *testing.T) {
	h := newHarness(t)
	h.fetcher.errs[ogunURL] = context.Canceled

	res := h.coord.RunSource(context.Background(), ogunSource())

	assert.Equal(t, core.OutcomeFailed, res.Outcome)
	assert.Empty(t, res.Reason)
	assert.Equal(t, core.StageDone, res.Stage)
	assert.Equal(t, core.StageFetch, res.HaltedAt)

	runs, err := h.store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, core.OutcomeFailed, runs[0].Outcome)
}

func TestRunSource_ShortMonthYear(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(ogunURL, `<table class="allocations">
<tr><th>Period</th><th>Amount</th><th>LGA</th></tr>
<tr><td>Jan 24</td><td>₦150,000,000.00</td><td>Abeokuta South</td></tr>
<tr><td>Dec 2</td><td>₦1.00</td><td>Abeokuta South</td></tr>
</table>`)

	res := h.coord.RunSource(context.Background(), ogunSource())

	require.Equal(t, core.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, core.SkipInvalidPeriod, res.SkippedRows()[0].Reason)

	allocs := allocationsByRegion(t, h.store, "OG")["Abeokuta South"]
	require.Len(t, allocs, 1)
	assert.Equal(t, "2024-01-01", core.FormatPeriod(allocs[0].Period))
}

func TestNewCoordinator_RequiresDeps(t *testing.T) {
	_, err := core.NewCoordinator(core.CoordinatorDeps{Fetcher: newFakeFetcher()})
	assert.Error(t, err)
	_, err = core.NewCoordinator(core.CoordinatorDeps{Store: memstore.New()})
	assert.Error(t, err)
}

func TestRunResult_IngestRun(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res := core.RunResult{StartedAt: start, Duration: 3 * time.Second, Inserted: 4}

	run := res.IngestRun()
	assert.Equal(t, start.Add(3*time.Second), run.FinishedAt)
	assert.Equal(t, 4, run.Inserted)
}
