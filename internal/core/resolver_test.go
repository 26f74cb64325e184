package core_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/allocsync/internal/core"
	"github.com/JonMunkholm/allocsync/internal/memstore"
)

func TestResolver_CreatesOnceAndMatchesCaseInsensitively(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	resolver := core.NewResolver(store, nil)

	ogun, err := resolver.EnsureJurisdiction(ctx, "Ogun", "og")
	require.NoError(t, err)
	assert.Equal(t, "OG", ogun.Code)

	first, err := resolver.Resolve(ctx, ogun.ID, "Abeokuta South", nil)
	require.NoError(t, err)
	assert.Equal(t, "Ogun", first.JurisdictionName)

	for _, name := range []string{"abeokuta south", "  ABEOKUTA   South ", "Abeokuta South"} {
		r, err := resolver.Resolve(ctx, ogun.ID, name, nil)
		require.NoError(t, err)
		assert.Equal(t, first.ID, r.ID, name)
	}

	other, err := resolver.Resolve(ctx, ogun.ID, "Abeokuta South East", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID, "no fuzzy matching")

	_, regions, _, _ := store.Counts()
	assert.Equal(t, 2, regions)
}

func TestResolver_SameNameDifferentJurisdictions(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	resolver := core.NewResolver(store, core.NewMemoryRegionCache())

	lagos, err := resolver.EnsureJurisdiction(ctx, "Lagos", "LA")
	require.NoError(t, err)
	oyo, err := resolver.EnsureJurisdiction(ctx, "Oyo", "OY")
	require.NoError(t, err)

	a, err := resolver.Resolve(ctx, lagos.ID, "Surulere", nil)
	require.NoError(t, err)
	b, err := resolver.Resolve(ctx, oyo.ID, "Surulere", nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "Lagos", a.JurisdictionName)
	assert.Equal(t, "Oyo", b.JurisdictionName)
}

func TestResolver_ConcurrentResolutionCreatesOneRegion(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	resolver := core.NewResolver(store, nil)

	j, err := resolver.EnsureJurisdiction(ctx, "Ogun", "OG")
	require.NoError(t, err)

	const workers = 16
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := resolver.Resolve(ctx, j.ID, "Ifo", nil)
			assert.NoError(t, err)
			ids[i] = r.ID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	_, regions, _, _ := store.Counts()
	assert.Equal(t, 1, regions)
}

// racingStore hides the first lookup, as if another process created the
// region between our lookup and insert.
type racingStore struct {
	*memstore.Store
	hidden  atomic.Bool
	inserts atomic.Int32
}

func (s *racingStore) FindRegion(ctx context.Context, jurisdictionID uuid.UUID, nameKey string) (core.Region, error) {
	if s.hidden.CompareAndSwap(false, true) {
		return core.Region{}, core.ErrNotFound
	}
	return s.Store.FindRegion(ctx, jurisdictionID, nameKey)
}

func (s *racingStore) InsertRegion(ctx context.Context, p core.NewRegionParams) (core.Region, error) {
	s.inserts.Add(1)
	return s.Store.InsertRegion(ctx, p)
}

func TestResolver_ConflictIsReadBack(t *testing.T) {
	ctx := context.Background()
	base := memstore.New()
	j, err := base.UpsertJurisdiction(ctx, "Ogun", "OG")
	require.NoError(t, err)
	existing, err := base.InsertRegion(ctx, core.NewRegionParams{
		JurisdictionID:   j.ID,
		JurisdictionName: j.Name,
		Name:             "Ifo",
		NameKey:          core.NameKey("Ifo"),
	})
	require.NoError(t, err)

	store := &racingStore{Store: base}
	resolver := core.NewResolver(store, nil)

	got, err := resolver.Resolve(ctx, j.ID, "IFO", nil)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
	assert.Equal(t, int32(1), store.inserts.Load())
}

func TestResolver_UnknownJurisdiction(t *testing.T) {
	resolver := core.NewResolver(memstore.New(), nil)

	_, err := resolver.Resolve(context.Background(), uuid.New(), "Ifo", nil)

	var resErr *core.ResolutionError
	require.True(t, errors.As(err, &resErr), "got %T", err)
	assert.Equal(t, "Ifo", resErr.Name)
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.Equal(t, "RES001", core.MapError(err).Code)
}

func TestResolver_EmptyName(t *testing.T) {
	resolver := core.NewResolver(memstore.New(), nil)

	_, err := resolver.Resolve(context.Background(), uuid.New(), "   ", nil)

	var resErr *core.ResolutionError
	assert.True(t, errors.As(err, &resErr))
}

func TestResolver_MetadataMerge(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	resolver := core.NewResolver(store, nil)
	j, err := resolver.EnsureJurisdiction(ctx, "Ogun", "OG")
	require.NoError(t, err)

	created, err := resolver.Resolve(ctx, j.ID, "Ifo", map[string]any{"geopolitical_zone": "South West"})
	require.NoError(t, err)
	assert.Equal(t, "South West", created.Metadata["geopolitical_zone"])

	merged, err := resolver.Resolve(ctx, j.ID, "ifo", map[string]any{"senatorial_district": "Ogun Central"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, merged.ID)
	assert.Equal(t, "South West", merged.Metadata["geopolitical_zone"])
	assert.Equal(t, "Ogun Central", merged.Metadata["senatorial_district"])

	stored, err := store.GetRegion(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ifo", stored.Name, "name is immutable")
	assert.Len(t, stored.Metadata, 2)
}

func TestResolver_EnsureJurisdictionRequiresCode(t *testing.T) {
	resolver := core.NewResolver(memstore.New(), nil)
	_, err := resolver.EnsureJurisdiction(context.Background(), "Ogun", " ")
	assert.Error(t, err)
}

func TestMemoryRegionCache(t *testing.T) {
	ctx := context.Background()
	cache := core.NewMemoryRegionCache()
	r := core.Region{ID: uuid.New(), JurisdictionID: uuid.New(), Name: "Ifo", NameKey: "ifo"}

	_, ok, err := cache.Get(ctx, r.JurisdictionID, "ifo")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put(ctx, r))
	got, ok, err := cache.Get(ctx, r.JurisdictionID, "ifo")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, 1, cache.Len())
}

func TestSourceRegistry_GetOrRegister(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	registry := core.NewSourceRegistry(store)

	d := core.SourceDescriptor{URL: ogunURL, Name: "Ogun", Kind: core.KindStatePortal, Parser: "ogun_allocations_v1"}
	first, err := registry.GetOrRegister(ctx, d)
	require.NoError(t, err)
	again, err := registry.GetOrRegister(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	src, err := store.FindSourceByURL(ctx, ogunURL)
	require.NoError(t, err)
	assert.True(t, src.Active)

	_, err = registry.GetOrRegister(ctx, core.SourceDescriptor{URL: "  "})
	assert.Error(t, err)
}

func TestReconciler_Reconcile(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	resolver := core.NewResolver(store, nil)
	reconciler := core.NewReconciler(store)

	j, err := resolver.EnsureJurisdiction(ctx, "Ogun", "OG")
	require.NoError(t, err)
	region, err := resolver.Resolve(ctx, j.ID, "Ifo", nil)
	require.NoError(t, err)
	sourceID, err := core.NewSourceRegistry(store).GetOrRegister(ctx, core.SourceDescriptor{URL: ogunURL})
	require.NoError(t, err)

	period, err := core.ParsePeriod("January 2024")
	require.NoError(t, err)
	amount, err := core.ParseAmount("1,000.00")
	require.NoError(t, err)

	a, status, err := reconciler.Reconcile(ctx, region.ID, sourceID, period, amount, []string{"January 2024", "1,000.00", "Ifo"})
	require.NoError(t, err)
	assert.Equal(t, core.RowInserted, status)

	b, status, err := reconciler.Reconcile(ctx, region.ID, sourceID, period, amount, []string{"January 2024", "1,000.00", "Ifo"})
	require.NoError(t, err)
	assert.Equal(t, core.RowUnchanged, status)
	assert.Equal(t, a.ID, b.ID)

	negative := amount
	negative.Int = new(big.Int).Neg(amount.Int)
	_, _, err = reconciler.Reconcile(ctx, region.ID, sourceID, period, negative, nil)
	assert.True(t, errors.Is(err, core.ErrNegativeAmount), "got %v", err)
}
