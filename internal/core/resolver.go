package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/JonMunkholm/allocsync/internal/logging"
)

// Resolver maps a region name within a jurisdiction to a canonical Region,
// creating the region on first reference.
//
// The store's (jurisdiction_id, name_key) uniqueness constraint is the
// system of record: creation is optimistic and a conflict is resolved by
// re-reading the row another writer created.
type Resolver struct {
	store Store
	cache RegionCache
	group singleflight.Group
}

// NewResolver creates a resolver. A nil cache uses a process-local one.
func NewResolver(store Store, cache RegionCache) *Resolver {
	if cache == nil {
		cache = NewMemoryRegionCache()
	}
	return &Resolver{store: store, cache: cache}
}

// EnsureJurisdiction upserts a jurisdiction by code.
func (r *Resolver) EnsureJurisdiction(ctx context.Context, name, code string) (Jurisdiction, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Jurisdiction{}, errors.New("jurisdiction code is required")
	}
	name = NormalizeName(name)
	if name == "" {
		name = code
	}
	j, err := r.store.UpsertJurisdiction(ctx, name, code)
	if err != nil {
		return Jurisdiction{}, fmt.Errorf("upsert jurisdiction %s: %w", code, err)
	}
	return j, nil
}

// Resolve returns the region named name in the jurisdiction, creating it if
// absent. Supplied metadata is merged into the region's existing metadata.
// Failures are returned as *ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, jurisdictionID uuid.UUID, name string, metadata map[string]any) (Region, error) {
	name = NormalizeName(name)
	if name == "" {
		return Region{}, &ResolutionError{JurisdictionID: jurisdictionID.String(), Err: errors.New("empty region name")}
	}
	key := NameKey(name)
	metadata = normalizeMetadata(metadata)

	if cached, ok, err := r.cache.Get(ctx, jurisdictionID, key); err == nil && ok && !addsMetadata(cached.Metadata, metadata) {
		return cached, nil
	} else if err != nil {
		logging.FromContext(ctx).Warn("region cache read failed", "error", err)
	}

	v, err, _ := r.group.Do(regionCacheKey(jurisdictionID, key), func() (any, error) {
		return r.resolve(ctx, jurisdictionID, name, key, metadata)
	})
	if err != nil {
		return Region{}, err
	}
	return v.(Region), nil
}

func (r *Resolver) resolve(ctx context.Context, jurisdictionID uuid.UUID, name, key string, metadata map[string]any) (Region, error) {
	fail := func(err error) (Region, error) {
		return Region{}, &ResolutionError{JurisdictionID: jurisdictionID.String(), Name: name, Err: err}
	}

	region, err := r.store.FindRegion(ctx, jurisdictionID, key)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		region, err = r.create(ctx, jurisdictionID, name, key, metadata)
		if err != nil {
			return fail(err)
		}
	default:
		return fail(fmt.Errorf("find region: %w", err))
	}

	region, err = r.mergeMetadata(ctx, region, metadata)
	if err != nil {
		return fail(err)
	}

	if err := r.cache.Put(ctx, region); err != nil {
		logging.FromContext(ctx).Warn("region cache write failed", "region", region.Name, "error", err)
	}
	return region, nil
}

// create inserts the region, falling back to a lookup when another writer
// won the race.
func (r *Resolver) create(ctx context.Context, jurisdictionID uuid.UUID, name, key string, metadata map[string]any) (Region, error) {
	j, err := r.store.GetJurisdiction(ctx, jurisdictionID)
	if err != nil {
		return Region{}, fmt.Errorf("load jurisdiction: %w", err)
	}

	region, err := r.store.InsertRegion(ctx, NewRegionParams{
		JurisdictionID:   jurisdictionID,
		JurisdictionName: j.Name,
		Name:             name,
		NameKey:          key,
		Metadata:         metadata,
	})
	if errors.Is(err, ErrConflict) {
		logging.FromContext(ctx).Debug("region created concurrently, re-reading", "region", name)
		region, err = r.store.FindRegion(ctx, jurisdictionID, key)
		if err != nil {
			return Region{}, fmt.Errorf("re-read region after conflict: %w", err)
		}
		return region, nil
	}
	if err != nil {
		return Region{}, fmt.Errorf("insert region: %w", err)
	}

	logging.FromContext(ctx).Info("region created", "region", name, "jurisdiction", j.Code)
	return region, nil
}

// mergeMetadata writes supplied keys into the region when they add or change
// anything. Name and jurisdiction are never touched.
func (r *Resolver) mergeMetadata(ctx context.Context, region Region, metadata map[string]any) (Region, error) {
	if !addsMetadata(region.Metadata, metadata) {
		return region, nil
	}

	merged := make(map[string]any, len(region.Metadata)+len(metadata))
	maps.Copy(merged, region.Metadata)
	maps.Copy(merged, metadata)

	updated, err := r.store.UpdateRegionMetadata(ctx, region.ID, merged)
	if err != nil {
		return Region{}, fmt.Errorf("update region metadata: %w", err)
	}
	return updated, nil
}

// addsMetadata reports whether supplied has a key missing from, or different
// in, existing.
func addsMetadata(existing, supplied map[string]any) bool {
	for k, v := range supplied {
		cur, ok := existing[k]
		if !ok || !reflect.DeepEqual(cur, v) {
			return true
		}
	}
	return false
}

// normalizeMetadata round-trips metadata through JSON so values compare
// equal to what the store returns.
func normalizeMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}
