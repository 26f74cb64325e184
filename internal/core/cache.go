package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RegionCache holds resolved regions keyed by jurisdiction and name key.
// A miss is reported with ok=false; errors are only returned for backend
// failures, which callers treat as misses.
type RegionCache interface {
	Get(ctx context.Context, jurisdictionID uuid.UUID, nameKey string) (Region, bool, error)
	Put(ctx context.Context, region Region) error
}

func regionCacheKey(jurisdictionID uuid.UUID, nameKey string) string {
	return jurisdictionID.String() + "|" + nameKey
}

// MemoryRegionCache is a process-local RegionCache.
type MemoryRegionCache struct {
	mu      sync.RWMutex
	regions map[string]Region
}

// NewMemoryRegionCache creates an empty in-memory cache.
func NewMemoryRegionCache() *MemoryRegionCache {
	return &MemoryRegionCache{regions: make(map[string]Region)}
}

func (c *MemoryRegionCache) Get(_ context.Context, jurisdictionID uuid.UUID, nameKey string) (Region, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.regions[regionCacheKey(jurisdictionID, nameKey)]
	return r, ok, nil
}

func (c *MemoryRegionCache) Put(_ context.Context, region Region) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regions[regionCacheKey(region.JurisdictionID, region.NameKey)] = region
	return nil
}

// Len returns the number of cached regions.
func (c *MemoryRegionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.regions)
}

const regionKeyPrefix = "allocsync:region:"

// RedisRegionCache shares resolved regions between processes.
type RedisRegionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegionCache constructs a Redis-backed cache. A zero ttl keeps
// entries until evicted.
func NewRedisRegionCache(client *redis.Client, ttl time.Duration) *RedisRegionCache {
	return &RedisRegionCache{client: client, ttl: ttl}
}

type cachedRegion struct {
	ID               uuid.UUID      `json:"id"`
	JurisdictionID   uuid.UUID      `json:"jurisdiction_id"`
	JurisdictionName string         `json:"jurisdiction_name"`
	Name             string         `json:"name"`
	NameKey          string         `json:"name_key"`
	Code             string         `json:"code,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func (c *RedisRegionCache) Get(ctx context.Context, jurisdictionID uuid.UUID, nameKey string) (Region, bool, error) {
	data, err := c.client.Get(ctx, regionKeyPrefix+regionCacheKey(jurisdictionID, nameKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Region{}, false, nil
	}
	if err != nil {
		return Region{}, false, fmt.Errorf("redis get region: %w", err)
	}

	var cr cachedRegion
	if err := json.Unmarshal(data, &cr); err != nil {
		return Region{}, false, fmt.Errorf("decode cached region: %w", err)
	}
	return Region{
		ID:               cr.ID,
		JurisdictionID:   cr.JurisdictionID,
		JurisdictionName: cr.JurisdictionName,
		Name:             cr.Name,
		NameKey:          cr.NameKey,
		Code:             cr.Code,
		Metadata:         cr.Metadata,
	}, true, nil
}

func (c *RedisRegionCache) Put(ctx context.Context, region Region) error {
	data, err := json.Marshal(cachedRegion{
		ID:               region.ID,
		JurisdictionID:   region.JurisdictionID,
		JurisdictionName: region.JurisdictionName,
		Name:             region.Name,
		NameKey:          region.NameKey,
		Code:             region.Code,
		Metadata:         region.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encode region: %w", err)
	}
	key := regionKeyPrefix + regionCacheKey(region.JurisdictionID, region.NameKey)
	return c.client.Set(ctx, key, data, c.ttl).Err()
}
