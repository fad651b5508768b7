package redis

import (
	"context"
	"time"

	"github.com/robertarktes/seat-allocation/internal/domain"
)

type PerformanceSource interface {
	FindPerformance(ctx context.Context, id string) (*domain.Performance, error)
}

// CatalogCache is a read-through cache in front of the performance catalog.
type CatalogCache struct {
	cache  *Cache
	source PerformanceSource
	ttl    time.Duration
}

func NewCatalogCache(cache *Cache, source PerformanceSource, ttl time.Duration) *CatalogCache {
	return &CatalogCache{cache: cache, source: source, ttl: ttl}
}

func (c *CatalogCache) FindPerformance(ctx context.Context, id string) (*domain.Performance, error) {
	perf, err := GetOrSetJSON(ctx, c.cache, keyPerformance(id), c.ttl, func(ctx context.Context) (domain.Performance, error) {
		p, err := c.source.FindPerformance(ctx, id)
		if err != nil {
			return domain.Performance{}, err
		}
		return *p, nil
	})
	if err != nil {
		return nil, err
	}
	return &perf, nil
}
