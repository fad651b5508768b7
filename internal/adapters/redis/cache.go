package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

type Cache struct {
	client *redis.Client
	sf     singleflight.Group
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// IncrWindow counts hits in a fixed window and returns the count so far.
func (c *Cache) IncrWindow(ctx context.Context, scope, id string, window time.Duration) (int64, error) {
	key := keyThrottle(scope, id)
	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "redis.Cache.IncrWindow: %s", key)
	}
	return incr.Val(), nil
}

func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var out T
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func SetJSON(ctx context.Context, c *Cache, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, b, ttl).Err()
}

// GetOrSetJSON reads key and falls back to loader on a miss. Concurrent
// misses for the same key share one loader call.
func GetOrSetJSON[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, loader func(ctx context.Context) (T, error)) (T, error) {
	if v, ok, err := GetJSON[T](ctx, c, key); err != nil || ok {
		return v, err
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		if cached, ok, err := GetJSON[T](ctx, c, key); err != nil || ok {
			return cached, err
		}
		loaded, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		_ = SetJSON(ctx, c, key, loaded, ttl)
		return loaded, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		var zero T
		return zero, errors.Newf("redis.GetOrSetJSON: unexpected %T for %s", v, key)
	}
	return out, nil
}

// Availability is the aggregated occupancy of a performance.
type Availability struct {
	PerformanceID       string    `json:"performance_id"`
	Total               int       `json:"total"`
	Remaining           int       `json:"remaining"`
	RemainingWheelchair int       `json:"remaining_wheelchair"`
	AggregatedAt        time.Time `json:"aggregated_at"`
}

func (c *Cache) SetAvailability(ctx context.Context, a Availability, ttl time.Duration) error {
	if err := SetJSON(ctx, c, keyAvailability(a.PerformanceID), a, ttl); err != nil {
		return errors.Wrapf(err, "redis.Cache.SetAvailability: %s", a.PerformanceID)
	}
	return nil
}

func (c *Cache) Availability(ctx context.Context, performanceID string) (Availability, bool, error) {
	return GetJSON[Availability](ctx, c, keyAvailability(performanceID))
}
