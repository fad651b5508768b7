package redis

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

// KEYS[1] = key, ARGV[1] = holder, ARGV[2] = ttl millis
const luaRateLimitLock = `
local current = redis.call('GET', KEYS[1])
if current and current ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`

// KEYS[1] = key, ARGV[1] = holder
const luaRateLimitUnlock = `
local current = redis.call('GET', KEYS[1])
if not current then
  return 1
end
if current ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`

// RateLimitRepository holds one slot per (category, time bucket). Records
// expire natively after the bucket unit.
type RateLimitRepository struct {
	rdb    *redis.Client
	lock   *redis.Script
	unlock *redis.Script
}

func NewRateLimitRepository(rdb *redis.Client) *RateLimitRepository {
	return &RateLimitRepository{
		rdb:    rdb,
		lock:   redis.NewScript(luaRateLimitLock),
		unlock: redis.NewScript(luaRateLimitUnlock),
	}
}

func (r *RateLimitRepository) Lock(ctx context.Context, key domain.RateLimitKey, holder string) error {
	const op = "redis.RateLimitRepository.Lock"

	if key.Unit <= 0 {
		return errors.Wrapf(domain.ErrArgument, "%s: unit must be positive", op)
	}
	res, err := r.lock.Run(ctx, r.rdb, []string{keyRateLimit(key)}, holder, key.Unit.Milliseconds()).Int()
	if err != nil {
		return errors.Wrapf(err, "%s: %s", op, key)
	}
	if res == 0 {
		return errors.Wrapf(domain.ErrConflict, "%s: %s", op, key)
	}
	return nil
}

func (r *RateLimitRepository) Unlock(ctx context.Context, key domain.RateLimitKey, holder string) error {
	const op = "redis.RateLimitRepository.Unlock"

	res, err := r.unlock.Run(ctx, r.rdb, []string{keyRateLimit(key)}, holder).Int()
	if err != nil {
		return errors.Wrapf(err, "%s: %s", op, key)
	}
	if res == 0 {
		return errors.Wrapf(domain.ErrNotHolder, "%s: %s", op, key)
	}
	return nil
}

func (r *RateLimitRepository) GetHolder(ctx context.Context, key domain.RateLimitKey) (string, error) {
	holder, err := r.rdb.Get(ctx, keyRateLimit(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "redis.RateLimitRepository.GetHolder: %s", key)
	}
	return holder, nil
}
