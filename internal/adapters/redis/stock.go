package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

// Seat locks of one event live in a single hash. Each field is
// "section:seat" and holds "holder|expiresAtMillis". Scripts read the clock
// with TIME so every instance judges expiry against the same source.

const luaNow = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local function parse(v)
  local sep = string.find(v, '|', 1, true)
  return string.sub(v, 1, sep - 1), tonumber(string.sub(v, sep + 1))
end
`

// KEYS[1] = hash, ARGV[1] = field, ARGV[2] = holder, ARGV[3] = expiresAtMillis
// returns 1 locked, 0 held by someone else, -1 expiry already passed
const luaStockLock = luaNow + `
local expires = tonumber(ARGV[3])
if expires <= now then
  return -1
end
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current then
  local holder, until_ = parse(current)
  if until_ > now and holder ~= ARGV[2] then
    return 0
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2] .. '|' .. ARGV[3])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < expires - now then
  redis.call('PEXPIRE', KEYS[1], expires - now)
end
return 1
`

// KEYS[1] = hash, ARGV[1] = field, ARGV[2] = holder
// returns 1 released or absent, 0 live record of another holder
const luaStockUnlock = luaNow + `
local current = redis.call('HGET', KEYS[1], ARGV[1])
if not current then
  return 1
end
local holder, until_ = parse(current)
if holder ~= ARGV[2] and until_ > now then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`

// KEYS[1] = hash, ARGV[1] = field
const luaStockHolder = luaNow + `
local current = redis.call('HGET', KEYS[1], ARGV[1])
if not current then
  return ''
end
local holder, until_ = parse(current)
if until_ <= now then
  return ''
end
return holder
`

// KEYS[1] = hash. Returns live fields and drops expired ones.
const luaStockLive = luaNow + `
local all = redis.call('HGETALL', KEYS[1])
local live = {}
for i = 1, #all, 2 do
  local _, until_ = parse(all[i + 1])
  if until_ > now then
    table.insert(live, all[i])
  else
    redis.call('HDEL', KEYS[1], all[i])
  end
end
return live
`

// StockRepository keeps seat locks in Redis.
type StockRepository struct {
	rdb      *redis.Client
	lock     *redis.Script
	unlock   *redis.Script
	holder   *redis.Script
	liveSeat *redis.Script
}

func NewStockRepository(rdb *redis.Client) *StockRepository {
	return &StockRepository{
		rdb:      rdb,
		lock:     redis.NewScript(luaStockLock),
		unlock:   redis.NewScript(luaStockUnlock),
		holder:   redis.NewScript(luaStockHolder),
		liveSeat: redis.NewScript(luaStockLive),
	}
}

func (s *StockRepository) Lock(ctx context.Context, key domain.LockKey, holder string, expiresAt time.Time) error {
	const op = "redis.StockRepository.Lock"

	res, err := s.lock.Run(ctx, s.rdb, []string{keyStock(key.EventID)},
		stockField(key), holder, expiresAt.UnixMilli()).Int()
	if err != nil {
		return errors.Wrapf(err, "%s: %s", op, stockField(key))
	}
	switch res {
	case 1:
		return nil
	case 0:
		return errors.Wrapf(domain.ErrConflict, "%s: seat %s", op, stockField(key))
	default:
		return errors.Wrapf(domain.ErrArgument, "%s: expiry %s already passed", op, expiresAt.Format(time.RFC3339))
	}
}

func (s *StockRepository) Unlock(ctx context.Context, key domain.LockKey, holder string) error {
	const op = "redis.StockRepository.Unlock"

	res, err := s.unlock.Run(ctx, s.rdb, []string{keyStock(key.EventID)}, stockField(key), holder).Int()
	if err != nil {
		return errors.Wrapf(err, "%s: %s", op, stockField(key))
	}
	if res == 0 {
		return errors.Wrapf(domain.ErrNotHolder, "%s: seat %s", op, stockField(key))
	}
	return nil
}

// GetHolder returns "" when the seat has no live lock.
func (s *StockRepository) GetHolder(ctx context.Context, key domain.LockKey) (string, error) {
	holder, err := s.holder.Run(ctx, s.rdb, []string{keyStock(key.EventID)}, stockField(key)).Text()
	if err != nil {
		return "", errors.Wrapf(err, "redis.StockRepository.GetHolder: %s", stockField(key))
	}
	return holder, nil
}

// LockedSeats returns the codes of seats with a live lock for the event.
func (s *StockRepository) LockedSeats(ctx context.Context, eventID string) ([]string, error) {
	fields, err := s.liveSeat.Run(ctx, s.rdb, []string{keyStock(eventID)}).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(err, "redis.StockRepository.LockedSeats: %s", eventID)
	}
	codes := make([]string, 0, len(fields))
	for _, f := range fields {
		codes = append(codes, domain.SeatOfField(f))
	}
	return codes, nil
}
