package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

const (
	sequenceTTL   = 48 * time.Hour
	maxPaymentNos = 99999
)

// SequenceRepository issues per-day counters.
type SequenceRepository struct {
	rdb    *redis.Client
	prefix string
}

func NewSequenceRepository(rdb *redis.Client, orderPrefix string) *SequenceRepository {
	return &SequenceRepository{rdb: rdb, prefix: orderPrefix}
}

func (s *SequenceRepository) next(ctx context.Context, key string) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, sequenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// PublishPaymentNo returns a five digit sequence for the day followed by a
// Luhn check digit. The day runs out after 99999 numbers.
func (s *SequenceRepository) PublishPaymentNo(ctx context.Context, day string) (string, error) {
	const op = "redis.SequenceRepository.PublishPaymentNo"

	n, err := s.next(ctx, keyPaymentNo(day))
	if err != nil {
		return "", errors.Wrapf(err, "%s: %s", op, day)
	}
	if n > maxPaymentNos {
		return "", errors.Wrapf(domain.ErrServiceUnavailable, "%s: payment numbers for %s exhausted", op, day)
	}
	body := fmt.Sprintf("%05d", n)
	return body + strconv.Itoa(luhnDigit(body)), nil
}

// PublishOrderNumber returns "<prefix>-<day>-<seq>".
func (s *SequenceRepository) PublishOrderNumber(ctx context.Context, day string) (string, error) {
	n, err := s.next(ctx, keyOrderNumber(day))
	if err != nil {
		return "", errors.Wrapf(err, "redis.SequenceRepository.PublishOrderNumber: %s", day)
	}
	return fmt.Sprintf("%s-%s-%06d", s.prefix, day, n), nil
}

func luhnDigit(digits string) int {
	sum := 0
	double := true
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return (10 - sum%10) % 10
}
