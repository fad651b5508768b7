package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/seat-allocation/internal/adapters/redis"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

type Store interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, bool, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// ErrInProgress is returned by Begin while the first request with the same
// key has not completed.
var ErrInProgress = errors.Mark(errors.New("request with this idempotency key is in progress"), domain.ErrAlreadyInUse)

type Idempotency struct {
	store Store
	ttl   time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl}
}

type Response = redisadapter.IdempResponse

// Begin claims key. A nil response means the caller owns the key and must
// call Complete or Abort. A non-nil response is the stored result to replay.
func (i *Idempotency) Begin(ctx context.Context, key string) (*Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := i.store.Reserve(ctx, key, i.ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, nil
		}
		resp, pending, err := i.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if pending {
			return nil, ErrInProgress
		}
		if resp != nil {
			return resp, nil
		}
		// expired between Reserve and Get
	}
	return nil, ErrInProgress
}

func (i *Idempotency) Complete(ctx context.Context, key string, resp Response) error {
	return i.store.Set(ctx, key, resp, i.ttl)
}

// Abort frees key so the request can be retried.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	return i.store.Release(ctx, key)
}
