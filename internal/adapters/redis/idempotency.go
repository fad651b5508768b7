package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const idempPending = "PENDING"

type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

type IdempResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Reserve claims key for an in-flight request. It reports false when the key
// is already claimed or completed.
func (i *Idempotency) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := i.client.SetNX(ctx, keyIdempotency(key), idempPending, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis.Idempotency.Reserve: %s", key)
	}
	return ok, nil
}

// Get returns the stored response. pending is true while the first request
// is still running.
func (i *Idempotency) Get(ctx context.Context, key string) (resp *IdempResponse, pending bool, err error) {
	val, err := i.client.Get(ctx, keyIdempotency(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "redis.Idempotency.Get: %s", key)
	}
	if string(val) == idempPending {
		return nil, true, nil
	}
	var out IdempResponse
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, false, errors.Wrapf(err, "redis.Idempotency.Get: %s", key)
	}
	return &out, false, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp IdempResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return i.client.Set(ctx, keyIdempotency(key), data, ttl).Err()
}

func (i *Idempotency) Release(ctx context.Context, key string) error {
	return i.client.Del(ctx, keyIdempotency(key)).Err()
}
