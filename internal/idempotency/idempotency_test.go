package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/seat-allocation/internal/adapters/redis"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

type entry struct {
	pending bool
	resp    redisadapter.IdempResponse
}

type memStore map[string]entry

func (m memStore) Reserve(_ context.Context, key string, _ time.Duration) (bool, error) {
	if _, ok := m[key]; ok {
		return false, nil
	}
	m[key] = entry{pending: true}
	return true, nil
}

func (m memStore) Get(_ context.Context, key string) (*redisadapter.IdempResponse, bool, error) {
	e, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	if e.pending {
		return nil, true, nil
	}
	return &e.resp, false, nil
}

func (m memStore) Set(_ context.Context, key string, resp redisadapter.IdempResponse, _ time.Duration) error {
	m[key] = entry{resp: resp}
	return nil
}

func (m memStore) Release(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func TestIdempotency(t *testing.T) {
	ctx := context.Background()
	idem := NewIdempotency(memStore{}, time.Hour)

	resp, err := idem.Begin(ctx, "k")
	if err != nil || resp != nil {
		t.Fatalf("expected key claimed, got %v %v", resp, err)
	}

	if _, err := idem.Begin(ctx, "k"); !errors.Is(err, domain.ErrAlreadyInUse) {
		t.Fatalf("expected in progress, got %v", err)
	}

	if err := idem.Complete(ctx, "k", Response{Status: 201, Body: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}
	resp, err = idem.Begin(ctx, "k")
	if err != nil || resp == nil || resp.Status != 201 {
		t.Fatalf("expected stored response, got %v %v", resp, err)
	}

	resp, err = idem.Begin(ctx, "other")
	if err != nil || resp != nil {
		t.Fatal("expected second key claimed")
	}
	if err := idem.Abort(ctx, "other"); err != nil {
		t.Fatal(err)
	}
	if resp, err := idem.Begin(ctx, "other"); err != nil || resp != nil {
		t.Fatalf("expected aborted key claimable again, got %v %v", resp, err)
	}
}
