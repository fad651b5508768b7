// Package payment holds payment gateway adapters.
package payment

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/seat-allocation/internal/authorize"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

// OfflineGateway authorizes locally. Settlement happens at the box office,
// so an authorization is only an id the order carries.
type OfflineGateway struct {
	mu     sync.Mutex
	active map[string]int64
}

func NewOfflineGateway() *OfflineGateway {
	return &OfflineGateway{active: map[string]int64{}}
}

func (g *OfflineGateway) Authorize(_ context.Context, req authorize.PaymentRequest) (string, error) {
	if req.Amount <= 0 {
		return "", errors.Wrap(domain.ErrArgument, "amount must be positive")
	}
	id := "offline-" + uuid.NewString()
	g.mu.Lock()
	g.active[id] = req.Amount
	g.mu.Unlock()
	return id, nil
}

// Void is idempotent.
func (g *OfflineGateway) Void(_ context.Context, paymentMethodID string) error {
	g.mu.Lock()
	delete(g.active, paymentMethodID)
	g.mu.Unlock()
	return nil
}

// Authorized reports whether id is still authorized.
func (g *OfflineGateway) Authorized(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[id]
	return ok
}
