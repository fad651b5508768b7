package placeorder

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

// Reconcile keeps the completed actions that ended before orderDate and
// checks that what the buyer authorized equals what the seller authorized.
func Reconcile(tx *domain.Transaction, actions []domain.AuthorizeAction, orderDate time.Time) ([]domain.AuthorizeAction, error) {
	var (
		kept     []domain.AuthorizeAction
		byBuyer  int64
		bySeller int64
	)
	for _, a := range actions {
		if a.Status != domain.ActionCompleted || a.EndDate == nil || !a.EndDate.Before(orderDate) {
			continue
		}
		kept = append(kept, a)
		switch a.Agent.ID {
		case tx.Agent.ID:
			byBuyer += a.AuthorizedAmount()
		case tx.Seller.ID:
			bySeller += a.AuthorizedAmount()
		}
	}
	if byBuyer != bySeller {
		return nil, errors.Wrapf(domain.ErrArgument,
			"prices not matched between an agent and a seller: %d != %d", byBuyer, bySeller)
	}
	return kept, nil
}
