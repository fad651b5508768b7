package placeorder

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/seat-allocation/internal/observability"
)

// Expire closes overdue in-progress transactions and releases what they
// hold. It returns how many transactions were expired.
func (s *Service) Expire(ctx context.Context) (int, error) {
	total := 0
	for {
		expired, err := s.deps.Transactions.ExpireOverdue(ctx, s.clock.Now(), s.expireBatchSize)
		if err != nil {
			return total, errors.Wrap(err, "placeorder.Service.Expire")
		}
		for _, tx := range expired {
			if err := s.deps.Releaser.ReleaseExpired(ctx, tx); err != nil {
				observability.CompensationFailures.Inc()
				s.logger.WithField("transaction_id", tx.ID).WithError(err).Warn("release expired transaction")
			}
		}
		total += len(expired)
		if len(expired) < s.expireBatchSize {
			return total, nil
		}
	}
}
