package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/seat-allocation/internal/adapters/redis"
	"github.com/robertarktes/seat-allocation/internal/clock"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/observability"
	"github.com/robertarktes/seat-allocation/internal/seating"
)

type Catalog interface {
	FindPerformance(ctx context.Context, id string) (*domain.Performance, error)
}

type Inventory interface {
	FindUnavailable(ctx context.Context, eventID string) (map[string]struct{}, error)
}

type AvailabilityStore interface {
	SetAvailability(ctx context.Context, a redisadapter.Availability, ttl time.Duration) error
}

// Aggregator runs aggregateEventReservations tasks: it caches how many seats
// of a performance can still be granted.
type Aggregator struct {
	catalog   Catalog
	inventory Inventory
	store     AvailabilityStore
	policy    seating.Policy
	clock     clock.Clock
	logger    observability.Logger
	ttl       time.Duration
}

func NewAggregator(catalog Catalog, inventory Inventory, store AvailabilityStore, policy seating.Policy, clk clock.Clock, logger observability.Logger) *Aggregator {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Aggregator{
		catalog:   catalog,
		inventory: inventory,
		store:     store,
		policy:    policy,
		clock:     clk,
		logger:    logger,
		ttl:       24 * time.Hour,
	}
}

// Aggregate counts the seats an offer could take right now. Normal seats
// withheld as wheelchair buffer are not remaining.
func (a *Aggregator) Aggregate(ctx context.Context, performanceID string) (redisadapter.Availability, error) {
	const op = "task.Aggregator.Aggregate"

	perf, err := a.catalog.FindPerformance(ctx, performanceID)
	if err != nil {
		return redisadapter.Availability{}, errors.Wrap(err, op)
	}
	unavailable, err := a.inventory.FindUnavailable(ctx, performanceID)
	if err != nil {
		return redisadapter.Availability{}, errors.Wrap(err, op)
	}

	normal := a.policy.Candidates(perf.Seats, unavailable, domain.CategoryNormal)
	wheelchair := a.policy.Candidates(perf.Seats, unavailable, domain.CategoryWheelchair)
	out := redisadapter.Availability{
		PerformanceID:       performanceID,
		Total:               len(perf.Seats),
		Remaining:           len(normal) + len(wheelchair),
		RemainingWheelchair: len(wheelchair),
		AggregatedAt:        a.clock.Now(),
	}
	if err := a.store.SetAvailability(ctx, out, a.ttl); err != nil {
		return redisadapter.Availability{}, errors.Wrap(err, op)
	}
	return out, nil
}

func (a *Aggregator) Execute(ctx context.Context, data []byte) error {
	var payload domain.AggregateEventReservationsData
	if err := json.Unmarshal(data, &payload); err != nil {
		return errors.Mark(errors.Wrap(err, "aggregation task payload"), domain.ErrArgument)
	}
	if payload.PerformanceID == "" {
		return errors.Wrap(domain.ErrArgument, "aggregation task without performance id")
	}
	out, err := a.Aggregate(ctx, payload.PerformanceID)
	if err != nil {
		return err
	}
	a.logger.WithFields(map[string]interface{}{
		"performance_id": out.PerformanceID,
		"remaining":      out.Remaining,
	}).Debug("availability aggregated")
	return nil
}
