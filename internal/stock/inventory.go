package stock

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

type SeatLocks interface {
	LockedSeats(ctx context.Context, eventID string) ([]string, error)
}

type ConfirmedSeats interface {
	ConfirmedSeats(ctx context.Context, performanceID string) ([]string, error)
}

// Inventory answers which seats of a performance cannot be offered: seats
// under a live lock plus seats already sold.
type Inventory struct {
	locks  SeatLocks
	orders ConfirmedSeats
}

func NewInventory(locks SeatLocks, orders ConfirmedSeats) *Inventory {
	return &Inventory{locks: locks, orders: orders}
}

func (i *Inventory) FindUnavailable(ctx context.Context, eventID string) (map[string]struct{}, error) {
	var locked, sold []string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		locked, err = i.locks.LockedSeats(gctx, eventID)
		return err
	})
	g.Go(func() error {
		var err error
		sold, err = i.orders.ConfirmedSeats(gctx, eventID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, errors.Wrapf(err, "unavailable seats of %s", eventID)
	}

	out := make(map[string]struct{}, len(locked)+len(sold))
	for _, code := range locked {
		out[code] = struct{}{}
	}
	for _, code := range sold {
		out[code] = struct{}{}
	}
	return out, nil
}
