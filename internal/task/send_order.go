package task

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

type OrderNotifier interface {
	NotifyOrder(ctx context.Context, data domain.SendOrderData) error
}

// OrderSender runs sendOrder tasks.
type OrderSender struct {
	notifier OrderNotifier
}

func NewOrderSender(notifier OrderNotifier) *OrderSender {
	return &OrderSender{notifier: notifier}
}

func (s *OrderSender) Execute(ctx context.Context, data []byte) error {
	var payload domain.SendOrderData
	if err := json.Unmarshal(data, &payload); err != nil {
		return errors.Mark(errors.Wrap(err, "send order task payload"), domain.ErrArgument)
	}
	if payload.OrderNumber == "" || payload.Email == "" {
		return errors.Wrapf(domain.ErrArgument, "send order task for %q without recipient", payload.OrderNumber)
	}
	return errors.Wrapf(s.notifier.NotifyOrder(ctx, payload), "send order %s", payload.OrderNumber)
}
