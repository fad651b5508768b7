package placeorder

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/observability"
)

var tracer = observability.Tracer("placeorder")

type ConfirmParams struct {
	TransactionID uuid.UUID
	// AgentID, when set, must be the transaction's agent.
	AgentID string
	// OrderDate defaults to now.
	OrderDate time.Time
	// ConfirmationNumber defaults to "0".
	ConfirmationNumber string
	InformOrderURLs    []string
}

func (s *Service) Confirm(ctx context.Context, p ConfirmParams) (*domain.Order, error) {
	const op = "placeorder.Service.Confirm"

	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	tx, err := s.deps.Transactions.FindInProgressByID(ctx, p.TransactionID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if p.AgentID != "" {
		if err := tx.CheckAgent(p.AgentID); err != nil {
			return nil, errors.Wrap(err, op)
		}
	}

	orderDate := p.OrderDate
	if orderDate.IsZero() {
		orderDate = s.clock.Now()
	}

	actions, err := s.deps.Actions.SearchByPurpose(ctx, tx.ID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	actions, err = Reconcile(tx, actions, orderDate)
	if err != nil {
		observability.ReconcileMismatches.Inc()
		span.RecordError(err)
		return nil, errors.Wrap(err, op)
	}

	var seatActions, paymentActions []domain.AuthorizeAction
	for _, a := range actions {
		switch a.Object.Type {
		case domain.ObjectSeatReservation:
			seatActions = append(seatActions, a)
		case domain.ObjectPayment:
			paymentActions = append(paymentActions, a)
		}
	}
	if len(seatActions) == 0 {
		return nil, errors.Wrapf(domain.ErrArgument, "%s: no seat reservation authorized", op)
	}

	retained, err := s.retainSeats(ctx, tx, seatActions)
	committed := false
	defer func() {
		if !committed {
			s.restoreSeats(context.WithoutCancel(ctx), tx, retained)
		}
	}()
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	orderNumber, err := s.deps.OrderNumbers.PublishOrderNumber(ctx, orderDate.In(s.location).Format("20060102"))
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	confirmationNumber := p.ConfirmationNumber
	if confirmationNumber == "" {
		confirmationNumber = "0"
	}
	order := buildOrder(tx, orderNumber, confirmationNumber, orderDate, seatActions, paymentActions)
	potential := buildPotentialActions(tx, order, seatActions, p.InformOrderURLs)

	if err := tx.Transition(domain.TransactionConfirmed, s.clock.Now()); err != nil {
		return nil, errors.Wrap(err, op)
	}
	if err := s.deps.Transactions.ConfirmPlaceOrder(ctx, tx, order, potential); err != nil {
		return nil, errors.Wrap(err, op)
	}
	committed = true

	performances := map[string]struct{}{}
	for _, a := range seatActions {
		id := a.Object.SeatReservation.PerformanceID
		if _, ok := performances[id]; ok {
			continue
		}
		performances[id] = struct{}{}
		s.enqueue(ctx, domain.TaskAggregateEventReservations, domain.AggregateEventReservationsData{PerformanceID: id})
	}
	if potential.SendOrder.Email != "" {
		s.enqueue(ctx, domain.TaskSendOrder, domain.SendOrderData{
			TransactionID: tx.ID,
			OrderNumber:   orderNumber,
			Email:         potential.SendOrder.Email,
		})
	}
	if s.deps.Audit != nil {
		if err := s.deps.Audit.LogOrder(ctx, order); err != nil {
			s.logger.WithField("order_number", orderNumber).WithError(err).Warn("audit order")
		}
	}
	return &order, nil
}

// retainSeats moves the seat locks of the transaction from its own expiry to
// well past the performance end so sold seats stay unavailable. It returns
// the keys it moved, also on error.
func (s *Service) retainSeats(ctx context.Context, tx *domain.Transaction, seatActions []domain.AuthorizeAction) ([]domain.LockKey, error) {
	holder := tx.ID.String()
	var retained []domain.LockKey
	for _, a := range seatActions {
		obj := a.Object.SeatReservation
		expiresAt := obj.PerformanceEnd.Add(s.lockRetention)
		for _, r := range a.Result.TemporaryReservations {
			key := r.LockKey(obj.PerformanceID)
			if err := s.deps.Locks.Lock(ctx, key, holder, expiresAt); err != nil {
				if errors.Is(err, domain.ErrConflict) {
					return retained, errors.Mark(errors.Wrapf(err, "seat %s was taken after the hold expired", r.SeatCode), domain.ErrAlreadyInUse)
				}
				return retained, err
			}
			retained = append(retained, key)
		}
	}
	return retained, nil
}

// restoreSeats undoes retainSeats for a confirm that did not commit. Seats go
// back under the transaction hold, or are released when that hold has
// already lapsed.
func (s *Service) restoreSeats(ctx context.Context, tx *domain.Transaction, keys []domain.LockKey) {
	holder := tx.ID.String()
	holdUntil := tx.Expires.Add(s.lockGrace)
	for _, key := range keys {
		var err error
		if holdUntil.After(s.clock.Now()) {
			err = s.deps.Locks.Lock(ctx, key, holder, holdUntil)
		} else {
			err = s.deps.Locks.Unlock(ctx, key, holder)
		}
		if err != nil {
			observability.CompensationFailures.Inc()
			s.logger.WithFields(map[string]interface{}{
				"transaction_id": tx.ID,
				"seat":           key.SeatNumber,
			}).WithError(err).Warn("restore seat hold")
		}
	}
}

func buildOrder(tx *domain.Transaction, orderNumber, confirmationNumber string, orderDate time.Time, seatActions, paymentActions []domain.AuthorizeAction) domain.Order {
	order := domain.Order{
		OrderNumber:        orderNumber,
		ConfirmationNumber: confirmationNumber,
		TransactionID:      tx.ID,
		Seller:             tx.Seller,
		Customer:           tx.Agent,
		Status:             domain.OrderDelivered,
		OrderDate:          orderDate,
	}
	if tx.Customer != nil {
		order.CustomerProfile = *tx.Customer
		order.Customer.Name = strings.TrimSpace(tx.Customer.GivenName + " " + tx.Customer.FamilyName)
	}

	index := 0
	for _, a := range seatActions {
		perfID := a.Object.SeatReservation.PerformanceID
		for _, r := range a.Result.TemporaryReservations {
			order.Items = append(order.Items, domain.OrderItem{
				PerformanceID:    perfID,
				SeatSection:      r.Section,
				SeatCode:         r.SeatCode,
				TicketTypeID:     r.TicketTypeID,
				TicketTypeName:   r.TicketTypeName,
				Category:         r.Category,
				Price:            r.Charge,
				PaymentNo:        r.PaymentNo,
				PaymentSeatIndex: index,
				WatcherName:      r.WatcherName,
			})
			order.Price += r.Charge
			index++
		}
	}
	for _, a := range paymentActions {
		order.PaymentMethods = append(order.PaymentMethods, domain.PaymentMethod{
			Method:          a.Result.PaymentMethod,
			PaymentMethodID: a.Result.PaymentMethodID,
			TotalPaymentDue: a.Result.Amount,
		})
	}
	return order
}

func buildPotentialActions(tx *domain.Transaction, order domain.Order, seatActions []domain.AuthorizeAction, informURLs []string) domain.PotentialActions {
	var pa domain.PotentialActions
	for _, m := range order.PaymentMethods {
		pa.Pay = append(pa.Pay, domain.PayAction{
			PaymentMethodID: m.PaymentMethodID,
			Method:          m.Method,
			Amount:          m.TotalPaymentDue,
			OrderNumber:     order.OrderNumber,
		})
	}
	for _, a := range seatActions {
		c := domain.ConfirmReservationAction{
			ActionID:      a.ID,
			PerformanceID: a.Object.SeatReservation.PerformanceID,
			OrderNumber:   order.OrderNumber,
		}
		for _, r := range a.Result.TemporaryReservations {
			c.SeatCodes = append(c.SeatCodes, r.SeatCode)
			c.PaymentNo = r.PaymentNo
		}
		pa.ConfirmReservation = append(pa.ConfirmReservation, c)
	}
	for _, url := range informURLs {
		if url != "" {
			pa.InformOrder = append(pa.InformOrder, domain.InformOrderAction{RecipientURL: url, OrderNumber: order.OrderNumber})
		}
	}
	pa.SendOrder = domain.SendOrderAction{Recipient: order.Customer, OrderNumber: order.OrderNumber}
	if tx.Customer != nil {
		pa.SendOrder.Email = tx.Customer.Email
	}
	return pa
}
