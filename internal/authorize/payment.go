package authorize

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

// AuthorizePayment records the buyer side of the transaction.
func (s *Service) AuthorizePayment(ctx context.Context, agentID string, transactionID uuid.UUID, amount int64, method string) (*domain.AuthorizeAction, error) {
	const op = "authorize.Service.AuthorizePayment"

	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	if amount <= 0 {
		return nil, errors.Wrapf(domain.ErrArgument, "%s: amount must be positive", op)
	}
	if method == "" {
		return nil, errors.Wrapf(domain.ErrArgument, "%s: payment method required", op)
	}

	tx, err := s.transactions.FindInProgressByID(ctx, transactionID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if err := tx.CheckAgent(agentID); err != nil {
		return nil, errors.Wrap(err, op)
	}

	action := domain.NewPaymentAction(tx, amount, method, s.clock.Now())
	if err := s.actions.StartAction(ctx, &action); err != nil {
		return nil, errors.Wrap(err, op)
	}

	id, err := s.gateway.Authorize(ctx, PaymentRequest{TransactionID: tx.ID, Amount: amount, Method: method})
	if err != nil {
		s.giveUp(ctx, &action, err)
		return nil, errors.Wrap(err, op)
	}

	result := domain.ActionResult{Amount: amount, PaymentMethod: method, PaymentMethodID: id}
	started := action
	if err := action.Complete(result, s.clock.Now()); err != nil {
		return nil, errors.Wrap(err, op)
	}
	if err := s.actions.EndAction(ctx, &action); err != nil {
		s.voidPayment(ctx, tx.ID, action.ID, id)
		s.giveUp(ctx, &started, err)
		return nil, errors.Wrap(err, op)
	}
	s.logAudit(ctx, action)
	return &action, nil
}

func (s *Service) CancelPayment(ctx context.Context, agentID string, transactionID, actionID uuid.UUID) (*domain.AuthorizeAction, error) {
	const op = "authorize.Service.CancelPayment"

	tx, err := s.transactions.FindInProgressByID(ctx, transactionID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if err := tx.CheckAgent(agentID); err != nil {
		return nil, errors.Wrap(err, op)
	}
	existing, err := s.actions.FindAction(ctx, transactionID, actionID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if existing.Object.Type != domain.ObjectPayment {
		return nil, errors.Wrapf(domain.ErrArgument, "%s: action %s is not a payment", op, actionID)
	}

	action, err := s.cancelPayment(ctx, transactionID, actionID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return action, nil
}

func (s *Service) cancelPayment(ctx context.Context, transactionID, actionID uuid.UUID) (*domain.AuthorizeAction, error) {
	action, transitioned, err := s.actions.CancelAction(ctx, transactionID, actionID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, errors.Mark(err, domain.ErrArgument)
		}
		return nil, err
	}
	if !transitioned {
		return action, nil
	}
	if action.Result != nil {
		s.voidPayment(ctx, transactionID, actionID, action.Result.PaymentMethodID)
	}
	s.logAudit(ctx, *action)
	return action, nil
}

func (s *Service) voidPayment(ctx context.Context, transactionID, actionID uuid.UUID, paymentMethodID string) {
	if err := s.gateway.Void(ctx, paymentMethodID); err != nil {
		s.reportCompensation(transactionID, actionID, errors.Wrapf(err, "void %s", paymentMethodID))
	}
}
