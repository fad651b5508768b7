package authorize

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/observability"
	"golang.org/x/sync/errgroup"
)

var tracer = observability.Tracer("authorize")

// Create authorizes one seat per offer for the transaction. Either every offer
// gets a seat or nothing stays held and the action ends Failed.
func (s *Service) Create(ctx context.Context, agentID string, transactionID uuid.UUID, performanceID string, offers []domain.AcceptedOffer) (*domain.AuthorizeAction, error) {
	const op = "authorize.Service.Create"

	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	if len(offers) == 0 {
		return nil, errors.Wrapf(domain.ErrArgument, "%s: no offers", op)
	}

	tx, err := s.transactions.FindInProgressByID(ctx, transactionID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	if err := tx.CheckAgent(agentID); err != nil {
		return nil, errors.Wrap(err, op)
	}

	perf, err := s.catalog.FindPerformance(ctx, performanceID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	decorated, err := s.decorate(perf, offers)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	action := domain.NewSeatReservationAction(tx, perf, offers, s.clock.Now())
	if err := s.actions.StartAction(ctx, &action); err != nil {
		return nil, errors.Wrap(err, op)
	}

	reservations, err := s.allocate(ctx, tx, perf, decorated)
	if err != nil {
		span.RecordError(err)
		s.giveUp(ctx, &action, err)
		observability.SeatAllocations.WithLabelValues("failed").Inc()
		return nil, errors.Wrap(err, op)
	}

	var amount int64
	for _, r := range reservations {
		amount += r.Charge
	}
	result := domain.ActionResult{Amount: amount, TemporaryReservations: reservations}
	started := action
	if err := action.Complete(result, s.clock.Now()); err != nil {
		return nil, errors.Wrap(err, op)
	}
	if err := s.actions.EndAction(ctx, &action); err != nil {
		holder := tx.ID.String()
		s.reportCompensation(tx.ID, action.ID,
			s.release(ctx, holder, perf.ID, reservations, rateLimitKeysOf(reservations, perf.StartDate)))
		s.giveUp(ctx, &started, err)
		observability.SeatAllocations.WithLabelValues("failed").Inc()
		return nil, errors.Wrap(err, op)
	}

	observability.SeatAllocations.WithLabelValues("completed").Inc()
	s.enqueueAggregation(ctx, perf.ID)
	s.logAudit(ctx, action)
	return &action, nil
}

func (s *Service) decorate(perf *domain.Performance, offers []domain.AcceptedOffer) ([]domain.Offer, error) {
	out := make([]domain.Offer, 0, len(offers))
	for _, o := range offers {
		tt, ok := perf.TicketType(o.TicketTypeID)
		if !ok {
			return nil, errors.Wrapf(domain.ErrNotFound, "ticket type %q of performance %s", o.TicketTypeID, perf.ID)
		}
		offer := domain.Offer{
			AcceptedOffer:  o,
			TicketTypeName: tt.Name,
			Price:          tt.Price,
			CancelCharge:   tt.CancelCharge,
			Category:       tt.Category,
		}
		if tt.Category == domain.CategoryWheelchair {
			offer.RateLimitUnitSeconds = int(s.rateLimitUnit / time.Second)
		}
		out = append(out, offer)
	}
	return out, nil
}

func (s *Service) allocate(ctx context.Context, tx *domain.Transaction, perf *domain.Performance, offers []domain.Offer) ([]domain.TemporaryReservation, error) {
	holder := tx.ID.String()
	log := s.logger.WithFields(map[string]interface{}{
		"transaction_id": tx.ID,
		"performance_id": perf.ID,
	})

	paymentNo, err := s.paymentNos.PublishPaymentNo(ctx, perf.StartDate.In(s.location).Format("20060102"))
	if err != nil {
		return nil, errors.Wrap(err, "publish payment number")
	}

	rateKeys, err := s.holdRateLimits(ctx, holder, perf.StartDate, offers)
	if err != nil {
		return nil, err
	}

	expiresAt := tx.Expires.Add(s.lockGrace)
	taken := make(map[string]struct{}, len(offers))
	reservations := make([]domain.TemporaryReservation, 0, len(offers))
	for _, offer := range offers {
		unavailable, err := s.inventory.FindUnavailable(ctx, perf.ID)
		if err != nil {
			log.WithError(err).Warn("unavailable seats lookup failed")
			continue
		}
		for code := range taken {
			unavailable[code] = struct{}{}
		}

		seat, ok := s.policy.Pick(perf.Seats, unavailable, offer.Category)
		if !ok {
			continue
		}
		key := domain.LockKey{EventID: perf.ID, Section: seat.Section, SeatNumber: seat.Code}
		if err := s.locks.Lock(ctx, key, holder, expiresAt); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				observability.SeatLockConflicts.Inc()
			}
			log.WithError(err).WithField("seat", seat.Code).Debug("seat lock not acquired")
			continue
		}

		taken[seat.Code] = struct{}{}
		reservations = append(reservations, domain.TemporaryReservation{
			SeatCode:             seat.Code,
			Section:              seat.Section,
			TicketTypeID:         offer.TicketTypeID,
			TicketTypeName:       offer.TicketTypeName,
			Charge:               offer.Price,
			CancelCharge:         offer.CancelCharge,
			Category:             offer.Category,
			RateLimitUnitSeconds: offer.RateLimitUnitSeconds,
			WatcherName:          offer.WatcherName,
			PaymentNo:            paymentNo,
			Holder:               holder,
		})
	}

	if len(reservations) < len(offers) {
		s.reportCompensation(tx.ID, uuid.Nil, s.release(ctx, holder, perf.ID, reservations, rateKeys))
		return nil, errors.Wrapf(domain.ErrAlreadyInUse, "%d of %d requested seats available", len(reservations), len(offers))
	}
	return reservations, nil
}

// holdRateLimits takes one hold per distinct (category, bucket) of the
// rate-limited offers. Any failure releases all of them.
func (s *Service) holdRateLimits(ctx context.Context, holder string, start time.Time, offers []domain.Offer) ([]domain.RateLimitKey, error) {
	var keys []domain.RateLimitKey
	for _, o := range offers {
		if o.RateLimited() {
			keys = append(keys, domain.RateLimitKey{
				Category:         o.Category,
				PerformanceStart: start,
				Unit:             time.Duration(o.RateLimitUnitSeconds) * time.Second,
			})
		}
	}
	keys = distinctKeys(keys)
	if len(keys) == 0 {
		return nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		g.Go(func() error {
			return s.rateLimits.Lock(gctx, key, holder)
		})
	}
	if err := g.Wait(); err != nil {
		observability.RateLimitExceeded.WithLabelValues("category").Inc()
		s.reportCompensation(uuid.Nil, uuid.Nil, s.release(ctx, holder, "", nil, keys))
		return nil, errors.Mark(errors.Wrap(err, "rate limit hold"), domain.ErrAlreadyInUse)
	}
	return keys, nil
}

// Cancel voids a completed seat reservation and releases what it holds.
// Canceling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, agentID string, transactionID, actionID uuid.UUID) (*domain.AuthorizeAction, error) {
	const op = "authorize.Service.Cancel"

	ctx, span := tracer.Start(ctx, op)
	defer span.End()

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
	if existing.Object.Type != domain.ObjectSeatReservation {
		return nil, errors.Wrapf(domain.ErrArgument, "%s: action %s is not a seat reservation", op, actionID)
	}

	action, err := s.cancelSeatReservation(ctx, transactionID, actionID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return action, nil
}

func (s *Service) cancelSeatReservation(ctx context.Context, transactionID, actionID uuid.UUID) (*domain.AuthorizeAction, error) {
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

	obj := action.Object.SeatReservation
	var reservations []domain.TemporaryReservation
	if action.Result != nil {
		reservations = action.Result.TemporaryReservations
	}
	s.reportCompensation(transactionID, actionID, s.release(ctx, transactionID.String(), obj.PerformanceID,
		reservations, rateLimitKeysOf(reservations, obj.PerformanceStart)))

	s.enqueueAggregation(ctx, obj.PerformanceID)
	s.logAudit(ctx, *action)
	return action, nil
}

// ReleaseExpired cancels every completed action of an expired transaction.
func (s *Service) ReleaseExpired(ctx context.Context, tx domain.Transaction) error {
	actions, err := s.actions.SearchByPurpose(ctx, tx.ID)
	if err != nil {
		return errors.Wrapf(err, "release expired %s", tx.ID)
	}
	var errs error
	for _, a := range actions {
		if a.Status != domain.ActionCompleted {
			continue
		}
		err = nil
		switch a.Object.Type {
		case domain.ObjectSeatReservation:
			_, err = s.cancelSeatReservation(ctx, tx.ID, a.ID)
		case domain.ObjectPayment:
			_, err = s.cancelPayment(ctx, tx.ID, a.ID)
		}
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}

// release gives back seat locks and rate-limit holds owned by holder. Records
// taken over by someone else after expiry are left alone.
func (s *Service) release(ctx context.Context, holder, eventID string, reservations []domain.TemporaryReservation, rateKeys []domain.RateLimitKey) error {
	var errs error
	for _, r := range reservations {
		if err := s.locks.Unlock(ctx, r.LockKey(eventID), holder); err != nil && !errors.Is(err, domain.ErrNotHolder) {
			errs = errors.CombineErrors(errs, err)
		}
	}
	for _, key := range rateKeys {
		if err := s.rateLimits.Unlock(ctx, key, holder); err != nil && !errors.Is(err, domain.ErrNotHolder) {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// reportCompensation is where failed releases end up. The holds expire on
// their own.
func (s *Service) reportCompensation(transactionID, actionID uuid.UUID, err error) {
	if err == nil {
		return
	}
	observability.CompensationFailures.Inc()
	s.logger.WithFields(map[string]interface{}{
		"transaction_id": transactionID,
		"action_id":      actionID,
	}).WithError(err).Warn("release failed, left to expiry")
}

func (s *Service) giveUp(ctx context.Context, action *domain.AuthorizeAction, cause error) {
	err := action.GiveUp(cause, s.clock.Now())
	if err == nil {
		err = s.actions.EndAction(ctx, action)
	}
	if err != nil {
		s.logger.WithField("action_id", action.ID).WithError(err).Warn("give up action")
	}
}

func (s *Service) enqueueAggregation(ctx context.Context, performanceID string) {
	task, err := domain.NewTask(domain.TaskAggregateEventReservations,
		domain.AggregateEventReservationsData{PerformanceID: performanceID}, s.clock.Now(), s.taskTries)
	if err == nil {
		err = s.tasks.SaveTask(ctx, task)
	}
	if err != nil {
		s.logger.WithField("performance_id", performanceID).WithError(err).Warn("enqueue aggregation task")
	}
}

func (s *Service) logAudit(ctx context.Context, action domain.AuthorizeAction) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogAction(ctx, action); err != nil {
		s.logger.WithField("action_id", action.ID).WithError(err).Warn("audit action")
	}
}

func rateLimitKeysOf(reservations []domain.TemporaryReservation, start time.Time) []domain.RateLimitKey {
	var keys []domain.RateLimitKey
	for _, r := range reservations {
		if r.RateLimitUnitSeconds > 0 {
			keys = append(keys, r.RateLimitKey(start))
		}
	}
	return distinctKeys(keys)
}

func distinctKeys(keys []domain.RateLimitKey) []domain.RateLimitKey {
	seen := make(map[string]domain.RateLimitKey, len(keys))
	for _, k := range keys {
		seen[k.String()] = k
	}
	out := make([]domain.RateLimitKey, 0, len(seen))
	for _, k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
