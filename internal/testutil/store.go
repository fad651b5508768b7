// Package testutil holds in-memory stand-ins for the CockroachDB and Redis
// adapters so services can be tested without containers.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

// Store mirrors crdb.Repository.
type Store struct {
	mu           sync.Mutex
	transactions map[uuid.UUID]domain.Transaction
	actions      map[uuid.UUID]domain.AuthorizeAction
	actionOrder  []uuid.UUID
	tasks        map[uuid.UUID]domain.RetryableTask
	orders       map[string]domain.Order
	potential    map[uuid.UUID]domain.PotentialActions
	passports    map[string]struct{}

	// EndActionErr, when set, is returned by EndAction.
	EndActionErr error
	// EndActionErrOnce is returned by the next EndAction only.
	EndActionErrOnce error
}

func NewStore() *Store {
	return &Store{
		transactions: map[uuid.UUID]domain.Transaction{},
		actions:      map[uuid.UUID]domain.AuthorizeAction{},
		tasks:        map[uuid.UUID]domain.RetryableTask{},
		orders:       map[string]domain.Order{},
		potential:    map[uuid.UUID]domain.PotentialActions{},
		passports:    map[string]struct{}{},
	}
}

func (s *Store) InsertTransaction(_ context.Context, t *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[t.ID]; ok {
		return errors.Wrapf(domain.ErrAlreadyInUse, "transaction %s", t.ID)
	}
	if t.PassportToken != "" {
		if _, ok := s.passports[t.PassportToken]; ok {
			return errors.Wrap(domain.ErrAlreadyInUse, "passport already used")
		}
		s.passports[t.PassportToken] = struct{}{}
	}
	s.transactions[t.ID] = *t
	return nil
}

func (s *Store) FindTransaction(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "transaction %s", id)
	}
	return &t, nil
}

func (s *Store) FindInProgressByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok || t.Status != domain.TransactionInProgress {
		return nil, errors.Wrapf(domain.ErrNotFound, "in-progress transaction %s", id)
	}
	return &t, nil
}

func (s *Store) UpdateCustomerProfile(_ context.Context, id uuid.UUID, profile domain.CustomerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	if !ok || t.Status != domain.TransactionInProgress {
		return errors.Wrapf(domain.ErrNotFound, "in-progress transaction %s", id)
	}
	t.Customer = &profile
	s.transactions[id] = t
	return nil
}

func (s *Store) ConfirmPlaceOrder(_ context.Context, t *domain.Transaction, order domain.Order, actions domain.PotentialActions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.transactions[t.ID]
	if !ok || stored.Status != domain.TransactionInProgress {
		return errors.Wrapf(domain.ErrNotFound, "in-progress transaction %s", t.ID)
	}
	if _, ok := s.orders[order.OrderNumber]; ok {
		return errors.Wrapf(domain.ErrAlreadyInUse, "order %s", order.OrderNumber)
	}
	stored.Status = domain.TransactionConfirmed
	stored.EndDate = t.EndDate
	s.transactions[t.ID] = stored
	s.orders[order.OrderNumber] = order
	s.potential[t.ID] = actions
	return nil
}

func (s *Store) ExpireOverdue(_ context.Context, now time.Time, limit int) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for id, t := range s.transactions {
		if len(out) == limit {
			break
		}
		if t.Status == domain.TransactionInProgress && !t.Expires.After(now) {
			end := now
			t.Status = domain.TransactionExpired
			t.EndDate = &end
			s.transactions[id] = t
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) StartAction(_ context.Context, a *domain.AuthorizeAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; ok {
		return errors.Wrapf(domain.ErrAlreadyInUse, "action %s", a.ID)
	}
	s.actions[a.ID] = *a
	s.actionOrder = append(s.actionOrder, a.ID)
	return nil
}

func (s *Store) EndAction(_ context.Context, a *domain.AuthorizeAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EndActionErr != nil {
		return s.EndActionErr
	}
	if err := s.EndActionErrOnce; err != nil {
		s.EndActionErrOnce = nil
		return err
	}
	stored, ok := s.actions[a.ID]
	if !ok || stored.Status != domain.ActionStarted {
		return errors.Wrapf(domain.ErrInvalidTransition, "action %s is not started", a.ID)
	}
	s.actions[a.ID] = *a
	return nil
}

func (s *Store) CancelAction(_ context.Context, transactionID, actionID uuid.UUID) (*domain.AuthorizeAction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[actionID]
	if !ok || a.Object.TransactionID != transactionID {
		return nil, false, errors.Wrapf(domain.ErrNotFound, "action %s", actionID)
	}
	if a.Status == domain.ActionCanceled {
		return &a, false, nil
	}
	if err := a.Cancel(); err != nil {
		return nil, false, err
	}
	s.actions[actionID] = a
	return &a, true, nil
}

func (s *Store) FindAction(_ context.Context, transactionID, actionID uuid.UUID) (*domain.AuthorizeAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[actionID]
	if !ok || a.Object.TransactionID != transactionID {
		return nil, errors.Wrapf(domain.ErrNotFound, "action %s", actionID)
	}
	return &a, nil
}

func (s *Store) SearchByPurpose(_ context.Context, transactionID uuid.UUID) ([]domain.AuthorizeAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuthorizeAction
	for _, id := range s.actionOrder {
		if a := s.actions[id]; a.Object.TransactionID == transactionID {
			out = append(out, a)
		}
	}
	return out, nil
}

// PutAction stores an action as is. Tests use it to shape history.
func (s *Store) PutAction(a domain.AuthorizeAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; !ok {
		s.actionOrder = append(s.actionOrder, a.ID)
	}
	s.actions[a.ID] = a
}

func (s *Store) SaveTask(_ context.Context, t domain.RetryableTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int) ([]domain.RetryableTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.RetryableTask
	for _, t := range s.tasks {
		if t.Status == domain.TaskReady && !t.RunsAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunsAt.Before(due[j].RunsAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		if err := due[i].Start(now); err != nil {
			return nil, err
		}
		s.tasks[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *Store) FindTask(_ context.Context, id uuid.UUID) (*domain.RetryableTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "task %s", id)
	}
	return &t, nil
}

func (s *Store) FinishTask(_ context.Context, t domain.RetryableTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tasks[t.ID]
	if !ok || stored.Status != domain.TaskRunning {
		return errors.Wrapf(domain.ErrInvalidTransition, "task %s is not running", t.ID)
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *Store) RequeueStale(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.Status == domain.TaskRunning && t.LastTriedAt != nil && t.LastTriedAt.Before(cutoff) {
			t.Status = domain.TaskAborted
			if t.RemainingNumberOfTries > 0 {
				t.Status = domain.TaskReady
			}
			s.tasks[id] = t
			n++
		}
	}
	return n, nil
}

// Tasks returns stored tasks of the given name.
func (s *Store) Tasks(name domain.TaskName) []domain.RetryableTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RetryableTask
	for _, t := range s.tasks {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) ConfirmedSeats(_ context.Context, performanceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var codes []string
	for _, o := range s.orders {
		for _, item := range o.Items {
			if item.PerformanceID == performanceID {
				codes = append(codes, item.SeatCode)
			}
		}
	}
	return codes, nil
}

func (s *Store) FindOrder(_ context.Context, orderNumber string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderNumber]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "order %s", orderNumber)
	}
	return &o, nil
}

func (s *Store) PotentialActions(transactionID uuid.UUID) (domain.PotentialActions, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.potential[transactionID]
	return p, ok
}
