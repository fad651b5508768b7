// Package placeorder drives a place-order transaction from start to the
// confirmed order.
package placeorder

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/seat-allocation/internal/clock"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/observability"
)

type TransactionRepository interface {
	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	FindInProgressByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	UpdateCustomerProfile(ctx context.Context, id uuid.UUID, profile domain.CustomerProfile) error
	ConfirmPlaceOrder(ctx context.Context, t *domain.Transaction, order domain.Order, actions domain.PotentialActions) error
	ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error)
}

type ActionSearcher interface {
	SearchByPurpose(ctx context.Context, transactionID uuid.UUID) ([]domain.AuthorizeAction, error)
}

type TaskRepository interface {
	SaveTask(ctx context.Context, t domain.RetryableTask) error
}

type SellerRepository interface {
	FindByIdentifier(ctx context.Context, identifier string) (domain.Participant, error)
}

type PassportVerifier interface {
	Verify(ctx context.Context, token, sellerIdentifier string) (*domain.Passport, error)
}

type OrderNumbers interface {
	PublishOrderNumber(ctx context.Context, day string) (string, error)
}

type LockStore interface {
	Lock(ctx context.Context, key domain.LockKey, holder string, expiresAt time.Time) error
	Unlock(ctx context.Context, key domain.LockKey, holder string) error
}

// Releaser gives back what an expired transaction still holds.
type Releaser interface {
	ReleaseExpired(ctx context.Context, tx domain.Transaction) error
}

type OrderAuditor interface {
	LogOrder(ctx context.Context, order domain.Order) error
}

type Deps struct {
	Transactions TransactionRepository
	Actions      ActionSearcher
	Tasks        TaskRepository
	Sellers      SellerRepository
	Passports    PassportVerifier
	OrderNumbers OrderNumbers
	Locks        LockStore
	Releaser     Releaser
	Audit        OrderAuditor
}

type Service struct {
	deps   Deps
	clock  clock.Clock
	logger observability.Logger

	transactionTTL  time.Duration
	lockGrace       time.Duration
	lockRetention   time.Duration
	taskTries       int
	location        *time.Location
	expireBatchSize int
}

const (
	defaultTransactionTTL = 15 * time.Minute
	defaultLockGrace      = time.Minute
	defaultLockRetention  = 30 * 24 * time.Hour
)

func NewService(deps Deps, clk clock.Clock, opts ...Option) *Service {
	s := &Service{
		deps:            deps,
		clock:           clk,
		logger:          observability.NewNopLogger(),
		transactionTTL:  defaultTransactionTTL,
		lockGrace:       defaultLockGrace,
		lockRetention:   defaultLockRetention,
		taskTries:       3,
		location:        time.UTC,
		expireBatchSize: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Option func(*Service)

func WithLogger(l observability.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTransactionTTL sets the expiry of transactions started without one.
func WithTransactionTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.transactionTTL = d
		}
	}
}

// WithLockGrace must match the grace seat holds were taken with. A failed
// confirm puts retained seats back to the transaction expiry plus grace.
func WithLockGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockGrace = d
		}
	}
}

// WithLockRetention sets how long past the performance end confirmed seats
// stay locked.
func WithLockRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockRetention = d
		}
	}
}

func WithTaskTries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.taskTries = n
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

func (s *Service) enqueue(ctx context.Context, name domain.TaskName, data any) {
	task, err := domain.NewTask(name, data, s.clock.Now(), s.taskTries)
	if err == nil {
		err = s.deps.Tasks.SaveTask(ctx, task)
	}
	if err != nil {
		s.logger.WithField("task", name).WithError(err).Warn("enqueue task")
	}
}
