// Package authorize runs the authorize actions of a place-order transaction:
// seat reservations on the seller side and payments on the buyer side.
package authorize

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/seat-allocation/internal/clock"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/observability"
	"github.com/robertarktes/seat-allocation/internal/seating"
)

type TransactionRepository interface {
	FindInProgressByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
}

type ActionRepository interface {
	StartAction(ctx context.Context, a *domain.AuthorizeAction) error
	EndAction(ctx context.Context, a *domain.AuthorizeAction) error
	CancelAction(ctx context.Context, transactionID, actionID uuid.UUID) (*domain.AuthorizeAction, bool, error)
	FindAction(ctx context.Context, transactionID, actionID uuid.UUID) (*domain.AuthorizeAction, error)
	SearchByPurpose(ctx context.Context, transactionID uuid.UUID) ([]domain.AuthorizeAction, error)
}

type TaskRepository interface {
	SaveTask(ctx context.Context, t domain.RetryableTask) error
}

type Catalog interface {
	FindPerformance(ctx context.Context, id string) (*domain.Performance, error)
}

type Inventory interface {
	FindUnavailable(ctx context.Context, eventID string) (map[string]struct{}, error)
}

// LockStore guards seat identities. Lock succeeds when the seat is free, its
// record expired, or holder already owns it.
type LockStore interface {
	Lock(ctx context.Context, key domain.LockKey, holder string, expiresAt time.Time) error
	Unlock(ctx context.Context, key domain.LockKey, holder string) error
}

type RateLimitStore interface {
	Lock(ctx context.Context, key domain.RateLimitKey, holder string) error
	Unlock(ctx context.Context, key domain.RateLimitKey, holder string) error
}

type PaymentNumbers interface {
	PublishPaymentNo(ctx context.Context, day string) (string, error)
}

type Auditor interface {
	LogAction(ctx context.Context, action domain.AuthorizeAction) error
}

type PaymentRequest struct {
	TransactionID uuid.UUID
	Amount        int64
	Method        string
}

type PaymentGateway interface {
	Authorize(ctx context.Context, req PaymentRequest) (string, error)
	Void(ctx context.Context, paymentMethodID string) error
}

type Service struct {
	transactions TransactionRepository
	actions      ActionRepository
	tasks        TaskRepository
	catalog      Catalog
	inventory    Inventory
	locks        LockStore
	rateLimits   RateLimitStore
	paymentNos   PaymentNumbers
	gateway      PaymentGateway
	audit        Auditor
	clock        clock.Clock
	logger       observability.Logger

	policy        seating.Policy
	rateLimitUnit time.Duration
	lockGrace     time.Duration
	taskTries     int
	location      *time.Location
}

const (
	defaultRateLimitUnit = time.Hour
	defaultLockGrace     = time.Minute
	defaultTaskTries     = 3
)

type Deps struct {
	Transactions TransactionRepository
	Actions      ActionRepository
	Tasks        TaskRepository
	Catalog      Catalog
	Inventory    Inventory
	Locks        LockStore
	RateLimits   RateLimitStore
	PaymentNos   PaymentNumbers
	Gateway      PaymentGateway
	Audit        Auditor
}

func NewService(deps Deps, clk clock.Clock, opts ...Option) *Service {
	s := &Service{
		transactions:  deps.Transactions,
		actions:       deps.Actions,
		tasks:         deps.Tasks,
		catalog:       deps.Catalog,
		inventory:     deps.Inventory,
		locks:         deps.Locks,
		rateLimits:    deps.RateLimits,
		paymentNos:    deps.PaymentNos,
		gateway:       deps.Gateway,
		audit:         deps.Audit,
		clock:         clk,
		logger:        observability.NewNopLogger(),
		policy:        seating.NewPolicy(seating.DefaultBufferSize),
		rateLimitUnit: defaultRateLimitUnit,
		lockGrace:     defaultLockGrace,
		taskTries:     defaultTaskTries,
		location:      time.UTC,
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

// WithBufferSize sets how many Normal seats back one wheelchair seat.
func WithBufferSize(b int) Option {
	return func(s *Service) { s.policy = seating.NewPolicy(b) }
}

// WithRateLimitUnit sets the time bucket of rate-limited categories.
func WithRateLimitUnit(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.rateLimitUnit = d
		}
	}
}

// WithLockGrace sets how long seat locks outlive the transaction expiry.
func WithLockGrace(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.lockGrace = d
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

// WithLocation sets the business timezone payment numbers are issued in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}
