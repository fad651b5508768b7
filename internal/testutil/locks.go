package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/seat-allocation/internal/clock"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

type lockRecord struct {
	holder    string
	expiresAt time.Time
}

// Locks implements the seat lock and rate-limit stores against a clock.
type Locks struct {
	mu    sync.Mutex
	clock clock.Clock
	seats map[string]map[string]lockRecord
	rates map[string]lockRecord

	// FailLock makes Lock of the listed seat codes fail.
	FailLock map[string]error
	// FailUnlock makes every Unlock fail.
	FailUnlock error
}

func NewLocks(clk clock.Clock) *Locks {
	return &Locks{
		clock:    clk,
		seats:    map[string]map[string]lockRecord{},
		rates:    map[string]lockRecord{},
		FailLock: map[string]error{},
	}
}

func (l *Locks) Lock(_ context.Context, key domain.LockKey, holder string, expiresAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.FailLock[key.SeatNumber]; err != nil {
		return err
	}
	now := l.clock.Now()
	if !expiresAt.After(now) {
		return errors.Wrapf(domain.ErrArgument, "lock %s expires in the past", key.SeatNumber)
	}
	event := l.seats[key.EventID]
	if event == nil {
		event = map[string]lockRecord{}
		l.seats[key.EventID] = event
	}
	field := key.Field()
	if cur, ok := event[field]; ok && cur.expiresAt.After(now) && cur.holder != holder {
		return errors.Wrapf(domain.ErrConflict, "seat %s", key.SeatNumber)
	}
	event[field] = lockRecord{holder: holder, expiresAt: expiresAt}
	return nil
}

func (l *Locks) Unlock(_ context.Context, key domain.LockKey, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailUnlock != nil {
		return l.FailUnlock
	}
	event := l.seats[key.EventID]
	field := key.Field()
	cur, ok := event[field]
	if !ok {
		return nil
	}
	if cur.holder != holder && cur.expiresAt.After(l.clock.Now()) {
		return errors.Wrapf(domain.ErrNotHolder, "seat %s", key.SeatNumber)
	}
	delete(event, field)
	return nil
}

func (l *Locks) GetHolder(_ context.Context, key domain.LockKey) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.seats[key.EventID][key.Field()]
	if !ok || !cur.expiresAt.After(l.clock.Now()) {
		return "", nil
	}
	return cur.holder, nil
}

// ExpiresAt reports the expiry of a live seat lock.
func (l *Locks) ExpiresAt(key domain.LockKey) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.seats[key.EventID][key.Field()]
	return cur.expiresAt, ok && cur.expiresAt.After(l.clock.Now())
}

func (l *Locks) LockedSeats(_ context.Context, eventID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	var codes []string
	for field, rec := range l.seats[eventID] {
		if !rec.expiresAt.After(now) {
			continue
		}
		codes = append(codes, domain.SeatOfField(field))
	}
	return codes, nil
}

// RateLimits returns a view of l that satisfies the rate-limit store.
func (l *Locks) RateLimits() *RateLimits {
	return &RateLimits{l: l}
}

type RateLimits struct {
	l *Locks
}

func rateKey(key domain.RateLimitKey) string {
	return string(key.Category) + ":" + strconv.FormatInt(key.Bucket().Unix(), 10)
}

func (r *RateLimits) Lock(_ context.Context, key domain.RateLimitKey, holder string) error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if key.Unit <= 0 {
		return errors.Wrap(domain.ErrArgument, "unit must be positive")
	}
	now := r.l.clock.Now()
	k := rateKey(key)
	if cur, ok := r.l.rates[k]; ok && cur.expiresAt.After(now) && cur.holder != holder {
		return errors.Wrapf(domain.ErrConflict, "rate limit %s", k)
	}
	r.l.rates[k] = lockRecord{holder: holder, expiresAt: now.Add(key.Unit)}
	return nil
}

func (r *RateLimits) Unlock(_ context.Context, key domain.RateLimitKey, holder string) error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if r.l.FailUnlock != nil {
		return r.l.FailUnlock
	}
	k := rateKey(key)
	cur, ok := r.l.rates[k]
	if !ok || !cur.expiresAt.After(r.l.clock.Now()) {
		delete(r.l.rates, k)
		return nil
	}
	if cur.holder != holder {
		return errors.Wrapf(domain.ErrNotHolder, "rate limit %s", k)
	}
	delete(r.l.rates, k)
	return nil
}

func (r *RateLimits) GetHolder(_ context.Context, key domain.RateLimitKey) (string, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	cur, ok := r.l.rates[rateKey(key)]
	if !ok || !cur.expiresAt.After(r.l.clock.Now()) {
		return "", nil
	}
	return cur.holder, nil
}

// Sequence issues payment numbers and order numbers from plain counters.
type Sequence struct {
	mu       sync.Mutex
	payments map[string]int
	orders   map[string]int
	// FailPaymentNo, when set, is returned by PublishPaymentNo.
	FailPaymentNo error
}

func NewSequence() *Sequence {
	return &Sequence{payments: map[string]int{}, orders: map[string]int{}}
}

func (s *Sequence) PublishPaymentNo(_ context.Context, day string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPaymentNo != nil {
		return "", s.FailPaymentNo
	}
	s.payments[day]++
	return fmt.Sprintf("%06d", s.payments[day]), nil
}

func (s *Sequence) PublishOrderNumber(_ context.Context, day string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[day]++
	return fmt.Sprintf("TT-%s-%06d", day, s.orders[day]), nil
}

// Catalog serves fixed performances.
type Catalog map[string]domain.Performance

func (c Catalog) FindPerformance(_ context.Context, id string) (*domain.Performance, error) {
	p, ok := c[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "performance %s", id)
	}
	return &p, nil
}
