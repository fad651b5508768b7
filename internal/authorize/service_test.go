package authorize_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/seat-allocation/internal/adapters/payment"
	"github.com/robertarktes/seat-allocation/internal/authorize"
	"github.com/robertarktes/seat-allocation/internal/clock"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/stock"
	"github.com/robertarktes/seat-allocation/internal/testutil"
)

const (
	agentID = "buyer-1"
	perfID  = "perf-1"
)

var now = time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *authorize.Service
	store   *testutil.Store
	locks   *testutil.Locks
	seq     *testutil.Sequence
	gateway *payment.OfflineGateway
	clk     *clock.Manual
	perf    domain.Performance
}

// performance lays out normal seats N-1..N-n in row A and wheelchair seats
// W-1..W-m in row W.
func performance(normal, wheelchair int) domain.Performance {
	p := domain.Performance{
		ID:        perfID,
		StartDate: time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC),
		TicketTypes: []domain.TicketType{
			{ID: "adult", Name: "Adult", Price: 1200, Category: domain.CategoryNormal},
			{ID: "wheelchair", Name: "Wheelchair", Price: 1000, Category: domain.CategoryWheelchair},
		},
	}
	for i := 1; i <= normal; i++ {
		p.Seats = append(p.Seats, domain.Seat{Section: "S", Code: fmt.Sprintf("N-%d", i), Row: "A", Number: i, Category: domain.CategoryNormal})
	}
	for i := 1; i <= wheelchair; i++ {
		p.Seats = append(p.Seats, domain.Seat{Section: "S", Code: fmt.Sprintf("W-%d", i), Row: "W", Number: i, Category: domain.CategoryWheelchair})
	}
	return p
}

func newFixture(t *testing.T, perf domain.Performance, opts ...authorize.Option) *fixture {
	t.Helper()
	clk := clock.NewManual(now)
	store := testutil.NewStore()
	locks := testutil.NewLocks(clk)
	seq := testutil.NewSequence()
	gateway := payment.NewOfflineGateway()

	svc := authorize.NewService(authorize.Deps{
		Transactions: store,
		Actions:      store,
		Tasks:        store,
		Catalog:      testutil.Catalog{perf.ID: perf},
		Inventory:    stock.NewInventory(locks, store),
		Locks:        locks,
		RateLimits:   locks.RateLimits(),
		PaymentNos:   seq,
		Gateway:      gateway,
	}, clk, opts...)

	return &fixture{svc: svc, store: store, locks: locks, seq: seq, gateway: gateway, clk: clk, perf: perf}
}

func (f *fixture) startTransaction(t *testing.T, agent string) domain.Transaction {
	t.Helper()
	tx := domain.NewTransaction(
		domain.Participant{ID: agent, Kind: domain.ParticipantPerson},
		domain.Participant{ID: "seller-1", Kind: domain.ParticipantOrganization},
		"client", nil, now.Add(15*time.Minute), now)
	if err := f.store.InsertTransaction(context.Background(), &tx); err != nil {
		t.Fatal(err)
	}
	return tx
}

func (f *fixture) holder(t *testing.T, code string) string {
	t.Helper()
	h, err := f.locks.GetHolder(context.Background(), domain.LockKey{EventID: perfID, Section: "S", SeatNumber: code})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (f *fixture) rateHolder(t *testing.T) string {
	t.Helper()
	h, err := f.locks.RateLimits().GetHolder(context.Background(), domain.RateLimitKey{
		Category: domain.CategoryWheelchair, PerformanceStart: f.perf.StartDate, Unit: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func offers(ids ...string) []domain.AcceptedOffer {
	out := make([]domain.AcceptedOffer, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.AcceptedOffer{TicketTypeID: id})
	}
	return out
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("locks one seat per offer", func(t *testing.T) {
		f := newFixture(t, performance(10, 1))
		tx := f.startTransaction(t, agentID)

		action, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("adult", "adult"))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if action.Status != domain.ActionCompleted {
			t.Fatalf("expected Completed, got %s", action.Status)
		}
		if action.Result.Amount != 2400 {
			t.Errorf("expected amount 2400, got %d", action.Result.Amount)
		}
		if action.Agent.ID != "seller-1" || action.Recipient.ID != agentID {
			t.Errorf("expected seller agent and buyer recipient, got %+v / %+v", action.Agent, action.Recipient)
		}
		for _, code := range []string{"N-1", "N-2"} {
			if h := f.holder(t, code); h != tx.ID.String() {
				t.Errorf("expected %s held by transaction, got %q", code, h)
			}
		}
		key := domain.LockKey{EventID: perfID, Section: "S", SeatNumber: "N-1"}
		if exp, _ := f.locks.ExpiresAt(key); !exp.Equal(tx.Expires.Add(time.Minute)) {
			t.Errorf("expected lock expiry %v, got %v", tx.Expires.Add(time.Minute), exp)
		}
		if n := len(f.store.Tasks(domain.TaskAggregateEventReservations)); n != 1 {
			t.Errorf("expected 1 aggregation task, got %d", n)
		}
	})

	t.Run("payment number uses business day", func(t *testing.T) {
		jst, err := time.LoadLocation("Asia/Tokyo")
		if err != nil {
			t.Skip("tzdata not available")
		}
		perf := performance(10, 0)
		perf.StartDate = time.Date(2026, 3, 20, 16, 0, 0, 0, time.UTC)
		f := newFixture(t, perf, authorize.WithLocation(jst))
		tx := f.startTransaction(t, agentID)

		if _, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("adult")); err != nil {
			t.Fatal(err)
		}
		// 2026-03-21 01:00 in Tokyo; the next number of that day is the second.
		no, _ := f.seq.PublishPaymentNo(ctx, "20260321")
		if no != "000002" {
			t.Errorf("expected payment number issued for 20260321, next is %s", no)
		}
	})

	t.Run("rejects another agent", func(t *testing.T) {
		f := newFixture(t, performance(10, 0))
		tx := f.startTransaction(t, agentID)

		_, err := f.svc.Create(ctx, "someone-else", tx.ID, perfID, offers("adult"))
		if !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
	})

	t.Run("unknown transaction", func(t *testing.T) {
		f := newFixture(t, performance(10, 0))

		_, err := f.svc.Create(ctx, agentID, uuid.New(), perfID, offers("adult"))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("unknown ticket type", func(t *testing.T) {
		f := newFixture(t, performance(10, 0))
		tx := f.startTransaction(t, agentID)

		_, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("senior"))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if actions, _ := f.store.SearchByPurpose(ctx, tx.ID); len(actions) != 0 {
			t.Errorf("expected no action started, got %d", len(actions))
		}
	})

	t.Run("no offers", func(t *testing.T) {
		f := newFixture(t, performance(10, 0))
		tx := f.startTransaction(t, agentID)

		if _, err := f.svc.Create(ctx, agentID, tx.ID, perfID, nil); !errors.Is(err, domain.ErrArgument) {
			t.Fatalf("expected ErrArgument, got %v", err)
		}
	})

	t.Run("insufficient seats releases everything", func(t *testing.T) {
		f := newFixture(t, performance(2, 0), authorize.WithBufferSize(0))
		tx := f.startTransaction(t, agentID)

		_, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("adult", "adult", "adult"))
		if !errors.Is(err, domain.ErrAlreadyInUse) {
			t.Fatalf("expected ErrAlreadyInUse, got %v", err)
		}
		for _, code := range []string{"N-1", "N-2"} {
			if h := f.holder(t, code); h != "" {
				t.Errorf("expected %s released, held by %q", code, h)
			}
		}
		actions, _ := f.store.SearchByPurpose(ctx, tx.ID)
		if len(actions) != 1 || actions[0].Status != domain.ActionFailed {
			t.Fatalf("expected one Failed action, got %+v", actions)
		}
		if actions[0].Error == "" {
			t.Errorf("expected failure cause on action")
		}
		if n := len(f.store.Tasks(domain.TaskAggregateEventReservations)); n != 0 {
			t.Errorf("expected no tasks, got %d", n)
		}
	})

	t.Run("a failed lock rolls back the others", func(t *testing.T) {
		f := newFixture(t, performance(10, 1))
		f.locks.FailLock["N-2"] = errors.New("redis down")
		tx := f.startTransaction(t, agentID)

		_, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("wheelchair", "adult", "adult"))
		if !errors.Is(err, domain.ErrAlreadyInUse) {
			t.Fatalf("expected ErrAlreadyInUse, got %v", err)
		}
		for _, code := range []string{"W-1", "N-1", "N-2"} {
			if h := f.holder(t, code); h != "" {
				t.Errorf("expected %s released, held by %q", code, h)
			}
		}
		if h := f.rateHolder(t); h != "" {
			t.Errorf("expected rate-limit hold released, held by %q", h)
		}
	})

	t.Run("rate limit taken by another transaction", func(t *testing.T) {
		f := newFixture(t, performance(10, 2))
		first := f.startTransaction(t, "buyer-a")
		second := f.startTransaction(t, "buyer-b")

		if _, err := f.svc.Create(ctx, "buyer-a", first.ID, perfID, offers("wheelchair")); err != nil {
			t.Fatal(err)
		}
		_, err := f.svc.Create(ctx, "buyer-b", second.ID, perfID, offers("adult", "wheelchair"))
		if !errors.Is(err, domain.ErrAlreadyInUse) {
			t.Fatalf("expected ErrAlreadyInUse, got %v", err)
		}
		if h := f.rateHolder(t); h != first.ID.String() {
			t.Errorf("expected first transaction to keep the rate limit, got %q", h)
		}
		if h := f.holder(t, "N-1"); h != "" {
			t.Errorf("expected no seat locked by the rejected attempt, got %q", h)
		}
	})

	t.Run("wheelchair needs buffer stock", func(t *testing.T) {
		f := newFixture(t, performance(2, 1), authorize.WithBufferSize(3))
		tx := f.startTransaction(t, agentID)

		_, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("wheelchair"))
		if !errors.Is(err, domain.ErrAlreadyInUse) {
			t.Fatalf("expected ErrAlreadyInUse, got %v", err)
		}
		if h := f.rateHolder(t); h != "" {
			t.Errorf("expected rate limit released, held by %q", h)
		}
	})

	t.Run("denied wheelchair fails the whole batch", func(t *testing.T) {
		f := newFixture(t, performance(2, 1), authorize.WithBufferSize(1))
		taken := domain.LockKey{EventID: perfID, Section: "S", SeatNumber: "W-1"}
		if err := f.locks.Lock(ctx, taken, "other", now.Add(24*time.Hour)); err != nil {
			t.Fatal(err)
		}
		tx := f.startTransaction(t, agentID)

		_, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("wheelchair", "adult"))
		if !errors.Is(err, domain.ErrAlreadyInUse) {
			t.Fatalf("expected ErrAlreadyInUse, got %v", err)
		}
		if h := f.holder(t, "N-1"); h != "" {
			t.Errorf("expected N-1 released, held by %q", h)
		}
		if h := f.holder(t, "W-1"); h != "other" {
			t.Errorf("expected W-1 untouched, held by %q", h)
		}
	})

	t.Run("persist failure releases seats", func(t *testing.T) {
		f := newFixture(t, performance(5, 0))
		tx := f.startTransaction(t, agentID)
		f.store.EndActionErr = errors.New("crdb unavailable")

		if _, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("adult")); err == nil {
			t.Fatal("expected error")
		}
		if h := f.holder(t, "N-1"); h != "" {
			t.Errorf("expected N-1 released, held by %q", h)
		}
	})

	t.Run("action fails when its completion cannot be stored", func(t *testing.T) {
		f := newFixture(t, performance(5, 0))
		tx := f.startTransaction(t, agentID)
		f.store.EndActionErrOnce = errors.New("crdb unavailable")

		if _, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("adult")); err == nil {
			t.Fatal("expected error")
		}
		if h := f.holder(t, "N-1"); h != "" {
			t.Errorf("expected N-1 released, held by %q", h)
		}
		actions, err := f.store.SearchByPurpose(ctx, tx.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(actions) != 1 || actions[0].Status != domain.ActionFailed || actions[0].Error == "" {
			t.Fatalf("expected one Failed action with its error, got %+v", actions)
		}
	})
}

func TestService_Create_NoDuplicateSeats(t *testing.T) {
	ctx := context.Background()

	t.Run("sequential", func(t *testing.T) {
		f := newFixture(t, performance(3, 0), authorize.WithBufferSize(0))
		seen := map[string]bool{}
		completed := 0
		for i := 0; i < 5; i++ {
			agent := fmt.Sprintf("buyer-%d", i)
			tx := f.startTransaction(t, agent)
			action, err := f.svc.Create(ctx, agent, tx.ID, perfID, offers("adult"))
			if err != nil {
				if !errors.Is(err, domain.ErrAlreadyInUse) {
					t.Fatalf("unexpected error %v", err)
				}
				continue
			}
			completed++
			code := action.Result.TemporaryReservations[0].SeatCode
			if seen[code] {
				t.Fatalf("seat %s allocated twice", code)
			}
			seen[code] = true
		}
		if completed != 3 {
			t.Errorf("expected 3 completed reservations, got %d", completed)
		}
	})

	t.Run("concurrent", func(t *testing.T) {
		f := newFixture(t, performance(3, 0), authorize.WithBufferSize(0))
		txs := make([]domain.Transaction, 8)
		for i := range txs {
			txs[i] = f.startTransaction(t, fmt.Sprintf("buyer-%d", i))
		}

		var (
			mu    sync.Mutex
			seats []string
			wg    sync.WaitGroup
		)
		for i, tx := range txs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				action, err := f.svc.Create(ctx, fmt.Sprintf("buyer-%d", i), tx.ID, perfID, offers("adult"))
				if err != nil {
					return
				}
				mu.Lock()
				seats = append(seats, action.Result.TemporaryReservations[0].SeatCode)
				mu.Unlock()
			}()
		}
		wg.Wait()

		if len(seats) == 0 || len(seats) > 3 {
			t.Fatalf("expected 1..3 allocations, got %v", seats)
		}
		seen := map[string]bool{}
		for _, s := range seats {
			if seen[s] {
				t.Fatalf("seat %s allocated twice", s)
			}
			seen[s] = true
		}
	})
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("releases seats and rate limit once", func(t *testing.T) {
		f := newFixture(t, performance(10, 1))
		tx := f.startTransaction(t, agentID)
		action, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("wheelchair", "adult"))
		if err != nil {
			t.Fatal(err)
		}

		canceled, err := f.svc.Cancel(ctx, agentID, tx.ID, action.ID)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if canceled.Status != domain.ActionCanceled {
			t.Fatalf("expected Canceled, got %s", canceled.Status)
		}
		if h := f.holder(t, "W-1"); h != "" {
			t.Errorf("expected W-1 released, held by %q", h)
		}
		if h := f.rateHolder(t); h != "" {
			t.Errorf("expected rate limit released, held by %q", h)
		}

		// Someone else takes the seat; a second cancel must not touch it.
		other := f.startTransaction(t, "buyer-b")
		if _, err := f.svc.Create(ctx, "buyer-b", other.ID, perfID, offers("adult")); err != nil {
			t.Fatal(err)
		}
		again, err := f.svc.Cancel(ctx, agentID, tx.ID, action.ID)
		if err != nil {
			t.Fatalf("expected second cancel to be a no-op, got %v", err)
		}
		if again.Status != domain.ActionCanceled {
			t.Errorf("expected Canceled, got %s", again.Status)
		}
		if h := f.holder(t, "N-1"); h != other.ID.String() {
			t.Errorf("expected N-1 to stay with the other transaction, got %q", h)
		}
		if n := len(f.store.Tasks(domain.TaskAggregateEventReservations)); n != 3 {
			t.Errorf("expected 3 aggregation tasks, got %d", n)
		}
	})

	t.Run("failed action cannot be canceled", func(t *testing.T) {
		f := newFixture(t, performance(1, 0), authorize.WithBufferSize(0))
		tx := f.startTransaction(t, agentID)
		if _, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("adult", "adult")); err == nil {
			t.Fatal("expected allocation failure")
		}
		actions, _ := f.store.SearchByPurpose(ctx, tx.ID)

		_, err := f.svc.Cancel(ctx, agentID, tx.ID, actions[0].ID)
		if !errors.Is(err, domain.ErrArgument) {
			t.Fatalf("expected ErrArgument, got %v", err)
		}
	})

	t.Run("release errors are swallowed", func(t *testing.T) {
		f := newFixture(t, performance(5, 0))
		tx := f.startTransaction(t, agentID)
		action, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("adult"))
		if err != nil {
			t.Fatal(err)
		}
		f.locks.FailUnlock = errors.New("redis down")

		canceled, err := f.svc.Cancel(ctx, agentID, tx.ID, action.ID)
		if err != nil {
			t.Fatalf("expected cancel to succeed, got %v", err)
		}
		if canceled.Status != domain.ActionCanceled {
			t.Errorf("expected Canceled, got %s", canceled.Status)
		}
	})

	t.Run("rejects another agent", func(t *testing.T) {
		f := newFixture(t, performance(5, 0))
		tx := f.startTransaction(t, agentID)
		action, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("adult"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.svc.Cancel(ctx, "someone-else", tx.ID, action.ID); !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
	})
}

func TestService_Payment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, performance(5, 0))
	tx := f.startTransaction(t, agentID)

	action, err := f.svc.AuthorizePayment(ctx, agentID, tx.ID, 2400, "Cash")
	if err != nil {
		t.Fatal(err)
	}
	if action.Agent.ID != agentID || action.AuthorizedAmount() != 2400 {
		t.Fatalf("unexpected payment action %+v", action)
	}
	id := action.Result.PaymentMethodID
	if !f.gateway.Authorized(id) {
		t.Fatalf("expected gateway authorization %s", id)
	}

	if _, err := f.svc.AuthorizePayment(ctx, agentID, tx.ID, 0, "Cash"); !errors.Is(err, domain.ErrArgument) {
		t.Errorf("expected ErrArgument for zero amount, got %v", err)
	}
	if _, err := f.svc.CancelPayment(ctx, agentID, tx.ID, action.ID); err != nil {
		t.Fatal(err)
	}
	if f.gateway.Authorized(id) {
		t.Errorf("expected authorization %s voided", id)
	}

	f.store.EndActionErrOnce = errors.New("crdb unavailable")
	if _, err := f.svc.AuthorizePayment(ctx, agentID, tx.ID, 1200, "Cash"); err == nil {
		t.Fatal("expected error when the completed payment cannot be stored")
	}
	actions, err := f.store.SearchByPurpose(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := actions[len(actions)-1]
	if last.Status != domain.ActionFailed {
		t.Errorf("expected the unstored payment to end Failed, got %s", last.Status)
	}
}

func TestService_ReleaseExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, performance(5, 0))
	tx := f.startTransaction(t, agentID)

	if _, err := f.svc.Create(ctx, agentID, tx.ID, perfID, offers("adult")); err != nil {
		t.Fatal(err)
	}
	pay, err := f.svc.AuthorizePayment(ctx, agentID, tx.ID, 1200, "Cash")
	if err != nil {
		t.Fatal(err)
	}

	f.clk.Advance(30 * time.Minute)
	expired, err := f.store.ExpireOverdue(ctx, f.clk.Now(), 10)
	if err != nil || len(expired) != 1 {
		t.Fatalf("expected one expired transaction, got %v %v", expired, err)
	}
	if err := f.svc.ReleaseExpired(ctx, expired[0]); err != nil {
		t.Fatal(err)
	}

	actions, _ := f.store.SearchByPurpose(ctx, tx.ID)
	for _, a := range actions {
		if a.Status != domain.ActionCanceled {
			t.Errorf("expected action %s Canceled, got %s", a.ID, a.Status)
		}
	}
	if f.gateway.Authorized(pay.Result.PaymentMethodID) {
		t.Errorf("expected payment voided")
	}
}
