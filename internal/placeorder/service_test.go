package placeorder_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/robertarktes/seat-allocation/internal/adapters/passport"
	"github.com/robertarktes/seat-allocation/internal/adapters/payment"
	"github.com/robertarktes/seat-allocation/internal/authorize"
	"github.com/robertarktes/seat-allocation/internal/clock"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/placeorder"
	"github.com/robertarktes/seat-allocation/internal/stock"
	"github.com/robertarktes/seat-allocation/internal/testutil"
)

const (
	buyer   = "buyer-1"
	perfID  = "perf-1"
	secret  = "waiter-secret"
	issuer  = "https://waiter.example"
	sellerI = "TokyoTower"
)

var now = time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)

type sellers map[string]domain.Participant

func (s sellers) FindByIdentifier(_ context.Context, identifier string) (domain.Participant, error) {
	p, ok := s[identifier]
	if !ok {
		return domain.Participant{}, errors.Wrapf(domain.ErrNotFound, "seller %s", identifier)
	}
	return p, nil
}

var confirmOptions = []placeorder.Option{
	placeorder.WithLockRetention(720 * time.Hour),
	placeorder.WithLockGrace(time.Minute),
}

type failingOrderNumbers struct{}

func (failingOrderNumbers) PublishOrderNumber(context.Context, string) (string, error) {
	return "", errors.Mark(errors.New("sequence unavailable"), domain.ErrServiceUnavailable)
}

type fixture struct {
	svc       *placeorder.Service
	deps      placeorder.Deps
	authorize *authorize.Service
	store     *testutil.Store
	locks     *testutil.Locks
	clk       *clock.Manual
	perf      domain.Performance
}

func newFixture(t *testing.T, verifier placeorder.PassportVerifier) *fixture {
	t.Helper()
	perf := domain.Performance{
		ID:        perfID,
		StartDate: time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC),
		TicketTypes: []domain.TicketType{
			{ID: "adult", Name: "Adult", Price: 1200, Category: domain.CategoryNormal},
		},
	}
	for i := 1; i <= 10; i++ {
		perf.Seats = append(perf.Seats, domain.Seat{Section: "S", Code: fmt.Sprintf("N-%d", i), Row: "A", Number: i, Category: domain.CategoryNormal})
	}

	clk := clock.NewManual(now)
	store := testutil.NewStore()
	locks := testutil.NewLocks(clk)
	seq := testutil.NewSequence()

	auth := authorize.NewService(authorize.Deps{
		Transactions: store,
		Actions:      store,
		Tasks:        store,
		Catalog:      testutil.Catalog{perfID: perf},
		Inventory:    stock.NewInventory(locks, store),
		Locks:        locks,
		RateLimits:   locks.RateLimits(),
		PaymentNos:   seq,
		Gateway:      payment.NewOfflineGateway(),
	}, clk, authorize.WithLockGrace(time.Minute))

	deps := placeorder.Deps{
		Transactions: store,
		Actions:      store,
		Tasks:        store,
		Sellers:      sellers{sellerI: {ID: "seller-1", Kind: domain.ParticipantOrganization, Name: "Tokyo Tower"}},
		Passports:    verifier,
		OrderNumbers: seq,
		Locks:        locks,
		Releaser:     auth,
	}
	svc := placeorder.NewService(deps, clk, confirmOptions...)

	return &fixture{svc: svc, deps: deps, authorize: auth, store: store, locks: locks, clk: clk, perf: perf}
}

func (f *fixture) start(t *testing.T) *domain.Transaction {
	t.Helper()
	tx, err := f.svc.Start(context.Background(), placeorder.StartParams{
		Agent:            domain.Participant{ID: buyer},
		SellerIdentifier: sellerI,
		ClientID:         "pos",
	})
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

// authorizeBoth reserves two adult seats and authorizes a payment of amount.
func (f *fixture) authorizeBoth(t *testing.T, tx *domain.Transaction, amount int64) {
	t.Helper()
	ctx := context.Background()
	offers := []domain.AcceptedOffer{{TicketTypeID: "adult"}, {TicketTypeID: "adult"}}
	if _, err := f.authorize.Create(ctx, buyer, tx.ID, perfID, offers); err != nil {
		t.Fatal(err)
	}
	if _, err := f.authorize.AuthorizePayment(ctx, buyer, tx.ID, amount, "Cash"); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Second)
}

func TestService_Confirm(t *testing.T) {
	ctx := context.Background()

	t.Run("matching amounts confirm into an order", func(t *testing.T) {
		f := newFixture(t, nil)
		tx := f.start(t)
		if _, err := f.svc.SetCustomerContact(ctx, buyer, tx.ID, domain.CustomerProfile{
			Email: "taro@example.com", Telephone: "03-1234-5678", Address: "JP", GivenName: "Taro", FamilyName: "Yamada",
		}); err != nil {
			t.Fatal(err)
		}
		f.authorizeBoth(t, tx, 2400)

		order, err := f.svc.Confirm(ctx, placeorder.ConfirmParams{TransactionID: tx.ID, AgentID: buyer})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if order.OrderNumber != "TT-20260301-000001" {
			t.Errorf("unexpected order number %s", order.OrderNumber)
		}
		if order.ConfirmationNumber != "0" {
			t.Errorf("expected confirmation number 0, got %s", order.ConfirmationNumber)
		}
		if order.Price != 2400 || len(order.Items) != 2 {
			t.Fatalf("expected 2 items for 2400, got %d items for %d", len(order.Items), order.Price)
		}
		if order.Items[1].PaymentSeatIndex != 1 {
			t.Errorf("expected payment seat index 1, got %d", order.Items[1].PaymentSeatIndex)
		}
		if order.Customer.Name != "Taro Yamada" {
			t.Errorf("unexpected customer name %q", order.Customer.Name)
		}
		if len(order.PaymentMethods) != 1 || order.PaymentMethods[0].TotalPaymentDue != 2400 {
			t.Errorf("unexpected payment methods %+v", order.PaymentMethods)
		}

		if _, err := f.store.FindInProgressByID(ctx, tx.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected transaction closed, got %v", err)
		}
		stored, err := f.store.FindOrder(ctx, order.OrderNumber)
		if err != nil || stored.TransactionID != tx.ID {
			t.Fatalf("expected stored order, got %v", err)
		}
		pa, _ := f.store.PotentialActions(tx.ID)
		if len(pa.ConfirmReservation) != 1 || len(pa.ConfirmReservation[0].SeatCodes) != 2 {
			t.Errorf("unexpected confirm reservation actions %+v", pa.ConfirmReservation)
		}
		if pa.SendOrder.Email != "taro@example.com" {
			t.Errorf("expected send order email, got %q", pa.SendOrder.Email)
		}

		key := domain.LockKey{EventID: perfID, Section: "S", SeatNumber: order.Items[0].SeatCode}
		if exp, ok := f.locks.ExpiresAt(key); !ok || !exp.Equal(f.perf.EndDate.Add(720*time.Hour)) {
			t.Errorf("expected lock retained until %v, got %v", f.perf.EndDate.Add(720*time.Hour), exp)
		}
		if n := len(f.store.Tasks(domain.TaskSendOrder)); n != 1 {
			t.Errorf("expected 1 send order task, got %d", n)
		}
	})

	t.Run("mismatched amounts are rejected", func(t *testing.T) {
		f := newFixture(t, nil)
		tx := f.start(t)
		f.authorizeBoth(t, tx, 2500)

		_, err := f.svc.Confirm(ctx, placeorder.ConfirmParams{TransactionID: tx.ID, AgentID: buyer})
		if !errors.Is(err, domain.ErrArgument) {
			t.Fatalf("expected ErrArgument, got %v", err)
		}
		if _, err := f.store.FindInProgressByID(ctx, tx.ID); err != nil {
			t.Errorf("expected transaction still in progress, got %v", err)
		}
	})

	t.Run("actions ending after the order date are ignored", func(t *testing.T) {
		f := newFixture(t, nil)
		tx := f.start(t)
		f.authorizeBoth(t, tx, 2400)

		_, err := f.svc.Confirm(ctx, placeorder.ConfirmParams{TransactionID: tx.ID, OrderDate: now})
		if !errors.Is(err, domain.ErrArgument) {
			t.Fatalf("expected ErrArgument, got %v", err)
		}
	})

	t.Run("other agent is forbidden", func(t *testing.T) {
		f := newFixture(t, nil)
		tx := f.start(t)
		f.authorizeBoth(t, tx, 2400)

		_, err := f.svc.Confirm(ctx, placeorder.ConfirmParams{TransactionID: tx.ID, AgentID: "someone-else"})
		if !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
	})

	t.Run("seat taken after expiry", func(t *testing.T) {
		f := newFixture(t, nil)
		tx := f.start(t)
		f.authorizeBoth(t, tx, 2400)

		// the hold lapses and another holder takes N-1
		f.clk.Advance(time.Hour)
		if err := f.locks.Lock(ctx, domain.LockKey{EventID: perfID, Section: "S", SeatNumber: "N-1"}, "other", f.clk.Now().Add(time.Hour)); err != nil {
			t.Fatal(err)
		}

		_, err := f.svc.Confirm(ctx, placeorder.ConfirmParams{TransactionID: tx.ID})
		if !errors.Is(err, domain.ErrAlreadyInUse) {
			t.Fatalf("expected ErrAlreadyInUse, got %v", err)
		}
	})

	t.Run("seats retained before a conflict are given back", func(t *testing.T) {
		f := newFixture(t, nil)
		tx := f.start(t)
		f.authorizeBoth(t, tx, 2400)

		f.clk.Advance(time.Hour)
		if err := f.locks.Lock(ctx, domain.LockKey{EventID: perfID, Section: "S", SeatNumber: "N-2"}, "other", f.clk.Now().Add(time.Hour)); err != nil {
			t.Fatal(err)
		}

		_, err := f.svc.Confirm(ctx, placeorder.ConfirmParams{TransactionID: tx.ID})
		if !errors.Is(err, domain.ErrAlreadyInUse) {
			t.Fatalf("expected ErrAlreadyInUse, got %v", err)
		}
		if h, _ := f.locks.GetHolder(ctx, domain.LockKey{EventID: perfID, Section: "S", SeatNumber: "N-1"}); h != "" {
			t.Errorf("expected lapsed N-1 left free, held by %q", h)
		}
		if _, err := f.store.FindInProgressByID(ctx, tx.ID); err != nil {
			t.Errorf("expected transaction still in progress, got %v", err)
		}
	})

	t.Run("failed confirm keeps the hold expiry", func(t *testing.T) {
		f := newFixture(t, nil)
		tx := f.start(t)
		f.authorizeBoth(t, tx, 2400)

		deps := f.deps
		deps.OrderNumbers = failingOrderNumbers{}
		svc := placeorder.NewService(deps, f.clk, confirmOptions...)

		key := domain.LockKey{EventID: perfID, Section: "S", SeatNumber: "N-1"}
		before, ok := f.locks.ExpiresAt(key)
		if !ok || !before.Equal(tx.Expires.Add(time.Minute)) {
			t.Fatalf("expected hold until %v, got %v", tx.Expires.Add(time.Minute), before)
		}

		_, err := svc.Confirm(ctx, placeorder.ConfirmParams{TransactionID: tx.ID})
		if !errors.Is(err, domain.ErrServiceUnavailable) {
			t.Fatalf("expected ErrServiceUnavailable, got %v", err)
		}
		for _, code := range []string{"N-1", "N-2"} {
			k := domain.LockKey{EventID: perfID, Section: "S", SeatNumber: code}
			if after, ok := f.locks.ExpiresAt(k); !ok || !after.Equal(before) {
				t.Errorf("expected %s held until %v, got %v (live %v)", code, before, after, ok)
			}
		}
		if h, _ := f.locks.GetHolder(ctx, key); h != tx.ID.String() {
			t.Errorf("expected N-1 still held by the transaction, got %q", h)
		}
	})
}

func TestService_Start(t *testing.T) {
	ctx := context.Background()
	verifier := passport.NewVerifier(secret, []string{issuer})
	sign := func(seller string) string {
		token, err := passport.Sign(secret, issuer, seller, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
		if err != nil {
			t.Fatal(err)
		}
		return token
	}

	t.Run("unknown seller", func(t *testing.T) {
		f := newFixture(t, verifier)
		_, err := f.svc.Start(ctx, placeorder.StartParams{Agent: domain.Participant{ID: buyer}, SellerIdentifier: "nobody"})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("passport can be used once", func(t *testing.T) {
		f := newFixture(t, verifier)
		token := sign(sellerI)
		params := placeorder.StartParams{Agent: domain.Participant{ID: buyer}, SellerIdentifier: sellerI, PassportToken: token}

		tx, err := f.svc.Start(ctx, params)
		if err != nil {
			t.Fatal(err)
		}
		if tx.Seller.ID != "seller-1" || !tx.Expires.Equal(now.Add(15*time.Minute)) {
			t.Errorf("unexpected transaction %+v", tx)
		}
		if _, err := f.svc.Start(ctx, params); !errors.Is(err, domain.ErrAlreadyInUse) {
			t.Fatalf("expected ErrAlreadyInUse, got %v", err)
		}
	})

	t.Run("passport for another seller", func(t *testing.T) {
		f := newFixture(t, verifier)
		_, err := f.svc.Start(ctx, placeorder.StartParams{
			Agent: domain.Participant{ID: buyer}, SellerIdentifier: sellerI, PassportToken: sign("OtherSeller"),
		})
		if !errors.Is(err, domain.ErrArgument) {
			t.Fatalf("expected ErrArgument, got %v", err)
		}
	})

	t.Run("passport without verifier", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.svc.Start(ctx, placeorder.StartParams{
			Agent: domain.Participant{ID: buyer}, SellerIdentifier: sellerI, PassportToken: "token",
		})
		if !errors.Is(err, domain.ErrServiceUnavailable) {
			t.Fatalf("expected ErrServiceUnavailable, got %v", err)
		}
	})
}

func TestService_SetCustomerContact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	tx := f.start(t)

	tests := []struct {
		name    string
		agent   string
		contact domain.CustomerProfile
		want    string
		wantErr error
	}{
		{"formats E.164", buyer, domain.CustomerProfile{Telephone: "03-1234-5678", Address: "JP"}, "+81312345678", nil},
		{"lowercase region", buyer, domain.CustomerProfile{Telephone: "090-1234-5678", Address: "jp"}, "+819012345678", nil},
		{"invalid number", buyer, domain.CustomerProfile{Telephone: "123", Address: "JP"}, "", domain.ErrArgument},
		{"invalid email", buyer, domain.CustomerProfile{Telephone: "03-1234-5678", Address: "JP", Email: "nope"}, "", domain.ErrArgument},
		{"other agent", "someone-else", domain.CustomerProfile{Telephone: "03-1234-5678", Address: "JP"}, "", domain.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.SetCustomerContact(ctx, tt.agent, tx.ID, tt.contact)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Telephone != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.Telephone)
			}
		})
	}
}

func TestService_Expire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	tx := f.start(t)
	f.authorizeBoth(t, tx, 2400)
	fresh := f.start(t)

	f.clk.Advance(15*time.Minute - time.Second)
	n, err := f.svc.Expire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired transaction, got %d", n)
	}
	if h, _ := f.locks.GetHolder(ctx, domain.LockKey{EventID: perfID, Section: "S", SeatNumber: "N-1"}); h != "" {
		t.Errorf("expected N-1 released, held by %q", h)
	}
	if _, err := f.store.FindInProgressByID(ctx, fresh.ID); err != nil {
		t.Errorf("expected the fresh transaction to stay in progress, got %v", err)
	}
}
