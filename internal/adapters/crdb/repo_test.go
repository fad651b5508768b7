package crdb_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/seat-allocation/internal/adapters/crdb"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startCockroach(t *testing.T) *crdb.Repository {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "26257/tcp")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgresql://root@%s:%s/defaultdb?sslmode=disable", host, port.Port()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	repo := crdb.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return repo
}

var (
	now  = time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	perf = domain.Performance{
		ID:        "perf-1",
		StartDate: time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC),
	}
)

func newTransaction(t *testing.T, repo *crdb.Repository, passport *domain.Passport, expires time.Time) *domain.Transaction {
	t.Helper()
	tx := domain.NewTransaction(
		domain.Participant{ID: "buyer-1", Kind: domain.ParticipantPerson},
		domain.Participant{ID: "seller-1", Kind: domain.ParticipantOrganization},
		"pos", passport, expires, now)
	if err := repo.InsertTransaction(context.Background(), &tx); err != nil {
		t.Fatal(err)
	}
	return &tx
}

func completedSeatAction(t *testing.T, repo *crdb.Repository, tx *domain.Transaction, seats ...string) domain.AuthorizeAction {
	t.Helper()
	ctx := context.Background()
	a := domain.NewSeatReservationAction(tx, &perf, []domain.AcceptedOffer{{TicketTypeID: "adult"}}, now)
	if err := repo.StartAction(ctx, &a); err != nil {
		t.Fatal(err)
	}
	result := domain.ActionResult{}
	for _, code := range seats {
		result.Amount += 1200
		result.TemporaryReservations = append(result.TemporaryReservations, domain.TemporaryReservation{
			SeatCode: code, Section: "S", TicketTypeID: "adult", Charge: 1200, Category: domain.CategoryNormal,
			PaymentNo: "000001", Holder: tx.ID.String(),
		})
	}
	if err := a.Complete(result, now); err != nil {
		t.Fatal(err)
	}
	if err := repo.EndAction(ctx, &a); err != nil {
		t.Fatal(err)
	}
	return a
}

func confirm(t *testing.T, repo *crdb.Repository, tx *domain.Transaction, orderNumber string, seats ...string) error {
	t.Helper()
	order := domain.Order{
		OrderNumber:        orderNumber,
		ConfirmationNumber: "0",
		TransactionID:      tx.ID,
		Seller:             tx.Seller,
		Customer:           tx.Agent,
		Status:             domain.OrderDelivered,
		OrderDate:          now,
	}
	for i, code := range seats {
		order.Items = append(order.Items, domain.OrderItem{
			PerformanceID: perf.ID, SeatSection: "S", SeatCode: code, TicketTypeID: "adult",
			TicketTypeName: "Adult", Category: domain.CategoryNormal, Price: 1200, PaymentNo: "000001", PaymentSeatIndex: i,
		})
		order.Price += 1200
	}
	if err := tx.Transition(domain.TransactionConfirmed, now); err != nil {
		t.Fatal(err)
	}
	return repo.ConfirmPlaceOrder(context.Background(), tx, order, domain.PotentialActions{})
}

func TestRepository(t *testing.T) {
	repo := startCockroach(t)
	ctx := context.Background()

	t.Run("passport token is single use", func(t *testing.T) {
		passport := &domain.Passport{Issuer: "https://waiter.example", Scope: "placeOrderTransaction.TokyoTower", Token: "token-1"}
		newTransaction(t, repo, passport, now.Add(15*time.Minute))

		dup := domain.NewTransaction(domain.Participant{ID: "buyer-2"}, domain.Participant{ID: "seller-1"}, "pos", passport, now.Add(15*time.Minute), now)
		if err := repo.InsertTransaction(ctx, &dup); !errors.Is(err, domain.ErrAlreadyInUse) {
			t.Fatalf("expected ErrAlreadyInUse, got %v", err)
		}
	})

	t.Run("customer profile", func(t *testing.T) {
		tx := newTransaction(t, repo, nil, now.Add(15*time.Minute))
		profile := domain.CustomerProfile{Email: "taro@example.com", Telephone: "+819012345678", GivenName: "Taro"}
		if err := repo.UpdateCustomerProfile(ctx, tx.ID, profile); err != nil {
			t.Fatal(err)
		}
		got, err := repo.FindInProgressByID(ctx, tx.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Customer == nil || *got.Customer != profile {
			t.Errorf("expected %+v, got %+v", profile, got.Customer)
		}
	})

	t.Run("cancel action reports the first transition only", func(t *testing.T) {
		tx := newTransaction(t, repo, nil, now.Add(15*time.Minute))
		a := completedSeatAction(t, repo, tx, "N-90")

		if _, transitioned, err := repo.CancelAction(ctx, tx.ID, a.ID); err != nil || !transitioned {
			t.Fatalf("expected transition, got %v %v", transitioned, err)
		}
		got, transitioned, err := repo.CancelAction(ctx, tx.ID, a.ID)
		if err != nil || transitioned {
			t.Fatalf("expected no second transition, got %v %v", transitioned, err)
		}
		if got.Status != domain.ActionCanceled {
			t.Errorf("expected Canceled, got %s", got.Status)
		}

		actions, err := repo.SearchByPurpose(ctx, tx.ID)
		if err != nil || len(actions) != 1 {
			t.Fatalf("expected 1 action, got %d %v", len(actions), err)
		}
		if len(actions[0].Result.TemporaryReservations) != 1 {
			t.Errorf("expected stored reservations, got %+v", actions[0].Result)
		}
	})

	t.Run("confirmed seats cannot be sold twice", func(t *testing.T) {
		tx := newTransaction(t, repo, nil, now.Add(15*time.Minute))
		completedSeatAction(t, repo, tx, "N-1", "N-2")
		if err := confirm(t, repo, tx, "TT-20260301-000001", "N-1", "N-2"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if _, err := repo.FindInProgressByID(ctx, tx.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected closed transaction, got %v", err)
		}

		order, err := repo.FindOrder(ctx, "TT-20260301-000001")
		if err != nil {
			t.Fatal(err)
		}
		if len(order.Items) != 2 || order.Price != 2400 {
			t.Errorf("unexpected order %+v", order)
		}
		seats, err := repo.ConfirmedSeats(ctx, perf.ID)
		if err != nil || len(seats) != 2 {
			t.Fatalf("expected 2 confirmed seats, got %v %v", seats, err)
		}

		other := newTransaction(t, repo, nil, now.Add(15*time.Minute))
		if err := confirm(t, repo, other, "TT-20260301-000002", "N-2"); !errors.Is(err, domain.ErrAlreadyInUse) {
			t.Fatalf("expected ErrAlreadyInUse, got %v", err)
		}
		if _, err := repo.FindInProgressByID(ctx, other.ID); err != nil {
			t.Errorf("expected rolled back transaction still in progress, got %v", err)
		}
	})

	t.Run("expire overdue", func(t *testing.T) {
		overdue := newTransaction(t, repo, nil, now.Add(time.Minute))
		fresh := newTransaction(t, repo, nil, now.Add(time.Hour))

		expired, err := repo.ExpireOverdue(ctx, now.Add(2*time.Minute), 100)
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, tx := range expired {
			if tx.ID == fresh.ID {
				t.Error("fresh transaction expired")
			}
			if tx.ID == overdue.ID {
				found = true
				if tx.Status != domain.TransactionExpired {
					t.Errorf("expected Expired, got %s", tx.Status)
				}
			}
		}
		if !found {
			t.Error("expected overdue transaction expired")
		}
		stored, err := repo.FindTransaction(ctx, overdue.ID)
		if err != nil || stored.Status != domain.TransactionExpired || stored.EndDate == nil {
			t.Errorf("expected stored Expired with end date, got %+v %v", stored, err)
		}
	})
}

func TestRepository_Tasks(t *testing.T) {
	repo := startCockroach(t)
	ctx := context.Background()

	task, err := domain.NewTask(domain.TaskSendOrder, domain.SendOrderData{OrderNumber: "TT-1"}, now, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	found, err := repo.FindTask(ctx, task.ID)
	if err != nil || found.Status != domain.TaskReady || found.Name != domain.TaskSendOrder {
		t.Fatalf("expected stored Ready task, got %+v %v", found, err)
	}
	if _, err := repo.FindTask(ctx, uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	claimed, err := repo.ClaimDue(ctx, now, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected 1 claimed task, got %d %v", len(claimed), err)
	}
	if again, _ := repo.ClaimDue(ctx, now, 10); len(again) != 0 {
		t.Fatalf("expected running task not claimed twice, got %d", len(again))
	}

	running := claimed[0]
	if err := running.Finish(now, errors.New("broker down")); err != nil {
		t.Fatal(err)
	}
	running.RunsAt = now.Add(time.Minute)
	if err := repo.FinishTask(ctx, running); err != nil {
		t.Fatal(err)
	}
	if due, _ := repo.ClaimDue(ctx, now, 10); len(due) != 0 {
		t.Fatalf("expected retry deferred, got %d", len(due))
	}

	claimed, err = repo.ClaimDue(ctx, now.Add(time.Minute), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected retry claimed, got %d %v", len(claimed), err)
	}
	if claimed[0].RemainingNumberOfTries != 0 || len(claimed[0].ExecutionResults) != 1 {
		t.Errorf("unexpected task state %+v", claimed[0])
	}

	n, err := repo.RequeueStale(ctx, now.Add(2*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 stale task, got %d %v", n, err)
	}
	if due, _ := repo.ClaimDue(ctx, now.Add(2*time.Minute), 10); len(due) != 0 {
		t.Errorf("expected exhausted task aborted, got %d due", len(due))
	}
}
