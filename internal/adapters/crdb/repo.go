package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	started := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(started).Seconds()) }()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return translate(err)
	}
	return translate(tx.Commit(ctx))
}

// translate maps driver errors onto domain kinds. The original error stays in
// the chain.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Mark(err, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case SerializationFailureCode:
			return errors.Mark(err, domain.ErrSerializationFailure)
		case UniqueViolationCode:
			return errors.Mark(err, domain.ErrAlreadyInUse)
		}
	}
	return err
}

func jsonb(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type rowScanner interface {
	Scan(dest ...any) error
}

const transactionColumns = `id, status, agent, seller, customer, passport_token, client_id, expires, start_date, end_date`

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t                       domain.Transaction
		agent, seller, customer []byte
		passport                *string
	)
	if err := row.Scan(&t.ID, &t.Status, &agent, &seller, &customer, &passport, &t.ClientID, &t.Expires, &t.StartDate, &t.EndDate); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(agent, &t.Agent); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(seller, &t.Seller); err != nil {
		return nil, err
	}
	if len(customer) > 0 {
		t.Customer = &domain.CustomerProfile{}
		if err := json.Unmarshal(customer, t.Customer); err != nil {
			return nil, err
		}
	}
	if passport != nil {
		t.PassportToken = *passport
	}
	return &t, nil
}

// InsertTransaction stores a new transaction. A reused passport token fails
// with domain.ErrAlreadyInUse.
func (r *Repository) InsertTransaction(ctx context.Context, t *domain.Transaction) error {
	agent, err := jsonb(t.Agent)
	if err != nil {
		return err
	}
	seller, err := jsonb(t.Seller)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO transactions (id, status, agent, seller, passport_token, client_id, expires, start_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.Status, agent, seller, nullable(t.PassportToken), t.ClientID, t.Expires, t.StartDate)
	if err != nil {
		return errors.Wrapf(translate(err), "insert transaction %s", t.ID)
	}
	return nil
}

func (r *Repository) FindTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, errors.Wrapf(translate(err), "transaction %s", id)
	}
	return t, nil
}

// FindInProgressByID fails with domain.ErrNotFound unless the transaction
// exists and is still in progress.
func (r *Repository) FindInProgressByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE id = $1 AND status = $2
	`, id, domain.TransactionInProgress))
	if err != nil {
		return nil, errors.Wrapf(translate(err), "in-progress transaction %s", id)
	}
	return t, nil
}

func (r *Repository) UpdateCustomerProfile(ctx context.Context, id uuid.UUID, profile domain.CustomerProfile) error {
	customer, err := jsonb(profile)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions SET customer = $2 WHERE id = $1 AND status = $3
	`, id, customer, domain.TransactionInProgress)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "in-progress transaction %s", id)
	}
	return nil
}

// ConfirmPlaceOrder closes the transaction and stores the order with its
// items in one serializable transaction.
func (r *Repository) ConfirmPlaceOrder(ctx context.Context, t *domain.Transaction, order domain.Order, actions domain.PotentialActions) error {
	potential, err := jsonb(actions)
	if err != nil {
		return err
	}
	seller, err := jsonb(order.Seller)
	if err != nil {
		return err
	}
	customer, err := jsonb(order.Customer)
	if err != nil {
		return err
	}
	profile, err := jsonb(order.CustomerProfile)
	if err != nil {
		return err
	}
	methods, err := jsonb(order.PaymentMethods)
	if err != nil {
		return err
	}

	return r.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE transactions SET status = $2, end_date = $3, potential_actions = $4
			WHERE id = $1 AND status = $5
		`, t.ID, domain.TransactionConfirmed, t.EndDate, potential, domain.TransactionInProgress)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(domain.ErrNotFound, "in-progress transaction %s", t.ID)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO orders (order_number, confirmation_number, transaction_id, seller, customer,
				customer_profile, payment_methods, price, status, order_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, order.OrderNumber, order.ConfirmationNumber, order.TransactionID, seller, customer,
			profile, methods, order.Price, order.Status, order.OrderDate); err != nil {
			return errors.Wrapf(err, "insert order %s", order.OrderNumber)
		}

		batch := &pgx.Batch{}
		for _, item := range order.Items {
			batch.Queue(`
				INSERT INTO order_items (order_number, performance_id, seat_section, seat_code, ticket_type_id,
					ticket_type_name, category, price, payment_no, payment_seat_index, watcher_name)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, order.OrderNumber, item.PerformanceID, item.SeatSection, item.SeatCode, item.TicketTypeID,
				item.TicketTypeName, item.Category, item.Price, item.PaymentNo, item.PaymentSeatIndex, item.WatcherName)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// ExpireOverdue moves in-progress transactions past their expiry to Expired
// and returns them.
func (r *Repository) ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error) {
	var expired []domain.Transaction
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE transactions SET status = $1, end_date = $2
			WHERE id IN (
				SELECT id FROM transactions WHERE status = $3 AND expires <= $2 ORDER BY expires LIMIT $4
			)
			RETURNING `+transactionColumns,
			domain.TransactionExpired, now, domain.TransactionInProgress, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		expired = expired[:0]
		for rows.Next() {
			t, err := scanTransaction(rows)
			if err != nil {
				return err
			}
			expired = append(expired, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.Wrap(err, "expire overdue transactions")
	}
	return expired, nil
}
