package crdb

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

// ConfirmedSeats returns the seat codes sold for a performance.
func (r *Repository) ConfirmedSeats(ctx context.Context, performanceID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT seat_code FROM order_items WHERE performance_id = $1
	`, performanceID)
	if err != nil {
		return nil, errors.Wrapf(translate(err), "confirmed seats of %s", performanceID)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (r *Repository) FindOrder(ctx context.Context, orderNumber string) (*domain.Order, error) {
	var (
		o                                   domain.Order
		seller, customer, profile, methods []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT order_number, confirmation_number, transaction_id, seller, customer, customer_profile,
			payment_methods, price, status, order_date
		FROM orders WHERE order_number = $1
	`, orderNumber).Scan(&o.OrderNumber, &o.ConfirmationNumber, &o.TransactionID, &seller, &customer, &profile,
		&methods, &o.Price, &o.Status, &o.OrderDate)
	if err != nil {
		return nil, errors.Wrapf(translate(err), "order %s", orderNumber)
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{seller, &o.Seller},
		{customer, &o.Customer},
		{profile, &o.CustomerProfile},
		{methods, &o.PaymentMethods},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, errors.Wrapf(err, "order %s", orderNumber)
		}
	}

	rows, err := r.pool.Query(ctx, `
		SELECT performance_id, seat_section, seat_code, ticket_type_id, ticket_type_name, category, price,
			payment_no, payment_seat_index, watcher_name
		FROM order_items WHERE order_number = $1 ORDER BY payment_seat_index
	`, orderNumber)
	if err != nil {
		return nil, errors.Wrapf(translate(err), "items of order %s", orderNumber)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.PerformanceID, &item.SeatSection, &item.SeatCode, &item.TicketTypeID,
			&item.TicketTypeName, &item.Category, &item.Price, &item.PaymentNo, &item.PaymentSeatIndex,
			&item.WatcherName); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, item)
	}
	return &o, rows.Err()
}
