package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
)

const Schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id UUID PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('InProgress', 'Confirmed', 'Canceled', 'Expired')),
	agent JSONB NOT NULL,
	seller JSONB NOT NULL,
	customer JSONB,
	passport_token TEXT UNIQUE,
	client_id TEXT NOT NULL DEFAULT '',
	expires TIMESTAMPTZ NOT NULL,
	start_date TIMESTAMPTZ NOT NULL,
	end_date TIMESTAMPTZ,
	potential_actions JSONB
);
CREATE INDEX IF NOT EXISTS transactions_status_expires_idx ON transactions (status, expires);

CREATE TABLE IF NOT EXISTS actions (
	id UUID PRIMARY KEY,
	transaction_id UUID NOT NULL REFERENCES transactions (id),
	object_type TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('Started', 'Completed', 'Failed', 'Canceled')),
	agent JSONB NOT NULL,
	recipient JSONB NOT NULL,
	object JSONB NOT NULL,
	result JSONB,
	error TEXT NOT NULL DEFAULT '',
	start_date TIMESTAMPTZ NOT NULL,
	end_date TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS actions_transaction_idx ON actions (transaction_id);

CREATE TABLE IF NOT EXISTS tasks (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('Ready', 'Running', 'Executed', 'Aborted')),
	runs_at TIMESTAMPTZ NOT NULL,
	remaining_number_of_tries INT NOT NULL,
	number_of_tried INT NOT NULL DEFAULT 0,
	last_tried_at TIMESTAMPTZ,
	execution_results JSONB NOT NULL DEFAULT '[]',
	data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_status_runs_at_idx ON tasks (status, runs_at);

CREATE TABLE IF NOT EXISTS orders (
	order_number TEXT PRIMARY KEY,
	confirmation_number TEXT NOT NULL,
	transaction_id UUID NOT NULL UNIQUE REFERENCES transactions (id),
	seller JSONB NOT NULL,
	customer JSONB NOT NULL,
	customer_profile JSONB NOT NULL,
	payment_methods JSONB NOT NULL,
	price INT8 NOT NULL,
	status TEXT NOT NULL,
	order_date TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS order_items (
	order_number TEXT NOT NULL REFERENCES orders (order_number),
	performance_id TEXT NOT NULL,
	seat_section TEXT NOT NULL,
	seat_code TEXT NOT NULL,
	ticket_type_id TEXT NOT NULL,
	ticket_type_name TEXT NOT NULL,
	category TEXT NOT NULL,
	price INT8 NOT NULL,
	payment_no TEXT NOT NULL,
	payment_seat_index INT NOT NULL,
	watcher_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (order_number, seat_code)
);
CREATE UNIQUE INDEX IF NOT EXISTS order_items_seat_key ON order_items (performance_id, seat_code);
`

func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return errors.Wrap(err, "crdb.Migrate")
	}
	return nil
}
