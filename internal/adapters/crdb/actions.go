package crdb

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

const actionColumns = `id, status, agent, recipient, object, result, error, start_date, end_date`

func scanAction(row rowScanner) (*domain.AuthorizeAction, error) {
	var (
		a                               domain.AuthorizeAction
		agent, recipient, object, result []byte
	)
	if err := row.Scan(&a.ID, &a.Status, &agent, &recipient, &object, &result, &a.Error, &a.StartDate, &a.EndDate); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(agent, &a.Agent); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recipient, &a.Recipient); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(object, &a.Object); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		a.Result = &domain.ActionResult{}
		if err := json.Unmarshal(result, a.Result); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func (r *Repository) StartAction(ctx context.Context, a *domain.AuthorizeAction) error {
	agent, err := jsonb(a.Agent)
	if err != nil {
		return err
	}
	recipient, err := jsonb(a.Recipient)
	if err != nil {
		return err
	}
	object, err := jsonb(a.Object)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO actions (id, transaction_id, object_type, status, agent, recipient, object, start_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.Object.TransactionID, a.Object.Type, a.Status, agent, recipient, object, a.StartDate)
	if err != nil {
		return errors.Wrapf(translate(err), "start action %s", a.ID)
	}
	return nil
}

// EndAction persists a Completed or Failed outcome. Only a Started row is
// updated, so a second outcome for the same start is rejected.
func (r *Repository) EndAction(ctx context.Context, a *domain.AuthorizeAction) error {
	var result []byte
	if a.Result != nil {
		var err error
		if result, err = jsonb(a.Result); err != nil {
			return err
		}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE actions SET status = $2, result = $3, error = $4, end_date = $5
		WHERE id = $1 AND status = $6
	`, a.ID, a.Status, result, a.Error, a.EndDate, domain.ActionStarted)
	if err != nil {
		return errors.Wrapf(translate(err), "end action %s", a.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrInvalidTransition, "action %s is not started", a.ID)
	}
	return nil
}

// CancelAction moves a Completed action of the transaction to Canceled.
// transitioned is false when the action was already Canceled.
func (r *Repository) CancelAction(ctx context.Context, transactionID, actionID uuid.UUID) (action *domain.AuthorizeAction, transitioned bool, err error) {
	err = r.WithTx(ctx, func(tx pgx.Tx) error {
		action, err = scanAction(tx.QueryRow(ctx, `
			SELECT `+actionColumns+` FROM actions WHERE id = $1 AND transaction_id = $2 FOR UPDATE
		`, actionID, transactionID))
		if err != nil {
			return err
		}
		if action.Status == domain.ActionCanceled {
			return nil
		}
		if err := action.Cancel(); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE actions SET status = $2 WHERE id = $1`, action.ID, action.Status); err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "cancel action %s", actionID)
	}
	return action, transitioned, nil
}

func (r *Repository) FindAction(ctx context.Context, transactionID, actionID uuid.UUID) (*domain.AuthorizeAction, error) {
	a, err := scanAction(r.pool.QueryRow(ctx, `
		SELECT `+actionColumns+` FROM actions WHERE id = $1 AND transaction_id = $2
	`, actionID, transactionID))
	if err != nil {
		return nil, errors.Wrapf(translate(err), "action %s", actionID)
	}
	return a, nil
}

// SearchByPurpose returns every authorize action of the transaction in start
// order.
func (r *Repository) SearchByPurpose(ctx context.Context, transactionID uuid.UUID) ([]domain.AuthorizeAction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+actionColumns+` FROM actions WHERE transaction_id = $1 ORDER BY start_date, id
	`, transactionID)
	if err != nil {
		return nil, errors.Wrapf(translate(err), "actions of %s", transactionID)
	}
	defer rows.Close()

	var actions []domain.AuthorizeAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}
