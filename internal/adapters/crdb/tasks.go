package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/seat-allocation/internal/domain"
)

const taskColumns = `id, name, status, runs_at, remaining_number_of_tries, number_of_tried, last_tried_at, execution_results, data`

func scanTask(row rowScanner) (*domain.RetryableTask, error) {
	var (
		t       domain.RetryableTask
		results []byte
		data    []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Status, &t.RunsAt, &t.RemainingNumberOfTries, &t.NumberOfTried,
		&t.LastTriedAt, &results, &data); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(results, &t.ExecutionResults); err != nil {
		return nil, err
	}
	t.Data = json.RawMessage(data)
	return &t, nil
}

func (r *Repository) SaveTask(ctx context.Context, t domain.RetryableTask) error {
	results, err := json.Marshal(t.ExecutionResults)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPSERT INTO tasks (id, name, status, runs_at, remaining_number_of_tries, number_of_tried,
			last_tried_at, execution_results, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.Name, t.Status, t.RunsAt, t.RemainingNumberOfTries, t.NumberOfTried, t.LastTriedAt, results, []byte(t.Data))
	if err != nil {
		return errors.Wrapf(translate(err), "save task %s", t.ID)
	}
	return nil
}

// ClaimDue starts up to limit Ready tasks whose runsAt has passed. Rows locked
// by another dispatcher are skipped.
func (r *Repository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.RetryableTask, error) {
	var claimed []domain.RetryableTask
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = $1 AND runs_at <= $2
			ORDER BY runs_at LIMIT $3
			FOR UPDATE SKIP LOCKED
		`, domain.TaskReady, now, limit)
		if err != nil {
			return err
		}
		var due []domain.RetryableTask
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, *t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		claimed = claimed[:0]
		for _, t := range due {
			if err := t.Start(now); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE tasks SET status = $2, remaining_number_of_tries = $3, number_of_tried = $4, last_tried_at = $5
				WHERE id = $1
			`, t.ID, t.Status, t.RemainingNumberOfTries, t.NumberOfTried, t.LastTriedAt); err != nil {
				return err
			}
			claimed = append(claimed, t)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "claim due tasks")
	}
	return claimed, nil
}

func (r *Repository) FindTask(ctx context.Context, id uuid.UUID) (*domain.RetryableTask, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, errors.Wrapf(translate(err), "task %s", id)
	}
	return t, nil
}

// FinishTask stores the outcome of a run started by ClaimDue.
func (r *Repository) FinishTask(ctx context.Context, t domain.RetryableTask) error {
	results, err := json.Marshal(t.ExecutionResults)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, runs_at = $3, execution_results = $4
		WHERE id = $1 AND status = $5
	`, t.ID, t.Status, t.RunsAt, results, domain.TaskRunning)
	if err != nil {
		return errors.Wrapf(translate(err), "finish task %s", t.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrInvalidTransition, "task %s is not running", t.ID)
	}
	return nil
}

// RequeueStale returns Running tasks whose last try started before cutoff to
// Ready, so a run lost by the broker or a crashed runner is tried again.
func (r *Repository) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks SET status = CASE WHEN remaining_number_of_tries > 0 THEN $1 ELSE $2 END
		WHERE status = $3 AND last_tried_at < $4
	`, domain.TaskReady, domain.TaskAborted, domain.TaskRunning, cutoff)
	if err != nil {
		return 0, errors.Wrap(translate(err), "requeue stale tasks")
	}
	return tag.RowsAffected(), nil
}
