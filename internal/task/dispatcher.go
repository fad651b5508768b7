package task

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/seat-allocation/internal/clock"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/observability"
)

type Store interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.RetryableTask, error)
	FinishTask(ctx context.Context, t domain.RetryableTask) error
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, key, messageID string, body []byte) error
}

// Dispatcher moves due tasks from the database to the broker. A task is
// published with its ID as message ID and stays Running until a Runner
// reports the outcome.
type Dispatcher struct {
	store      Store
	pub        Publisher
	clock      clock.Clock
	logger     observability.Logger
	batch      int
	backoff    time.Duration
	staleAfter time.Duration
}

type DispatcherOption func(*Dispatcher)

func WithLogger(l observability.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func WithBatch(n int) DispatcherOption {
	return func(d *Dispatcher) { d.batch = n }
}

// WithBackoff sets the delay before the first retry. It doubles on every
// further try.
func WithBackoff(b time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.backoff = b }
}

func WithStaleAfter(s time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.staleAfter = s }
}

func NewDispatcher(store Store, pub Publisher, clk clock.Clock, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		pub:        pub,
		clock:      clk,
		logger:     observability.NewNopLogger(),
		batch:      10,
		backoff:    5 * time.Second,
		staleAfter: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.WithError(err).Error("dispatch tasks")
			}
		}
	}
}

// DispatchOnce requeues stale runs, then claims and publishes one batch.
// It returns how many tasks were published.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	const op = "task.Dispatcher.DispatchOnce"

	now := d.clock.Now()
	if n, err := d.store.RequeueStale(ctx, now.Add(-d.staleAfter)); err != nil {
		return 0, errors.Wrap(err, op)
	} else if n > 0 {
		d.logger.WithField("count", n).Warn("requeued stale tasks")
	}

	claimed, err := d.store.ClaimDue(ctx, now, d.batch)
	if err != nil {
		return 0, errors.Wrap(err, op)
	}

	published := 0
	var errs error
	for _, t := range claimed {
		observability.TaskLag.Set(now.Sub(t.RunsAt).Seconds())

		if pubErr := d.pub.Publish(ctx, string(t.Name), t.ID.String(), t.Data); pubErr != nil {
			observability.TasksDispatched.WithLabelValues(string(t.Name), "failed").Inc()
			if err := d.publishFailed(ctx, t, pubErr); err != nil {
				errs = errors.CombineErrors(errs, err)
			}
			continue
		}
		observability.TasksDispatched.WithLabelValues(string(t.Name), "published").Inc()
		published++
	}
	if errs != nil {
		return published, errors.Wrap(errs, op)
	}
	return published, nil
}

func (d *Dispatcher) publishFailed(ctx context.Context, t domain.RetryableTask, pubErr error) error {
	now := d.clock.Now()
	if err := finish(&t, now, d.backoff, pubErr); err != nil {
		return err
	}

	log := d.logger.WithFields(map[string]interface{}{
		"task_id":   t.ID,
		"task_name": t.Name,
		"status":    t.Status,
	}).WithError(pubErr)
	if t.Status == domain.TaskAborted {
		log.Error("task aborted")
	} else {
		log.Warn("task publish failed, will retry")
	}
	return d.store.FinishTask(ctx, t)
}

// finish records a run and schedules the retry of a failed one at backoff
// doubled per try.
func finish(t *domain.RetryableTask, now time.Time, backoff time.Duration, runErr error) error {
	if err := t.Finish(now, runErr); err != nil {
		return err
	}
	if t.Status == domain.TaskReady {
		t.RunsAt = now.Add(backoff << (t.NumberOfTried - 1))
	}
	observability.TasksExecuted.WithLabelValues(string(t.Name), string(t.Status)).Inc()
	return nil
}
