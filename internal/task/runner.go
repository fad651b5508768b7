package task

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/seat-allocation/internal/clock"
	"github.com/robertarktes/seat-allocation/internal/domain"
	"github.com/robertarktes/seat-allocation/internal/observability"
)

type RunStore interface {
	FindTask(ctx context.Context, id uuid.UUID) (*domain.RetryableTask, error)
	FinishTask(ctx context.Context, t domain.RetryableTask) error
}

// Executor does the work of one task kind. Errors marked domain.ErrArgument
// or domain.ErrNotFound will not get better on retry and abort the task.
type Executor interface {
	Execute(ctx context.Context, data []byte) error
}

type ExecutorFunc func(ctx context.Context, data []byte) error

func (f ExecutorFunc) Execute(ctx context.Context, data []byte) error {
	return f(ctx, data)
}

// Runner executes delivered tasks and writes the outcome back to the task
// row. A failed run goes back to Ready with backoff while tries remain, so
// the broker never redelivers on its own.
type Runner struct {
	store     RunStore
	executors map[domain.TaskName]Executor
	clock     clock.Clock
	logger    observability.Logger
	backoff   time.Duration
}

func NewRunner(store RunStore, clk clock.Clock, logger observability.Logger) *Runner {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Runner{
		store:     store,
		executors: map[domain.TaskName]Executor{},
		clock:     clk,
		logger:    logger,
		backoff:   5 * time.Second,
	}
}

func (r *Runner) Register(name domain.TaskName, e Executor) *Runner {
	r.executors[name] = e
	return r
}

// SetBackoff sets the delay before the first retry. It doubles on every
// further try.
func (r *Runner) SetBackoff(b time.Duration) *Runner {
	if b > 0 {
		r.backoff = b
	}
	return r
}

// Names lists the registered task names, used as routing keys.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, string(name))
	}
	return names
}

// Run handles deliveries until ctx is done or the channel closes.
func (r *Runner) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			r.Handle(ctx, d)
		}
	}
}

// Handle runs the task named by the delivery's message ID. Deliveries are
// never requeued: a run whose outcome could not be stored stays Running and
// is picked up again by the dispatcher's stale requeue.
func (r *Runner) Handle(ctx context.Context, d amqp.Delivery) {
	log := r.logger.WithFields(map[string]interface{}{
		"message_id":  d.MessageId,
		"routing_key": d.RoutingKey,
	})

	id, err := uuid.Parse(d.MessageId)
	if err != nil {
		log.WithError(err).Error("task delivery without task id")
		settle(log, d.Reject(false))
		return
	}

	t, err := r.store.FindTask(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("unknown task")
		settle(log, d.Ack(false))
		return
	case err != nil:
		log.WithError(err).Warn("load task")
		settle(log, d.Nack(false, false))
		return
	}
	if t.Status != domain.TaskRunning {
		log.WithField("status", t.Status).Debug("task already settled")
		settle(log, d.Ack(false))
		return
	}

	runErr := r.execute(ctx, t)
	if runErr != nil && (errors.Is(runErr, domain.ErrArgument) || errors.Is(runErr, domain.ErrNotFound)) {
		t.RemainingNumberOfTries = 0
	}
	if err := finish(t, r.clock.Now(), r.backoff, runErr); err != nil {
		log.WithError(err).Warn("finish task")
		settle(log, d.Ack(false))
		return
	}

	log = log.WithFields(map[string]interface{}{
		"task_id": t.ID,
		"status":  t.Status,
		"tried":   t.NumberOfTried,
	})
	switch t.Status {
	case domain.TaskAborted:
		log.WithError(runErr).Error("task aborted")
	case domain.TaskReady:
		log.WithError(runErr).Warn("task failed, will retry")
	default:
		log.Debug("task executed")
	}

	if err := r.store.FinishTask(ctx, *t); err != nil {
		log.WithError(err).Warn("store task outcome")
		settle(log, d.Nack(false, false))
		return
	}
	settle(log, d.Ack(false))
}

func (r *Runner) execute(ctx context.Context, t *domain.RetryableTask) error {
	e, ok := r.executors[t.Name]
	if !ok {
		return errors.Wrapf(domain.ErrArgument, "no executor for task %s", t.Name)
	}
	return e.Execute(ctx, t.Data)
}

func settle(log observability.Logger, err error) {
	if err != nil {
		log.WithError(err).Warn("settle delivery")
	}
}
