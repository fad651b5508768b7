package domain

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type TaskName string

const (
	TaskAggregateEventReservations TaskName = "aggregateEventReservations"
	TaskSendOrder                  TaskName = "sendOrder"
)

type TaskStatus string

const (
	TaskReady    TaskStatus = "Ready"
	TaskRunning  TaskStatus = "Running"
	TaskExecuted TaskStatus = "Executed"
	TaskAborted  TaskStatus = "Aborted"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskReady:   {TaskRunning},
	TaskRunning: {TaskExecuted, TaskReady, TaskAborted},
}

func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type ExecutionResult struct {
	ExecutedAt time.Time `json:"executed_at"`
	Error      string    `json:"error,omitempty"`
}

// RetryableTask is deferred downstream work picked up by the task runner.
type RetryableTask struct {
	ID                     uuid.UUID
	Name                   TaskName
	Status                 TaskStatus
	RunsAt                 time.Time
	RemainingNumberOfTries int
	NumberOfTried          int
	LastTriedAt            *time.Time
	ExecutionResults       []ExecutionResult
	Data                   json.RawMessage
}

func NewTask(name TaskName, data any, runsAt time.Time, tries int) (RetryableTask, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return RetryableTask{}, errors.Wrapf(err, "marshal %s task data", name)
	}
	return RetryableTask{
		ID:                     uuid.New(),
		Name:                   name,
		Status:                 TaskReady,
		RunsAt:                 runsAt,
		RemainingNumberOfTries: tries,
		ExecutionResults:       []ExecutionResult{},
		Data:                   payload,
	}, nil
}

// Start consumes one try.
func (t *RetryableTask) Start(now time.Time) error {
	if !t.Status.CanTransitionTo(TaskRunning) {
		return errors.Wrapf(ErrInvalidTransition, "task %s: %s -> %s", t.ID, t.Status, TaskRunning)
	}
	if t.RemainingNumberOfTries <= 0 {
		return errors.Wrapf(ErrInvalidTransition, "task %s has no tries left", t.ID)
	}
	t.Status = TaskRunning
	t.RemainingNumberOfTries--
	t.NumberOfTried++
	t.LastTriedAt = &now
	return nil
}

// Finish records the outcome of a run. A failed run goes back to Ready while
// tries remain and is aborted otherwise.
func (t *RetryableTask) Finish(now time.Time, runErr error) error {
	next := TaskExecuted
	result := ExecutionResult{ExecutedAt: now}
	if runErr != nil {
		result.Error = runErr.Error()
		next = TaskAborted
		if t.RemainingNumberOfTries > 0 {
			next = TaskReady
		}
	}
	if !t.Status.CanTransitionTo(next) {
		return errors.Wrapf(ErrInvalidTransition, "task %s: %s -> %s", t.ID, t.Status, next)
	}
	t.Status = next
	t.ExecutionResults = append(t.ExecutionResults, result)
	return nil
}

type AggregateEventReservationsData struct {
	PerformanceID string `json:"id"`
}

type SendOrderData struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	OrderNumber   string    `json:"order_number"`
	Email         string    `json:"email"`
}
