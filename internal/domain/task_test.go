package domain

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestRetryableTask_RetryThenAbort(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	task, err := NewTask(TaskAggregateEventReservations, AggregateEventReservationsData{PerformanceID: "perf-1"}, now, 2)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskReady || task.LastTriedAt != nil || len(task.ExecutionResults) != 0 {
		t.Fatalf("unexpected initial task: %+v", task)
	}

	if err := task.Start(now); err != nil {
		t.Fatal(err)
	}
	if err := task.Finish(now, errors.New("broker down")); err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskReady || task.RemainingNumberOfTries != 1 || task.NumberOfTried != 1 {
		t.Fatalf("expected retry, got %+v", task)
	}

	if err := task.Start(now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := task.Finish(now.Add(time.Minute), errors.New("broker down")); err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskAborted {
		t.Fatalf("expected Aborted, got %s", task.Status)
	}
	if len(task.ExecutionResults) != 2 || task.ExecutionResults[1].Error != "broker down" {
		t.Fatalf("expected two recorded results, got %+v", task.ExecutionResults)
	}
	if err := task.Start(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("aborted task must not restart, got %v", err)
	}
}

func TestRetryableTask_Executed(t *testing.T) {
	now := time.Now()
	task, err := NewTask(TaskSendOrder, SendOrderData{OrderNumber: "TT-1"}, now, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := task.Finish(now, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("ready task cannot finish, got %v", err)
	}
	if err := task.Start(now); err != nil {
		t.Fatal(err)
	}
	if err := task.Finish(now, nil); err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskExecuted || task.RemainingNumberOfTries != 2 {
		t.Fatalf("unexpected task after success: %+v", task)
	}
}
