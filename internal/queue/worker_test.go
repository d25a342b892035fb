package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/homescout/mailsync/internal/models"
)

type fakeStore struct {
	claimable []models.ScheduledJob
	completed []string
	failed    []models.ScheduledJob
	failedErr []error
	requeued  int
}

func (f *fakeStore) ClaimDue(ctx context.Context, limit int) ([]models.ScheduledJob, error) {
	jobs := f.claimable
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	f.claimable = nil
	return jobs, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, jobID string) error {
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, job models.ScheduledJob, jobErr error) error {
	f.failed = append(f.failed, job)
	f.failedErr = append(f.failedErr, jobErr)
	return nil
}

func (f *fakeStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return f.requeued, nil
}

func TestWorker_DispatchesToHandler(t *testing.T) {
	store := &fakeStore{
		claimable: []models.ScheduledJob{
			{ID: "job-1", Type: "mailbox:sync", Payload: `{"connection_id":"conn-1"}`, MaxAttempts: 5},
		},
	}
	w := NewWorker(store, time.Second)

	var got []byte
	w.Register("mailbox:sync", func(ctx context.Context, payload []byte) error {
		got = payload
		return nil
	})

	if err := w.runOnce(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if string(got) != `{"connection_id":"conn-1"}` {
		t.Errorf("handler got wrong payload: %s", got)
	}
	if len(store.completed) != 1 || store.completed[0] != "job-1" {
		t.Errorf("expected job-1 marked completed, got %v", store.completed)
	}
	if len(store.failed) != 0 {
		t.Errorf("expected no failures, got %v", store.failed)
	}
}

func TestWorker_HandlerErrorMarksFailed(t *testing.T) {
	store := &fakeStore{
		claimable: []models.ScheduledJob{
			{ID: "job-1", Type: "subscription:renew", Payload: `{}`, Attempts: 2, MaxAttempts: 5},
		},
	}
	w := NewWorker(store, time.Second)

	handlerErr := errors.New("provider unavailable")
	w.Register("subscription:renew", func(ctx context.Context, payload []byte) error {
		return handlerErr
	})

	if err := w.runOnce(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(store.failed) != 1 {
		t.Fatalf("expected one failed job, got %d", len(store.failed))
	}
	if !errors.Is(store.failedErr[0], handlerErr) {
		t.Errorf("expected handler error recorded, got %v", store.failedErr[0])
	}
	if len(store.completed) != 0 {
		t.Errorf("expected no completions, got %v", store.completed)
	}
}

func TestWorker_UnknownJobTypeFails(t *testing.T) {
	store := &fakeStore{
		claimable: []models.ScheduledJob{
			{ID: "job-1", Type: "unknown:type", Payload: `{}`, MaxAttempts: 5},
		},
	}
	w := NewWorker(store, time.Second)

	if err := w.runOnce(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(store.failed) != 1 {
		t.Fatalf("expected job to fail without a handler, got %d failures", len(store.failed))
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{attempts: 1, expected: 30 * time.Second},
		{attempts: 2, expected: time.Minute},
		{attempts: 3, expected: 2 * time.Minute},
		{attempts: 5, expected: 8 * time.Minute},
		{attempts: 10, expected: time.Hour}, // capped
	}

	for _, tt := range tests {
		if got := Backoff(tt.attempts); got != tt.expected {
			t.Errorf("Backoff(%d): expected %s, got %s", tt.attempts, tt.expected, got)
		}
	}
}
