package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/homescout/mailsync/internal/models"
)

const (
	claimBatchSize    = 10
	handlerTimeout    = 2 * time.Minute
	staleJobThreshold = 10 * time.Minute
)

// HandlerFunc executes one job. A returned error sends the job through the
// retry/dead-letter path.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Store is the slice of Queue the worker needs. Split out so worker tests
// can run against a fake without a database.
type Store interface {
	ClaimDue(ctx context.Context, limit int) ([]models.ScheduledJob, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, job models.ScheduledJob, jobErr error) error
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Worker polls the queue and dispatches due jobs to registered handlers.
type Worker struct {
	store        Store
	handlers     map[string]HandlerFunc
	pollInterval time.Duration
}

func NewWorker(store Store, pollInterval time.Duration) *Worker {
	return &Worker{
		store:        store,
		handlers:     make(map[string]HandlerFunc),
		pollInterval: pollInterval,
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (w *Worker) Register(jobType string, handler HandlerFunc) {
	w.handlers[jobType] = handler
}

// Start begins the polling loop and blocks until the context is cancelled
func (w *Worker) Start(ctx context.Context) error {
	log.Println("Starting job queue worker...")

	// Drain anything left over from previous runs before the first tick
	if err := w.runOnce(ctx); err != nil {
		log.Printf("Warning: failed to process jobs on startup: %v", err)
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Job queue worker shutting down...")
			return ctx.Err()
		case <-ticker.C:
			if err := w.runOnce(ctx); err != nil {
				log.Printf("Error processing jobs: %v", err)
			}
		}
	}
}

// runOnce requeues stale claims, then claims and processes one batch
func (w *Worker) runOnce(ctx context.Context) error {
	requeued, err := w.store.RequeueStale(ctx, staleJobThreshold)
	if err != nil {
		log.Printf("Error requeueing stale jobs: %v", err)
	} else if requeued > 0 {
		log.Printf("Requeued %d stale job(s) stuck in processing", requeued)
	}

	jobs, err := w.store.ClaimDue(ctx, claimBatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim jobs: %w", err)
	}

	if len(jobs) == 0 {
		return nil
	}

	log.Printf("Claimed %d job(s) to process", len(jobs))

	for _, job := range jobs {
		w.processJob(ctx, job)
	}

	return nil
}

func (w *Worker) processJob(ctx context.Context, job models.ScheduledJob) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		log.Printf("No handler registered for job type %s (job %s)", job.Type, job.ID)
		if err := w.store.MarkFailed(ctx, job, fmt.Errorf("no handler for job type %s", job.Type)); err != nil {
			log.Printf("Failed to mark job %s failed: %v", job.ID, err)
		}
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	if err := handler(jobCtx, []byte(job.Payload)); err != nil {
		log.Printf("Job %s (%s) failed on attempt %d: %v", job.ID, job.Type, job.Attempts+1, err)
		if markErr := w.store.MarkFailed(ctx, job, err); markErr != nil {
			log.Printf("Failed to mark job %s failed: %v", job.ID, markErr)
		}
		return
	}

	if err := w.store.MarkCompleted(ctx, job.ID); err != nil {
		log.Printf("Failed to mark job %s completed: %v", job.ID, err)
	}
}
