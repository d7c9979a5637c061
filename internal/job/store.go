package job

import (
	"context"
	"fmt"
	"time"
)

// Store persists jobs. Every status change goes through a compare-and-set on
// the stored record so several schedulers can share one store.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)

	// List returns the owner's jobs newest first, optionally filtered by status
	List(ctx context.Context, ownerID string, status Status, limit int) ([]*Job, error)

	// ClaimNextBatch moves up to n of the oldest pending jobs to processing.
	// A job another claimer got to first is skipped.
	ClaimNextBatch(ctx context.Context, n int) ([]*Job, error)

	// Complete attaches result. Returns ErrCancelled, leaving the job untouched,
	// when the owner cancelled it while it was processing.
	Complete(ctx context.Context, id string, result Result) (*Job, error)

	// FailOrRetry requeues a processing job, or fails it once maxAttempts is reached.
	FailOrRetry(ctx context.Context, id, message string, maxAttempts int) (*Job, error)

	// Cancel returns the job as it was before cancelling
	Cancel(ctx context.Context, id, ownerID string) (*Job, error)

	// DeleteFinishedBefore removes completed or failed jobs processed before cutoff
	DeleteFinishedBefore(ctx context.Context, status Status, cutoff time.Time) (int, error)

	Close() error
}

func clockOrDefault(clock Clock) Clock {
	if clock == nil {
		return SystemClock{}
	}
	return clock
}

// The transitions below are shared by every Store so they agree on semantics.

func claimJob(j *Job, now time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	j.Status = StatusProcessing
	j.Attempts++
	j.UpdatedAt = now
	return true
}

func completeJob(j *Job, result Result, now time.Time) error {
	switch j.Status {
	case StatusCancelled:
		return ErrCancelled
	case StatusProcessing, StatusCompleted:
	default:
		return fmt.Errorf("%w: completing %s job %s", ErrConflict, j.Status, j.ID)
	}

	r := result
	j.Result = &r
	j.LastError = ""
	j.UpdatedAt = now
	if j.Status != StatusCompleted || j.ProcessedAt == nil {
		processed := now
		j.ProcessedAt = &processed
	}
	j.Status = StatusCompleted
	return nil
}

// failJob reports whether j changed.
func failJob(j *Job, message string, maxAttempts int, now time.Time) bool {
	if j.Status != StatusProcessing {
		return false
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	j.LastError = truncateError(message)
	j.UpdatedAt = now
	if j.Attempts < maxAttempts {
		j.Status = StatusPending
		return true
	}
	processed := now
	j.Status = StatusFailed
	j.ProcessedAt = &processed
	return true
}

func cancelJob(j *Job, ownerID string, now time.Time) error {
	if j.OwnerID != ownerID {
		return ErrNotFound
	}
	j.Status = StatusCancelled
	j.UpdatedAt = now
	return nil
}

func validRetentionStatus(status Status) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("%w: retention only applies to completed or failed jobs, got %q", ErrInvalidStatus, status)
	}
	return nil
}
