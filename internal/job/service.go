package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// IDGenerator generates unique IDs for jobs
type IDGenerator interface {
	Generate() string
}

// Purger deletes stored source images. blob.Adapter satisfies it.
type Purger interface {
	Discard(ctx context.Context, location string) error
}

// uuidGenerator issues time-ordered v7 UUIDs
type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Service is the owner-facing job API
type Service struct {
	store       Store
	purger      Purger
	idGenerator IDGenerator
	clock       Clock
}

// NewService creates a Service with UUIDv7 ids and the system clock
func NewService(store Store, purger Purger) *Service {
	return NewServiceWithDeps(store, purger, uuidGenerator{}, SystemClock{})
}

// NewServiceWithDeps creates a Service with custom dependencies for testing
func NewServiceWithDeps(store Store, purger Purger, idGen IDGenerator, clock Clock) *Service {
	return &Service{
		store:       store,
		purger:      purger,
		idGenerator: idGen,
		clock:       clock,
	}
}

// Enqueue records a pending job for a staged source image
func (s *Service) Enqueue(ctx context.Context, ownerID, sourceLocation, originalName string) (string, error) {
	if ownerID == "" {
		return "", ErrForbidden
	}
	if sourceLocation == "" {
		return "", errors.New("source location is required")
	}

	now := s.clock.Now()
	job := &Job{
		ID:             s.idGenerator.Generate(),
		OwnerID:        ownerID,
		SourceLocation: sourceLocation,
		OriginalName:   originalName,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}

	slog.Info("Job enqueued", "job_id", job.ID, "owner_id", ownerID, "original_name", originalName)
	return job.ID, nil
}

// GetJob returns the owner's job. Jobs of other owners are reported as not found.
func (s *Service) GetJob(ctx context.Context, id, ownerID string) (View, error) {
	if ownerID == "" {
		return View{}, ErrForbidden
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	if job.OwnerID != ownerID {
		return View{}, ErrNotFound
	}
	return job.View(), nil
}

// Job returns the full record for the owner's job, for collaborators that
// need more than the public view.
func (s *Service) Job(ctx context.Context, id, ownerID string) (*Job, error) {
	if ownerID == "" {
		return nil, ErrForbidden
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return job, nil
}

// CancelJob cancels the owner's job at any status and purges its staged source.
// An in-flight worker is not interrupted; its completion is ignored.
func (s *Service) CancelJob(ctx context.Context, id, ownerID string) error {
	if ownerID == "" {
		return ErrForbidden
	}
	before, err := s.store.Cancel(ctx, id, ownerID)
	if err != nil {
		return err
	}

	slog.Info("Job cancelled", "job_id", id, "owner_id", ownerID, "previous_status", before.Status)
	if before.Status == StatusCancelled || s.purger == nil {
		return nil
	}
	if err := s.purger.Discard(ctx, before.SourceLocation); err != nil {
		slog.Warn("Failed to purge cancelled job source", "job_id", id, "location", before.SourceLocation, "error", err)
	}
	return nil
}

// ListJobs returns the owner's jobs newest first. limit is clamped to MaxPageSize.
func (s *Service) ListJobs(ctx context.Context, ownerID string, status Status, limit int) ([]View, error) {
	if ownerID == "" {
		return nil, ErrForbidden
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	jobs, err := s.store.List(ctx, ownerID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	views := make([]View, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.View())
	}
	return views, nil
}
