package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/receipt-intake/internal/extraction"
	"github.com/zombor/receipt-intake/internal/fingerprint"
	"github.com/zombor/receipt-intake/internal/imaging"
	"github.com/zombor/receipt-intake/internal/job"
)

// Extractor turns image bytes into cleaned fields.
type Extractor interface {
	Extract(ctx context.Context, in extraction.Input) (*extraction.Result, error)
}

// Blobs moves images between staging and their final location. blob.Adapter satisfies it.
type Blobs interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
	Finalize(ctx context.Context, owner string, at time.Time, data []byte) (string, error)
	Discard(ctx context.Context, location string) error
	DiscardLater(location string)
}

// Processor runs one claimed job to an outcome.
type Processor struct {
	store     job.Store
	extractor Extractor
	blobs     Blobs
	cfg       Config
	clock     job.Clock
	compress  imaging.CompressOptions
	logger    *slog.Logger
}

// NewProcessor creates a Processor. A nil logger uses slog.Default().
func NewProcessor(store job.Store, extractor Extractor, blobs Blobs, cfg Config, clock job.Clock, logger *slog.Logger) *Processor {
	if clock == nil {
		clock = job.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     store,
		extractor: extractor,
		blobs:     blobs,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
	}
}

// Process fetches the source, extracts fields, stores the compressed image and
// completes the job. Any failure goes to FailOrRetry. The returned error is the
// reason the job did not complete.
func (p *Processor) Process(ctx context.Context, j *job.Job) error {
	logger := p.logger.With("job_id", j.ID, "owner_id", j.OwnerID, "attempt", j.Attempts)
	logger.Info("Processing job")

	result, finalLocation, err := p.run(ctx, j)
	if err != nil {
		p.fail(ctx, logger, j, err)
		return err
	}

	_, err = p.store.Complete(ctx, j.ID, *result)
	switch {
	case errors.Is(err, job.ErrCancelled):
		logger.Info("Job was cancelled while processing, discarding result")
		p.blobs.DiscardLater(finalLocation)
		p.blobs.DiscardLater(j.SourceLocation)
		return err
	case err != nil:
		p.blobs.DiscardLater(finalLocation)
		err = fmt.Errorf("completing job: %w", err)
		p.fail(ctx, logger, j, err)
		return err
	}

	logger.Info("Job completed", "tier", result.Tier, "storage_url", finalLocation)
	if j.SourceLocation != finalLocation {
		p.blobs.DiscardLater(j.SourceLocation)
	}
	return nil
}

func (p *Processor) run(ctx context.Context, j *job.Job) (*job.Result, string, error) {
	data, err := withTimeout(ctx, p.cfg.DownloadTimeout, func(ctx context.Context) ([]byte, error) {
		return p.blobs.Fetch(ctx, j.SourceLocation)
	})
	if err != nil {
		return nil, "", err
	}

	contentType := imaging.DetectContentType(data, j.OriginalName)
	fileHash := fingerprint.ComputeFileHash(data)

	extracted, err := p.extractor.Extract(ctx, extraction.Input{Data: data, ContentType: contentType})
	if err != nil {
		// stored as-is so owners see the provider's reason
		return nil, "", err
	}

	compressed, err := runWithTimeout(ctx, p.cfg.CompressTimeout, func() ([]byte, error) {
		return imaging.CompressJPEG(data, contentType, p.compress)
	})
	if err != nil {
		return nil, "", fmt.Errorf("compressing image: %w", err)
	}

	location, err := withTimeout(ctx, p.cfg.UploadTimeout, func(ctx context.Context) (string, error) {
		return p.blobs.Finalize(ctx, j.OwnerID, p.clock.Now(), compressed)
	})
	if err != nil {
		return nil, "", err
	}

	return &job.Result{
		Extracted:  extracted.Fields,
		StorageURL: location,
		FileHash:   fileHash,
		Tier:       extracted.Tier,
	}, location, nil
}

func (p *Processor) fail(ctx context.Context, logger *slog.Logger, j *job.Job, cause error) {
	updated, err := p.store.FailOrRetry(ctx, j.ID, cause.Error(), p.cfg.MaxAttempts)
	if err != nil {
		logger.Error("Failed to record job failure", "cause", cause, "error", err)
		return
	}

	switch updated.Status {
	case job.StatusFailed:
		logger.Error("Job failed", "attempts", updated.Attempts, "error", cause)
		p.blobs.DiscardLater(j.SourceLocation)
	case job.StatusPending:
		// the source stays put for the next attempt
		logger.Warn("Job will be retried", "attempts", updated.Attempts, "error", cause)
	default:
		logger.Info("Job failure ignored", "status", updated.Status, "error", cause)
	}
}

// withTimeout runs fn with a context bounded by d.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return fn(ctx)
}

// runWithTimeout bounds CPU-bound work that cannot watch a context. On
// expiry the goroutine is abandoned and finishes in the background.
func runWithTimeout[T any](ctx context.Context, d time.Duration, fn func() (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}

	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		v, err := fn()
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
