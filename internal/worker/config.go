// Package worker claims pending jobs on a timer, runs them through
// extraction and records the outcome.
package worker

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the scheduler's tuning surface.
type Config struct {
	PollIntervalMs         int `validate:"min=100"`
	MaxConcurrentJobs      int `validate:"min=1,max=64"`
	MaxAttempts            int `validate:"min=1,max=20"`
	CompletedRetentionDays int `validate:"min=1"`
	FailedRetentionDays    int `validate:"min=1"`

	RetentionInterval time.Duration `validate:"min=1s"`

	// per-stage timeouts
	DownloadTimeout    time.Duration `validate:"min=1ms"`
	RecognitionTimeout time.Duration `validate:"min=1ms"`
	CompressTimeout    time.Duration `validate:"min=1ms"`
	UploadTimeout      time.Duration `validate:"min=1ms"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PollIntervalMs:         5000,
		MaxConcurrentJobs:      3,
		MaxAttempts:            3,
		CompletedRetentionDays: 7,
		FailedRetentionDays:    30,
		RetentionInterval:      time.Hour,
		DownloadTimeout:        30 * time.Second,
		RecognitionTimeout:     60 * time.Second,
		CompressTimeout:        20 * time.Second,
		UploadTimeout:          30 * time.Second,
	}
}

// Validate checks every field against its bounds.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	return nil
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c Config) completedRetention() time.Duration {
	return time.Duration(c.CompletedRetentionDays) * 24 * time.Hour
}

func (c Config) failedRetention() time.Duration {
	return time.Duration(c.FailedRetentionDays) * 24 * time.Hour
}
