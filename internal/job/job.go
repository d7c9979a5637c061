// Package job persists queued receipt extraction work and exposes the
// owner-facing API for it.
package job

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/zombor/receipt-intake/internal/scanning"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

const (
	// DefaultMaxAttempts is the claim ceiling before a job fails for good.
	DefaultMaxAttempts = 3

	// MaxErrorLength bounds the stored error message, in runes.
	MaxErrorLength = 500
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrForbidden is returned when no owner is given.
	ErrForbidden = errors.New("forbidden")

	// ErrCancelled is returned when completing a job the owner cancelled.
	ErrCancelled = errors.New("job was cancelled")

	// ErrConflict is returned for a transition the job's status does not allow.
	ErrConflict = errors.New("job status does not allow this transition")
)

// Result is attached to a job once it completes.
type Result struct {
	Extracted  scanning.ReceiptData `json:"extracted"`
	StorageURL string               `json:"storage_url"`
	FileHash   string               `json:"file_hash"`
	Tier       string               `json:"tier,omitempty"`
}

// Job is one queued extraction.
type Job struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	SourceLocation string     `json:"source_location"`
	OriginalName   string     `json:"original_name"`
	Status         Status     `json:"status"`
	Result         *Result    `json:"result,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Attempts       int        `json:"attempts"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// View is what owners see of a job.
type View struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	OriginalName string     `json:"original_name"`
	Result       *Result    `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// View returns the owner-facing projection of j.
func (j *Job) View() View {
	return View{
		ID:           j.ID,
		Status:       j.Status,
		OriginalName: j.OriginalName,
		Result:       j.Result,
		Error:        truncateError(j.LastError),
		Attempts:     j.Attempts,
		CreatedAt:    j.CreatedAt,
		ProcessedAt:  j.ProcessedAt,
	}
}

// finishedAt is the time retention is measured from.
func (j *Job) finishedAt() time.Time {
	if j.ProcessedAt != nil {
		return *j.ProcessedAt
	}
	return j.CreatedAt
}

func truncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorLength])
}

// Clock is injected so retention and timestamps can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
