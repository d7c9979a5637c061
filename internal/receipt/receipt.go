package receipt

import (
	"errors"
	"fmt"
	"time"
)

// Receipt is a cataloged receipt, created from a completed job
type Receipt struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	JobID      string    `json:"job_id"`
	ShopName   string    `json:"shop_name,omitempty"`
	TIN        string    `json:"tin,omitempty"`
	AmountDue  string    `json:"amount_due,omitempty"` // decimal string
	Address    string    `json:"address,omitempty"`
	Date       string    `json:"date,omitempty"` // YYYY-MM-DD when parseable, else as printed
	FileHash   string    `json:"file_hash"`
	ReceiptKey string    `json:"receipt_key,omitempty"`
	MatchKey   string    `json:"match_key,omitempty"`
	ImageURL   string    `json:"image_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

var (
	ErrNotFound  = errors.New("receipt not found")
	ErrDuplicate = errors.New("duplicate receipt")

	// ErrJobNotCompleted is returned when recording a job that has no result yet.
	ErrJobNotCompleted = errors.New("job is not completed")
)

// DuplicateKind names the uniqueness index a receipt collided on.
type DuplicateKind string

const (
	DuplicateFileHash   DuplicateKind = "file_hash"
	DuplicateReceiptKey DuplicateKind = "receipt_key"
	DuplicateMatchKey   DuplicateKind = "match_key"
	DuplicateJob        DuplicateKind = "job"
)

// DuplicateError reports an existing receipt for the same owner.
type DuplicateError struct {
	Kind       DuplicateKind
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate receipt (%s matches %s)", e.Kind, e.ExistingID)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}
