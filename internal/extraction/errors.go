package extraction

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoFields is returned by a tier that ran but could not read a shop, TIN or amount.
var ErrNoFields = errors.New("no receipt fields recognized")

// TierFailure records why one tier gave up.
type TierFailure struct {
	Tier string
	Err  error
}

// ExtractionError is returned when every configured tier failed.
type ExtractionError struct {
	Failures []TierFailure
}

func (e *ExtractionError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Tier, f.Err))
	}
	return "all extraction tiers failed: " + strings.Join(parts, "; ")
}

func (e *ExtractionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
