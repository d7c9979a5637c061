// Package extraction turns receipt images into cleaned fields by walking an
// ordered list of recognition tiers until one succeeds.
package extraction

import (
	"context"
	"errors"
	"log/slog"

	"github.com/zombor/receipt-intake/internal/scanning"
)

// Result is the cleaned output of the first successful tier.
type Result struct {
	Fields scanning.ReceiptData
	Tier   string
}

// Pipeline runs tiers in order.
type Pipeline struct {
	tiers   []Tier
	cleaner *Cleaner
}

// NewPipeline creates a pipeline. A nil cleaner uses the default aliases.
func NewPipeline(cleaner *Cleaner, tiers ...Tier) *Pipeline {
	if cleaner == nil {
		cleaner = NewCleaner(nil)
	}
	return &Pipeline{tiers: tiers, cleaner: cleaner}
}

// Extract returns the first tier's cleaned fields. With a single tier its
// error is returned unchanged; with several, an *ExtractionError lists them.
func (p *Pipeline) Extract(ctx context.Context, in Input) (*Result, error) {
	if len(p.tiers) == 0 {
		return nil, errors.New("no extraction tiers configured")
	}

	var failures []TierFailure
	for _, tier := range p.tiers {
		if err := ctx.Err(); err != nil {
			failures = append(failures, TierFailure{Tier: tier.Name(), Err: err})
			break
		}

		data, err := tier.Attempt(ctx, in)
		if err == nil {
			// Cleaning can blank a garbled amount, so emptiness is judged afterwards.
			var fields scanning.ReceiptData
			if data != nil {
				fields = p.cleaner.Clean(*data)
			}
			if !fields.Empty() {
				slog.Debug("Extraction succeeded", "tier", tier.Name())
				return &Result{Fields: fields, Tier: tier.Name()}, nil
			}
			err = ErrNoFields
		}

		slog.Warn("Extraction tier failed", "tier", tier.Name(), "error", err)
		failures = append(failures, TierFailure{Tier: tier.Name(), Err: err})
	}

	if len(p.tiers) == 1 {
		return nil, failures[0].Err
	}
	return nil, &ExtractionError{Failures: failures}
}
