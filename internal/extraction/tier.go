package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/receipt-intake/internal/scanning"
)

// Input is the receipt image handed to each tier.
type Input struct {
	Data        []byte
	ContentType string
}

// Tier is one strategy in the extraction chain.
type Tier interface {
	Name() string
	Attempt(ctx context.Context, in Input) (*scanning.ReceiptData, error)
}

// RetryPolicy bounds retries of rate-limited calls. Delay doubles each retry.
type RetryPolicy struct {
	Retries int
	Backoff time.Duration
}

// DefaultRetryPolicy retries three times starting at one second.
var DefaultRetryPolicy = RetryPolicy{Retries: 3, Backoff: time.Second}

// DefaultCallTimeout bounds a recognition call when no timeout is configured.
const DefaultCallTimeout = 60 * time.Second

// VisionTier sends the image to a vision-capable Scanner.
type VisionTier struct {
	name        string
	scanner     scanning.Scanner
	retry       RetryPolicy
	callTimeout time.Duration
}

// VisionOption configures a VisionTier
type VisionOption func(*VisionTier)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) VisionOption {
	return func(t *VisionTier) { t.retry = p }
}

// WithCallTimeout bounds each individual provider call. Zero keeps DefaultCallTimeout.
func WithCallTimeout(d time.Duration) VisionOption {
	return func(t *VisionTier) {
		if d > 0 {
			t.callTimeout = d
		}
	}
}

// NewVisionTier wraps scanner as a tier.
func NewVisionTier(name string, scanner scanning.Scanner, opts ...VisionOption) *VisionTier {
	t := &VisionTier{
		name:        name,
		scanner:     scanner,
		retry:       DefaultRetryPolicy,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *VisionTier) Name() string { return t.name }

// Attempt retries rate-limited calls with exponential backoff. Quota
// exhaustion and every other error return immediately.
func (t *VisionTier) Attempt(ctx context.Context, in Input) (*scanning.ReceiptData, error) {
	for attempt := 0; ; attempt++ {
		data, err := t.call(ctx, in)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, scanning.ErrRateLimited) || attempt >= t.retry.Retries {
			return nil, err
		}

		delay := t.retry.Backoff << attempt
		slog.Warn("Recognition rate limited, backing off", "tier", t.name, "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (t *VisionTier) call(ctx context.Context, in Input) (*scanning.ReceiptData, error) {
	ctx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()
	return t.scanner.ScanReceipt(ctx, in.Data, in.ContentType)
}

// TextTier runs OCR, then asks a language model to structure the text, then
// falls back to regex heuristics when the model is missing or fails.
type TextTier struct {
	name        string
	ocr         scanning.TextRecognizer
	parser      scanning.TextParser
	callTimeout time.Duration
}

// NewTextTier builds the OCR tier. parser may be nil. callTimeout bounds the OCR
// run and the parse separately; zero means DefaultCallTimeout.
func NewTextTier(name string, ocr scanning.TextRecognizer, parser scanning.TextParser, callTimeout time.Duration) *TextTier {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &TextTier{name: name, ocr: ocr, parser: parser, callTimeout: callTimeout}
}

func (t *TextTier) Name() string { return t.name }

func (t *TextTier) Attempt(ctx context.Context, in Input) (*scanning.ReceiptData, error) {
	ocrCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	text, err := t.ocr.RecognizeText(ocrCtx, in.Data, in.ContentType)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("recognizing text: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("recognizing text: no text found")
	}

	if t.parser != nil {
		parseCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
		data, err := t.parser.ParseReceiptText(parseCtx, text)
		cancel()
		switch {
		case err != nil:
			slog.Warn("Text parse failed, using heuristics", "tier", t.name, "error", err)
		case data == nil || data.Empty():
			slog.Warn("Text parse found nothing, using heuristics", "tier", t.name)
		default:
			return data, nil
		}
	}

	data := ParseReceiptText(text)
	if data.Empty() {
		return nil, ErrNoFields
	}
	return &data, nil
}
