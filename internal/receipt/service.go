package receipt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/zombor/receipt-intake/internal/fingerprint"
	"github.com/zombor/receipt-intake/internal/imaging"
	"github.com/zombor/receipt-intake/internal/job"
)

var (
	// ErrEmptyUpload is returned for a zero-byte upload.
	ErrEmptyUpload = errors.New("uploaded file is empty")

	// ErrUnsupportedType is returned when the upload is not an image or PDF.
	ErrUnsupportedType = errors.New("unsupported file type")
)

// Jobs is the job API the catalog builds on. job.Service satisfies it.
type Jobs interface {
	Enqueue(ctx context.Context, ownerID, sourceLocation, originalName string) (string, error)
	GetJob(ctx context.Context, id, ownerID string) (job.View, error)
	Job(ctx context.Context, id, ownerID string) (*job.Job, error)
	CancelJob(ctx context.Context, id, ownerID string) error
	ListJobs(ctx context.Context, ownerID string, status job.Status, limit int) ([]job.View, error)
}

// Images stores uploads and reads back finalized images. blob.Adapter satisfies it.
type Images interface {
	Stage(ctx context.Context, owner string, data []byte, contentType string) (string, error)
	Fetch(ctx context.Context, location string) ([]byte, error)
	Discard(ctx context.Context, location string) error
}

// IDGenerator generates unique IDs for receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Service turns uploads into jobs and completed jobs into receipts
type Service struct {
	db          DB
	jobs        Jobs
	images      Images
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, jobs Jobs, images Images) *Service {
	return NewServiceWithDeps(db, jobs, images, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, jobs Jobs, images Images, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		jobs:        jobs,
		images:      images,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// 50 chars for the base, plus extension
	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "receipt"
	}

	return base + ext
}

// Ingest stages an upload and queues it for extraction. Byte-identical files
// already in the owner's catalog are rejected before any work is queued.
func (s *Service) Ingest(ctx context.Context, ownerID, filename string, data []byte) (job.View, error) {
	if ownerID == "" {
		return job.View{}, job.ErrForbidden
	}
	if len(data) == 0 {
		return job.View{}, ErrEmptyUpload
	}

	contentType := imaging.DetectContentType(data, filename)
	if contentType == "application/octet-stream" {
		return job.View{}, fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(filename))
	}

	fileHash := fingerprint.ComputeFileHash(data)
	existing, err := s.db.FindDuplicate(ownerID, DuplicateFileHash, fileHash)
	if err != nil {
		return job.View{}, fmt.Errorf("checking for duplicate: %w", err)
	}
	if existing != "" {
		slog.Info("Rejected duplicate upload", "owner_id", ownerID, "existing_id", existing)
		return job.View{}, &DuplicateError{Kind: DuplicateFileHash, ExistingID: existing}
	}

	location, err := s.images.Stage(ctx, ownerID, data, contentType)
	if err != nil {
		return job.View{}, fmt.Errorf("staging upload: %w", err)
	}

	id, err := s.jobs.Enqueue(ctx, ownerID, location, sanitizeFilename(filename))
	if err != nil {
		if discardErr := s.images.Discard(ctx, location); discardErr != nil {
			slog.Warn("Failed to discard staged upload", "location", location, "error", discardErr)
		}
		return job.View{}, fmt.Errorf("enqueueing job: %w", err)
	}

	return s.jobs.GetJob(ctx, id, ownerID)
}

// GetJob returns the owner's job
func (s *Service) GetJob(ctx context.Context, id, ownerID string) (job.View, error) {
	return s.jobs.GetJob(ctx, id, ownerID)
}

// ListJobs returns the owner's jobs, newest first
func (s *Service) ListJobs(ctx context.Context, ownerID string, status job.Status, limit int) ([]job.View, error) {
	return s.jobs.ListJobs(ctx, ownerID, status, limit)
}

// CancelJob cancels the owner's job. A completed job that was never recorded
// also loses its finalized image; a recorded one keeps it for the receipt.
func (s *Service) CancelJob(ctx context.Context, id, ownerID string) error {
	if err := s.jobs.CancelJob(ctx, id, ownerID); err != nil {
		return err
	}

	// The result survives cancellation only when the job had completed first.
	j, err := s.jobs.Job(ctx, id, ownerID)
	if err != nil {
		return fmt.Errorf("reading cancelled job: %w", err)
	}
	if j.Result == nil || j.Result.StorageURL == "" {
		return nil
	}

	recorded, err := s.db.FindDuplicate(ownerID, DuplicateJob, id)
	if err != nil {
		return fmt.Errorf("checking catalog for job: %w", err)
	}
	if recorded != "" {
		return nil
	}
	if err := s.images.Discard(ctx, j.Result.StorageURL); err != nil {
		slog.Warn("Failed to discard unrecorded job image", "job_id", id, "location", j.Result.StorageURL, "error", err)
	}
	return nil
}

// RecordJob catalogs a completed job. Recording the same job twice returns the
// receipt from the first call.
func (s *Service) RecordJob(ctx context.Context, jobID, ownerID string) (*Receipt, error) {
	j, err := s.jobs.Job(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusCompleted || j.Result == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobNotCompleted, jobID, j.Status)
	}

	fields := j.Result.Extracted
	receiptKey, _ := fingerprint.ComputeReceiptKey(fields)
	matchKey, _ := fingerprint.ComputeMatchKey(fields)
	date := fingerprint.NormalizeDate(fields.Date)
	if date == "" {
		date = fields.Date
	}

	fileHash := j.Result.FileHash
	if fileHash == "" {
		return nil, fmt.Errorf("job %s has no file hash", jobID)
	}

	now := s.timeSource.Now()
	receipt := &Receipt{
		ID:         s.idGenerator.Generate(),
		OwnerID:    ownerID,
		JobID:      j.ID,
		ShopName:   fields.ShopName,
		TIN:        fields.TIN,
		AmountDue:  fields.AmountDue,
		Address:    fields.Address,
		Date:       date,
		FileHash:   fileHash,
		ReceiptKey: receiptKey,
		MatchKey:   matchKey,
		ImageURL:   j.Result.StorageURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.db.InsertReceipt(receipt)
	var dup *DuplicateError
	switch {
	case errors.As(err, &dup) && dup.Kind == DuplicateJob:
		return s.db.GetReceipt(dup.ExistingID)
	case errors.As(err, &dup):
		slog.Info("Duplicate receipt detected",
			"job_id", jobID,
			"owner_id", ownerID,
			"kind", dup.Kind,
			"existing_id", dup.ExistingID,
		)
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("saving receipt to database: %w", err)
	}

	slog.Info("Receipt recorded", "receipt_id", receipt.ID, "job_id", jobID, "owner_id", ownerID)
	return receipt, nil
}

// GetReceipt retrieves the owner's receipt by ID
func (s *Service) GetReceipt(ctx context.Context, id, ownerID string) (*Receipt, error) {
	if ownerID == "" {
		return nil, job.ErrForbidden
	}
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.OwnerID != ownerID {
		return nil, fmt.Errorf("getting receipt: %w: %s", ErrNotFound, id)
	}
	return receipt, nil
}

// ListReceipts returns the owner's receipts
func (s *Service) ListReceipts(ctx context.Context, ownerID string) ([]*Receipt, error) {
	if ownerID == "" {
		return nil, job.ErrForbidden
	}
	receipts, err := s.db.ListReceipts(ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt and its image
func (s *Service) DeleteReceipt(ctx context.Context, id, ownerID string) error {
	receipt, err := s.GetReceipt(ctx, id, ownerID)
	if err != nil {
		return err
	}

	if err := s.db.DeleteReceipt(id); err != nil {
		return fmt.Errorf("deleting receipt from database: %w", err)
	}

	if receipt.ImageURL != "" {
		if err := s.images.Discard(ctx, receipt.ImageURL); err != nil {
			slog.Warn("Failed to delete receipt image", "location", receipt.ImageURL, "error", err)
		}
	}
	return nil
}

// GetReceiptFile retrieves the finalized image for a receipt
func (s *Service) GetReceiptFile(ctx context.Context, id, ownerID string) ([]byte, string, error) {
	receipt, err := s.GetReceipt(ctx, id, ownerID)
	if err != nil {
		return nil, "", err
	}

	data, err := s.images.Fetch(ctx, receipt.ImageURL)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	return data, imaging.DetectContentType(data, receipt.ImageURL), nil
}

const exportSheet = "Receipts"

// ExportXLSX writes the owner's receipts as a spreadsheet and returns the row count
func (s *Service) ExportXLSX(ctx context.Context, ownerID string, w io.Writer) (int, error) {
	receipts, err := s.ListReceipts(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer f.Close()

	// Rename the default sheet rather than adding a second one.
	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return 0, fmt.Errorf("naming sheet: %w", err)
	}

	headers := []string{"Date", "Shop", "TIN", "Amount Due", "Address", "Image", "Recorded At"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(exportSheet, cell, h)
	}

	for i, r := range receipts {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(exportSheet, cell, v)
		}

		write(1, r.Date)
		write(2, r.ShopName)
		write(3, r.TIN)
		// Numeric when it parses.
		if amount, err := strconv.ParseFloat(r.AmountDue, 64); err == nil {
			write(4, amount)
		} else {
			write(4, r.AmountDue)
		}
		write(5, r.Address)
		write(6, r.ImageURL)
		write(7, r.CreatedAt.Format(time.RFC3339))
	}

	_ = f.SetColWidth(exportSheet, "A", "A", 12)
	_ = f.SetColWidth(exportSheet, "B", "B", 28)
	_ = f.SetColWidth(exportSheet, "C", "D", 18)
	_ = f.SetColWidth(exportSheet, "E", "F", 48)
	_ = f.SetColWidth(exportSheet, "G", "G", 22)

	if err := f.Write(w); err != nil {
		return 0, fmt.Errorf("xlsx write: %w", err)
	}
	return len(receipts), nil
}
