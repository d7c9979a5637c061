// Package blob stores receipt images, remotely when an object store is
// configured and on local disk otherwise.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Store uploads, downloads and deletes receipt images.
type Store interface {
	// Upload stores data under folderKey and returns its location
	Upload(ctx context.Context, folderKey string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, location string) ([]byte, error)
	// Delete removes location; deleting something already gone is not an error
	Delete(ctx context.Context, location string) error
}

// StorageError is returned by the Adapter when a storage operation fails.
type StorageError struct {
	Op       string
	Location string
	Err      error
}

func (e *StorageError) Error() string {
	if e.Location == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRemote reports whether location points at an object store rather than local disk.
func IsRemote(location string) bool {
	return strings.HasPrefix(location, "s3://") ||
		strings.HasPrefix(location, "https://") ||
		strings.HasPrefix(location, "http://")
}

// FolderKey is the per-owner, per-day folder finalized images are stored under.
func FolderKey(owner string, at time.Time) string {
	return path.Join("receipts", safeSegment(owner), at.UTC().Format("2006/01/02"))
}

// safeSegment keeps owner ids from escaping their folder.
func safeSegment(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' || r == '@' {
			return r
		}
		return '_'
	}, s)
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return "_"
	}
	return cleaned
}

// objectName returns a unique, time-ordered file name with an extension matching contentType.
func objectName(contentType string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString() + extensionFor(contentType)
	}
	return id.String() + extensionFor(contentType)
}

func extensionFor(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/heic":
		return ".heic"
	case "image/heif":
		return ".heif"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
