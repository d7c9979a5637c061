package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps files under a base directory. Locations are absolute paths.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates basePath if needed.
func NewLocalStore(basePath string) (*LocalStore, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolving storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStore{basePath: abs}, nil
}

// Contains reports whether location lives under this store.
func (s *LocalStore) Contains(location string) bool {
	rel, err := filepath.Rel(s.basePath, location)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Upload writes data to a new file inside folderKey
func (s *LocalStore) Upload(ctx context.Context, folderKey string, data []byte, contentType string) (string, error) {
	dir := filepath.Join(s.basePath, filepath.FromSlash(folderKey))
	if !s.Contains(filepath.Join(dir, "x")) {
		return "", fmt.Errorf("folder %q escapes storage root", folderKey)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating folder: %w", err)
	}

	location := filepath.Join(dir, objectName(contentType))
	if err := os.WriteFile(location, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return location, nil
}

// Download reads a file previously written by Upload
func (s *LocalStore) Download(ctx context.Context, location string) ([]byte, error) {
	if !s.Contains(location) {
		return nil, fmt.Errorf("%s is outside storage root", location)
	}
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file; a missing file is not an error
func (s *LocalStore) Delete(ctx context.Context, location string) error {
	if !s.Contains(location) {
		return fmt.Errorf("%s is outside storage root", location)
	}
	if err := os.Remove(location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}
