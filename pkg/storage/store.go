// Package storage persists fax artifacts as opaque blobs keyed by a string
// reference. The core never inspects the reference beyond basic sanitization;
// each backend decides the concrete path or object key.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store is the blob storage contract.
type Store interface {
	// Put persists data under the given reference, overwriting any
	// previous blob with the same reference.
	Put(ctx context.Context, ref string, data []byte) error
	// Open returns a reader for the blob. Callers must Close it.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, ref string) error
}

// ErrNotFound is returned by Open for unknown references.
var ErrNotFound = fmt.Errorf("artifact not found")

// cleanRef rejects references that would escape the storage root.
func cleanRef(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty storage reference")
	}
	cleaned := filepath.ToSlash(filepath.Clean(ref))
	if strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") || cleaned == ".." {
		return "", fmt.Errorf("invalid storage reference: %s", ref)
	}
	return cleaned, nil
}

// FileStore is the local-filesystem backend.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a blob store rooted at the given directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // 0755 is intentional for the shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(ctx context.Context, ref string, data []byte) error {
	cleaned, err := cleanRef(ref)
	if err != nil {
		return err
	}
	path := filepath.Join(s.baseDir, filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to ensure blob dir: %w", err)
	}

	// Write to temp, then rename so readers never see partial blobs.
	tmpPath := path + ".tmp"
	//nolint:gosec // 0644 is intentional for readable blob files
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit blob: %w", err)
	}
	return nil
}

func (s *FileStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	cleaned, err := cleanRef(ref)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.baseDir, filepath.FromSlash(cleaned))
	f, err := os.Open(path) //nolint:gosec // reference sanitized above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening blob %s: %w", cleaned, err)
	}
	return f, nil
}

func (s *FileStore) Delete(ctx context.Context, ref string) error {
	cleaned, err := cleanRef(ref)
	if err != nil {
		return err
	}
	path := filepath.Join(s.baseDir, filepath.FromSlash(cleaned))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob %s: %w", cleaned, err)
	}
	return nil
}
