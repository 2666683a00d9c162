// Package storage persists LLM interaction blobs and prompt archives. Blobs
// are immutable JSON files addressed by run-relative paths; the database
// index rows pointing at them live in the repository layer.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Backend abstracts the blob store so a bucket-backed implementation can
// replace the local filesystem without touching callers.
type Backend interface {
	Write(path string, data []byte) error
	Read(path string) ([]byte, error)
	List(dir string) ([]string, error)
}

// LocalBackend stores blobs under a root directory on the local filesystem.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates the root directory if needed.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &LocalBackend{root: root}, nil
}

// Write stores data at the run-relative path, creating parent directories.
func (b *LocalBackend) Write(path string, data []byte) error {
	full := filepath.Join(b.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Read returns the blob at the run-relative path.
func (b *LocalBackend) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.root, filepath.FromSlash(path)))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// List returns the run-relative paths of all files under dir, empty when the
// directory does not exist.
func (b *LocalBackend) List(dir string) ([]string, error) {
	full := filepath.Join(b.root, filepath.FromSlash(dir))
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(full, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return files, nil
}

// Checksum returns the hex SHA-256 digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
