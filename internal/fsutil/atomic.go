// Package fsutil holds small filesystem helpers shared by the dataset layout.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// TempFilePrefix is the prefix used for temporary atomic write files.
	TempFilePrefix = "strata-tmp-"
)

// WriteFileAtomic writes data to a file atomically by writing to a temp file
// and then renaming it to the target filename.
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) error {
	tmpFile, err := CreateTemp(filepath.Dir(filename))
	if err != nil {
		return err
	}
	defer os.Remove(tmpFile.Name()) // no-op after a successful rename

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	return Commit(tmpFile, filename, perm)
}

// CreateTemp opens a temp file in dir, which must be on the same filesystem
// as the final destination for Commit's rename to be atomic.
func CreateTemp(dir string) (*os.File, error) {
	f, err := os.CreateTemp(dir, TempFilePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return f, nil
}

// Commit syncs and closes tmpFile, then renames it onto filename.
func Commit(tmpFile *os.File, filename string, perm os.FileMode) error {
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpFile.Name(), perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), filename); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", filename, err)
	}

	return nil
}
