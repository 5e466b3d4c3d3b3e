package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
)

// nowISO returns a UTC timestamp with a fixed-width microsecond fraction,
// so string comparison matches chronological order.
func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

// writeFileAtomic writes via a temp file in the same directory and renames
// into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &strixerrors.PersistenceError{Path: path, Err: err}
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data, 0o644)
}
