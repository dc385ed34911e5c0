package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dreamware/twinlogy/internal/telemetry"
)

// JSONFile persists the log as a single JSON array, rewritten in full on
// every append.
type JSONFile struct {
	path string
}

// NewJSONFile returns a persister writing to path. The parent directory is
// created on first write.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Load reads the snapshot file. A missing or empty file is an empty log.
func (f *JSONFile) Load(_ context.Context) ([]telemetry.Record, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var records []telemetry.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return records, nil
}

// Persist rewrites the snapshot file with all records. The new content is
// written to a temporary file in the same directory and renamed over the
// old one, so a crash mid-write leaves the previous snapshot intact.
func (f *JSONFile) Persist(_ context.Context, all []telemetry.Record, _ telemetry.Record) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}

// Close is a no-op; the file is not held open between appends.
func (f *JSONFile) Close() error { return nil }
