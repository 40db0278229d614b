// Package storage provides atomic JSON document persistence for the
// version tracker and the container registry. Neither component needs a
// database; each owns a single JSON document on disk.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// JSONDocument persists a single JSON-encoded value to a fixed path with
// atomic temp-file-then-rename writes, so a reader never observes a torn
// document.
type JSONDocument struct {
	path string
}

// NewJSONDocument returns a document bound to path. The parent directory
// must already exist; callers create it once at composition time.
func NewJSONDocument(path string) *JSONDocument {
	return &JSONDocument{path: path}
}

// Load decodes the document into v. If the file does not exist, Load
// returns os.ErrNotExist so callers can distinguish "empty" from
// "corrupt".
func (d *JSONDocument) Load(v interface{}) error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.path, err)
	}
	return nil
}

// Save serializes v and writes it to a sibling temp file, then renames
// over the target path. The rename is atomic on the same filesystem, so a
// crash between write and rename leaves the previous document intact and
// a crash after rename leaves the new one intact — no partial state is
// ever observable.
func (d *JSONDocument) Save(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.path, err)
	}

	dir := filepath.Dir(d.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(d.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, d.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Path returns the filesystem path this document is bound to.
func (d *JSONDocument) Path() string {
	return d.path
}

// Exists reports whether the document has ever been saved.
func (d *JSONDocument) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// EnsureDir creates the parent directory for path if it does not exist.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
