package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/veriflow/logocheck/pkg/types"
)

const (
	dataDir    = "data"
	exportsDir = "exports"
	tempDir    = "temp_uploads"

	fileLedgerName = "pending_files.json"
	urlLedgerName  = "pending_urls.json"
	blobDirName    = "pending_files"
	csvName        = "results.csv"
)

// FileStore persists batch state as JSON documents under a root directory:
//
//	<root>/data/<batch_id>.json
//	<root>/exports/<batch_id>/results.csv
//	<root>/exports/<batch_id>/pending_urls.json
//	<root>/exports/<batch_id>/pending_files.json
//	<root>/exports/<batch_id>/pending_files/<local-name>
//	<root>/temp_uploads/
//
// All document writes go through a write-temp/fsync/rename cycle so that
// readers only ever observe complete JSON.
type FileStore struct {
	root string
}

// NewFileStore creates the directory layout under root
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{dataDir, exportsDir, tempDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

// Root returns the store root directory
func (s *FileStore) Root() string {
	return s.root
}

// Close is a no-op for the filesystem store
func (s *FileStore) Close() error {
	return nil
}

// writeAtomic writes data to path via a sibling temp file and rename
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) batchPath(id string) string {
	return filepath.Join(s.root, dataDir, id+".json")
}

func (s *FileStore) exportDir(id string) string {
	return filepath.Join(s.root, exportsDir, id)
}

// WriteBatch atomically replaces the batch document
func (s *FileStore) WriteBatch(batch *types.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	return writeAtomic(s.batchPath(batch.ID), data)
}

// ReadBatch returns the last durable snapshot of a batch document
func (s *FileStore) ReadBatch(id string) (*types.Batch, error) {
	data, err := os.ReadFile(s.batchPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read batch document: %w", err)
	}

	var batch types.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch document: %w", err)
	}
	return &batch, nil
}

// ListBatchIDs enumerates all batch documents
func (s *FileStore) ListBatchIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list batch documents: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// DeleteBatch removes the document, exports, and any pending artifacts
func (s *FileStore) DeleteBatch(id string) error {
	if err := os.Remove(s.batchPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete batch document: %w", err)
	}
	if err := os.RemoveAll(s.exportDir(id)); err != nil {
		return fmt.Errorf("failed to delete batch exports: %w", err)
	}
	return nil
}

// Ledger operations

func (s *FileStore) writeLedger(id, name string, v interface{}) error {
	if err := os.MkdirAll(s.exportDir(id), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}
	return writeAtomic(filepath.Join(s.exportDir(id), name), data)
}

func (s *FileStore) readLedger(id, name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.exportDir(id), name))
	if err != nil {
		if os.IsNotExist(err) {
			// Missing ledger file means nothing pending
			return nil
		}
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal ledger: %w", err)
	}
	return nil
}

// WriteFileLedger atomically replaces the file-mode pending ledger
func (s *FileStore) WriteFileLedger(id string, ledger *types.FileLedger) error {
	return s.writeLedger(id, fileLedgerName, ledger)
}

// ReadFileLedger reads the file-mode pending ledger; missing file means empty
func (s *FileStore) ReadFileLedger(id string) (*types.FileLedger, error) {
	var ledger types.FileLedger
	if err := s.readLedger(id, fileLedgerName, &ledger); err != nil {
		return nil, err
	}
	return &ledger, nil
}

// WriteURLLedger atomically replaces the URL-mode pending ledger
func (s *FileStore) WriteURLLedger(id string, ledger *types.URLLedger) error {
	return s.writeLedger(id, urlLedgerName, ledger)
}

// ReadURLLedger reads the URL-mode pending ledger; missing file means empty
func (s *FileStore) ReadURLLedger(id string) (*types.URLLedger, error) {
	var ledger types.URLLedger
	if err := s.readLedger(id, urlLedgerName, &ledger); err != nil {
		return nil, err
	}
	return &ledger, nil
}

// Blob operations

func (s *FileStore) blobDir(id string) string {
	return filepath.Join(s.exportDir(id), blobDirName)
}

// WriteBlob stores an accepted image under the batch's pending directory
func (s *FileStore) WriteBlob(id, localName string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(s.blobDir(id), 0755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	f, err := os.Create(filepath.Join(s.blobDir(id), localName))
	if err != nil {
		return 0, fmt.Errorf("failed to create blob: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("failed to sync blob: %w", err)
	}
	return n, nil
}

// ReadBlob reads a stored image back
func (s *FileStore) ReadBlob(id, localName string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.blobDir(id), localName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// DeleteBlob removes a stored image once its result is durable
func (s *FileStore) DeleteBlob(id, localName string) error {
	if err := os.Remove(filepath.Join(s.blobDir(id), localName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// ListBlobs returns the local names of all stored images for a batch
func (s *FileStore) ListBlobs(id string) ([]string, error) {
	entries, err := os.ReadDir(s.blobDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// CSV exports

// WriteCSV atomically writes the finalized CSV for a batch
func (s *FileStore) WriteCSV(id string, data []byte) error {
	if err := os.MkdirAll(s.exportDir(id), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	return writeAtomic(filepath.Join(s.exportDir(id), csvName), data)
}

// ReadCSV reads the finalized CSV for a batch
func (s *FileStore) ReadCSV(id string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.exportDir(id), csvName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return data, nil
}

// Temp uploads

// SaveTemp stores scratch bytes for the single-image path and returns
// the file path. Names are prefixed with a UUID to avoid collisions.
func (s *FileStore) SaveTemp(name string, r io.Reader) (string, error) {
	safe := SafeName(name)
	path := filepath.Join(s.root, tempDir, uuid.New().String()+"_"+safe)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create temp upload: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write temp upload: %w", err)
	}
	return path, nil
}

// SweepTemp deletes temp uploads older than the given age and returns
// how many files were removed
func (s *FileStore) SweepTemp(olderThan time.Duration) (int, error) {
	dir := filepath.Join(s.root, tempDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list temp uploads: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// SafeName reduces an arbitrary upload name to a safe local filename
func SafeName(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	return name
}
