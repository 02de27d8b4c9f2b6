package storage

import (
	"errors"
	"io"
	"time"

	"github.com/veriflow/logocheck/pkg/types"
)

// ErrNotFound is returned when a batch document does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for durable batch state storage.
// This is implemented by the filesystem-backed FileStore.
type Store interface {
	// Batch documents
	WriteBatch(batch *types.Batch) error
	ReadBatch(id string) (*types.Batch, error)
	ListBatchIDs() ([]string, error)
	DeleteBatch(id string) error

	// Pending ledgers
	WriteFileLedger(id string, ledger *types.FileLedger) error
	ReadFileLedger(id string) (*types.FileLedger, error)
	WriteURLLedger(id string, ledger *types.URLLedger) error
	ReadURLLedger(id string) (*types.URLLedger, error)

	// Pending file blobs
	WriteBlob(id, localName string, r io.Reader) (int64, error)
	ReadBlob(id, localName string) ([]byte, error)
	DeleteBlob(id, localName string) error
	ListBlobs(id string) ([]string, error)

	// CSV exports
	WriteCSV(id string, data []byte) error
	ReadCSV(id string) ([]byte, error)

	// Scratch area for the single-image path
	SaveTemp(name string, r io.Reader) (string, error)
	SweepTemp(olderThan time.Duration) (int, error)

	// Utility
	Root() string
	Close() error
}
