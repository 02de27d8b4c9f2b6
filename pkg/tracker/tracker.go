package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veriflow/logocheck/pkg/export"
	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/metrics"
	"github.com/veriflow/logocheck/pkg/storage"
	"github.com/veriflow/logocheck/pkg/types"
)

var (
	// ErrNotFound is returned for unknown batch IDs
	ErrNotFound = storage.ErrNotFound

	// ErrConflict is returned when an operation is illegal in the
	// batch's current state
	ErrConflict = errors.New("conflict")
)

// PendingKind selects which ledger a pending key belongs to
type PendingKind string

const (
	PendingFileKind PendingKind = "file"
	PendingURLKind  PendingKind = "url"
)

// PendingKey names one ledger entry: the local filename for file mode,
// the per-item key for URL mode.
type PendingKey struct {
	Kind PendingKind
	Key  string
}

// Publisher receives batch events in commit order
type Publisher interface {
	Publish(batchID string, event interface{})
}

// Notifier is the fire-and-forget completion sink
type Notifier interface {
	BatchCompleted(email string, batch *types.Batch)
}

// Tracker owns the authoritative batch state machine. Every state change
// is committed to the store before it is visible anywhere else; the
// on-disk documents are the source of truth after restart.
type Tracker struct {
	store    storage.Store
	index    *storage.Index
	pub      Publisher
	notifier Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a tracker. Publisher and notifier may be nil.
func New(store storage.Store, index *storage.Index, pub Publisher, notifier Notifier) *Tracker {
	return &Tracker{
		store:    store,
		index:    index,
		pub:      pub,
		notifier: notifier,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-batch mutex, creating it on first use.
// Mutating operations on a single batch are serialized through it;
// cross-batch operations run in parallel.
func (t *Tracker) lockFor(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}

func (t *Tracker) dropLock(id string) {
	t.mu.Lock()
	delete(t.locks, id)
	t.mu.Unlock()
}

// Create allocates a new batch in the created state and returns its ID
func (t *Tracker) Create(clientID, email string) (string, error) {
	now := time.Now().UTC()
	batch := &types.Batch{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Email:     email,
		Status:    types.BatchStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
		Results:   []types.Result{},
	}

	if err := t.store.WriteBatch(batch); err != nil {
		return "", fmt.Errorf("failed to persist batch: %w", err)
	}
	t.indexPut(batch)
	metrics.BatchesActive.Inc()

	return batch.ID, nil
}

// Init declares the batch total and binds its client. Initializing an
// already-initialized batch with the same total is a no-op; a different
// total is a conflict.
func (t *Tracker) Init(id, clientID string, total int) error {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	batch, err := t.store.ReadBatch(id)
	if err != nil {
		return err
	}

	switch batch.Status {
	case types.BatchStatusCreated:
	case types.BatchStatusInitialized:
		if batch.DeclaredTotal() == total {
			return nil
		}
		return fmt.Errorf("%w: batch already initialized with total %d", ErrConflict, batch.DeclaredTotal())
	default:
		return fmt.Errorf("%w: batch is %s", ErrConflict, batch.Status)
	}

	batch.Total = &total
	if clientID != "" {
		batch.ClientID = clientID
	}
	batch.Status = types.BatchStatusInitialized
	batch.UpdatedAt = time.Now().UTC()

	if err := t.store.WriteBatch(batch); err != nil {
		return fmt.Errorf("failed to persist batch: %w", err)
	}
	t.indexPut(batch)
	return nil
}

// Load returns the current durable snapshot of a batch
func (t *Tracker) Load(id string) (*types.Batch, error) {
	return t.store.ReadBatch(id)
}

// StatusSnapshot is the poll answer for a batch
type StatusSnapshot struct {
	Status          types.BatchStatus `json:"status"`
	Counts          types.Counts      `json:"counts"`
	ProgressPercent float64           `json:"progress_percent"`
}

// Status reports the batch status, counters, and progress percentage
func (t *Tracker) Status(id string) (*StatusSnapshot, error) {
	batch, err := t.store.ReadBatch(id)
	if err != nil {
		return nil, err
	}
	return &StatusSnapshot{
		Status:          batch.Status,
		Counts:          batch.Counts,
		ProgressPercent: batch.ProgressPercent(),
	}, nil
}

// EnqueueFiles appends manifest entries to the file ledger and advances
// the batch to processing. Blobs must already be on disk.
func (t *Tracker) EnqueueFiles(id string, entries []types.PendingFile) error {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	batch, err := t.acceptingBatch(id)
	if err != nil {
		return err
	}

	ledger, err := t.store.ReadFileLedger(id)
	if err != nil {
		return err
	}
	ledger.Files = append(ledger.Files, entries...)
	if err := t.store.WriteFileLedger(id, ledger); err != nil {
		return err
	}

	return t.markProcessing(batch)
}

// EnqueueURLs appends URLs to the URL ledger under fresh per-item keys
// and advances the batch to processing. The same URL submitted twice is
// two distinct work items.
func (t *Tracker) EnqueueURLs(id string, urls []string) ([]types.PendingURL, error) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	batch, err := t.acceptingBatch(id)
	if err != nil {
		return nil, err
	}

	entries := make([]types.PendingURL, 0, len(urls))
	for _, u := range urls {
		entries = append(entries, types.PendingURL{Key: uuid.New().String(), URL: u})
	}

	ledger, err := t.store.ReadURLLedger(id)
	if err != nil {
		return nil, err
	}
	ledger.URLs = append(ledger.URLs, entries...)
	if err := t.store.WriteURLLedger(id, ledger); err != nil {
		return nil, err
	}

	if err := t.markProcessing(batch); err != nil {
		return nil, err
	}
	return entries, nil
}

// acceptingBatch loads the batch and checks it can take new work
func (t *Tracker) acceptingBatch(id string) (*types.Batch, error) {
	batch, err := t.store.ReadBatch(id)
	if err != nil {
		return nil, err
	}
	if batch.Status != types.BatchStatusInitialized && batch.Status != types.BatchStatusProcessing {
		return nil, fmt.Errorf("%w: batch is %s", ErrConflict, batch.Status)
	}
	return batch, nil
}

func (t *Tracker) markProcessing(batch *types.Batch) error {
	if batch.Status == types.BatchStatusProcessing {
		return nil
	}
	batch.Status = types.BatchStatusProcessing
	batch.UpdatedAt = time.Now().UTC()
	if err := t.store.WriteBatch(batch); err != nil {
		return fmt.Errorf("failed to persist batch: %w", err)
	}
	t.indexPut(batch)
	return nil
}

// AppendResult commits one result: the result record, the counter
// arithmetic, and the ledger shrink are one logical step. The document
// write is the commit point; the ledger file is shrunk after it, and a
// crash between the two is reconciled through the document's consumed
// set. Re-applying the same (id, key) is a no-op.
func (t *Tracker) AppendResult(id string, result types.Result, key PendingKey) error {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	batch, err := t.store.ReadBatch(id)
	if err != nil {
		return err
	}

	if batch.Status.Terminal() {
		log.WithBatchID(id).Warn().Msg("dropping result for terminal batch")
		return nil
	}

	if batch.HasConsumed(key.Key) {
		// Replay after a crash between document commit and ledger
		// shrink: finish the shrink, nothing else.
		return t.shrinkLedger(id, key)
	}

	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}

	batch.Results = append(batch.Results, result)
	batch.Consumed = append(batch.Consumed, key.Key)
	batch.Counts.Processed++
	switch {
	case result.Error != "":
		batch.Counts.Errored++
		metrics.ResultsTotal.WithLabelValues("errored").Inc()
	case result.IsValid == types.ResultValid:
		batch.Counts.Valid++
		metrics.ResultsTotal.WithLabelValues("valid").Inc()
	default:
		batch.Counts.Invalid++
		metrics.ResultsTotal.WithLabelValues("invalid").Inc()
	}

	if batch.Status == types.BatchStatusInitialized {
		batch.Status = types.BatchStatusProcessing
	}
	batch.UpdatedAt = time.Now().UTC()

	completed := false
	if batch.Total != nil && batch.Counts.Processed >= *batch.Total {
		drained, err := t.ledgersDrainedAfter(id, key)
		if err != nil {
			return err
		}
		if drained {
			completed = true
			now := time.Now().UTC()
			batch.Status = types.BatchStatusCompleted
			batch.CompletedAt = &now
			batch.Consumed = nil
		}
	}

	// Commit point. On failure the caller must treat the result as not
	// applied; on-disk state is the authority.
	if err := t.store.WriteBatch(batch); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}

	if err := t.shrinkLedger(id, key); err != nil {
		log.WithBatchID(id).Error().Err(err).Msg("ledger shrink failed; recovery will reconcile")
	}

	t.indexPut(batch)

	if completed {
		t.finalize(batch)
	} else if t.pub != nil {
		t.pub.Publish(id, types.NewProgressEvent(batch, result.Input, result.IsValid))
	}
	return nil
}

// ledgersDrainedAfter reports whether both ledgers are empty once the
// given key is removed
func (t *Tracker) ledgersDrainedAfter(id string, key PendingKey) (bool, error) {
	fl, err := t.store.ReadFileLedger(id)
	if err != nil {
		return false, err
	}
	ul, err := t.store.ReadURLLedger(id)
	if err != nil {
		return false, err
	}

	files := len(fl.Files)
	urls := len(ul.URLs)
	switch key.Kind {
	case PendingFileKind:
		for _, f := range fl.Files {
			if f.LocalName == key.Key {
				files--
				break
			}
		}
	case PendingURLKind:
		for _, u := range ul.URLs {
			if u.Key == key.Key {
				urls--
				break
			}
		}
	}
	return files == 0 && urls == 0, nil
}

// shrinkLedger removes a consumed key from its ledger file and, for file
// keys, deletes the on-disk blob
func (t *Tracker) shrinkLedger(id string, key PendingKey) error {
	switch key.Kind {
	case PendingFileKind:
		ledger, err := t.store.ReadFileLedger(id)
		if err != nil {
			return err
		}
		kept := ledger.Files[:0]
		found := false
		for _, f := range ledger.Files {
			if !found && f.LocalName == key.Key {
				found = true
				continue
			}
			kept = append(kept, f)
		}
		if found {
			ledger.Files = kept
			if err := t.store.WriteFileLedger(id, ledger); err != nil {
				return err
			}
		}
		return t.store.DeleteBlob(id, key.Key)

	case PendingURLKind:
		ledger, err := t.store.ReadURLLedger(id)
		if err != nil {
			return err
		}
		kept := ledger.URLs[:0]
		found := false
		for _, u := range ledger.URLs {
			if !found && u.Key == key.Key {
				found = true
				continue
			}
			kept = append(kept, u)
		}
		if found {
			ledger.URLs = kept
			return t.store.WriteURLLedger(id, ledger)
		}
		return nil
	}
	return fmt.Errorf("unknown pending kind %q", key.Kind)
}

// finalize runs the completion side effects: CSV export, metrics, the
// terminal event, and the optional email notice
func (t *Tracker) finalize(batch *types.Batch) {
	data, err := export.Results(batch.ID, batch.Results)
	if err != nil {
		log.WithBatchID(batch.ID).Error().Err(err).Msg("csv export failed")
	} else if err := t.store.WriteCSV(batch.ID, data); err != nil {
		log.WithBatchID(batch.ID).Error().Err(err).Msg("csv write failed")
	}

	metrics.BatchesTotal.WithLabelValues(string(batch.Status)).Inc()
	metrics.BatchesActive.Dec()

	if t.pub != nil {
		t.pub.Publish(batch.ID, types.NewCompleteEvent(batch))
	}
	if t.notifier != nil && batch.Email != "" {
		t.notifier.BatchCompleted(batch.Email, batch)
	}

	log.WithBatchID(batch.ID).Info().
		Int("processed", batch.Counts.Processed).
		Int("valid", batch.Counts.Valid).
		Int("invalid", batch.Counts.Invalid).
		Int("errored", batch.Counts.Errored).
		Msg("batch completed")
}

// Complete forces closure and returns the final result list. Legal only
// from processing with both ledgers drained; completing an already
// completed batch returns its stored results.
func (t *Tracker) Complete(id string) ([]types.Result, error) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	batch, err := t.store.ReadBatch(id)
	if err != nil {
		return nil, err
	}

	if batch.Status == types.BatchStatusCompleted {
		return batch.Results, nil
	}
	if batch.Status != types.BatchStatusProcessing {
		return nil, fmt.Errorf("%w: batch is %s", ErrConflict, batch.Status)
	}

	fl, err := t.store.ReadFileLedger(id)
	if err != nil {
		return nil, err
	}
	ul, err := t.store.ReadURLLedger(id)
	if err != nil {
		return nil, err
	}
	if len(fl.Files) > 0 || len(ul.URLs) > 0 {
		return nil, fmt.Errorf("%w: %d items still pending", ErrConflict, len(fl.Files)+len(ul.URLs))
	}

	now := time.Now().UTC()
	batch.Status = types.BatchStatusCompleted
	batch.CompletedAt = &now
	batch.UpdatedAt = now
	batch.Consumed = nil

	if err := t.store.WriteBatch(batch); err != nil {
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}
	t.indexPut(batch)
	t.finalize(batch)

	return batch.Results, nil
}

// MarkFailed moves a batch to the failed state
func (t *Tracker) MarkFailed(id, reason string) error {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	batch, err := t.store.ReadBatch(id)
	if err != nil {
		return err
	}
	if batch.Status.Terminal() {
		return nil
	}

	batch.Status = types.BatchStatusFailed
	batch.UpdatedAt = time.Now().UTC()

	if err := t.store.WriteBatch(batch); err != nil {
		return fmt.Errorf("failed to persist batch: %w", err)
	}
	t.indexPut(batch)

	metrics.BatchesTotal.WithLabelValues(string(types.BatchStatusFailed)).Inc()
	metrics.BatchesActive.Dec()

	log.WithBatchID(id).Warn().Str("reason", reason).Msg("batch failed")
	return nil
}

// Delete removes the batch document, exports, and pending artifacts
func (t *Tracker) Delete(id string) error {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := t.store.DeleteBatch(id); err != nil {
		return err
	}
	if t.index != nil {
		if err := t.index.Delete(id); err != nil {
			log.WithBatchID(id).Error().Err(err).Msg("index delete failed")
		}
	}
	t.dropLock(id)
	return nil
}

// PendingCounts returns the ledger sizes for a batch
func (t *Tracker) PendingCounts(id string) (files, urls int, err error) {
	fl, err := t.store.ReadFileLedger(id)
	if err != nil {
		return 0, 0, err
	}
	ul, err := t.store.ReadURLLedger(id)
	if err != nil {
		return 0, 0, err
	}
	return len(fl.Files), len(ul.URLs), nil
}

func (t *Tracker) indexPut(batch *types.Batch) {
	if t.index == nil {
		return
	}
	if err := t.index.Put(batch.Summary()); err != nil {
		log.WithBatchID(batch.ID).Error().Err(err).Msg("index update failed")
	}
}
