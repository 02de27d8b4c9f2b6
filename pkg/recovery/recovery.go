// Package recovery resumes in-flight batches after a process restart.
package recovery

import (
	"fmt"

	"github.com/veriflow/logocheck/pkg/ingest"
	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/storage"
	"github.com/veriflow/logocheck/pkg/tracker"
	"github.com/veriflow/logocheck/pkg/types"
)

// Recovery scans batch documents on startup and re-enqueues any batch
// whose pending ledger is non-empty. Safe to run twice: commit-then-
// shrink makes already-recorded items no-ops.
type Recovery struct {
	store    storage.Store
	tracker  *tracker.Tracker
	pipeline *ingest.Pipeline
}

// New creates a recovery scanner
func New(store storage.Store, trk *tracker.Tracker, pipe *ingest.Pipeline) *Recovery {
	return &Recovery{store: store, tracker: trk, pipeline: pipe}
}

// Run performs the startup scan. Per-batch faults are logged and
// skipped; one bad document never blocks the rest.
func (r *Recovery) Run() error {
	ids, err := r.store.ListBatchIDs()
	if err != nil {
		return fmt.Errorf("failed to enumerate batches: %w", err)
	}

	logger := log.WithComponent("recovery")
	resumed := 0
	for _, id := range ids {
		n, err := r.recoverBatch(id)
		if err != nil {
			logger.Error().Err(err).Str("batch_id", id).Msg("batch recovery failed")
			continue
		}
		if n > 0 {
			logger.Info().Str("batch_id", id).Int("pending", n).Msg("resuming batch")
			resumed++
		}
	}

	logger.Info().Int("batches", len(ids)).Int("resumed", resumed).Msg("recovery scan complete")
	return nil
}

// recoverBatch reconciles one batch's ledgers against its document and
// re-enqueues whatever work remains. Returns the number of resumed items.
func (r *Recovery) recoverBatch(id string) (int, error) {
	batch, err := r.store.ReadBatch(id)
	if err != nil {
		return 0, err
	}
	if batch.Status.Terminal() {
		return 0, nil
	}

	if err := r.reconcile(id, batch); err != nil {
		return 0, err
	}

	if batch.Status != types.BatchStatusInitialized && batch.Status != types.BatchStatusProcessing {
		return 0, nil
	}

	files, urls, err := r.tracker.PendingCounts(id)
	if err != nil {
		return 0, err
	}

	if files+urls == 0 {
		// Processing with drained ledgers: the crash happened after the
		// last commit; close the batch out.
		if batch.Status == types.BatchStatusProcessing {
			if _, err := r.tracker.Complete(id); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	return r.pipeline.Resume(id)
}

// reconcile repairs the two-file commit discipline:
//   - a ledger key already in the document's consumed set is drained
//     without reprocessing (crash landed between commit and shrink);
//   - a manifest entry without a blob is dropped with an error result;
//   - a blob without a manifest entry is deleted.
func (r *Recovery) reconcile(id string, batch *types.Batch) error {
	fl, err := r.store.ReadFileLedger(id)
	if err != nil {
		return err
	}
	ul, err := r.store.ReadURLLedger(id)
	if err != nil {
		return err
	}

	manifest := make(map[string]bool, len(fl.Files))
	for _, f := range fl.Files {
		manifest[f.LocalName] = true
		key := tracker.PendingKey{Kind: tracker.PendingFileKind, Key: f.LocalName}

		if batch.HasConsumed(f.LocalName) {
			// AppendResult's replay branch finishes the shrink
			if err := r.tracker.AppendResult(id, types.Result{Input: f.OriginalName}, key); err != nil {
				return err
			}
			continue
		}

		if _, err := r.store.ReadBlob(id, f.LocalName); err == storage.ErrNotFound {
			res := types.Result{
				Input:   f.OriginalName,
				IsValid: types.ResultInvalid,
				Error:   "pending file lost before processing",
			}
			if err := r.tracker.AppendResult(id, res, key); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}

	for _, u := range ul.URLs {
		if batch.HasConsumed(u.Key) {
			key := tracker.PendingKey{Kind: tracker.PendingURLKind, Key: u.Key}
			if err := r.tracker.AppendResult(id, types.Result{Input: u.URL}, key); err != nil {
				return err
			}
		}
	}

	// Orphan blobs have no manifest entry and can never be processed
	blobs, err := r.store.ListBlobs(id)
	if err != nil {
		return err
	}
	for _, name := range blobs {
		if !manifest[name] {
			if err := r.store.DeleteBlob(id, name); err != nil {
				log.WithBatchID(id).Warn().Err(err).Str("blob", name).Msg("orphan blob cleanup failed")
			}
		}
	}
	return nil
}
