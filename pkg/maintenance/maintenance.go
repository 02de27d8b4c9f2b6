// Package maintenance runs the periodic garbage-collection jobs: temp
// upload sweeps, expired batch removal, and session expiry.
package maintenance

import (
	"time"

	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/metrics"
	"github.com/veriflow/logocheck/pkg/session"
	"github.com/veriflow/logocheck/pkg/storage"
	"github.com/veriflow/logocheck/pkg/tracker"
)

// Config holds the job periods and age thresholds
type Config struct {
	TempSweepInterval   time.Duration
	TempAge             time.Duration
	BatchExpiryInterval time.Duration
	BatchAge            time.Duration
	PendingAge          time.Duration
	SessionSweep        time.Duration
}

// Stats is the outcome of one cleanup pass
type Stats struct {
	BatchesCleaned        int `json:"batches_cleaned"`
	TempFilesCleaned      int `json:"temp_files_cleaned"`
	PendingBatchesCleaned int `json:"pending_batches_cleaned"`
}

// Scheduler drives the periodic jobs
type Scheduler struct {
	store    storage.Store
	tracker  *tracker.Tracker
	sessions *session.Manager
	cfg      Config

	stopCh chan struct{}
}

// NewScheduler creates a maintenance scheduler
func NewScheduler(store storage.Store, trk *tracker.Tracker, sessions *session.Manager, cfg Config) *Scheduler {
	return &Scheduler{
		store:    store,
		tracker:  trk,
		sessions: sessions,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic job loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	tempTicker := time.NewTicker(s.cfg.TempSweepInterval)
	batchTicker := time.NewTicker(s.cfg.BatchExpiryInterval)
	sessionTicker := time.NewTicker(s.cfg.SessionSweep)
	defer tempTicker.Stop()
	defer batchTicker.Stop()
	defer sessionTicker.Stop()

	logger := log.WithComponent("maintenance")
	for {
		select {
		case <-tempTicker.C:
			n, err := s.store.SweepTemp(s.cfg.TempAge)
			if err != nil {
				logger.Error().Err(err).Msg("temp sweep failed")
			} else if n > 0 {
				metrics.CleanupTempFilesRemoved.Add(float64(n))
				logger.Info().Int("removed", n).Msg("temp sweep")
			}

		case <-batchTicker.C:
			stats := s.expireBatches(s.cfg.BatchAge, s.cfg.PendingAge)
			if stats.BatchesCleaned+stats.PendingBatchesCleaned > 0 {
				logger.Info().
					Int("batches", stats.BatchesCleaned).
					Int("pending_batches", stats.PendingBatchesCleaned).
					Msg("batch expiry")
			}

		case <-sessionTicker.C:
			if n := s.sessions.CleanupExpired(); n > 0 {
				logger.Info().Int("dropped", n).Msg("session expiry")
			}

		case <-s.stopCh:
			return
		}
	}
}

// RunCleanup performs one manual sweep with explicit thresholds
func (s *Scheduler) RunCleanup(batchAge, tempAge, pendingAge time.Duration) Stats {
	stats := s.expireBatches(batchAge, pendingAge)

	n, err := s.store.SweepTemp(tempAge)
	if err != nil {
		log.WithComponent("maintenance").Error().Err(err).Msg("temp sweep failed")
	}
	stats.TempFilesCleaned = n
	if n > 0 {
		metrics.CleanupTempFilesRemoved.Add(float64(n))
	}

	s.sessions.CleanupExpired()
	return stats
}

// expireBatches deletes aged terminal batches and enforces the pending
// age cap. A batch whose ledger still holds unprocessed work is never
// touched before the cap, regardless of age; past the cap it is marked
// failed and wiped.
func (s *Scheduler) expireBatches(batchAge, pendingAge time.Duration) Stats {
	var stats Stats
	logger := log.WithComponent("maintenance")

	ids, err := s.store.ListBatchIDs()
	if err != nil {
		logger.Error().Err(err).Msg("batch enumeration failed")
		return stats
	}

	now := time.Now()
	for _, id := range ids {
		batch, err := s.store.ReadBatch(id)
		if err != nil {
			logger.Error().Err(err).Str("batch_id", id).Msg("batch read failed")
			continue
		}

		if batch.Status.Terminal() {
			if now.Sub(batch.UpdatedAt) > batchAge {
				if err := s.tracker.Delete(id); err != nil {
					logger.Error().Err(err).Str("batch_id", id).Msg("batch delete failed")
					continue
				}
				metrics.CleanupBatchesRemoved.Inc()
				stats.BatchesCleaned++
			}
			continue
		}

		// Non-terminal: protected until the pending-age hard cap
		if now.Sub(batch.UpdatedAt) <= pendingAge {
			continue
		}

		if err := s.tracker.MarkFailed(id, "pending age cap exceeded"); err != nil {
			logger.Error().Err(err).Str("batch_id", id).Msg("batch fail-mark failed")
			continue
		}
		if err := s.tracker.Delete(id); err != nil {
			logger.Error().Err(err).Str("batch_id", id).Msg("batch delete failed")
			continue
		}
		metrics.CleanupBatchesRemoved.Inc()
		stats.PendingBatchesCleaned++
	}
	return stats
}
