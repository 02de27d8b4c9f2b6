package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/veriflow/logocheck/pkg/types"
)

var bucketBatches = []byte("batches")

// Index is a bbolt-backed summary index over batch documents. It serves
// the admin history and dashboard endpoints without scanning every JSON
// document on each request. The JSON documents remain the source of
// truth: the index is rebuilt from them at startup.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (or creates) the index database under the store root
func OpenIndex(root string) (*Index, error) {
	dbPath := filepath.Join(root, "index.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBatches); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketBatches, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Index{db: db}, nil
}

// Close closes the index database
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Put upserts a batch summary
func (ix *Index) Put(summary types.BatchSummary) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		data, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		return b.Put([]byte(summary.ID), data)
	})
}

// Delete removes a batch summary
func (ix *Index) Delete(id string) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatches).Delete([]byte(id))
	})
}

// List returns all batch summaries, newest first
func (ix *Index) List() ([]types.BatchSummary, error) {
	var summaries []types.BatchSummary
	err := ix.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatches).ForEach(func(k, v []byte) error {
			var s types.BatchSummary
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			summaries = append(summaries, s)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list batch summaries: %w", err)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// Stats aggregates the index into dashboard statistics
func (ix *Index) Stats() (*types.DashboardStats, error) {
	summaries, err := ix.List()
	if err != nil {
		return nil, err
	}

	stats := &types.DashboardStats{
		ByStatus: make(map[string]int),
	}
	dayAgo := time.Now().Add(-24 * time.Hour)

	for _, s := range summaries {
		stats.TotalBatches++
		stats.ByStatus[string(s.Status)]++
		stats.TotalProcessed += s.Counts.Processed
		stats.TotalValid += s.Counts.Valid
		stats.TotalInvalid += s.Counts.Invalid
		stats.TotalErrored += s.Counts.Errored
		if s.CreatedAt.After(dayAgo) {
			stats.BatchesLast24h++
		}
	}
	return stats, nil
}

// Rebuild repopulates the index from the batch documents in the store.
// Called once at startup, before serving admin traffic.
func (ix *Index) Rebuild(store Store) error {
	ids, err := store.ListBatchIDs()
	if err != nil {
		return fmt.Errorf("failed to enumerate batches: %w", err)
	}

	return ix.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketBatches); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketBatches)
		if err != nil {
			return err
		}

		for _, id := range ids {
			batch, err := store.ReadBatch(id)
			if err != nil {
				// Skip unreadable documents; recovery logs them
				continue
			}
			data, err := json.Marshal(batch.Summary())
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}
