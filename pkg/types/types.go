package types

import (
	"time"
)

// BatchStatus represents the lifecycle state of a batch
type BatchStatus string

const (
	BatchStatusCreated     BatchStatus = "created"
	BatchStatusInitialized BatchStatus = "initialized"
	BatchStatusProcessing  BatchStatus = "processing"
	BatchStatusCompleted   BatchStatus = "completed"
	BatchStatusFailed      BatchStatus = "failed"
)

// Terminal reports whether the status admits no further results
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// Counts holds the per-batch result counters.
// Invariant: Processed == Valid + Invalid + Errored.
type Counts struct {
	Processed int `json:"processed"`
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	Errored   int `json:"errored"`
}

// Batch is the unit of work: a set of images submitted together under
// one identifier and processed to completion.
type Batch struct {
	ID          string      `json:"id"`
	ClientID    string      `json:"client_id,omitempty"`
	Email       string      `json:"email,omitempty"`
	Total       *int        `json:"total,omitempty"`
	Counts      Counts      `json:"counts"`
	Status      BatchStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Results     []Result    `json:"results"`

	// Consumed records the pending-ledger keys whose results are already
	// in the document. The ledger files shrink after the document commit,
	// so a crash between the two writes is reconciled from this set.
	Consumed []string `json:"consumed,omitempty"`
}

// HasConsumed reports whether the given pending key was already committed
func (b *Batch) HasConsumed(key string) bool {
	for _, k := range b.Consumed {
		if k == key {
			return true
		}
	}
	return false
}

// DeclaredTotal returns the declared total, or 0 if not yet declared
func (b *Batch) DeclaredTotal() int {
	if b.Total == nil {
		return 0
	}
	return *b.Total
}

// ProgressPercent returns 100 * processed / max(total, 1)
func (b *Batch) ProgressPercent() float64 {
	total := b.DeclaredTotal()
	if total < 1 {
		total = 1
	}
	return 100 * float64(b.Counts.Processed) / float64(total)
}

// Result is the per-image verdict recorded against a batch.
// Exactly one of the {Confidence, DetectedBy, BBox} group or Error is
// populated for an attempted item.
type Result struct {
	Input      string    `json:"input"`
	IsValid    string    `json:"is_valid"`
	Confidence *float64  `json:"confidence,omitempty"`
	DetectedBy string    `json:"detected_by,omitempty"`
	BBox       []int     `json:"bbox,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	ResultValid   = "valid"
	ResultInvalid = "invalid"
)

// PendingFile is one entry of the file-mode pending ledger: the manifest
// mapping a safe batch-local name to the original upload name.
type PendingFile struct {
	LocalName    string `json:"local_name"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
}

// FileLedger is the durable to-do list for file-mode submissions
type FileLedger struct {
	Files []PendingFile `json:"files"`
}

// PendingURL is one entry of the URL-mode pending ledger. Key makes
// repeated submissions of the same URL distinct work items.
type PendingURL struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// URLLedger is the durable to-do list for URL-mode submissions
type URLLedger struct {
	URLs []PendingURL `json:"urls"`
}

// BatchSummary is the admin-facing view of a batch without its results
type BatchSummary struct {
	ID          string      `json:"id"`
	ClientID    string      `json:"client_id,omitempty"`
	Email       string      `json:"email,omitempty"`
	Total       *int        `json:"total,omitempty"`
	Counts      Counts      `json:"counts"`
	Status      BatchStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Summary projects a batch onto its summary view
func (b *Batch) Summary() BatchSummary {
	return BatchSummary{
		ID:          b.ID,
		ClientID:    b.ClientID,
		Email:       b.Email,
		Total:       b.Total,
		Counts:      b.Counts,
		Status:      b.Status,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
		CompletedAt: b.CompletedAt,
	}
}

// DashboardStats aggregates batch history for the admin dashboard
type DashboardStats struct {
	TotalBatches   int            `json:"total_batches"`
	ByStatus       map[string]int `json:"by_status"`
	TotalProcessed int            `json:"total_processed"`
	TotalValid     int            `json:"total_valid"`
	TotalInvalid   int            `json:"total_invalid"`
	TotalErrored   int            `json:"total_errored"`
	BatchesLast24h int            `json:"batches_last_24h"`
}
