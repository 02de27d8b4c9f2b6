package types

// Progress-broadcast payloads pushed to subscribed clients. Shapes are
// wire-level JSON; field order and names are part of the contract.

// ProgressEvent reports one committed result
type ProgressEvent struct {
	Event         string  `json:"event"`
	BatchID       string  `json:"batch_id"`
	Processed     int     `json:"processed"`
	Total         int     `json:"total"`
	Percent       float64 `json:"percent"`
	CurrentInput  string  `json:"current_input,omitempty"`
	CurrentStatus string  `json:"current_status,omitempty"`
}

// RetryStartEvent announces that an item entered its retry loop
type RetryStartEvent struct {
	Event      string `json:"event"`
	BatchID    string `json:"batch_id"`
	RetryTotal int    `json:"retry_total"`
}

// CompleteEvent is the final event for a batch; no progress follows it
type CompleteEvent struct {
	Event     string `json:"event"`
	BatchID   string `json:"batch_id"`
	Processed int    `json:"processed"`
	Valid     int    `json:"valid"`
	Invalid   int    `json:"invalid"`
	Errored   int    `json:"errored"`
}

// HeartbeatAck answers a client heartbeat
type HeartbeatAck struct {
	Event string `json:"event"`
	TS    int64  `json:"ts"`
}

const (
	EventProgress     = "progress"
	EventRetryStart   = "retry_start"
	EventComplete     = "complete"
	EventHeartbeat    = "heartbeat"
	EventHeartbeatAck = "heartbeat_ack"
)

// NewProgressEvent builds a progress payload from a batch snapshot
func NewProgressEvent(b *Batch, currentInput, currentStatus string) ProgressEvent {
	return ProgressEvent{
		Event:         EventProgress,
		BatchID:       b.ID,
		Processed:     b.Counts.Processed,
		Total:         b.DeclaredTotal(),
		Percent:       b.ProgressPercent(),
		CurrentInput:  currentInput,
		CurrentStatus: currentStatus,
	}
}

// NewCompleteEvent builds the terminal payload for a batch
func NewCompleteEvent(b *Batch) CompleteEvent {
	return CompleteEvent{
		Event:     EventComplete,
		BatchID:   b.ID,
		Processed: b.Counts.Processed,
		Valid:     b.Counts.Valid,
		Invalid:   b.Counts.Invalid,
		Errored:   b.Counts.Errored,
	}
}
