// Package hub is the progress-broadcast substrate: a process-wide
// registry of connected clients, the batch-to-client subscription index,
// and per-client outbound queues with heartbeat-based stale pruning.
package hub

import (
	"sync"
	"time"

	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/metrics"
)

// Handle is a bidirectional channel endpoint owned by the hub once
// attached. The websocket layer implements it; tests use a fake.
type Handle interface {
	WriteJSON(v interface{}) error
	Close() error
}

const outboundQueue = 64

type client struct {
	id       string
	hub      *Hub
	handle   Handle
	lastSeen time.Time
	batches  map[string]struct{}

	out  chan interface{}
	done chan struct{}
}

// Hub owns all client subscriptions. Delivery is best-effort ordered per
// client: each client has one bounded queue drained by one writer
// goroutine, and a full queue or failed send prunes the client.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
	byBatch map[string]map[string]struct{}

	staleWindow time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New creates a hub with the given inactivity window
func New(staleWindow time.Duration) *Hub {
	return &Hub{
		clients:     make(map[string]*client),
		byBatch:     make(map[string]map[string]struct{}),
		staleWindow: staleWindow,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the periodic stale-prune loop
func (h *Hub) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.Prune()
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop stops the prune loop and closes every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.drop(id)
	}
}

// Attach registers a listener for a client ID. If the client already has
// a handle, the previous one is closed cleanly first.
func (h *Hub) Attach(clientID string, handle Handle) {
	h.mu.Lock()
	prev := h.clients[clientID]

	c := &client{
		id:       clientID,
		hub:      h,
		handle:   handle,
		lastSeen: time.Now(),
		batches:  make(map[string]struct{}),
		out:      make(chan interface{}, outboundQueue),
		done:     make(chan struct{}),
	}
	if prev != nil {
		// Carry existing batch bindings across reconnects
		for b := range prev.batches {
			c.batches[b] = struct{}{}
		}
	}
	h.clients[clientID] = c
	h.mu.Unlock()

	if prev != nil {
		close(prev.done)
		prev.handle.Close()
	} else {
		metrics.WSClientsConnected.Inc()
	}

	go c.writeLoop()
	log.WithClientID(clientID).Debug().Msg("progress client attached")
}

// writeLoop drains the outbound queue to the transport handle. A failed
// write deregisters the client so the hub stops tracking a dead peer.
func (c *client) writeLoop() {
	for {
		select {
		case ev := <-c.out:
			if err := c.handle.WriteJSON(ev); err != nil {
				log.WithClientID(c.id).Debug().Err(err).Msg("progress write failed, dropping client")
				c.hub.Detach(c.id, c.handle)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Bind associates batch updates with a client. Idempotent.
func (h *Hub) Bind(batchID, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[clientID]; ok {
		c.batches[batchID] = struct{}{}
	}
	set, ok := h.byBatch[batchID]
	if !ok {
		set = make(map[string]struct{})
		h.byBatch[batchID] = set
	}
	set[clientID] = struct{}{}
}

// Publish enqueues an event to every client bound to the batch. Never
// blocks: a client whose queue is full is marked dead and pruned.
func (h *Hub) Publish(batchID string, event interface{}) {
	h.mu.Lock()
	var targets []*client
	for clientID := range h.byBatch[batchID] {
		if c, ok := h.clients[clientID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.out <- event:
		default:
			log.WithClientID(c.id).Warn().Msg("progress queue overflow, pruning client")
			h.drop(c.id)
		}
	}
}

// SendTo enqueues an event to a single client regardless of batch
// bindings. Used for heartbeat acks.
func (h *Hub) SendTo(clientID string, event interface{}) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}

	select {
	case c.out <- event:
	default:
		h.drop(clientID)
	}
}

// Touch refreshes last_seen on any inbound activity
func (h *Hub) Touch(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.lastSeen = time.Now()
	}
}

// Detach removes a client if it still owns the given handle. A handle
// replaced by a reconnect does not tear down its successor.
func (h *Hub) Detach(clientID string, handle Handle) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok || c.handle != handle {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.drop(clientID)
}

// Prune closes and drops clients whose last_seen exceeds the inactivity
// window
func (h *Hub) Prune() {
	cutoff := time.Now().Add(-h.staleWindow)

	h.mu.Lock()
	var stale []string
	for id, c := range h.clients {
		if c.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		log.WithClientID(id).Debug().Msg("pruning stale progress client")
		h.drop(id)
	}
}

// drop removes a client, closes its handle, and unbinds its batches
func (h *Hub) drop(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)
	for b := range c.batches {
		if set, ok := h.byBatch[b]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(h.byBatch, b)
			}
		}
	}
	h.mu.Unlock()

	close(c.done)
	c.handle.Close()
	metrics.WSClientsConnected.Dec()
	metrics.WSClientsPruned.Inc()
}

// ClientCount returns the number of attached clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
