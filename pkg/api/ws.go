package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/types"
)

const wsWriteTimeout = 10 * time.Second

// wsHandle adapts a websocket connection to the hub's transport
// interface. Writes are serialized; the hub's writer goroutine and the
// read loop's heartbeat acks share the connection.
type wsHandle struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (h *wsHandle) WriteJSON(v interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return h.conn.WriteJSON(v)
}

func (h *wsHandle) Close() error {
	return h.conn.Close()
}

// handleClientWS opens a progress channel for a client: GET /ws/{client_id}
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	s.serveWS(w, r, clientID, "")
}

// handleBatchWS opens a channel scoped to one batch:
// GET /ws/batch/{batch_id}
func (s *Server) handleBatchWS(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch_id"]
	clientID := "batch-" + batchID + "-" + uuid.New().String()[:8]
	s.serveWS(w, r, clientID, batchID)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, clientID, batchID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("api").Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	handle := &wsHandle{conn: conn}
	s.hub.Attach(clientID, handle)
	if batchID != "" {
		s.hub.Bind(batchID, clientID)
	}

	go s.readLoop(conn, handle, clientID)
}

// inboundFrame is what clients send: heartbeats and acks
type inboundFrame struct {
	Event string `json:"event"`
	TS    int64  `json:"ts"`
}

// readLoop consumes inbound frames. Any activity refreshes last_seen;
// heartbeats are acked. Read errors detach the client.
func (s *Server) readLoop(conn *websocket.Conn, handle *wsHandle, clientID string) {
	defer s.hub.Detach(clientID, handle)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(s.cfg.StaleWindow))
	conn.SetPongHandler(func(string) error {
		s.hub.Touch(clientID)
		return conn.SetReadDeadline(time.Now().Add(s.cfg.StaleWindow))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.StaleWindow))
		s.hub.Touch(clientID)

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Event == types.EventHeartbeat {
			s.hub.SendTo(clientID, types.HeartbeatAck{
				Event: types.EventHeartbeatAck,
				TS:    frame.TS,
			})
		}
	}
}
