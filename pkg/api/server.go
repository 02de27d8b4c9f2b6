// Package api is the HTTP surface: thin adapters that decode inputs,
// call into the tracker, pipeline, hub, and session components, and map
// errors onto statuses.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/veriflow/logocheck/pkg/config"
	"github.com/veriflow/logocheck/pkg/hub"
	"github.com/veriflow/logocheck/pkg/ingest"
	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/maintenance"
	"github.com/veriflow/logocheck/pkg/metrics"
	"github.com/veriflow/logocheck/pkg/session"
	"github.com/veriflow/logocheck/pkg/storage"
	"github.com/veriflow/logocheck/pkg/tracker"
)

// Server glues the HTTP routes onto the orchestration core
type Server struct {
	cfg      *config.Config
	tracker  *tracker.Tracker
	pipeline *ingest.Pipeline
	hub      *hub.Hub
	sessions *session.Manager
	maint    *maintenance.Scheduler
	store    storage.Store
	index    *storage.Index

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	// Per-route rate policies, per-IP sliding window
	singleLimit  *ipLimiters
	batchLimit   *ipLimiters
	csvLimit     *ipLimiters
	cleanupLimit *ipLimiters
}

// NewServer creates the API server and its route table
func NewServer(cfg *config.Config, trk *tracker.Tracker, pipe *ingest.Pipeline, h *hub.Hub,
	sessions *session.Manager, maint *maintenance.Scheduler, store storage.Store, index *storage.Index) *Server {

	s := &Server{
		cfg:      cfg,
		tracker:  trk,
		pipeline: pipe,
		hub:      h,
		sessions: sessions,
		maint:    maint,
		store:    store,
		index:    index,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		singleLimit:  newIPLimiters(100),
		batchLimit:   newIPLimiters(60),
		csvLimit:     newIPLimiters(10),
		cleanupLimit: newIPLimiters(2),
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// routes builds the router table. Middleware chain order on guarded
// routes is rate, then auth, then CSRF, then handler.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	// Batch lifecycle
	r.HandleFunc("/api/start-batch", s.handleStartBatch).Methods(http.MethodPost)
	r.HandleFunc("/api/init-batch", s.handleInitBatch).Methods(http.MethodPost)
	r.HandleFunc("/api/check-logo/single/",
		s.rateLimit(s.singleLimit, s.handleCheckSingle)).Methods(http.MethodPost)
	r.HandleFunc("/api/check-logo/batch/",
		s.rateLimit(s.batchLimit, s.handleSubmitBatch)).Methods(http.MethodPost)
	r.HandleFunc("/api/check-logo/batch/{id}/status", s.handleBatchStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/check-logo/batch/{id}/complete", s.handleBatchComplete).Methods(http.MethodPost)
	r.HandleFunc("/api/check-logo/batch/export-csv/{id}",
		s.rateLimit(s.csvLimit, s.handleExportCSV)).Methods(http.MethodGet)

	// Admin
	r.HandleFunc("/api/admin/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/logout",
		s.requireAuth(s.requireCSRF(s.handleLogout))).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/check-session", s.requireAuth(s.handleCheckSession)).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/batch-history", s.requireAuth(s.handleBatchHistory)).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/batch/{id}", s.requireAuth(s.handleBatchDetails)).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/batch/{id}/preview", s.requireAuth(s.handleBatchPreview)).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/dashboard-stats", s.requireAuth(s.handleDashboardStats)).Methods(http.MethodGet)

	// Maintenance
	r.HandleFunc("/maintenance/cleanup",
		s.rateLimit(s.cleanupLimit, s.requireAuth(s.handleCleanup))).Methods(http.MethodPost)

	// Progress channels
	r.HandleFunc("/ws/batch/{batch_id}", s.handleBatchWS).Methods(http.MethodGet)
	r.HandleFunc("/ws/{client_id}", s.handleClientWS).Methods(http.MethodGet)

	// Operational
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return r
}

// Start serves HTTP until Stop is called
func (s *Server) Start() error {
	log.WithComponent("api").Info().Str("addr", s.cfg.ListenAddr).Msg("http api listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully drains in-flight requests
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.WithComponent("api").Warn().Err(err).Msg("http shutdown incomplete")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
