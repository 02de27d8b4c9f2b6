package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/types"
)

// handleLogin mints an admin session: POST /api/admin/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	sess, err := s.sessions.Login(r.FormValue("username"), r.FormValue("password"))
	if err != nil {
		log.WithComponent("api").Warn().Str("ip", clientIP(r)).Msg("admin login rejected")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token": sess.Token,
		"csrf":  sess.CSRF,
	})
}

// handleLogout revokes the session: POST /api/admin/logout.
// Auth and CSRF checks run in the middleware chain.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(r.Header.Get(authHeader))
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// handleCheckSession confirms the token is live:
// GET /api/admin/check-session
func (s *Server) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	username, err := s.sessions.Validate(r.Header.Get(authHeader))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username})
}

// handleBatchHistory lists all known batches, newest first:
// GET /api/admin/batch-history
func (s *Server) handleBatchHistory(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.index.List()
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if summaries == nil {
		summaries = []types.BatchSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleBatchDetails returns the full batch document:
// GET /api/admin/batch/{id}
func (s *Server) handleBatchDetails(w http.ResponseWriter, r *http.Request) {
	batch, err := s.tracker.Load(mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

const previewRows = 5

// handleBatchPreview returns the first result rows:
// GET /api/admin/batch/{id}/preview
func (s *Server) handleBatchPreview(w http.ResponseWriter, r *http.Request) {
	batch, err := s.tracker.Load(mux.Vars(r)["id"])
	if err != nil {
		writeMappedError(w, err)
		return
	}

	preview := batch.Results
	if len(preview) > previewRows {
		preview = preview[:previewRows]
	}
	writeJSON(w, http.StatusOK, map[string][]types.Result{"preview": preview})
}

// handleDashboardStats aggregates batch history:
// GET /api/admin/dashboard-stats
func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.index.Stats()
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleCleanup runs a manual maintenance sweep:
// POST /maintenance/cleanup
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	batchAge := durationParam(q.Get("batch_age_hours"), time.Hour, s.cfg.BatchAge)
	tempAge := durationParam(q.Get("temp_age_minutes"), time.Minute, s.cfg.TempAge)
	pendingAge := durationParam(q.Get("pending_age_hours"), time.Hour, s.cfg.PendingAge)

	stats := s.maint.RunCleanup(batchAge, tempAge, pendingAge)
	writeJSON(w, http.StatusOK, stats)
}

// durationParam parses a numeric query parameter scaled by unit,
// falling back to the configured default
func durationParam(raw string, unit, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return time.Duration(n) * unit
}
