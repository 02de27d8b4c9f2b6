package api

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/veriflow/logocheck/pkg/log"
	"github.com/veriflow/logocheck/pkg/session"
)

const authHeader = "X-Auth-Token"
const csrfHeader = "X-CSRF-Token"

// ipLimiters tracks one token bucket per client IP for a single route
// policy
type ipLimiters struct {
	perMinute int
	limiters  map[string]*rate.Limiter
	mu        sync.Mutex
}

func newIPLimiters(perMinute int) *ipLimiters {
	return &ipLimiters{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// maxTrackedIPs bounds the limiter table; the whole table is cleared
// when a new IP would push it past the cap
const maxTrackedIPs = 10000

func (l *ipLimiters) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= maxTrackedIPs {
			log.WithComponent("api").Info().Int("count", len(l.limiters)).Msg("clearing rate limiters")
			l.limiters = make(map[string]*rate.Limiter)
		}
		// Sliding-window approximation: refill at limit/min, burst up
		// to the full window
		lim = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// rateLimit enforces a per-IP request budget for one route
func (s *Server) rateLimit(limiters *ipLimiters, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiters.allow(ip) {
			log.WithComponent("api").Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// requireAuth validates the bearer token and slides session expiry
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(authHeader)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing auth token")
			return
		}
		if _, err := s.sessions.Validate(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// requireCSRF enforces the session-bound nonce on mutating admin calls.
// Must run after requireAuth.
func (s *Server) requireCSRF(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(authHeader)
		if err := s.sessions.CheckCSRF(token, r.Header.Get(csrfHeader)); err != nil {
			if err == session.ErrForbidden {
				writeError(w, http.StatusForbidden, "invalid csrf token")
			} else {
				writeError(w, http.StatusUnauthorized, "unauthorized")
			}
			return
		}
		next(w, r)
	}
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
