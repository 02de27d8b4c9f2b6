// Package session provides admin bearer-token sessions with sliding
// expiry and per-session CSRF nonces.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrUnauthorized is returned for bad credentials or unknown/expired tokens
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the CSRF nonce does not match
	ErrForbidden = errors.New("forbidden")
)

// Session is an authenticated admin context
type Session struct {
	Token     string
	Username  string
	CSRF      string
	ExpiresAt time.Time
}

// Manager owns all process-local sessions. Sessions are not persisted
// across restarts; admins re-authenticate.
type Manager struct {
	username string
	password string
	ttl      time.Duration

	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewManager creates a session manager for the configured admin
// credentials
func NewManager(username, password string, ttl time.Duration) *Manager {
	return &Manager{
		username: username,
		password: password,
		ttl:      ttl,
		sessions: make(map[string]*Session),
	}
}

// Login checks credentials in constant time and mints a session with a
// bound CSRF nonce
func (m *Manager) Login(username, password string) (*Session, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.username))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(m.password))
	if userOK&passOK != 1 {
		return nil, ErrUnauthorized
	}

	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	csrf, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate csrf nonce: %w", err)
	}

	s := &Session{
		Token:     token,
		Username:  username,
		CSRF:      csrf,
		ExpiresAt: time.Now().Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[token] = s
	m.mu.Unlock()

	return s, nil
}

// Validate checks a bearer token and slides its expiry
func (m *Manager) Validate(token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return "", ErrUnauthorized
	}
	if time.Now().After(s.ExpiresAt) {
		delete(m.sessions, token)
		return "", ErrUnauthorized
	}

	s.ExpiresAt = time.Now().Add(m.ttl)
	return s.Username, nil
}

// CheckCSRF verifies the nonce bound to the session. Every mutating
// admin call must pass this after Validate.
func (m *Manager) CheckCSRF(token, csrf string) error {
	m.mu.RLock()
	s, ok := m.sessions[token]
	m.mu.RUnlock()

	if !ok {
		return ErrUnauthorized
	}
	if csrf == "" || subtle.ConstantTimeCompare([]byte(csrf), []byte(s.CSRF)) != 1 {
		return ErrForbidden
	}
	return nil
}

// Logout revokes a session
func (m *Manager) Logout(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

// CleanupExpired removes sessions past their expiry and returns how
// many were dropped
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	dropped := 0
	for token, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, token)
			dropped++
		}
	}
	return dropped
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// randomToken returns 256 bits of hex-encoded randomness
func randomToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
