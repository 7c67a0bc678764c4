// Package session provides session lifecycle management for vocalis.
// Sessions are process-local and in-memory; they do not survive a
// restart.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a session ID is unknown to the registry.
var ErrNotFound = errors.New("session not found")

// Session is one live connection's identity and activity record. The
// connection handler is the sole mutator; the registry only refreshes
// LastActivity on lookup.
type Session struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	TurnCount    int       `json:"turn_count"`
	Active       bool      `json:"active"`
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivity = time.Now()
}

// IncrementTurn bumps the turn counter and refreshes activity.
func (s *Session) IncrementTurn() {
	s.TurnCount++
	s.Touch()
}

// Registry owns the set of live sessions. Safe for concurrent use by
// many connection loops.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create allocates a new session. Empty sessionID or userID are
// generated.
func (r *Registry) Create(sessionID, userID string) *Session {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if userID == "" {
		userID = "user_" + uuid.NewString()[:8]
	}

	now := time.Now()
	sess := &Session{
		SessionID:    sessionID,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}

	r.mu.Lock()
	r.sessions[sessionID] = sess
	total := len(r.sessions)
	r.mu.Unlock()

	log.Info().
		Str("sessionId", sessionID).
		Str("userId", userID).
		Int("totalSessions", total).
		Msg("Session created")

	return sess
}

// Get returns the session and refreshes its activity timestamp.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	sess.Touch()
	return sess, nil
}

// Remove deactivates and deletes a session. Removing an unknown ID is
// a no-op. A removed session never becomes active again; reconnection
// creates a new one.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		sess.Active = false
		delete(r.sessions, sessionID)
	}
	remaining := len(r.sessions)
	r.mu.Unlock()

	if ok {
		log.Info().
			Str("sessionId", sessionID).
			Int("remaining", remaining).
			Msg("Session removed")
	}
}

// IncrementTurn bumps the session's turn counter and refreshes its
// activity under the registry lock, so connection loops never race the
// idle sweeper.
func (r *Registry) IncrementTurn(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.IncrementTurn()
	return nil
}

// SweepIdle removes every session whose last activity precedes
// now-timeout and returns how many were removed.
func (r *Registry) SweepIdle(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	var stale []string
	for id, sess := range r.sessions {
		if sess.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.sessions[id].Active = false
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if len(stale) > 0 {
		log.Info().Int("swept", len(stale)).Msg("Idle sessions removed")
	}
	return len(stale)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns copies of all live sessions, for status endpoints.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	return out
}

// Sweeper periodically runs SweepIdle outside any request path.
type Sweeper struct {
	registry *Registry
	timeout  time.Duration
	interval time.Duration
}

// NewSweeper creates an idle-session sweeper.
func NewSweeper(registry *Registry, timeout, interval time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		timeout:  timeout,
		interval: interval,
	}
}

// Run sweeps on a ticker until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.registry.SweepIdle(s.timeout)
		}
	}
}
