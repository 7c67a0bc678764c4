// Package reconnect provides retry-with-backoff supervision around a
// caller-supplied reconnect action.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy controls a reconnection sequence.
type Policy struct {
	AutoReconnect bool
	MaxAttempts   int
	BaseDelay     time.Duration
}

// DefaultPolicy matches the reference connection preferences.
func DefaultPolicy() Policy {
	return Policy{
		AutoReconnect: true,
		MaxAttempts:   5,
		BaseDelay:     3 * time.Second,
	}
}

// PolicySource supplies the current reconnection policy. The user
// preferences store implements it, so a preference change takes effect
// on the next sequence without restarting.
type PolicySource interface {
	ReconnectPolicy() Policy
}

// staticPolicy is a PolicySource with fixed values.
type staticPolicy struct{ p Policy }

func (s staticPolicy) ReconnectPolicy() Policy { return s.p }

// StaticPolicy wraps a fixed Policy as a PolicySource.
func StaticPolicy(p Policy) PolicySource { return staticPolicy{p: p} }

// Supervisor runs bounded reconnection sequences. At most one sequence
// runs at a time per instance; overlapping calls fail immediately.
type Supervisor struct {
	policies PolicySource

	mu         sync.Mutex
	inProgress bool
	attempts   int
}

// NewSupervisor creates a supervisor reading policy from src.
func NewSupervisor(src PolicySource) *Supervisor {
	if src == nil {
		src = StaticPolicy(DefaultPolicy())
	}
	return &Supervisor{policies: src}
}

// Attempt runs a reconnection sequence using the current policy from
// the supervisor's PolicySource.
func (s *Supervisor) Attempt(ctx context.Context, reconnect func(ctx context.Context) error) bool {
	policy := s.policies.ReconnectPolicy()
	if !policy.AutoReconnect {
		log.Info().Msg("Auto-reconnect is disabled")
		return false
	}
	return s.AttemptWith(ctx, reconnect, policy.MaxAttempts, policy.BaseDelay)
}

// AttemptWith runs the reconnect action with exponential backoff:
// attempt i waits baseDelay * 2^(i-1) before invoking the action.
// Returns true on the first success, false after maxAttempts failures,
// and immediately false if a sequence is already in progress on this
// supervisor. The inter-attempt waits honor ctx, so the owning
// connection loop can abandon the sequence; no attempt runs after
// abandonment.
func (s *Supervisor) AttemptWith(ctx context.Context, reconnect func(ctx context.Context) error, maxAttempts int, baseDelay time.Duration) bool {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		log.Warn().Msg("Reconnection already in progress")
		return false
	}
	s.inProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
	}()

	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.Info().
			Int("attempt", attempt).
			Int("maxAttempts", maxAttempts).
			Dur("delay", delay).
			Msg("Reconnection attempt scheduled")

		select {
		case <-ctx.Done():
			log.Info().Msg("Reconnection abandoned")
			return false
		case <-time.After(delay):
		}

		err := reconnect(ctx)
		if err == nil {
			log.Info().Int("attempt", attempt).Msg("Reconnected")
			s.mu.Lock()
			s.attempts = 0
			s.mu.Unlock()
			return true
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnection attempt failed")
		s.mu.Lock()
		s.attempts = attempt
		s.mu.Unlock()
		delay *= 2
	}

	log.Error().Int("maxAttempts", maxAttempts).Msg("Failed to reconnect")
	return false
}

// Attempts returns the failure count of the current or last sequence.
// Zero after a successful reconnect.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// InProgress reports whether a sequence is currently running.
func (s *Supervisor) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// Reset clears the attempt counter and the in-progress flag.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.attempts = 0
	s.inProgress = false
	s.mu.Unlock()
}
