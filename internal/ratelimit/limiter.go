// Package ratelimit provides sliding-window admission control per
// identifier. State is process-local: counts reset on restart, which is
// an accepted limitation, not a bug.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Window identifies one of the three trailing windows.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Duration returns the trailing span of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	}
	return 0
}

// Error reports a rejected admission and names the violated window.
type Error struct {
	Window Window
	Limit  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per %s", e.Limit, e.Window)
}

// Limits holds the per-window ceilings.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// DefaultLimits matches the reference deployment.
func DefaultLimits() Limits {
	return Limits{PerMinute: 10, PerHour: 100, PerDay: 1000}
}

// Limiter admits requests per identifier against sliding 60s/3600s/86400s
// windows. Safe for concurrent use: the check and the recording of an
// admitted request happen under one lock, so concurrent bursts from the
// same identifier cannot over-admit.
type Limiter struct {
	limits  Limits
	mu      sync.Mutex
	history map[string][]time.Time
}

// NewLimiter creates a limiter with the given ceilings.
func NewLimiter(limits Limits) *Limiter {
	return &Limiter{
		limits:  limits,
		history: make(map[string][]time.Time),
	}
}

// Allow checks every window ceiling for identifier at time now and, if
// all pass, records the request atomically. On rejection the returned
// error names the first violated window, checked minute then hour then
// day.
func (l *Limiter) Allow(identifier string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.prune(identifier, now)

	checks := []struct {
		window Window
		limit  int
	}{
		{WindowMinute, l.limits.PerMinute},
		{WindowHour, l.limits.PerHour},
		{WindowDay, l.limits.PerDay},
	}
	for _, c := range checks {
		if countSince(history, now.Add(-c.window.Duration())) >= c.limit {
			log.Debug().
				Str("identifier", identifier).
				Str("window", string(c.window)).
				Int("limit", c.limit).
				Msg("Request rejected by rate limiter")
			return &Error{Window: c.window, Limit: c.limit}
		}
	}

	l.history[identifier] = append(history, now)
	return nil
}

// Remaining returns how many requests identifier has left in the given
// window as of now. It never mutates state.
func (l *Limiter) Remaining(identifier string, window Window, now time.Time) int {
	var limit int
	switch window {
	case WindowMinute:
		limit = l.limits.PerMinute
	case WindowHour:
		limit = l.limits.PerHour
	case WindowDay:
		limit = l.limits.PerDay
	default:
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	used := countSince(l.history[identifier], now.Add(-window.Duration()))
	if used >= limit {
		return 0
	}
	return limit - used
}

// Reset clears history for one identifier.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.history, identifier)
	log.Info().Str("identifier", identifier).Msg("Rate limit reset")
}

// prune drops entries older than the 24-hour horizon and returns the
// retained slice. Caller must hold l.mu.
func (l *Limiter) prune(identifier string, now time.Time) []time.Time {
	cutoff := now.Add(-24 * time.Hour)
	history := l.history[identifier]

	// Timestamps are appended in order, so find the first retained one.
	keep := 0
	for keep < len(history) && !history[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		history = append([]time.Time(nil), history[keep:]...)
		l.history[identifier] = history
	}
	return history
}

// countSince counts timestamps strictly after cutoff.
func countSince(history []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range history {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
