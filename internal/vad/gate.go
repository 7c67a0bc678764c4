// Package vad provides energy-based voice activity detection over raw
// 16-bit little-endian PCM. It segments a continuous audio stream into
// utterances: once speech has been heard, a sustained stretch of
// silence marks the turn boundary.
package vad

import (
	"encoding/binary"
	"time"
)

const (
	// DefaultSilenceThreshold is the normalized mean amplitude below
	// which a chunk counts as silence.
	DefaultSilenceThreshold = 0.015

	// DefaultMinSilence is how long silence must persist after speech
	// before the utterance is considered finished.
	DefaultMinSilence = 1500 * time.Millisecond

	// pcmFullScale normalizes 16-bit sample amplitudes into [0,1].
	pcmFullScale = 32768.0
)

// Gate detects utterance boundaries in an audio stream. One Gate per
// stream; not safe for concurrent use and never needs to be.
type Gate struct {
	silenceThreshold float64
	minSilence       time.Duration

	speaking     bool
	silenceStart time.Time
	now          func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithSilenceThreshold overrides the silence energy threshold.
func WithSilenceThreshold(threshold float64) Option {
	return func(g *Gate) { g.silenceThreshold = threshold }
}

// WithMinSilence overrides the required silence duration.
func WithMinSilence(d time.Duration) Option {
	return func(g *Gate) { g.minSilence = d }
}

// withClock substitutes the time source, for tests.
func withClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a voice activity gate with default thresholds.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		silenceThreshold: DefaultSilenceThreshold,
		minSilence:       DefaultMinSilence,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Reset clears speech state. Call when a new utterance begins.
func (g *Gate) Reset() {
	g.speaking = false
	g.silenceStart = time.Time{}
}

// Check processes one audio chunk and reports whether the current
// utterance has just ended. Detection is best-effort: malformed or
// empty chunks never end an utterance.
func (g *Gate) Check(chunk []byte) bool {
	energy := Energy(chunk)

	if energy > g.silenceThreshold {
		g.speaking = true
		g.silenceStart = time.Time{}
		return false
	}

	if !g.speaking {
		return false
	}

	now := g.now()
	if g.silenceStart.IsZero() {
		g.silenceStart = now
		return false
	}

	if now.Sub(g.silenceStart) >= g.minSilence {
		g.speaking = false
		return true
	}
	return false
}

// Speaking reports whether speech has been heard since the last reset.
func (g *Gate) Speaking() bool {
	return g.speaking
}

// Energy returns the normalized mean absolute amplitude of a 16-bit
// little-endian PCM chunk, in [0,1]. A trailing odd byte is ignored.
func Energy(chunk []byte) float64 {
	samples := len(chunk) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < samples*2; i += 2 {
		sample := int16(binary.LittleEndian.Uint16(chunk[i : i+2]))
		if sample < 0 {
			sum += float64(-int32(sample))
		} else {
			sum += float64(sample)
		}
	}
	return sum / float64(samples) / pcmFullScale
}
