// Package prefs provides user preference storage for vocalis. A single
// JSON file holds category/key settings; the connection category feeds
// the reconnection supervisor's policy.
package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/vocalis-ai/vocalis/pkg/reconnect"
)

// AudioPrefs holds audio capture settings.
type AudioPrefs struct {
	SampleRate int    `json:"sample_rate"`
	Quality    string `json:"quality"`
	Format     string `json:"format"`
}

// FeaturePrefs toggles optional pipeline features.
type FeaturePrefs struct {
	VADEnabled bool `json:"vad_enabled"`
}

// ConnectionPrefs controls reconnection behavior.
type ConnectionPrefs struct {
	AutoReconnect  bool `json:"auto_reconnect"`
	ReconnectDelay int  `json:"reconnect_delay"` // seconds
	MaxRetries     int  `json:"max_retries"`
}

// Preferences is the full persisted preference document.
type Preferences struct {
	Audio      AudioPrefs      `json:"audio"`
	Features   FeaturePrefs    `json:"features"`
	Connection ConnectionPrefs `json:"connection"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// defaults returns the preference document used when no file exists.
func defaults() Preferences {
	return Preferences{
		Audio: AudioPrefs{
			SampleRate: 16000,
			Quality:    "medium",
			Format:     "wav",
		},
		Features: FeaturePrefs{
			VADEnabled: true,
		},
		Connection: ConnectionPrefs{
			AutoReconnect:  true,
			ReconnectDelay: 3,
			MaxRetries:     5,
		},
		UpdatedAt: time.Now(),
	}
}

// Store loads, persists, and serves preferences. Safe for concurrent
// use. Implements reconnect.PolicySource.
type Store struct {
	path string

	mu    sync.RWMutex
	prefs Preferences
}

// NewStore loads preferences from path, falling back to defaults when
// the file is missing or unreadable.
func NewStore(path string) *Store {
	s := &Store{path: path, prefs: defaults()}
	if err := s.reload(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Using default preferences")
	}
	return s
}

// Get returns a copy of the current preferences.
func (s *Store) Get() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

// Update applies fn to the preferences and persists the result.
func (s *Store) Update(fn func(*Preferences)) error {
	s.mu.Lock()
	fn(&s.prefs)
	s.prefs.UpdatedAt = time.Now()
	snapshot := s.prefs
	s.mu.Unlock()

	return s.save(snapshot)
}

// ReconnectPolicy implements reconnect.PolicySource from the connection
// preferences.
func (s *Store) ReconnectPolicy() reconnect.Policy {
	s.mu.RLock()
	conn := s.prefs.Connection
	s.mu.RUnlock()

	policy := reconnect.Policy{
		AutoReconnect: conn.AutoReconnect,
		MaxAttempts:   conn.MaxRetries,
		BaseDelay:     time.Duration(conn.ReconnectDelay) * time.Second,
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = reconnect.DefaultPolicy().MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = reconnect.DefaultPolicy().BaseDelay
	}
	return policy
}

// reload reads the preference file into memory.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var loaded Preferences
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parse preferences %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.prefs = loaded
	s.mu.Unlock()

	log.Debug().Str("path", s.path).Msg("Preferences loaded")
	return nil
}

// save writes preferences atomically: temp file then rename.
func (s *Store) save(p Preferences) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create preferences dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}

	log.Info().Str("path", s.path).Msg("Preferences saved")
	return nil
}
