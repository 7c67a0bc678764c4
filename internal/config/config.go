// Package config provides configuration management for vocalis.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the reference deployment.
const (
	DefaultAddr = ":8080"

	DefaultMaxTokens          = 2000
	DefaultMaxMessages        = 10
	DefaultSummarizeThreshold = 15

	DefaultRequestsPerMinute = 10
	DefaultRequestsPerHour   = 100
	DefaultRequestsPerDay    = 1000

	DefaultSessionTimeout = 30 * time.Minute
	DefaultSweepInterval  = time.Minute

	DefaultSTTTimeout = 30 * time.Second
	DefaultLLMTimeout = 120 * time.Second
	DefaultTTSTimeout = 30 * time.Second
)

// Duration wraps time.Duration so YAML values like "30s" or "5m"
// decode naturally.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML parses a duration string with unit suffix.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration with its unit suffix.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DefaultImportantKeywords mark messages that survive memory compaction.
var DefaultImportantKeywords = []string{
	"important", "remember", "note", "save", "key", "critical",
	"don't forget", "keep in mind", "essential",
}

// Estimator selection for memory token counting.
const (
	EstimatorHeuristic = "heuristic"
	EstimatorBPE       = "bpe"
)

// MemoryConfig bounds per-connection conversation memory.
type MemoryConfig struct {
	MaxTokens          int      `yaml:"max_tokens"`
	MaxMessages        int      `yaml:"max_messages"`
	SummarizeThreshold int      `yaml:"summarize_threshold"`
	ImportantKeywords  []string `yaml:"important_keywords"`

	// Estimator picks the token counter: "heuristic" (chars/4) or
	// "bpe" (real cl100k tokenization).
	Estimator string `yaml:"estimator"`
}

// RateLimitConfig holds sliding-window admission ceilings.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour"`
	RequestsPerDay    int `yaml:"requests_per_day"`
}

// SessionConfig controls registry lifecycle behavior.
type SessionConfig struct {
	IdleTimeout   Duration `yaml:"idle_timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// VADConfig tunes the energy-based voice activity gate.
type VADConfig struct {
	Enabled          bool     `yaml:"enabled"`
	SilenceThreshold float64  `yaml:"silence_threshold"`
	MinSilence       Duration `yaml:"min_silence"`
}

// CollaboratorConfig carries endpoints and per-call timeouts for the
// external engines.
type CollaboratorConfig struct {
	STTURL string `yaml:"stt_url"`
	LLMURL string `yaml:"llm_url"`
	TTSURL string `yaml:"tts_url"`

	STTTimeout Duration `yaml:"stt_timeout"`
	LLMTimeout Duration `yaml:"llm_timeout"`
	TTSTimeout Duration `yaml:"tts_timeout"`
}

// Config is the full vocalisd configuration.
type Config struct {
	Addr          string             `yaml:"addr"`
	Debug         bool               `yaml:"debug"`
	Memory        MemoryConfig       `yaml:"memory"`
	RateLimit     RateLimitConfig    `yaml:"rate_limit"`
	Session       SessionConfig      `yaml:"session"`
	VAD           VADConfig          `yaml:"vad"`
	Collaborators CollaboratorConfig `yaml:"collaborators"`
	AnalyticsPath string             `yaml:"analytics_path"`
	PrefsPath     string             `yaml:"prefs_path"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Addr: DefaultAddr,
		Memory: MemoryConfig{
			MaxTokens:          DefaultMaxTokens,
			MaxMessages:        DefaultMaxMessages,
			SummarizeThreshold: DefaultSummarizeThreshold,
			ImportantKeywords:  append([]string(nil), DefaultImportantKeywords...),
			Estimator:          EstimatorHeuristic,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: DefaultRequestsPerMinute,
			RequestsPerHour:   DefaultRequestsPerHour,
			RequestsPerDay:    DefaultRequestsPerDay,
		},
		Session: SessionConfig{
			IdleTimeout:   Duration(DefaultSessionTimeout),
			SweepInterval: Duration(DefaultSweepInterval),
		},
		VAD: VADConfig{
			Enabled:          false,
			SilenceThreshold: 0.015,
			MinSilence:       Duration(1500 * time.Millisecond),
		},
		Collaborators: CollaboratorConfig{
			STTURL:     "http://localhost:9000/v1/transcribe",
			LLMURL:     "http://localhost:9001/v1/complete",
			TTSURL:     "http://localhost:9002/v1/synthesize",
			STTTimeout: Duration(DefaultSTTTimeout),
			LLMTimeout: Duration(DefaultLLMTimeout),
			TTSTimeout: Duration(DefaultTTSTimeout),
		},
		AnalyticsPath: filepath.Join(DataDir(), "analytics.db"),
		PrefsPath:     filepath.Join(DataDir(), "preferences.json"),
	}
}

// DataDir returns the vocalis data directory (~/.vocalis).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vocalis"
	}
	return filepath.Join(home, ".vocalis")
}

// EnsureDataDir creates the data directory if it does not exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}

// Load reads configuration from path. A missing file yields defaults;
// a present but invalid file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects contradictory or non-positive limits. Configuration
// errors are fatal at construction time, never at call time.
func (c *Config) Validate() error {
	if c.Memory.MaxTokens <= 0 {
		return fmt.Errorf("memory.max_tokens must be positive, got %d", c.Memory.MaxTokens)
	}
	if c.Memory.MaxMessages < 2 {
		return fmt.Errorf("memory.max_messages must be at least 2, got %d", c.Memory.MaxMessages)
	}
	if c.Memory.SummarizeThreshold <= 0 {
		return fmt.Errorf("memory.summarize_threshold must be positive, got %d", c.Memory.SummarizeThreshold)
	}
	switch c.Memory.Estimator {
	case "", EstimatorHeuristic, EstimatorBPE:
	default:
		return fmt.Errorf("memory.estimator must be %q or %q, got %q",
			EstimatorHeuristic, EstimatorBPE, c.Memory.Estimator)
	}
	rl := c.RateLimit
	if rl.RequestsPerMinute <= 0 || rl.RequestsPerHour <= 0 || rl.RequestsPerDay <= 0 {
		return fmt.Errorf("rate_limit ceilings must be positive, got %d/%d/%d",
			rl.RequestsPerMinute, rl.RequestsPerHour, rl.RequestsPerDay)
	}
	if rl.RequestsPerMinute > rl.RequestsPerHour || rl.RequestsPerHour > rl.RequestsPerDay {
		return fmt.Errorf("rate_limit ceilings must be non-decreasing across windows, got %d/%d/%d",
			rl.RequestsPerMinute, rl.RequestsPerHour, rl.RequestsPerDay)
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be positive, got %v", c.Session.IdleTimeout)
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive, got %v", c.Session.SweepInterval)
	}
	if c.VAD.SilenceThreshold < 0 || c.VAD.SilenceThreshold > 1 {
		return fmt.Errorf("vad.silence_threshold must be in [0,1], got %v", c.VAD.SilenceThreshold)
	}
	return nil
}
