// Package analytics provides persistent usage tracking for vocalis.
// The session engine reports through the turn-completion and teardown
// hooks; nothing here sits on the audio hot path.
package analytics

// Conversation is one completed session's usage record.
type Conversation struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	SessionID     string `gorm:"index;not null"`
	UserID        string `gorm:"index;not null"`
	Turns         int    `gorm:"not null"`
	AudioBytes    int64  `gorm:"not null"`
	AvgLLMMillis  int64  `gorm:"not null"`
	StartedEpoch  int64  `gorm:"not null"`
	FinishedEpoch int64  `gorm:"not null"`
}

// ErrorRecord is one tracked pipeline failure.
type ErrorRecord struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Stage        string `gorm:"index;not null"`
	Message      string `gorm:"not null"`
	SessionID    string `gorm:"index"`
	CreatedEpoch int64  `gorm:"index;not null"`
}

// Stats is an aggregate snapshot for the status endpoint.
type Stats struct {
	Conversations   int64   `json:"conversations"`
	TotalTurns      int64   `json:"total_turns"`
	TotalAudioBytes int64   `json:"total_audio_bytes"`
	Errors          int64   `json:"errors"`
	AvgLLMMillis    float64 `json:"avg_llm_millis"`
}
