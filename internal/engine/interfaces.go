package engine

import (
	"context"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/models"
)

// Transcriber is the speech-to-text collaborator. Implementations own
// their engine specifics; the core only sees text or an error.
type Transcriber interface {
	// Transcribe converts a complete audio segment (WAV) into text.
	// language is a hint and may be empty.
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// Completer is the language-model collaborator.
type Completer interface {
	// Complete produces a reply to prompt. contextMessages may be
	// empty or nil; implementations must tolerate both.
	Complete(ctx context.Context, prompt string, contextMessages []models.ContextMessage) (string, error)
}

// Synthesizer is the text-to-speech collaborator.
type Synthesizer interface {
	// Synthesize renders text as audio bytes.
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

// Transport is the connection boundary: inbound audio and outbound
// events. Implementations are owned by a single session loop.
type Transport interface {
	// ReceiveAudio blocks for the next inbound audio chunk. Returns
	// ErrDisconnected when the peer has gone away.
	ReceiveAudio(ctx context.Context) ([]byte, error)

	// SendStatus emits a pipeline status event.
	SendStatus(evt StatusEvent) error

	// SendAudio emits synthesized reply audio.
	SendAudio(audio []byte) error

	// SendError emits a structured, non-fatal error event.
	SendError(stage, message string) error
}

// TurnMetrics describes one completed turn for the hooks.
type TurnMetrics struct {
	Transcript string
	Reply      string
	LLMLatency time.Duration
	AudioIn    int
	AudioOut   int
	Duration   time.Duration
}

// SessionMetrics describes a finished session for the teardown hook.
type SessionMetrics struct {
	Turns      int
	AudioBytes int64
	AvgLLM     time.Duration
	Duration   time.Duration
}

// Hooks are optional observation points. Nil fields are skipped. They
// run on the session loop, so they must be quick; anything slow belongs
// behind a channel.
type Hooks struct {
	SessionOpened func(sessionID, userID string)
	TurnCompleted func(sessionID, userID string, m TurnMetrics)
	TurnFailed    func(sessionID, userID string, stage Stage, message string)
	SessionClosed func(sessionID, userID string, m SessionMetrics)
}
