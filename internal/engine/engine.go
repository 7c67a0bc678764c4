// Package engine runs the per-connection voice conversation loop:
// audio in, transcription, context-aware model reply, synthesis, audio
// out. One Engine per connection; the only state shared across
// connections lives in the session registry and the rate limiter, both
// internally synchronized.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vocalis-ai/vocalis/internal/audio"
	"github.com/vocalis-ai/vocalis/internal/memory"
	"github.com/vocalis-ai/vocalis/internal/relevance"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/internal/vad"
	"github.com/vocalis-ai/vocalis/pkg/models"
)

// State is the per-connection control-loop state.
type State string

const (
	StateConnected     State = "connected"
	StateAwaitingAudio State = "awaiting_audio"
	StateTranscribing  State = "transcribing"
	StateAwaitingModel State = "awaiting_model"
	StateSynthesizing  State = "synthesizing"
	StateDisconnected  State = "disconnected"
)

// StatusEvent is the outbound status frame mirrored to the transport.
type StatusEvent struct {
	Status    State  `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Response  string `json:"response,omitempty"`
}

// Config tunes one engine instance.
type Config struct {
	STTTimeout time.Duration
	LLMTimeout time.Duration
	TTSTimeout time.Duration

	// ContextTokenLimit bounds the history slice handed to the
	// relevance analyzer.
	ContextTokenLimit int
	// MaxContextMessages bounds what is actually disclosed to the LLM.
	MaxContextMessages int

	// Language is the hint passed to the STT and TTS collaborators.
	Language string

	// VADEnabled turns on server-side utterance segmentation. When
	// off, every inbound chunk batch is treated as a full segment,
	// with the transport signaling utterance boundaries.
	VADEnabled bool
}

// Engine is one connection's control loop and its wiring.
type Engine struct {
	cfg      Config
	sess     *session.Session
	registry *session.Registry
	memory   *memory.Memory
	analyzer *relevance.Analyzer
	gate     *vad.Gate
	buffer   *audio.Buffer

	stt       Transcriber
	llm       Completer
	tts       Synthesizer
	transport Transport
	hooks     Hooks

	state State

	started    time.Time
	turns      int
	audioBytes int64
	llmTotal   time.Duration
}

// New wires an engine for one connection. All collaborators are
// required; hooks may be zero.
func New(
	cfg Config,
	sess *session.Session,
	registry *session.Registry,
	mem *memory.Memory,
	analyzer *relevance.Analyzer,
	gate *vad.Gate,
	stt Transcriber,
	llm Completer,
	tts Synthesizer,
	transport Transport,
	hooks Hooks,
) *Engine {
	if cfg.STTTimeout <= 0 {
		cfg.STTTimeout = 30 * time.Second
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 120 * time.Second
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = 30 * time.Second
	}
	if cfg.ContextTokenLimit <= 0 {
		cfg.ContextTokenLimit = 2000
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = relevance.DefaultMaxContextMessages
	}

	return &Engine{
		cfg:       cfg,
		sess:      sess,
		registry:  registry,
		memory:    mem,
		analyzer:  analyzer,
		gate:      gate,
		buffer:    audio.NewBuffer(),
		stt:       stt,
		llm:       llm,
		tts:       tts,
		transport: transport,
		hooks:     hooks,
		state:     StateConnected,
	}
}

// State returns the current control-loop state.
func (e *Engine) State() State {
	return e.state
}

// Run drives the conversation loop until the transport disconnects or
// ctx is canceled. A failed turn reports an error event and the loop
// continues; only disconnection ends the session.
func (e *Engine) Run(ctx context.Context) error {
	e.started = time.Now()

	if e.hooks.SessionOpened != nil {
		e.hooks.SessionOpened(e.sess.SessionID, e.sess.UserID)
	}

	if err := e.transport.SendStatus(StatusEvent{
		Status:    StateConnected,
		SessionID: e.sess.SessionID,
		UserID:    e.sess.UserID,
	}); err != nil {
		e.teardown()
		return err
	}

	for {
		e.state = StateAwaitingAudio

		segment, err := e.nextSegment(ctx)
		if err != nil {
			if errors.Is(err, ErrDisconnected) || errors.Is(err, context.Canceled) {
				log.Info().Str("sessionId", e.sess.SessionID).Msg("Session disconnected")
				e.teardown()
				return nil
			}
			e.teardown()
			return err
		}

		e.processTurn(ctx, segment)
	}
}

// nextSegment accumulates transport chunks until an utterance boundary,
// then returns the WAV-framed segment.
func (e *Engine) nextSegment(ctx context.Context) ([]byte, error) {
	for {
		chunk, err := e.transport.ReceiveAudio(ctx)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			continue
		}

		e.buffer.Add(chunk)
		e.audioBytes += int64(len(chunk))

		if e.cfg.VADEnabled && e.gate != nil {
			if !e.gate.Check(chunk) {
				continue
			}
			e.gate.Reset()
			log.Debug().Str("sessionId", e.sess.SessionID).Msg("Utterance boundary detected")
		}

		wav := e.buffer.WAV()
		e.buffer.Reset()
		return wav, nil
	}
}

// processTurn runs one full STT -> LLM -> TTS turn. Collaborator
// failures are reported and swallowed; the caller keeps looping.
func (e *Engine) processTurn(ctx context.Context, segment []byte) {
	turnStart := time.Now()

	// Transcribe.
	e.state = StateTranscribing
	e.sendStatus(StatusEvent{Status: StateTranscribing})

	text, err := e.transcribe(ctx, segment)
	if err != nil {
		e.failTurn(StageSTT, err)
		return
	}
	if strings.TrimSpace(text) == "" {
		log.Debug().Str("sessionId", e.sess.SessionID).Msg("No speech detected in segment")
		e.sendStatus(StatusEvent{Status: StateAwaitingAudio, Text: ""})
		return
	}
	e.sendStatus(StatusEvent{Status: StateAwaitingModel, Text: text})

	// Decide context, then record the user turn. The order matters:
	// the relevance decision must see the history as it was before
	// this question.
	e.state = StateAwaitingModel
	history := e.memory.Context(e.cfg.ContextTokenLimit)

	var contextMessages []models.ContextMessage
	if e.analyzer.NeedsContext(text, history) {
		contextMessages = e.analyzer.RelevantContext(text, history, e.cfg.MaxContextMessages)
		log.Debug().
			Str("sessionId", e.sess.SessionID).
			Int("contextMessages", len(contextMessages)).
			Msg("Attaching conversation context")
	}

	e.memory.AddMessage(models.RoleUser, text)

	llmStart := time.Now()
	reply, err := e.complete(ctx, text, contextMessages)
	llmLatency := time.Since(llmStart)
	if err != nil {
		e.failTurn(StageLLM, err)
		return
	}

	e.memory.AddMessage(models.RoleAssistant, reply)
	if err := e.registry.IncrementTurn(e.sess.SessionID); err != nil {
		log.Warn().Err(err).Str("sessionId", e.sess.SessionID).Msg("Turn count update failed")
	}
	e.turns++
	e.llmTotal += llmLatency

	e.sendStatus(StatusEvent{Status: StateSynthesizing, Response: reply})

	// Synthesize.
	e.state = StateSynthesizing
	audioOut, err := e.synthesize(ctx, reply)
	if err != nil {
		e.failTurn(StageTTS, err)
		return
	}
	if err := e.transport.SendAudio(audioOut); err != nil {
		log.Warn().Err(err).Str("sessionId", e.sess.SessionID).Msg("Audio send failed")
		return
	}

	if e.hooks.TurnCompleted != nil {
		e.hooks.TurnCompleted(e.sess.SessionID, e.sess.UserID, TurnMetrics{
			Transcript: text,
			Reply:      reply,
			LLMLatency: llmLatency,
			AudioIn:    len(segment),
			AudioOut:   len(audioOut),
			Duration:   time.Since(turnStart),
		})
	}
}

func (e *Engine) transcribe(ctx context.Context, segment []byte) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.STTTimeout)
	defer cancel()

	text, err := e.stt.Transcribe(callCtx, segment, e.cfg.Language)
	if err != nil {
		return "", &STTError{Err: err}
	}
	return text, nil
}

func (e *Engine) complete(ctx context.Context, prompt string, contextMessages []models.ContextMessage) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	reply, err := e.llm.Complete(callCtx, prompt, contextMessages)
	if err != nil {
		return "", &LLMError{Err: err}
	}
	return reply, nil
}

func (e *Engine) synthesize(ctx context.Context, text string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.TTSTimeout)
	defer cancel()

	audioOut, err := e.tts.Synthesize(callCtx, text, e.cfg.Language)
	if err != nil {
		return nil, &TTSError{Err: err}
	}
	return audioOut, nil
}

// failTurn reports a collaborator failure and leaves the loop alive.
func (e *Engine) failTurn(fallback Stage, err error) {
	stage := stageOf(err, fallback)

	log.Error().
		Err(err).
		Str("sessionId", e.sess.SessionID).
		Str("stage", string(stage)).
		Msg("Turn failed")

	if sendErr := e.transport.SendError(string(stage), err.Error()); sendErr != nil {
		log.Warn().Err(sendErr).Str("sessionId", e.sess.SessionID).Msg("Error event send failed")
	}
	if e.hooks.TurnFailed != nil {
		e.hooks.TurnFailed(e.sess.SessionID, e.sess.UserID, stage, err.Error())
	}
	e.state = StateAwaitingAudio
}

// teardown removes the session and discards its memory. Memory is
// connection-scoped: a reconnecting user starts fresh.
func (e *Engine) teardown() {
	e.state = StateDisconnected

	var avgLLM time.Duration
	if e.turns > 0 {
		avgLLM = e.llmTotal / time.Duration(e.turns)
	}

	if e.hooks.SessionClosed != nil {
		e.hooks.SessionClosed(e.sess.SessionID, e.sess.UserID, SessionMetrics{
			Turns:      e.turns,
			AudioBytes: e.audioBytes,
			AvgLLM:     avgLLM,
			Duration:   time.Since(e.started),
		})
	}

	e.registry.Remove(e.sess.SessionID)
	e.memory.Clear()
}

func (e *Engine) sendStatus(evt StatusEvent) {
	if err := e.transport.SendStatus(evt); err != nil {
		log.Debug().Err(err).Str("sessionId", e.sess.SessionID).Msg("Status send failed")
	}
}
