package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/vocalis-ai/vocalis/internal/memory"
	"github.com/vocalis-ai/vocalis/internal/relevance"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/pkg/models"
)

// function adapters for scripted collaborators

type sttFunc func(ctx context.Context, audio []byte, language string) (string, error)

func (f sttFunc) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	return f(ctx, audio, language)
}

type llmFunc func(ctx context.Context, prompt string, contextMessages []models.ContextMessage) (string, error)

func (f llmFunc) Complete(ctx context.Context, prompt string, contextMessages []models.ContextMessage) (string, error) {
	return f(ctx, prompt, contextMessages)
}

type ttsFunc func(ctx context.Context, text, language string) ([]byte, error)

func (f ttsFunc) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	return f(ctx, text, language)
}

type sentError struct {
	stage   string
	message string
}

// fakeTransport feeds scripted segments and records everything sent.
type fakeTransport struct {
	inbound chan []byte

	mu       sync.Mutex
	statuses []StatusEvent
	audio    [][]byte
	errors   []sentError
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16)}
}

func (t *fakeTransport) ReceiveAudio(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-t.inbound:
		if !ok {
			return nil, ErrDisconnected
		}
		return chunk, nil
	}
}

func (t *fakeTransport) SendStatus(evt StatusEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses = append(t.statuses, evt)
	return nil
}

func (t *fakeTransport) SendAudio(audio []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audio = append(t.audio, audio)
	return nil
}

func (t *fakeTransport) SendError(stage, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors = append(t.errors, sentError{stage: stage, message: message})
	return nil
}

func (t *fakeTransport) snapshotStatuses() []StatusEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StatusEvent, len(t.statuses))
	copy(out, t.statuses)
	return out
}

func (t *fakeTransport) snapshotErrors() []sentError {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentError, len(t.errors))
	copy(out, t.errors)
	return out
}

func (t *fakeTransport) snapshotAudio() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.audio))
	copy(out, t.audio)
	return out
}

// EngineSuite is a test suite for the session engine loop.
type EngineSuite struct {
	suite.Suite
	registry  *session.Registry
	sess      *session.Session
	mem       *memory.Memory
	transport *fakeTransport

	completed chan TurnMetrics
	failed    chan Stage
	closed    chan SessionMetrics
}

func (s *EngineSuite) SetupTest() {
	s.registry = session.NewRegistry()
	s.sess = s.registry.Create("", "")
	s.mem = memory.New(memory.Config{
		MaxTokens:          2000,
		MaxMessages:        10,
		SummarizeThreshold: 15,
	})
	s.transport = newFakeTransport()
	s.completed = make(chan TurnMetrics, 16)
	s.failed = make(chan Stage, 16)
	s.closed = make(chan SessionMetrics, 1)
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) newEngine(stt Transcriber, llm Completer, tts Synthesizer) *Engine {
	hooks := Hooks{
		TurnCompleted: func(_, _ string, m TurnMetrics) { s.completed <- m },
		TurnFailed:    func(_, _ string, stage Stage, _ string) { s.failed <- stage },
		SessionClosed: func(_, _ string, m SessionMetrics) { s.closed <- m },
	}
	return New(
		Config{},
		s.sess, s.registry, s.mem, relevance.NewAnalyzer(), nil,
		stt, llm, tts, s.transport, hooks,
	)
}

// run starts the engine and returns a wait func for its result.
func (s *EngineSuite) run(e *Engine) func() error {
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	return func() error {
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			s.FailNow("engine did not stop")
			return nil
		}
	}
}

func (s *EngineSuite) TestSuccessfulTurn() {
	eng := s.newEngine(
		sttFunc(func(_ context.Context, audio []byte, _ string) (string, error) {
			s.NotEmpty(audio)
			return "what is the capital of france", nil
		}),
		llmFunc(func(_ context.Context, prompt string, ctxMsgs []models.ContextMessage) (string, error) {
			s.Equal("what is the capital of france", prompt)
			s.Nil(ctxMsgs, "first turn has no history to attach")
			return "Paris.", nil
		}),
		ttsFunc(func(_ context.Context, text, _ string) ([]byte, error) {
			s.Equal("Paris.", text)
			return []byte{0xaa, 0xbb}, nil
		}),
	)
	wait := s.run(eng)

	s.transport.inbound <- []byte{1, 2, 3, 4}

	m := <-s.completed
	s.Equal("what is the capital of france", m.Transcript)
	s.Equal("Paris.", m.Reply)
	s.Equal(2, m.AudioOut)

	close(s.transport.inbound)
	s.Require().NoError(wait())

	statuses := s.transport.snapshotStatuses()
	s.Require().NotEmpty(statuses)
	s.Equal(StateConnected, statuses[0].Status)
	s.Equal(s.sess.SessionID, statuses[0].SessionID)
	s.Equal(s.sess.UserID, statuses[0].UserID)

	var states []State
	for _, evt := range statuses {
		states = append(states, evt.Status)
	}
	s.Contains(states, StateTranscribing)
	s.Contains(states, StateAwaitingModel)
	s.Contains(states, StateSynthesizing)

	audio := s.transport.snapshotAudio()
	s.Require().Len(audio, 1)
	s.Equal([]byte{0xaa, 0xbb}, audio[0])

	// Teardown removed the session and reported metrics.
	metrics := <-s.closed
	s.Equal(1, metrics.Turns)
	_, err := s.registry.Get(s.sess.SessionID)
	s.ErrorIs(err, session.ErrNotFound)
	s.Empty(s.mem.Messages())
	s.Equal(StateDisconnected, eng.State())
}

func (s *EngineSuite) TestMemoryAccumulatesAcrossTurns() {
	eng := s.newEngine(
		sttFunc(func(context.Context, []byte, string) (string, error) {
			return "tell me about goroutines", nil
		}),
		llmFunc(func(context.Context, string, []models.ContextMessage) (string, error) {
			return "They are lightweight.", nil
		}),
		ttsFunc(func(context.Context, string, string) ([]byte, error) {
			return []byte{1}, nil
		}),
	)
	wait := s.run(eng)

	s.transport.inbound <- []byte{1, 2}
	<-s.completed
	s.transport.inbound <- []byte{3, 4}
	<-s.completed

	s.Equal(2, s.sess.TurnCount)
	s.Len(s.mem.Messages(), 4)

	close(s.transport.inbound)
	s.Require().NoError(wait())
}

func (s *EngineSuite) TestSTTFailureDoesNotEndSession() {
	calls := 0
	eng := s.newEngine(
		sttFunc(func(context.Context, []byte, string) (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("decoder crashed")
			}
			return "second try", nil
		}),
		llmFunc(func(context.Context, string, []models.ContextMessage) (string, error) {
			return "ok", nil
		}),
		ttsFunc(func(context.Context, string, string) ([]byte, error) {
			return []byte{1}, nil
		}),
	)
	wait := s.run(eng)

	s.transport.inbound <- []byte{1}
	s.Equal(StageSTT, <-s.failed)

	// The loop is still alive; the next segment completes normally.
	s.transport.inbound <- []byte{2}
	m := <-s.completed
	s.Equal("second try", m.Transcript)

	sent := s.transport.snapshotErrors()
	s.Require().Len(sent, 1)
	s.Equal("stt", sent[0].stage)
	s.Contains(sent[0].message, "speech recognition failed")

	close(s.transport.inbound)
	s.Require().NoError(wait())
}

func (s *EngineSuite) TestLLMFailureKeepsUserMessage() {
	eng := s.newEngine(
		sttFunc(func(context.Context, []byte, string) (string, error) {
			return "hello", nil
		}),
		llmFunc(func(context.Context, string, []models.ContextMessage) (string, error) {
			return "", errors.New("upstream 503")
		}),
		ttsFunc(func(context.Context, string, string) ([]byte, error) {
			return []byte{1}, nil
		}),
	)
	wait := s.run(eng)

	s.transport.inbound <- []byte{1}
	s.Equal(StageLLM, <-s.failed)

	// The question stays in memory even though the reply never came.
	msgs := s.mem.Messages()
	s.Require().Len(msgs, 1)
	s.Equal(models.RoleUser, msgs[0].Role)
	s.Equal("hello", msgs[0].Content)
	s.Zero(s.sess.TurnCount)

	close(s.transport.inbound)
	s.Require().NoError(wait())
}

func (s *EngineSuite) TestTTSFailureAfterMemoryCommit() {
	eng := s.newEngine(
		sttFunc(func(context.Context, []byte, string) (string, error) {
			return "hello", nil
		}),
		llmFunc(func(context.Context, string, []models.ContextMessage) (string, error) {
			return "hi", nil
		}),
		ttsFunc(func(context.Context, string, string) ([]byte, error) {
			return nil, errors.New("no voice")
		}),
	)
	wait := s.run(eng)

	s.transport.inbound <- []byte{1}
	s.Equal(StageTTS, <-s.failed)

	// The exchange is already committed; only synthesis failed.
	s.Len(s.mem.Messages(), 2)
	s.Equal(1, s.sess.TurnCount)
	s.Empty(s.transport.snapshotAudio())

	close(s.transport.inbound)
	s.Require().NoError(wait())
}

func (s *EngineSuite) TestEmptyTranscriptSkipsTurn() {
	llmCalled := false
	eng := s.newEngine(
		sttFunc(func(context.Context, []byte, string) (string, error) {
			return "   ", nil
		}),
		llmFunc(func(context.Context, string, []models.ContextMessage) (string, error) {
			llmCalled = true
			return "", nil
		}),
		ttsFunc(func(context.Context, string, string) ([]byte, error) {
			return nil, nil
		}),
	)
	wait := s.run(eng)

	s.transport.inbound <- []byte{1}

	// The loop reports awaiting_audio again without a turn.
	s.Eventually(func() bool {
		for _, evt := range s.transport.snapshotStatuses() {
			if evt.Status == StateAwaitingAudio {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	close(s.transport.inbound)
	s.Require().NoError(wait())

	s.False(llmCalled)
	s.Empty(s.mem.Messages())
	s.Empty(s.completed)
}

func (s *EngineSuite) TestContextAttachedToFollowUp() {
	var secondTurnContext []models.ContextMessage
	turn := 0
	eng := s.newEngine(
		sttFunc(func(context.Context, []byte, string) (string, error) {
			turn++
			if turn == 1 {
				return "how do goroutines work", nil
			}
			return "tell me more about them", nil
		}),
		llmFunc(func(_ context.Context, _ string, ctxMsgs []models.ContextMessage) (string, error) {
			if turn == 2 {
				secondTurnContext = ctxMsgs
			}
			return "Scheduled by the runtime.", nil
		}),
		ttsFunc(func(context.Context, string, string) ([]byte, error) {
			return []byte{1}, nil
		}),
	)
	wait := s.run(eng)

	s.transport.inbound <- []byte{1}
	<-s.completed
	s.transport.inbound <- []byte{2}
	<-s.completed

	close(s.transport.inbound)
	s.Require().NoError(wait())

	// "them" refers back, so the previous exchange rides along.
	s.Require().Len(secondTurnContext, 2)
	s.Equal("how do goroutines work", secondTurnContext[0].Content)
	s.Equal("Scheduled by the runtime.", secondTurnContext[1].Content)
}

func (s *EngineSuite) TestContextCancellationStopsRun() {
	eng := s.newEngine(
		sttFunc(func(context.Context, []byte, string) (string, error) { return "", nil }),
		llmFunc(func(context.Context, string, []models.ContextMessage) (string, error) { return "", nil }),
		ttsFunc(func(context.Context, string, string) ([]byte, error) { return nil, nil }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.FailNow("engine did not stop on cancellation")
	}

	// Cancellation still tears the session down.
	_, err := s.registry.Get(s.sess.SessionID)
	s.ErrorIs(err, session.ErrNotFound)
}
