// Package transport exposes the WebSocket voice endpoint. It owns the
// wire protocol (binary PCM in, JSON events and binary audio out) and
// the connection-time admission check; everything after admission is
// the engine's job.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vocalis-ai/vocalis/internal/audio"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/engine"
	"github.com/vocalis-ai/vocalis/internal/memory"
	"github.com/vocalis-ai/vocalis/internal/metrics"
	"github.com/vocalis-ai/vocalis/internal/ratelimit"
	"github.com/vocalis-ai/vocalis/internal/relevance"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/internal/vad"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20
)

// control frames sent by the client as JSON text messages.
type controlFrame struct {
	Type string `json:"type"`
}

const (
	controlUtteranceEnd = "utterance_end"
	controlPing         = "ping"
)

// Handler upgrades /ws requests into voice sessions.
type Handler struct {
	Config   *config.Config
	Registry *session.Registry
	Limiter  *ratelimit.Limiter
	Analyzer *relevance.Analyzer
	Metrics  *metrics.Instruments

	STT engine.Transcriber
	LLM engine.Completer
	TTS engine.Synthesizer

	// Hooks are handed to every engine. RateLimited fires for
	// connections rejected at admission, before any session exists.
	Hooks       engine.Hooks
	RateLimited func(identifier string)

	// Estimator is shared across connections; nil selects the memory
	// package default.
	Estimator memory.TokenEstimator

	upgrader websocket.Upgrader
}

func NewHandler(cfg *config.Config, registry *session.Registry, limiter *ratelimit.Limiter, analyzer *relevance.Analyzer) *Handler {
	return &Handler{
		Config:   cfg,
		Registry: registry,
		Limiter:  limiter,
		Analyzer: analyzer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	t := newWSTransport(conn, h.Config.VAD.Enabled)

	// Admission happens per connection, before a session exists. A
	// rejected client gets a structured error naming the exhausted
	// window, then the close frame.
	identifier := clientIdentifier(r)
	if err := h.Limiter.Allow(identifier, time.Now()); err != nil {
		var rlErr *ratelimit.Error
		if errors.As(err, &rlErr) {
			log.Warn().
				Str("identifier", identifier).
				Str("window", string(rlErr.Window)).
				Msg("Connection rejected by rate limiter")
			_ = t.SendError("session", rlErr.Error())
			if h.Metrics != nil {
				h.Metrics.RateLimited.Add(r.Context(), 1)
			}
			if h.RateLimited != nil {
				h.RateLimited(identifier)
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limited"),
			time.Now().Add(2*time.Second))
		return
	}

	sess := h.Registry.Create("", "")
	log.Info().
		Str("sessionId", sess.SessionID).
		Str("userId", sess.UserID).
		Str("identifier", identifier).
		Msg("Voice session opened")

	var gate *vad.Gate
	if h.Config.VAD.Enabled {
		gate = vad.NewGate(
			vad.WithSilenceThreshold(h.Config.VAD.SilenceThreshold),
			vad.WithMinSilence(h.Config.VAD.MinSilence.Std()),
		)
	}

	mem := memory.New(memory.Config{
		MaxTokens:          h.Config.Memory.MaxTokens,
		MaxMessages:        h.Config.Memory.MaxMessages,
		SummarizeThreshold: h.Config.Memory.SummarizeThreshold,
		ImportantKeywords:  h.Config.Memory.ImportantKeywords,
		Estimator:          h.Estimator,
	})

	eng := engine.New(
		engine.Config{
			STTTimeout:        h.Config.Collaborators.STTTimeout.Std(),
			LLMTimeout:        h.Config.Collaborators.LLMTimeout.Std(),
			TTSTimeout:        h.Config.Collaborators.TTSTimeout.Std(),
			ContextTokenLimit: h.Config.Memory.MaxTokens,
			VADEnabled:        h.Config.VAD.Enabled,
		},
		sess, h.Registry, mem, h.Analyzer, gate,
		h.STT, h.LLM, h.TTS, t, h.Hooks,
	)

	// Unblock the read loop when the server shuts down.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := eng.Run(ctx); err != nil {
		log.Warn().Err(err).Str("sessionId", sess.SessionID).Msg("Session ended with error")
	}
}

// clientIdentifier is the rate-limit key: the client IP.
func clientIdentifier(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusFrame and errorFrame are the outbound JSON event shapes.
type statusFrame struct {
	Type string `json:"type"`
	engine.StatusEvent
}

type errorFrame struct {
	Type    string `json:"type"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// wsTransport adapts one websocket connection to the engine's
// Transport. Reads happen on the session loop only; writes are
// serialized by a mutex because hooks may emit concurrently.
type wsTransport struct {
	conn *websocket.Conn

	// serverVAD: forward each binary frame as its own chunk and let
	// the engine's gate find boundaries. Otherwise frames accumulate
	// in the segmenter until the client sends utterance_end or the
	// buffered audio crosses the min-chunk threshold.
	serverVAD bool
	segmenter *audio.Segmenter

	writeMu sync.Mutex
}

func newWSTransport(conn *websocket.Conn, serverVAD bool) *wsTransport {
	return &wsTransport{
		conn:      conn,
		serverVAD: serverVAD,
		segmenter: audio.NewSegmenter(audio.DefaultMinChunkBytes),
	}
}

func (t *wsTransport) ReceiveAudio(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, engine.ErrDisconnected
		}

		switch messageType {
		case websocket.BinaryMessage:
			if t.serverVAD {
				return data, nil
			}
			if segment := t.segmenter.Add(data); segment != nil {
				return segment, nil
			}

		case websocket.TextMessage:
			var frame controlFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				log.Debug().Err(err).Msg("Discarding malformed control frame")
				continue
			}
			switch frame.Type {
			case controlUtteranceEnd:
				if t.serverVAD {
					continue
				}
				if segment := t.segmenter.Flush(); segment != nil {
					return segment, nil
				}
			case controlPing:
				// Liveness only.
			default:
				log.Debug().Str("type", frame.Type).Msg("Ignoring unknown control frame")
			}
		}
	}
}

func (t *wsTransport) SendStatus(evt engine.StatusEvent) error {
	return t.writeJSON(statusFrame{Type: "status", StatusEvent: evt})
}

func (t *wsTransport) SendError(stage, message string) error {
	return t.writeJSON(errorFrame{Type: "error", Stage: stage, Message: message})
}

func (t *wsTransport) SendAudio(audio []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (t *wsTransport) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}
