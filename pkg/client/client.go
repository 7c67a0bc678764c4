// Package client is a Go client for the vocalis voice endpoint. It
// streams PCM audio up, dispatches server events to callbacks, and
// re-establishes dropped connections through a reconnection supervisor
// whose policy comes from the user preferences store.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vocalis-ai/vocalis/pkg/reconnect"
)

const writeTimeout = 10 * time.Second

// Handlers receive server events. Nil fields are skipped.
type Handlers struct {
	OnStatus func(status, text, response string)
	OnAudio  func(audio []byte)
	OnError  func(stage, message string)
}

// serverFrame is the superset of the JSON frames the server emits.
type serverFrame struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Text     string `json:"text"`
	Response string `json:"response"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

type clientFrame struct {
	Type string `json:"type"`
}

// Client is a single-connection voice client. Safe for one writer and
// one Run loop; Send and EndUtterance may be called from any goroutine.
type Client struct {
	url        string
	dialer     *websocket.Dialer
	handlers   Handlers
	supervisor *reconnect.Supervisor

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a client for url. policy supplies the reconnection
// behavior; pass reconnect.StaticPolicy(reconnect.DefaultPolicy()) when
// no preferences store is available.
func New(url string, policy reconnect.PolicySource, handlers Handlers) *Client {
	return &Client{
		url:        url,
		dialer:     websocket.DefaultDialer,
		handlers:   handlers,
		supervisor: reconnect.NewSupervisor(policy),
	}
}

// Connect establishes the WebSocket connection.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Run reads server events until ctx is canceled or the connection is
// lost and cannot be re-established under the current policy.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn := c.current()
		if conn == nil {
			return fmt.Errorf("not connected")
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("Connection lost")
			if !c.supervisor.Attempt(ctx, c.redial) {
				return fmt.Errorf("reconnect failed: %w", err)
			}
			continue
		}

		switch messageType {
		case websocket.BinaryMessage:
			if c.handlers.OnAudio != nil {
				c.handlers.OnAudio(data)
			}
		case websocket.TextMessage:
			c.dispatch(data)
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Debug().Err(err).Msg("Discarding malformed server frame")
		return
	}

	switch frame.Type {
	case "status":
		if c.handlers.OnStatus != nil {
			c.handlers.OnStatus(frame.Status, frame.Text, frame.Response)
		}
	case "error":
		if c.handlers.OnError != nil {
			c.handlers.OnError(frame.Stage, frame.Message)
		}
	}
}

func (c *Client) redial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	log.Info().Str("url", c.url).Msg("Reconnected")
	return nil
}

// Send streams one PCM chunk to the server.
func (c *Client) Send(chunk []byte) error {
	return c.write(websocket.BinaryMessage, chunk)
}

// EndUtterance marks the utterance boundary when server-side voice
// activity detection is disabled.
func (c *Client) EndUtterance() error {
	payload, err := json.Marshal(clientFrame{Type: "utterance_end"})
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, payload)
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) write(messageType int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, payload)
}
