// Package events provides Server-Sent Events broadcasting of session
// lifecycle and turn activity for monitoring clients.
package events

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// writeTimeout bounds writes to SSE clients so a stale connection
// cannot block a broadcast.
const writeTimeout = 2 * time.Second

// Type enumerates the monitoring event kinds.
type Type string

const (
	TypeSessionOpened Type = "session_opened"
	TypeSessionClosed Type = "session_closed"
	TypeTurnCompleted Type = "turn_completed"
	TypeTurnFailed    Type = "turn_failed"
	TypeRateLimited   Type = "rate_limited"
)

// Event is one monitoring event.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// client is one connected SSE subscriber.
type client struct {
	id      string
	writer  http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
}

// Broadcaster fan-outs events to connected SSE clients.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*client
	nextID  int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*client)}
}

// Publish sends an event to all connected clients. Dead clients are
// dropped. Safe for concurrent use; never blocks beyond writeTimeout
// per client.
func (b *Broadcaster) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal monitoring event")
		return
	}
	message := fmt.Sprintf("data: %s\n\n", data)

	b.mu.RLock()
	targets := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	deadCh := make(chan string, len(targets))
	var wg sync.WaitGroup
	for _, c := range targets {
		select {
		case <-c.done:
			continue
		default:
		}
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			writeWithTimeout(c, message, deadCh)
		}(c)
	}
	wg.Wait()
	close(deadCh)

	for id := range deadCh {
		b.drop(id)
	}
}

// writeWithTimeout writes one message to one client, reporting the
// client as dead on error or timeout.
func writeWithTimeout(c *client, message string, deadCh chan<- string) {
	written := make(chan struct{})

	go func() {
		defer close(written)
		if _, err := c.writer.Write([]byte(message)); err != nil {
			deadCh <- c.id
			return
		}
		c.flusher.Flush()
	}()

	select {
	case <-written:
	case <-time.After(writeTimeout):
		log.Warn().Str("clientId", c.id).Msg("SSE write timed out")
		deadCh <- c.id
	case <-c.done:
	}
}

// drop removes a client and closes its done channel once.
func (b *Broadcaster) drop(id string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	remaining := len(b.clients)
	b.mu.Unlock()

	if !ok {
		return
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	log.Debug().Str("clientId", id).Int("totalClients", remaining).Msg("SSE client removed")
}

// ClientCount returns the number of connected subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// ServeHTTP subscribes the request to the event stream until the client
// disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	b.mu.Lock()
	b.nextID++
	c := &client{
		id:      fmt.Sprintf("client-%d", b.nextID),
		writer:  w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
	b.clients[c.id] = c
	total := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", c.id).Int("totalClients", total).Msg("SSE client connected")

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"client_id\":%q}\n\n", c.id)
	flusher.Flush()

	select {
	case <-r.Context().Done():
	case <-c.done:
	}
	b.drop(c.id)
}
