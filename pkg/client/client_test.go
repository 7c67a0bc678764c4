package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"github.com/vocalis-ai/vocalis/pkg/reconnect"
)

type ClientSuite struct {
	suite.Suite
	server *httptest.Server
	conns  chan *websocket.Conn

	statuses chan string
	errors   chan string
	audio    chan []byte
}

func (s *ClientSuite) SetupTest() {
	s.conns = make(chan *websocket.Conn, 4)
	s.statuses = make(chan string, 16)
	s.errors = make(chan string, 16)
	s.audio = make(chan []byte, 16)

	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"status","status":"connected","session_id":"sess-1"}`))
		s.conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func (s *ClientSuite) TearDownTest() {
	s.server.Close()
	close(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *ClientSuite) handlers() Handlers {
	return Handlers{
		OnStatus: func(status, _, _ string) { s.statuses <- status },
		OnError:  func(stage, _ string) { s.errors <- stage },
		OnAudio:  func(audio []byte) { s.audio <- audio },
	}
}

func (s *ClientSuite) expectStatus(want string) {
	select {
	case got := <-s.statuses:
		s.Equal(want, got)
	case <-time.After(2 * time.Second):
		s.FailNow("no status event received")
	}
}

func (s *ClientSuite) TestDispatchesServerEvents() {
	c := New(s.wsURL(), reconnect.StaticPolicy(reconnect.DefaultPolicy()), s.handlers())

	ctx, cancel := context.WithCancel(context.Background())
	s.Require().NoError(c.Connect(ctx))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	s.expectStatus("connected")

	server := <-s.conns
	server.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"error","stage":"stt","message":"decoder crashed"}`))
	server.WriteMessage(websocket.BinaryMessage, []byte{9, 8, 7})

	select {
	case stage := <-s.errors:
		s.Equal("stt", stage)
	case <-time.After(2 * time.Second):
		s.FailNow("no error event received")
	}
	select {
	case audio := <-s.audio:
		s.Equal([]byte{9, 8, 7}, audio)
	case <-time.After(2 * time.Second):
		s.FailNow("no audio received")
	}

	cancel()
	s.Require().NoError(c.Close())
	select {
	case err := <-done:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		s.FailNow("Run did not stop")
	}
}

func (s *ClientSuite) TestReconnectsAfterDrop() {
	policy := reconnect.StaticPolicy(reconnect.Policy{
		AutoReconnect: true,
		MaxAttempts:   3,
		BaseDelay:     10 * time.Millisecond,
	})
	c := New(s.wsURL(), policy, s.handlers())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Require().NoError(c.Connect(ctx))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	s.expectStatus("connected")

	// Server drops the connection; the supervisor redials and the
	// new session greets again.
	first := <-s.conns
	first.Close()
	s.expectStatus("connected")

	cancel()
	c.Close()
	<-done
}

func (s *ClientSuite) TestDisabledPolicyEndsRun() {
	policy := reconnect.StaticPolicy(reconnect.Policy{AutoReconnect: false})
	c := New(s.wsURL(), policy, s.handlers())

	ctx := context.Background()
	s.Require().NoError(c.Connect(ctx))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	s.expectStatus("connected")
	(<-s.conns).Close()

	select {
	case err := <-done:
		s.Require().Error(err)
		s.Contains(err.Error(), "reconnect failed")
	case <-time.After(2 * time.Second):
		s.FailNow("Run did not stop after drop")
	}
}

func (s *ClientSuite) TestSendAndEndUtterance() {
	c := New(s.wsURL(), nil, Handlers{})
	s.Require().NoError(c.Connect(context.Background()))
	defer c.Close()

	s.NoError(c.Send([]byte{1, 2, 3}))
	s.NoError(c.EndUtterance())
}

func (s *ClientSuite) TestWriteWithoutConnection() {
	c := New(s.wsURL(), nil, Handlers{})
	s.Error(c.Send([]byte{1}))
	s.Error(c.EndUtterance())
}
