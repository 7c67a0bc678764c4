package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"github.com/vocalis-ai/vocalis/internal/analytics"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/events"
	"github.com/vocalis-ai/vocalis/internal/prefs"
	"github.com/vocalis-ai/vocalis/internal/ratelimit"
	"github.com/vocalis-ai/vocalis/internal/relevance"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/internal/transport"
)

type ServerSuite struct {
	suite.Suite
	registry *session.Registry
	store    *analytics.Store
	prefs    *prefs.Store
	svc      *Service
}

func (s *ServerSuite) SetupTest() {
	dir := s.T().TempDir()

	var err error
	s.store, err = analytics.NewStore(filepath.Join(dir, "analytics.db"))
	s.Require().NoError(err)

	s.prefs = prefs.NewStore(filepath.Join(dir, "preferences.json"))
	s.registry = session.NewRegistry()

	cfg := config.Default()
	limiter := ratelimit.NewLimiter(ratelimit.Limits{PerMinute: 100, PerHour: 100, PerDay: 100})
	voice := transport.NewHandler(cfg, s.registry, limiter, relevance.NewAnalyzer())

	s.svc = New("127.0.0.1:0", s.registry, limiter, s.store, s.prefs, events.NewBroadcaster(), voice)
}

func (s *ServerSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) get(path string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.svc.Handler().ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func (s *ServerSuite) TestHealth() {
	s.registry.Create("", "")

	rec, body := s.get("/healthz")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("application/json", rec.Header().Get("Content-Type"))
	s.Equal("ok", body["status"])
	s.EqualValues(1, body["active_sessions"])
}

func (s *ServerSuite) TestSessionsListsRegistry() {
	sess := s.registry.Create("sess-42", "user_test1")
	s.Require().NoError(s.registry.IncrementTurn(sess.SessionID))

	rec, body := s.get("/v1/sessions")
	s.Equal(http.StatusOK, rec.Code)
	s.EqualValues(1, body["count"])

	sessions := body["sessions"].([]any)
	s.Require().Len(sessions, 1)
	entry := sessions[0].(map[string]any)
	s.Equal("sess-42", entry["session_id"])
	s.Equal("user_test1", entry["user_id"])
	s.EqualValues(1, entry["turns"])

	_, err := time.Parse(time.RFC3339, entry["created_at"].(string))
	s.NoError(err)
}

func (s *ServerSuite) TestSessionsEmpty() {
	rec, body := s.get("/v1/sessions")
	s.Equal(http.StatusOK, rec.Code)
	s.EqualValues(0, body["count"])
	s.Empty(body["sessions"])
}

func (s *ServerSuite) TestStats() {
	now := time.Now().Unix()
	s.Require().NoError(s.store.RecordConversation(analytics.Conversation{
		SessionID:     "sess-1",
		UserID:        "user_a",
		Turns:         3,
		AudioBytes:    12000,
		AvgLLMMillis:  150,
		StartedEpoch:  now - 60,
		FinishedEpoch: now,
	}))

	rec, body := s.get("/v1/stats")
	s.Equal(http.StatusOK, rec.Code)
	s.EqualValues(1, body["conversations"])
	s.EqualValues(3, body["total_turns"])
}

func (s *ServerSuite) TestErrorsWithLimit() {
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.store.RecordError("llm", "boom", "sess-1"))
	}

	rec, body := s.get("/v1/errors?limit=2")
	s.Equal(http.StatusOK, rec.Code)
	s.EqualValues(2, body["count"])
}

func (s *ServerSuite) TestErrorsRejectsBadLimit() {
	for _, raw := range []string{"abc", "0", "-5"} {
		rec, body := s.get("/v1/errors?limit=" + raw)
		s.Equal(http.StatusBadRequest, rec.Code, "limit=%s", raw)
		s.Equal("limit must be a positive integer", body["error"])
	}
}

func (s *ServerSuite) TestGetPreferences() {
	rec, body := s.get("/v1/preferences")
	s.Equal(http.StatusOK, rec.Code)

	audio := body["audio"].(map[string]any)
	s.EqualValues(16000, audio["sample_rate"])
	s.Equal("medium", audio["quality"])
}

func (s *ServerSuite) TestPutPreferences() {
	updated := s.prefs.Get()
	updated.Audio.Quality = "high"
	updated.Connection.MaxRetries = 9
	payload, err := json.Marshal(updated)
	s.Require().NoError(err)

	req := httptest.NewRequest(http.MethodPut, "/v1/preferences", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.svc.Handler().ServeHTTP(rec, req)
	s.Equal(http.StatusOK, rec.Code)

	got := s.prefs.Get()
	s.Equal("high", got.Audio.Quality)
	s.Equal(9, got.Connection.MaxRetries)
}

func (s *ServerSuite) TestPutPreferencesRejectsGarbage() {
	req := httptest.NewRequest(http.MethodPut, "/v1/preferences", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.svc.Handler().ServeHTTP(rec, req)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *ServerSuite) TestUnknownRoute() {
	rec, _ := s.get("/v1/nope")
	s.Equal(http.StatusNotFound, rec.Code)
}
