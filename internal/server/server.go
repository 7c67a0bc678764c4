// Package server assembles the HTTP surface: the WebSocket voice
// endpoint plus the JSON monitoring and preferences API.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/vocalis-ai/vocalis/internal/analytics"
	"github.com/vocalis-ai/vocalis/internal/events"
	"github.com/vocalis-ai/vocalis/internal/prefs"
	"github.com/vocalis-ai/vocalis/internal/ratelimit"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/internal/transport"
)

// Service is the HTTP server and its collaborators.
type Service struct {
	addr        string
	router      chi.Router
	registry    *session.Registry
	limiter     *ratelimit.Limiter
	analytics   *analytics.Store
	prefs       *prefs.Store
	broadcaster *events.Broadcaster
	voice       *transport.Handler
	startTime   time.Time
}

func New(addr string, registry *session.Registry, limiter *ratelimit.Limiter, store *analytics.Store, prefStore *prefs.Store, broadcaster *events.Broadcaster, voice *transport.Handler) *Service {
	svc := &Service{
		addr:        addr,
		router:      chi.NewRouter(),
		registry:    registry,
		limiter:     limiter,
		analytics:   store,
		prefs:       prefStore,
		broadcaster: broadcaster,
		voice:       voice,
		startTime:   time.Now(),
	}
	svc.setupRoutes()
	return svc
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/ws", s.voice.ServeHTTP)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/sessions", s.handleSessions)
		r.Get("/stats", s.handleStats)
		r.Get("/errors", s.handleErrors)
		r.Get("/preferences", s.handleGetPreferences)
		r.Put("/preferences", s.handlePutPreferences)
		r.Get("/events", s.broadcaster.ServeHTTP)
	})
}

// Handler exposes the router for tests.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(s.startTime).Seconds()),
		"active_sessions": s.registry.Count(),
	})
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	snapshot := s.registry.Snapshot()
	out := make([]map[string]any, 0, len(snapshot))
	for _, sess := range snapshot {
		out = append(out, map[string]any{
			"session_id":    sess.SessionID,
			"user_id":       sess.UserID,
			"created_at":    sess.CreatedAt.UTC().Format(time.RFC3339),
			"last_activity": sess.LastActivity.UTC().Format(time.RFC3339),
			"turns":         sess.TurnCount,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(out),
		"sessions": out,
	})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.analytics.GetStats()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleErrors(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	records, err := s.analytics.RecentErrors(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read errors")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(records),
		"errors": records,
	})
}

func (s *Service) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.prefs.Get())
}

func (s *Service) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var incoming prefs.Preferences
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid preferences payload")
		return
	}

	err := s.prefs.Update(func(p *prefs.Preferences) {
		p.Audio = incoming.Audio
		p.Features = incoming.Features
		p.Connection = incoming.Connection
	})
	if err != nil {
		log.Error().Err(err).Msg("Preferences update failed")
		s.writeError(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}
	s.writeJSON(w, http.StatusOK, s.prefs.Get())
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
