// Package main provides the vocalisd server entry point.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vocalis-ai/vocalis/internal/analytics"
	"github.com/vocalis-ai/vocalis/internal/collab"
	"github.com/vocalis-ai/vocalis/internal/config"
	"github.com/vocalis-ai/vocalis/internal/engine"
	"github.com/vocalis-ai/vocalis/internal/events"
	"github.com/vocalis-ai/vocalis/internal/memory"
	"github.com/vocalis-ai/vocalis/internal/metrics"
	"github.com/vocalis-ai/vocalis/internal/prefs"
	"github.com/vocalis-ai/vocalis/internal/ratelimit"
	"github.com/vocalis-ai/vocalis/internal/relevance"
	"github.com/vocalis-ai/vocalis/internal/server"
	"github.com/vocalis-ai/vocalis/internal/session"
	"github.com/vocalis-ai/vocalis/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Config file path (default: ~/.vocalis/config.yaml)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup logging
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureDataDir(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	path := *configPath
	if path == "" {
		path = config.DataDir() + "/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *debug {
		cfg.Debug = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down vocalisd")
		cancel()
	}()

	// Analytics store (migrations run automatically)
	analyticsStore, err := analytics.NewStore(cfg.AnalyticsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize analytics store")
	}
	defer analyticsStore.Close()

	// Preferences with hot reload
	prefStore := prefs.NewStore(cfg.PrefsPath)
	prefWatcher, err := prefs.NewWatcher(prefStore)
	if err != nil {
		log.Warn().Err(err).Msg("Preference watcher unavailable, hot reload disabled")
	} else if err := prefWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start preference watcher")
	} else {
		defer prefWatcher.Stop()
	}

	instruments, err := metrics.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register metrics")
	}

	registry := session.NewRegistry()
	limiter := ratelimit.NewLimiter(ratelimit.Limits{
		PerMinute: cfg.RateLimit.RequestsPerMinute,
		PerHour:   cfg.RateLimit.RequestsPerHour,
		PerDay:    cfg.RateLimit.RequestsPerDay,
	})
	analyzer := relevance.NewAnalyzer()
	broadcaster := events.NewBroadcaster()

	httpClient := &http.Client{}
	voice := transport.NewHandler(cfg, registry, limiter, analyzer)
	voice.Metrics = instruments
	if cfg.Memory.Estimator == config.EstimatorBPE {
		estimator, err := memory.NewBPEEstimator()
		if err != nil {
			log.Warn().Err(err).Msg("BPE estimator unavailable, using heuristic token counts")
		} else {
			voice.Estimator = estimator
		}
	}
	voice.STT = collab.NewTranscriber(cfg.Collaborators.STTURL, httpClient)
	voice.LLM = collab.NewCompleter(cfg.Collaborators.LLMURL, httpClient)
	voice.TTS = collab.NewSynthesizer(cfg.Collaborators.TTSURL, httpClient)
	voice.Hooks = buildHooks(instruments, broadcaster, analyticsStore)
	voice.RateLimited = func(identifier string) {
		broadcaster.Publish(events.Event{
			Type:      events.TypeRateLimited,
			Detail:    identifier,
			Timestamp: time.Now(),
		})
	}

	svc := server.New(cfg.Addr, registry, limiter, analyticsStore, prefStore, broadcaster, voice)
	sweeper := session.NewSweeper(registry, cfg.Session.IdleTimeout.Std(), cfg.Session.SweepInterval.Std())

	log.Info().
		Str("addr", cfg.Addr).
		Str("version", Version).
		Bool("vad", cfg.VAD.Enabled).
		Msg("Starting vocalisd")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("vocalisd stopped")
}

// buildHooks fans engine observations out to metrics, the SSE
// broadcaster, and the analytics store.
func buildHooks(instruments *metrics.Instruments, broadcaster *events.Broadcaster, store *analytics.Store) engine.Hooks {
	return engine.Hooks{
		SessionOpened: func(sessionID, userID string) {
			instruments.SessionsOpened.Add(context.Background(), 1)
			broadcaster.Publish(events.Event{
				Type:      events.TypeSessionOpened,
				SessionID: sessionID,
				UserID:    userID,
				Timestamp: time.Now(),
			})
		},
		TurnCompleted: func(sessionID, userID string, m engine.TurnMetrics) {
			ctx := context.Background()
			instruments.TurnsProcessed.Add(ctx, 1)
			instruments.TurnLatency.Record(ctx, m.Duration.Seconds())
			broadcaster.Publish(events.Event{
				Type:      events.TypeTurnCompleted,
				SessionID: sessionID,
				UserID:    userID,
				Detail:    m.Transcript,
				Timestamp: time.Now(),
			})
		},
		TurnFailed: func(sessionID, userID string, stage engine.Stage, message string) {
			instruments.RecordTurnFailure(context.Background(), string(stage))
			broadcaster.Publish(events.Event{
				Type:      events.TypeTurnFailed,
				SessionID: sessionID,
				UserID:    userID,
				Stage:     string(stage),
				Detail:    message,
				Timestamp: time.Now(),
			})
			if err := store.RecordError(string(stage), message, sessionID); err != nil {
				log.Warn().Err(err).Msg("Failed to record error")
			}
		},
		SessionClosed: func(sessionID, userID string, m engine.SessionMetrics) {
			instruments.SessionsClosed.Add(context.Background(), 1)
			broadcaster.Publish(events.Event{
				Type:      events.TypeSessionClosed,
				SessionID: sessionID,
				UserID:    userID,
				Timestamp: time.Now(),
			})
			finished := time.Now()
			record := analytics.Conversation{
				SessionID:     sessionID,
				UserID:        userID,
				Turns:         m.Turns,
				AudioBytes:    m.AudioBytes,
				AvgLLMMillis:  m.AvgLLM.Milliseconds(),
				StartedEpoch:  finished.Add(-m.Duration).Unix(),
				FinishedEpoch: finished.Unix(),
			}
			if err := store.RecordConversation(record); err != nil {
				log.Warn().Err(err).Msg("Failed to record conversation")
			}
		},
	}
}
