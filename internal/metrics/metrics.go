// Package metrics exposes the OpenTelemetry instruments shared by the
// vocalis pipeline. The default global meter provider is a no-op, so
// instrumentation costs nothing unless a deployment installs an
// exporter.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/vocalis-ai/vocalis"

// Instruments bundles the pipeline's counters and histograms.
type Instruments struct {
	TurnsProcessed metric.Int64Counter
	TurnFailures   metric.Int64Counter
	RateLimited    metric.Int64Counter
	SessionsOpened metric.Int64Counter
	SessionsClosed metric.Int64Counter
	TurnLatency    metric.Float64Histogram
}

// New registers the vocalis instrument set on the global meter.
func New() (*Instruments, error) {
	meter := otel.Meter(meterName)

	turns, err := meter.Int64Counter("vocalis.turns.processed",
		metric.WithDescription("Completed conversation turns"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("vocalis.turns.failed",
		metric.WithDescription("Turns that failed at a collaborator boundary"))
	if err != nil {
		return nil, err
	}
	limited, err := meter.Int64Counter("vocalis.ratelimit.rejected",
		metric.WithDescription("Admissions rejected by the rate limiter"))
	if err != nil {
		return nil, err
	}
	opened, err := meter.Int64Counter("vocalis.sessions.opened",
		metric.WithDescription("Sessions created"))
	if err != nil {
		return nil, err
	}
	closed, err := meter.Int64Counter("vocalis.sessions.closed",
		metric.WithDescription("Sessions removed"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("vocalis.turn.latency",
		metric.WithDescription("End-to-end turn latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		TurnsProcessed: turns,
		TurnFailures:   failures,
		RateLimited:    limited,
		SessionsOpened: opened,
		SessionsClosed: closed,
		TurnLatency:    latency,
	}, nil
}

// RecordTurnFailure counts a failed turn tagged with its stage
// (stt, llm, tts).
func (i *Instruments) RecordTurnFailure(ctx context.Context, stage string) {
	i.TurnFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
