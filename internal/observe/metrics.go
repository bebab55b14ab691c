// Package observe carries the bridge's telemetry: OpenTelemetry instruments
// for calls and audio flow, call spans whose trace ID doubles as the call
// identifier, and the handler wrapper for the operations listener.
//
// [Setup] installs the global providers with a Prometheus exporter. Code that
// records metrics takes a [*Metrics]; tests build one with [NewMetrics] over
// a private meter provider.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/callbridge"

// Metrics is the set of instruments the bridge records into. The zero value
// is not usable; build one with [NewMetrics] or use [DefaultMetrics].
type Metrics struct {
	// ConnectDuration is the time from a connect request to a live call,
	// labelled by provider and status.
	ConnectDuration metric.Float64Histogram
	CallDuration    metric.Float64Histogram

	// AudioChunks is labelled by direction: uplink or downlink.
	AudioChunks       metric.Int64Counter
	AudioChunksMuted  metric.Int64Counter
	StaleClipsDropped metric.Int64Counter
	Interruptions     metric.Int64Counter
	TurnsCompleted    metric.Int64Counter

	// Commands counts supervisor directives by status: ok, empty, rejected
	// or error.
	Commands metric.Int64Counter

	// ProviderErrors is labelled by provider and the failing stage.
	ProviderErrors metric.Int64Counter

	ActiveCalls metric.Int64UpDownCounter

	// AgentSpeaking is 1 while agent audio is audible.
	AgentSpeaking metric.Int64UpDownCounter

	// HTTPRequestDuration covers the operations listener, labelled by
	// method, path and status.
	HTTPRequestDuration metric.Float64Histogram
}

// Handshakes finish well under a second on a healthy network; the tail
// buckets catch provider stalls.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20}

var callBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600}

// NewMetrics registers every instrument on mp. The returned error joins the
// failures of all instruments that could not be created.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var errs []error
	hist := func(dst *metric.Float64Histogram, name, desc string, buckets []float64) {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if buckets != nil {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		var err error
		if *dst, err = meter.Float64Histogram(name, opts...); err != nil {
			errs = append(errs, err)
		}
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		var err error
		if *dst, err = meter.Int64Counter(name, metric.WithDescription(desc)); err != nil {
			errs = append(errs, err)
		}
	}
	gauge := func(dst *metric.Int64UpDownCounter, name, desc string) {
		var err error
		if *dst, err = meter.Int64UpDownCounter(name, metric.WithDescription(desc)); err != nil {
			errs = append(errs, err)
		}
	}

	hist(&m.ConnectDuration, "callbridge.connect.duration", "Time from connect request to a live call.", latencyBuckets)
	hist(&m.CallDuration, "callbridge.call.duration", "Length of finished calls.", callBuckets)
	hist(&m.HTTPRequestDuration, "callbridge.http.request.duration", "Operations listener latency by method and path.", nil)

	counter(&m.AudioChunks, "callbridge.audio.chunks", "PCM chunks moved across the bridge by direction.")
	counter(&m.AudioChunksMuted, "callbridge.audio.chunks_muted", "Capture chunks withheld while muted.")
	counter(&m.StaleClipsDropped, "callbridge.playback.stale_clips", "Agent clips dropped after an interruption.")
	counter(&m.Interruptions, "callbridge.interruptions", "Barge-in events reported by the agent.")
	counter(&m.TurnsCompleted, "callbridge.turns_completed", "Finished agent turns.")
	counter(&m.Commands, "callbridge.commands", "Supervisor directives by status.")
	counter(&m.ProviderErrors, "callbridge.provider.errors", "Agent session errors by provider and stage.")

	gauge(&m.ActiveCalls, "callbridge.active_calls", "Number of connected calls.")
	gauge(&m.AgentSpeaking, "callbridge.agent_speaking", "1 while agent audio is audible.")

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] on the global meter
// provider. Call it after [Setup] so the instruments bind to the exporter.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// RecordConnect records a connect attempt's latency with its outcome.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordAudioChunk(ctx context.Context, direction string) {
	m.AudioChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

func (m *Metrics) RecordCommand(ctx context.Context, status string) {
	m.Commands.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderError counts a session error. stage is the failing half of
// the session, e.g. "send", "receive" or "render".
func (m *Metrics) RecordProviderError(ctx context.Context, provider, stage string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("stage", stage),
	))
}
