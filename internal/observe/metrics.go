// Package observe provides the OpenTelemetry metric instruments for the
// capture pipeline and a Prometheus exporter bridge so they can be scraped
// via /metrics. Tests should use [NewMetrics] with their own
// [metric.MeterProvider]; [DefaultMetrics] is bound to the global provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/audiolibrelab/callcapture"

// Mix paths reported by MixerIterations.
const (
	PathMixed = "mixed"
	PathMic   = "mic"
	PathApp   = "app"
	PathIdle  = "idle"
)

// Drop reasons reported by DroppedBytes.
const (
	DropAsymmetric = "asymmetric"
	DropInputSlot  = "input_slot"
	DropOddByte    = "odd_byte"
)

// Metrics holds all metric instruments. The OTel types are safe for
// concurrent use.
type Metrics struct {
	// MixerIterations counts worker iterations by attribute "path".
	MixerIterations metric.Int64Counter

	// DroppedBytes counts PCM bytes discarded by attribute "reason".
	DroppedBytes metric.Int64Counter

	// EncodedPackets and EncodedBytes count muxed compressed output.
	EncodedPackets metric.Int64Counter
	EncodedBytes   metric.Int64Counter

	// DrainDuration tracks the end-of-stream flush.
	DrainDuration metric.Float64Histogram

	// SessionErrors counts failed sessions by attribute "code".
	SessionErrors metric.Int64Counter

	// ActiveSessions is 1 while a recording session is live.
	ActiveSessions metric.Int64UpDownCounter
}

var drainBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.MixerIterations, err = m.Int64Counter("callcapture.mixer.iterations",
		metric.WithDescription("Mixer worker iterations by path (mixed, mic, app, idle)."),
	); err != nil {
		return nil, err
	}
	if met.DroppedBytes, err = m.Int64Counter("callcapture.mixer.dropped_bytes",
		metric.WithDescription("PCM bytes discarded by reason."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.EncodedPackets, err = m.Int64Counter("callcapture.encoder.packets",
		metric.WithDescription("Compressed packets written to the container."),
	); err != nil {
		return nil, err
	}
	if met.EncodedBytes, err = m.Int64Counter("callcapture.encoder.bytes",
		metric.WithDescription("Compressed bytes written to the container."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.DrainDuration, err = m.Float64Histogram("callcapture.encoder.drain.duration",
		metric.WithDescription("Duration of the end-of-stream encoder flush."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(drainBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("callcapture.session.errors",
		metric.WithDescription("Failed recording sessions by error code."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("callcapture.active_sessions",
		metric.WithDescription("Number of live recording sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance bound to
// [otel.GetMeterProvider]. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordIteration(ctx context.Context, path string) {
	m.MixerIterations.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

func (m *Metrics) RecordDropped(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	m.DroppedBytes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordPacket(ctx context.Context, size int) {
	m.EncodedPackets.Add(ctx, 1)
	m.EncodedBytes.Add(ctx, int64(size))
}

func (m *Metrics) RecordSessionError(ctx context.Context, code string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}
