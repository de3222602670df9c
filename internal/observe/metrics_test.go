package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the data point whose attribute key equals value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point %s=%s", name, key, value)
	return 0
}

func TestRecordIteration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordIteration(ctx, PathMixed)
	m.RecordIteration(ctx, PathMixed)
	m.RecordIteration(ctx, PathIdle)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "callcapture.mixer.iterations", "path", PathMixed); got != 2 {
		t.Errorf("mixed iterations = %d, want 2", got)
	}
	if got := sumFor(t, rm, "callcapture.mixer.iterations", "path", PathIdle); got != 1 {
		t.Errorf("idle iterations = %d, want 1", got)
	}
}

func TestRecordDropped_IgnoresNonPositive(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDropped(ctx, DropAsymmetric, 2048)
	m.RecordDropped(ctx, DropAsymmetric, 0)
	m.RecordDropped(ctx, DropAsymmetric, -5)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "callcapture.mixer.dropped_bytes", "reason", DropAsymmetric); got != 2048 {
		t.Errorf("dropped bytes = %d, want 2048", got)
	}
}

func TestRecordPacket(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPacket(ctx, 300)
	m.RecordPacket(ctx, 200)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "callcapture.encoder.packets", "", ""); got != 2 {
		t.Errorf("packets = %d, want 2", got)
	}
	if got := sumFor(t, rm, "callcapture.encoder.bytes", "", ""); got != 500 {
		t.Errorf("bytes = %d, want 500", got)
	}
}

func TestActiveSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "callcapture.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestDrainDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.DrainDuration.Record(context.Background(), 0.02)

	rm := collect(t, reader)
	met := findMetric(rm, "callcapture.encoder.drain.duration")
	if met == nil {
		t.Fatal("drain histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("drain metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Errorf("expected one observation, got %+v", hist.DataPoints)
	}
}
