package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type recorded struct {
	m      *Metrics
	reader *sdkmetric.ManualReader
}

func newRecorded(t *testing.T) *recorded {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return &recorded{m: m, reader: reader}
}

// data collects and returns the aggregation of the named instrument.
func (r *recorded) data(t *testing.T, name string) metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		if sm.Scope.Name != meterName {
			continue
		}
		for _, met := range sm.Metrics {
			if met.Name == name {
				return met.Data
			}
		}
	}
	t.Fatalf("instrument %q not collected", name)
	return nil
}

// counter sums the data points of name that carry every attribute in want.
func (r *recorded) counter(t *testing.T, name string, want ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := r.data(t, name).(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is not an int64 sum", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if hasAll(dp.Attributes, want) {
			total += dp.Value
		}
	}
	return total
}

// samples counts histogram observations of name carrying every attribute in
// want.
func (r *recorded) samples(t *testing.T, name string, want ...attribute.KeyValue) uint64 {
	t.Helper()
	hist, ok := r.data(t, name).(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("%s is not a float64 histogram", name)
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		if hasAll(dp.Attributes, want) {
			n += dp.Count
		}
	}
	return n
}

func hasAll(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

func TestRecordHelpers(t *testing.T) {
	t.Parallel()
	r := newRecorded(t)
	ctx := context.Background()

	r.m.RecordAudioChunk(ctx, "uplink")
	r.m.RecordAudioChunk(ctx, "uplink")
	r.m.RecordAudioChunk(ctx, "downlink")
	r.m.RecordCommand(ctx, "ok")
	r.m.RecordCommand(ctx, "rejected")
	r.m.RecordCommand(ctx, "ok")
	r.m.RecordProviderError(ctx, "openai-realtime", "receive")

	tests := []struct {
		name  string
		instr string
		attrs []attribute.KeyValue
		want  int64
	}{
		{"uplink chunks", "callbridge.audio.chunks", []attribute.KeyValue{attribute.String("direction", "uplink")}, 2},
		{"downlink chunks", "callbridge.audio.chunks", []attribute.KeyValue{attribute.String("direction", "downlink")}, 1},
		{"ok commands", "callbridge.commands", []attribute.KeyValue{attribute.String("status", "ok")}, 2},
		{"rejected commands", "callbridge.commands", []attribute.KeyValue{attribute.String("status", "rejected")}, 1},
		{"provider error", "callbridge.provider.errors", []attribute.KeyValue{
			attribute.String("provider", "openai-realtime"),
			attribute.String("stage", "receive"),
		}, 1},
	}
	for _, tt := range tests {
		if got := r.counter(t, tt.instr, tt.attrs...); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestRecordConnect(t *testing.T) {
	t.Parallel()
	r := newRecorded(t)
	ctx := context.Background()

	r.m.RecordConnect(ctx, "gemini-live", "ok", 0.8)
	r.m.RecordConnect(ctx, "gemini-live", "error", 2.5)
	r.m.RecordConnect(ctx, "gemini-live", "ok", 0.4)

	ok := attribute.String("status", "ok")
	if got := r.samples(t, "callbridge.connect.duration", ok); got != 2 {
		t.Errorf("ok samples = %d, want 2", got)
	}
	if got := r.samples(t, "callbridge.connect.duration"); got != 3 {
		t.Errorf("all samples = %d, want 3", got)
	}
}

func TestUnlabelledInstruments(t *testing.T) {
	t.Parallel()
	r := newRecorded(t)
	ctx := context.Background()

	r.m.AudioChunksMuted.Add(ctx, 4)
	r.m.StaleClipsDropped.Add(ctx, 2)
	r.m.Interruptions.Add(ctx, 1)
	r.m.TurnsCompleted.Add(ctx, 3)
	r.m.ActiveCalls.Add(ctx, 1)
	r.m.ActiveCalls.Add(ctx, 1)
	r.m.ActiveCalls.Add(ctx, -1)
	r.m.AgentSpeaking.Add(ctx, 1)
	r.m.AgentSpeaking.Add(ctx, -1)
	r.m.CallDuration.Record(ctx, 42)

	for name, want := range map[string]int64{
		"callbridge.audio.chunks_muted":   4,
		"callbridge.playback.stale_clips": 2,
		"callbridge.interruptions":        1,
		"callbridge.turns_completed":      3,
		"callbridge.active_calls":         1,
		"callbridge.agent_speaking":       0,
	} {
		if got := r.counter(t, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
	if got := r.samples(t, "callbridge.call.duration"); got != 1 {
		t.Errorf("call duration samples = %d, want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	t.Parallel()
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
