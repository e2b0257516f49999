package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// recorder is a Metrics value on a private provider plus the reader to
// inspect it.
type recorder struct {
	*Metrics
	reader *sdkmetric.ManualReader
}

func newRecorder(t *testing.T) recorder {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return recorder{Metrics: m, reader: reader}
}

func (r recorder) collect(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(context.Background(), &rm); err != nil {
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

// matches reports whether set carries every key=value pair of kv.
func matches(set attribute.Set, kv []string) bool {
	for i := 0; i+1 < len(kv); i += 2 {
		if v, ok := set.Value(attribute.Key(kv[i])); !ok || v.AsString() != kv[i+1] {
			return false
		}
	}
	return true
}

// sum adds up the points of an int64 sum whose attributes include kv.
func sum(t *testing.T, rm metricdata.ResourceMetrics, name string, kv ...string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("%s not recorded", name)
	}
	data, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range data.DataPoints {
		if matches(dp.Attributes, kv) {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_Counters(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	r.RecordResolution(ctx, "heuristic")
	r.RecordResolution(ctx, "character")
	r.RecordResolution(ctx, "heuristic")
	r.RecordPlaybackChunk(ctx, "played")
	r.RecordPlaybackChunk(ctx, "stale")
	r.RecordEnhanceFailure(ctx, "restoration")
	r.RecordMessage(ctx, "Say", "ok")
	r.RecordMessage(ctx, "Say", "rejected")
	r.RecordBreakerTransition(ctx, "wyoming", "open")
	r.RecordReconnect(ctx)
	r.RecordReconnect(ctx)

	rm := r.collect(t)
	tests := []struct {
		name string
		kv   []string
		want int64
	}{
		{"xivoice.resolutions", []string{"step", "heuristic"}, 2},
		{"xivoice.resolutions", []string{"step", "character"}, 1},
		{"xivoice.playback.chunks", []string{"status", "stale"}, 1},
		{"xivoice.enhance.failures", []string{"stage", "restoration"}, 1},
		{"xivoice.messages", []string{"type", "Say"}, 2},
		{"xivoice.messages", []string{"type", "Say", "status", "rejected"}, 1},
		{"xivoice.breaker.transitions", []string{"backend", "wyoming", "state", "open"}, 1},
		{"xivoice.transport.reconnects", nil, 2},
	}
	for _, tt := range tests {
		if got := sum(t, rm, tt.name, tt.kv...); got != tt.want {
			t.Errorf("%s%v = %d, want %d", tt.name, tt.kv, got, tt.want)
		}
	}
}

func TestMetrics_BackendCalls(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	r.RecordBackendCall(ctx, "piper", "synthesize", nil)
	r.RecordBackendCall(ctx, "piper", "phonemize", nil)
	r.RecordBackendCall(ctx, "wyoming@localhost:10200", "synthesize", errors.New("connection refused"))

	rm := r.collect(t)
	if got := sum(t, rm, "xivoice.backend.requests", "backend", "piper", "status", "ok"); got != 2 {
		t.Errorf("piper ok = %d, want 2", got)
	}
	if got := sum(t, rm, "xivoice.backend.requests", "status", "error"); got != 1 {
		t.Errorf("errored requests = %d, want 1", got)
	}
	if got := sum(t, rm, "xivoice.backend.errors", "backend", "wyoming@localhost:10200", "op", "synthesize"); got != 1 {
		t.Errorf("wyoming errors = %d, want 1", got)
	}
	if got := sum(t, rm, "xivoice.backend.errors", "backend", "piper"); got != 0 {
		t.Errorf("piper errors = %d, want 0", got)
	}
}

func TestMetrics_JobLifecycle(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	r.JobStarted(ctx)
	r.RecordJob(ctx, JobSuperseded)
	r.JobStarted(ctx)

	rm := r.collect(t)
	if got := sum(t, rm, "xivoice.active_jobs"); got != 1 {
		t.Errorf("active jobs = %d, want 1", got)
	}
	if got := sum(t, rm, "xivoice.jobs", "status", JobSuperseded); got != 1 {
		t.Errorf("superseded jobs = %d, want 1", got)
	}
}

func TestMetrics_StageDurations(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	r.ObserveSynth(ctx, "lessac_en", 120*time.Millisecond)
	r.ObserveSynth(ctx, "lessac_en", 80*time.Millisecond)
	r.ObserveEnhance(ctx, "loudness", 3*time.Millisecond)

	rm := r.collect(t)
	tests := []struct {
		name, key, value string
		count            uint64
		sum              float64
	}{
		{"xivoice.synth.duration", "model", "lessac_en", 2, 0.2},
		{"xivoice.enhance.duration", "stage", "loudness", 1, 0.003},
	}
	for _, tt := range tests {
		met := findMetric(rm, tt.name)
		if met == nil {
			t.Fatalf("%s not recorded", tt.name)
		}
		points := met.Data.(metricdata.Histogram[float64]).DataPoints
		if len(points) != 1 {
			t.Fatalf("%s has %d points, want 1", tt.name, len(points))
		}
		dp := points[0]
		if v, _ := dp.Attributes.Value(attribute.Key(tt.key)); v.AsString() != tt.value {
			t.Errorf("%s %s = %q, want %q", tt.name, tt.key, v.AsString(), tt.value)
		}
		if dp.Count != tt.count || dp.Sum < tt.sum-1e-9 || dp.Sum > tt.sum+1e-9 {
			t.Errorf("%s count/sum = %d/%v, want %d/%v", tt.name, dp.Count, dp.Sum, tt.count, tt.sum)
		}
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Fatal("DefaultMetrics returned different instances")
	}
}
