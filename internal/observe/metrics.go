// Package observe wires xivoice into OpenTelemetry: metric instruments,
// job-scoped tracing, logs that carry the job token and trace id, and HTTP
// middleware for the control plane.
//
// [InitProvider] installs the global providers and bridges metrics to
// Prometheus. Code records through a [Metrics] value; most of it uses
// [DefaultMetrics], while tests build their own with [NewMetrics] on a
// private provider.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/xivoice"

// Job outcomes, the "status" attribute of [Metrics.Jobs].
const (
	JobCompleted  = "completed"
	JobSuperseded = "superseded"
	JobCancelled  = "cancelled"
	JobNotFound   = "not_found"
	JobFailed     = "failed"
)

// Metrics is the set of instruments xivoice records into. Attribute keys
// are listed per field.
type Metrics struct {
	SynthDuration       metric.Float64Histogram   // model
	EnhanceDuration     metric.Float64Histogram   // stage
	HTTPRequestDuration metric.Float64Histogram   // method, route, status
	Jobs                metric.Int64Counter       // status
	Resolutions         metric.Int64Counter       // step
	PlaybackChunks      metric.Int64Counter       // status: played, stale, aborted, error
	BackendRequests     metric.Int64Counter       // backend, op, status
	BackendErrors       metric.Int64Counter       // backend, op
	EnhanceFailures     metric.Int64Counter       // stage
	Messages            metric.Int64Counter       // type, status
	BreakerTransitions  metric.Int64Counter       // backend, state
	TransportReconnects metric.Int64Counter       //
	ActiveJobs          metric.Int64UpDownCounter // 0 or 1
}

// Sentence synthesis and enhancement stages run from milliseconds to a few
// seconds.
var stageBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// builder creates instruments on one meter and keeps the first error.
type builder struct {
	m    metric.Meter
	errs []error
}

func (b *builder) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.m.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{m: mp.Meter(meterName)}
	m := &Metrics{
		SynthDuration:       b.seconds("xivoice.synth.duration", "Time to synthesize one sentence unit.", stageBuckets...),
		EnhanceDuration:     b.seconds("xivoice.enhance.duration", "Time spent in one enhancement stage for one chunk.", stageBuckets...),
		HTTPRequestDuration: b.seconds("xivoice.http.request.duration", "Control plane request time."),
		Jobs:                b.counter("xivoice.jobs", "Finished jobs by outcome."),
		Resolutions:         b.counter("xivoice.resolutions", "Voice resolutions by the step that produced the voice."),
		PlaybackChunks:      b.counter("xivoice.playback.chunks", "Chunks leaving the playback queue by status."),
		BackendRequests:     b.counter("xivoice.backend.requests", "Synthesis backend calls."),
		BackendErrors:       b.counter("xivoice.backend.errors", "Failed synthesis backend calls."),
		EnhanceFailures:     b.counter("xivoice.enhance.failures", "Enhancement stages that failed and passed audio through."),
		Messages:            b.counter("xivoice.messages", "Inbound plugin messages by type and status."),
		BreakerTransitions:  b.counter("xivoice.breaker.transitions", "Circuit breaker state changes by backend and new state."),
		TransportReconnects: b.counter("xivoice.transport.reconnects", "Websocket reconnect attempts."),
		ActiveJobs:          b.gauge("xivoice.active_jobs", "Jobs currently running."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics], created on first use
// from the global meter provider. Call [InitProvider] before the first call
// so the instruments reach Prometheus.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func attrs(kv ...string) metric.MeasurementOption {
	out := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(out...)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveSynth records the time one unit took on the backend.
func (m *Metrics) ObserveSynth(ctx context.Context, model string, d time.Duration) {
	m.SynthDuration.Record(ctx, d.Seconds(), attrs("model", model))
}

// ObserveEnhance records the time one enhancement stage took.
func (m *Metrics) ObserveEnhance(ctx context.Context, stage string, d time.Duration) {
	m.EnhanceDuration.Record(ctx, d.Seconds(), attrs("stage", stage))
}

// JobStarted marks a job as running. Pair it with [Metrics.RecordJob].
func (m *Metrics) JobStarted(ctx context.Context) {
	m.ActiveJobs.Add(ctx, 1)
}

// RecordJob ends a job started with [Metrics.JobStarted].
func (m *Metrics) RecordJob(ctx context.Context, status string) {
	m.ActiveJobs.Add(ctx, -1)
	m.Jobs.Add(ctx, 1, attrs("status", status))
}

func (m *Metrics) RecordResolution(ctx context.Context, step string) {
	m.Resolutions.Add(ctx, 1, attrs("step", step))
}

func (m *Metrics) RecordPlaybackChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1, attrs("status", status))
}

func (m *Metrics) RecordEnhanceFailure(ctx context.Context, stage string) {
	m.EnhanceFailures.Add(ctx, 1, attrs("stage", stage))
}

// RecordBackendCall counts one backend call, and the failure when err is set.
func (m *Metrics) RecordBackendCall(ctx context.Context, backend, op string, err error) {
	m.BackendRequests.Add(ctx, 1, attrs("backend", backend, "op", op, "status", outcome(err)))
	if err != nil {
		m.BackendErrors.Add(ctx, 1, attrs("backend", backend, "op", op))
	}
}

func (m *Metrics) RecordMessage(ctx context.Context, msgType, status string) {
	m.Messages.Add(ctx, 1, attrs("type", msgType, "status", status))
}

func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1, attrs("backend", backend, "state", state))
}

func (m *Metrics) RecordReconnect(ctx context.Context) {
	m.TransportReconnects.Add(ctx, 1)
}
