// Package observe holds the OpenTelemetry instruments for the pipeline and
// the Prometheus bridge that serves them on /metrics.
//
// Tests should build Metrics with NewMetrics over an sdkmetric
// ManualReader; Noop returns instruments that record nothing.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"pitchtoy/internal/protocol"
)

const meterName = "pitchtoy"

// Metrics holds every instrument. All methods are safe for concurrent use
// and none of them are called from the audio callback.
type Metrics struct {
	// PitchDuration is detector latency per analysis frame, in seconds.
	PitchDuration metric.Float64Histogram
	// PitchOutcomes counts frames by outcome: detected, silence,
	// insufficient_clarity, out_of_range, invalid_input.
	PitchOutcomes metric.Int64Counter

	Batches        metric.Int64Counter
	Samples        metric.Int64Counter
	OverrunSamples metric.Int64Counter
	// Rejections counts protocol messages dropped, by category.
	Rejections metric.Int64Counter
	// ProcessorErrors counts ProcessorError messages, by code.
	ProcessorErrors metric.Int64Counter

	StreamTransitions  metric.Int64Counter
	ContextTransitions metric.Int64Counter

	Clients metric.Int64UpDownCounter
}

// detectorBuckets are in seconds; a 2048-sample frame should take well
// under a millisecond.
var detectorBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PitchDuration, err = m.Float64Histogram("pitchtoy.pitch.duration",
		metric.WithDescription("Latency of pitch detection per frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(detectorBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PitchOutcomes, err = m.Int64Counter("pitchtoy.pitch.frames",
		metric.WithDescription("Analysis frames by detection outcome."),
	); err != nil {
		return nil, err
	}
	if met.Batches, err = m.Int64Counter("pitchtoy.worklet.batches",
		metric.WithDescription("Audio batches accepted from the processor."),
	); err != nil {
		return nil, err
	}
	if met.Samples, err = m.Int64Counter("pitchtoy.worklet.samples",
		metric.WithDescription("Samples written to the analysis ring."),
	); err != nil {
		return nil, err
	}
	if met.OverrunSamples, err = m.Int64Counter("pitchtoy.worklet.overrun_samples",
		metric.WithDescription("Unread samples discarded to make room for new batches."),
	); err != nil {
		return nil, err
	}
	if met.Rejections, err = m.Int64Counter("pitchtoy.protocol.rejections",
		metric.WithDescription("Protocol messages rejected by category."),
	); err != nil {
		return nil, err
	}
	if met.ProcessorErrors, err = m.Int64Counter("pitchtoy.worklet.processor_errors",
		metric.WithDescription("Errors reported by the real-time processor by code."),
	); err != nil {
		return nil, err
	}
	if met.StreamTransitions, err = m.Int64Counter("pitchtoy.stream.transitions",
		metric.WithDescription("Stream health transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.ContextTransitions, err = m.Int64Counter("pitchtoy.context.transitions",
		metric.WithDescription("Audio context transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.Clients, err = m.Int64UpDownCounter("pitchtoy.transport.clients",
		metric.WithDescription("Connected websocket clients."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Noop returns Metrics that discard everything.
func Noop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: noop instruments failed: " + err.Error())
	}
	return m
}

// RecordPitch implements analysis.Recorder.
func (m *Metrics) RecordPitch(latency time.Duration, outcome string) {
	ctx := context.Background()
	m.PitchDuration.Record(ctx, latency.Seconds())
	m.PitchOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPoll records the result of one worklet poll.
func (m *Metrics) RecordPoll(batches, samples, overrun int) {
	ctx := context.Background()
	if batches > 0 {
		m.Batches.Add(ctx, int64(batches))
		m.Samples.Add(ctx, int64(samples))
	}
	if overrun > 0 {
		m.OverrunSamples.Add(ctx, int64(overrun))
	}
}

// RecordError classifies err. Protocol errors count as rejections,
// processor faults by their code; anything else is ignored.
func (m *Metrics) RecordError(err error) {
	ctx := context.Background()
	if cat, ok := protocol.Classify(err); ok {
		m.Rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("category", cat.String())))
		return
	}
	if we, ok := err.(protocol.WorkletError); ok {
		m.ProcessorErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", we.Code.String())))
	}
}

func (m *Metrics) RecordStreamTransition(to string) {
	m.StreamTransitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", to)))
}

func (m *Metrics) RecordContextTransition(to string) {
	m.ContextTransitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", to)))
}

func (m *Metrics) ClientConnected()    { m.Clients.Add(context.Background(), 1) }
func (m *Metrics) ClientDisconnected() { m.Clients.Add(context.Background(), -1) }
