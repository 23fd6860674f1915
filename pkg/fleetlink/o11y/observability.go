// Package o11y defines the small metrics and tracing surface fleetlink
// components report through. Implementations live in pkg/fleetlink/otel
// (OpenTelemetry) and in this package (MemoryProvider).
package o11y

import (
	"context"
)

// Metric names reported by the client and dispatcher.
const (
	MetricFramesReceived    = "fleetlink_frames_received_total"
	MetricFramesDropped     = "fleetlink_frames_dropped_total"
	MetricEventsDispatched  = "fleetlink_events_dispatched_total"
	MetricHandlerErrors     = "fleetlink_handler_errors_total"
	MetricCommandsEmitted   = "fleetlink_commands_emitted_total"
	MetricCommandsDropped   = "fleetlink_commands_dropped_total"
	MetricReconnectAttempts = "fleetlink_reconnect_attempts_total"
	MetricConnectionState   = "fleetlink_connection_state"
	MetricDispatchDuration  = "fleetlink_dispatch_duration_seconds"
)

// ObservabilityConfig holds optional observability providers
type ObservabilityConfig struct {
	MetricsProvider MetricsProvider
	TracingProvider TracingProvider
}

// MetricsProvider abstracts metrics collection
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider abstracts distributed tracing
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter represents a monotonically increasing metric
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records distribution of values
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge represents a value that can go up and down
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span represents a unit of work in a trace
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label represents a key-value pair for metrics and tracing
type Label struct {
	Key   string
	Value string
}

// SpanStatusCode represents the status of a span
type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// Instruments are the pre-created metrics a component reports through. All
// fields are nil when no provider is configured; use the helper methods,
// which tolerate that.
type Instruments struct {
	counters   map[string]Counter
	histograms map[string]Histogram
	gauges     map[string]Gauge
	tracing    TracingProvider
}

// NewInstruments creates the named instruments up front. A nil config or
// nil metrics provider yields instruments that record nothing.
func NewInstruments(config *ObservabilityConfig, counters, histograms, gauges []string) *Instruments {
	in := &Instruments{
		counters:   make(map[string]Counter),
		histograms: make(map[string]Histogram),
		gauges:     make(map[string]Gauge),
	}
	if config == nil {
		return in
	}

	in.tracing = config.TracingProvider
	if config.MetricsProvider == nil {
		return in
	}

	for _, name := range counters {
		in.counters[name] = config.MetricsProvider.Counter(name)
	}
	for _, name := range histograms {
		in.histograms[name] = config.MetricsProvider.Histogram(name)
	}
	for _, name := range gauges {
		in.gauges[name] = config.MetricsProvider.Gauge(name)
	}
	return in
}

func (in *Instruments) Add(ctx context.Context, name string, value int64, labels ...Label) {
	if in == nil {
		return
	}
	if c, ok := in.counters[name]; ok {
		c.Add(ctx, value, labels...)
	}
}

func (in *Instruments) Record(ctx context.Context, name string, value float64, labels ...Label) {
	if in == nil {
		return
	}
	if h, ok := in.histograms[name]; ok {
		h.Record(ctx, value, labels...)
	}
}

func (in *Instruments) Set(ctx context.Context, name string, value float64, labels ...Label) {
	if in == nil {
		return
	}
	if g, ok := in.gauges[name]; ok {
		g.Set(ctx, value, labels...)
	}
}

// StartSpan starts a span when tracing is configured. The returned span is
// never nil.
func (in *Instruments) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	if in == nil || in.tracing == nil {
		return ctx, noopSpan{}
	}
	return in.tracing.StartSpan(ctx, name)
}

type noopSpan struct{}

func (noopSpan) SetAttributes(labels ...Label)                     {}
func (noopSpan) SetStatus(code SpanStatusCode, description string) {}
func (noopSpan) End()                                              {}
