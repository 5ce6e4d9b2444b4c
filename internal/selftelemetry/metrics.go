package selftelemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig holds configuration for the relay's self-telemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName identifies the relay in its own metric resource.
	ServiceName string

	// ServiceVersion is the build version of the relay binary.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP self-telemetry exporters.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP self-telemetry connections.
	OTLPInsecure bool

	// Attributes are additional resource attributes attached to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "lambda-otel-relay",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics for the relay's buffer and export
// behavior. The instrument set deliberately describes the relay's own
// operation (bytes buffered, flushes, evictions, export outcomes), never the
// content of the OTLP payloads it forwards.
type Metrics struct {
	config           *MetricsConfig
	meterProvider    *sdkmetric.MeterProvider
	meter            metric.Meter
	shutdown         func(context.Context) error
	mu               sync.RWMutex
	bufferedBytes    atomic.Int64
	bufferedGauge    metric.Int64ObservableGauge
	bufferedGaugeReg metric.Registration

	flushCounter     metric.Int64Counter
	exportLatency    metric.Float64Histogram
	exportErrors     metric.Int64Counter
	evictedBytes     metric.Int64Counter
	evictedPayloads  metric.Int64Counter
	mergedResources  metric.Int64Histogram
	inFlightFlushers metric.Int64UpDownCounter
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{
		config: cfg,
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) createResource(cfg *MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}

	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.bufferedGauge, err = m.meter.Int64ObservableGauge(
		"relay.buffer.bytes",
		metric.WithDescription("Bytes currently held in the outbound buffer across all signals"),
	)
	if err != nil {
		return fmt.Errorf("failed to create buffer gauge: %w", err)
	}

	m.bufferedGaugeReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.bufferedGauge, m.bufferedBytes.Load())
			return nil
		},
		m.bufferedGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register buffer gauge callback: %w", err)
	}

	m.flushCounter, err = m.meter.Int64Counter(
		"relay.flush.count",
		metric.WithDescription("Count of flush attempts by signal and outcome"),
	)
	if err != nil {
		return fmt.Errorf("failed to create flush counter: %w", err)
	}

	m.exportLatency, err = m.meter.Float64Histogram(
		"relay.export.latency",
		metric.WithDescription("Latency of outbound export HTTP calls"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create export latency histogram: %w", err)
	}

	m.exportErrors, err = m.meter.Int64Counter(
		"relay.export.errors",
		metric.WithDescription("Count of failed export attempts by signal"),
	)
	if err != nil {
		return fmt.Errorf("failed to create export error counter: %w", err)
	}

	m.evictedBytes, err = m.meter.Int64Counter(
		"relay.buffer.evicted_bytes",
		metric.WithDescription("Bytes dropped from the buffer to respect the memory ceiling"),
	)
	if err != nil {
		return fmt.Errorf("failed to create evicted bytes counter: %w", err)
	}

	m.evictedPayloads, err = m.meter.Int64Counter(
		"relay.buffer.evicted_payloads",
		metric.WithDescription("Payloads dropped from the buffer to respect the memory ceiling"),
	)
	if err != nil {
		return fmt.Errorf("failed to create evicted payloads counter: %w", err)
	}

	m.mergedResources, err = m.meter.Int64Histogram(
		"relay.merge.resources",
		metric.WithDescription("Distinct resource entries remaining after merge dedup, per flush"),
	)
	if err != nil {
		return fmt.Errorf("failed to create merged resources histogram: %w", err)
	}

	m.inFlightFlushers, err = m.meter.Int64UpDownCounter(
		"relay.flush.in_flight",
		metric.WithDescription("Number of background flush tasks currently running (at most one)"),
	)
	if err != nil {
		return fmt.Errorf("failed to create in-flight flush counter: %w", err)
	}

	return nil
}

// SetBufferedBytes updates the current outbound buffer size observed by the
// gauge callback.
func (m *Metrics) SetBufferedBytes(n int64) {
	m.bufferedBytes.Store(n)
}

// RecordFlush records the outcome of a signal's flush/export attempt.
func (m *Metrics) RecordFlush(ctx context.Context, signal string, success bool) {
	if m.flushCounter == nil {
		return
	}
	m.flushCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("signal", signal),
		attribute.Bool("success", success),
	))
}

// RecordExportLatency records how long an outbound export HTTP call took.
func (m *Metrics) RecordExportLatency(ctx context.Context, signal string, latencyMs float64) {
	if m.exportLatency == nil {
		return
	}
	m.exportLatency.Record(ctx, latencyMs, metric.WithAttributes(
		attribute.String("signal", signal),
	))
}

// RecordExportError increments the export error counter for a signal.
func (m *Metrics) RecordExportError(ctx context.Context, signal string) {
	if m.exportErrors == nil {
		return
	}
	m.exportErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("signal", signal),
	))
}

// RecordEviction records bytes and payload counts dropped by the buffer.
func (m *Metrics) RecordEviction(ctx context.Context, signal string, bytes int, payloads int) {
	if m.evictedBytes != nil {
		m.evictedBytes.Add(ctx, int64(bytes), metric.WithAttributes(attribute.String("signal", signal)))
	}
	if m.evictedPayloads != nil {
		m.evictedPayloads.Add(ctx, int64(payloads), metric.WithAttributes(attribute.String("signal", signal)))
	}
}

// RecordMergedResources records how many distinct resource entries survived
// merge dedup for a flush.
func (m *Metrics) RecordMergedResources(ctx context.Context, signal string, count int) {
	if m.mergedResources == nil {
		return
	}
	m.mergedResources.Record(ctx, int64(count), metric.WithAttributes(attribute.String("signal", signal)))
}

// FlushStarted marks a background flush task as in-flight.
func (m *Metrics) FlushStarted(ctx context.Context) {
	if m.inFlightFlushers == nil {
		return
	}
	m.inFlightFlushers.Add(ctx, 1)
}

// FlushFinished marks a background flush task as complete.
func (m *Metrics) FlushFinished(ctx context.Context) {
	if m.inFlightFlushers == nil {
		return
	}
	m.inFlightFlushers.Add(ctx, -1)
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bufferedGaugeReg != nil {
		if err := m.bufferedGaugeReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister buffer gauge: %w", err)
		}
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance, or a no-op instance
// if none has been set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		cfg := DefaultMetricsConfig()
		m := &Metrics{
			config:        cfg,
			meterProvider: sdkmetric.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		return m
	}

	return globalMetrics
}

// NoopMetrics returns a metrics instance that does nothing, for tests and
// disabled configs.
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
