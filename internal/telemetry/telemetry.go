package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
// Every method is safe to call on a nil *Telemetry.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	registry      *promclient.Registry
	startedAt     time.Time

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	jobsTotal          metric.Int64Counter
	jobsActive         metric.Int64UpDownCounter
	jobDuration        metric.Float64Histogram
	strategyAttempts   metric.Int64Counter
	jobsRejected       metric.Int64Counter
	updateChecksTotal  metric.Int64Counter
	updatesTotal       metric.Int64Counter
	binaryDownloadSize metric.Int64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64ObservableGauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, additionally pushes metrics over OTLP/gRPC.
	OTLPEndpoint string
}

// New creates a new telemetry instance. When telemetry is disabled the
// returned instance records nothing and serves 404 on the metrics endpoint.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	t := &Telemetry{
		tracer:    otel.Tracer(cfg.ServiceName),
		startedAt: time.Now(),
	}

	if !cfg.Enabled {
		return t, nil
	}

	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	opts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		pushExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(pushExporter)))
	}

	t.meterProvider = sdkmetric.NewMeterProvider(opts...)
	t.registry = registry

	otel.SetMeterProvider(t.meterProvider)

	t.meter = t.meterProvider.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(t.meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// AddHTTPInFlight moves the in-flight request gauge by delta.
func (t *Telemetry) AddHTTPInFlight(delta int64) {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(context.Background(), delta)
}

// RecordJob records the terminal status of a download job.
func (t *Telemetry) RecordJob(status string, duration time.Duration) {
	if t == nil || t.jobsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.jobsTotal.Add(context.Background(), 1, attrs)
	t.jobDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// AddActiveJobs moves the active job gauge by delta.
func (t *Telemetry) AddActiveJobs(delta int64) {
	if t == nil || t.jobsActive == nil {
		return
	}

	t.jobsActive.Add(context.Background(), delta)
}

// RecordStrategyAttempt records one attempt of a download strategy.
func (t *Telemetry) RecordStrategyAttempt(strategy, status string) {
	if t == nil || t.strategyAttempts == nil {
		return
	}

	t.strategyAttempts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("status", status),
	))
}

// RecordJobRejected records a download request refused for lack of capacity.
func (t *Telemetry) RecordJobRejected() {
	if t == nil || t.jobsRejected == nil {
		return
	}

	t.jobsRejected.Add(context.Background(), 1)
}

// RecordUpdateCheck records a remote release lookup. result is one of
// "update_available", "up_to_date" or "error".
func (t *Telemetry) RecordUpdateCheck(result string) {
	if t == nil || t.updateChecksTotal == nil {
		return
	}

	t.updateChecksTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordUpdate records the terminal status of an update run.
func (t *Telemetry) RecordUpdate(status string) {
	if t == nil || t.updatesTotal == nil {
		return
	}

	t.updatesTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBinaryDownload records the size of a fetched yt-dlp binary.
func (t *Telemetry) RecordBinaryDownload(bytes int64) {
	if t == nil || t.binaryDownloadSize == nil {
		return
	}

	t.binaryDownloadSize.Record(context.Background(), bytes)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("error_type", errorType),
	))
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider.Shutdown(ctx)
}

func (t *Telemetry) initializeMetrics() error {
	return errors.Join(
		t.initializeREDMetrics(),
		t.initializeBusinessMetrics(),
		t.initializeSystemMetrics(),
	)
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	var err error

	t.jobsTotal, err = t.meter.Int64Counter(
		"download_jobs_total",
		metric.WithDescription("Total number of finished download jobs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_jobs_total counter: %w", err)
	}

	t.jobsActive, err = t.meter.Int64UpDownCounter(
		"download_jobs_active",
		metric.WithDescription("Number of download jobs currently running"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_jobs_active counter: %w", err)
	}

	t.jobDuration, err = t.meter.Float64Histogram(
		"download_job_duration_seconds",
		metric.WithDescription("Download job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_job_duration histogram: %w", err)
	}

	t.strategyAttempts, err = t.meter.Int64Counter(
		"download_strategy_attempts_total",
		metric.WithDescription("Download attempts per strategy and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_strategy_attempts counter: %w", err)
	}

	t.jobsRejected, err = t.meter.Int64Counter(
		"download_jobs_rejected_total",
		metric.WithDescription("Download requests refused because too many jobs were running"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_jobs_rejected counter: %w", err)
	}

	t.updateChecksTotal, err = t.meter.Int64Counter(
		"ytdlp_update_checks_total",
		metric.WithDescription("Remote yt-dlp release checks"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create ytdlp_update_checks counter: %w", err)
	}

	t.updatesTotal, err = t.meter.Int64Counter(
		"ytdlp_updates_total",
		metric.WithDescription("Finished yt-dlp update runs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create ytdlp_updates counter: %w", err)
	}

	t.binaryDownloadSize, err = t.meter.Int64Histogram(
		"ytdlp_binary_download_bytes",
		metric.WithDescription("Size of downloaded yt-dlp binaries"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create ytdlp_binary_download histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64ObservableGauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(time.Since(t.startedAt).Seconds())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}
