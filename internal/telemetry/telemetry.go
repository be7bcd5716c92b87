// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/JakeFAU/crawl-orchestrator"

// --- CUSTOM METRIC DEFINITIONS ---

var (
	apiAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_api_attempts_total",
			Help: "External API attempts, labeled by endpoint and outcome category.",
		},
		[]string{"endpoint", "outcome"},
	)

	apiCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_api_call_duration_seconds",
			Help:    "Duration of logical API calls including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"endpoint", "result"},
	)

	rateLimitWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_rate_limit_wait_seconds",
			Help:    "Histogram of rate limiter wait durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_pipeline_runs_total",
			Help: "Pipeline runs, labeled by outcome (success, partial, failed).",
		},
		[]string{"outcome"},
	)

	pipelineItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_pipeline_items_total",
			Help: "Items discovered by the pipeline, labeled by level.",
		},
		[]string{"level"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_tasks_total",
			Help: "Task status transitions, labeled by status.",
		},
		[]string{"status"},
	)

	tasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_tasks_running",
			Help: "Number of tasks currently executing.",
		},
	)

	monitorCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_monitor_cycles_total",
			Help: "Monitor cycles, labeled by result.",
		},
		[]string{"result"},
	)

	monitorCycleDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_monitor_cycle_duration_seconds",
			Help:    "Wall time per monitor cycle.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Config carries the identity attached to exported telemetry.
type Config struct {
	ServiceName string
	Version     string
	ProjectID   string
}

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// --- INITIALIZATION ---

// InitTelemetry sets up tracing (Google Cloud Trace when a project is set) and
// bridges OpenTelemetry metrics into the default Prometheus registry.
func InitTelemetry(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, *metric.MeterProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.Version),
			),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))),
		}
		if cfg.ProjectID != "" {
			exporter, err := texporter.New(texporter.WithProjectID(cfg.ProjectID))
			if err != nil {
				initErr = fmt.Errorf("failed to create google trace exporter: %w", err)
				return
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		promExporter, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
		if err != nil {
			initErr = fmt.Errorf("failed to create prometheus exporter: %w", err)
			return
		}
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(promExporter),
		)
		otel.SetMeterProvider(mp)
		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// ObserveAPIAttempt records one external API attempt.
func ObserveAPIAttempt(endpoint, outcome string) {
	apiAttemptsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveAPICall records the duration of a logical call.
func ObserveAPICall(endpoint string, ok bool, duration time.Duration) {
	result := "success"
	if !ok {
		result = "error"
	}
	apiCallDurationSeconds.WithLabelValues(endpoint, result).Observe(duration.Seconds())
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(duration time.Duration) {
	rateLimitWaitSeconds.Observe(duration.Seconds())
}

// ObservePipelineRun records a pipeline outcome and discovered item counts.
func ObservePipelineRun(outcome string, children, grandchildren int) {
	pipelineRunsTotal.WithLabelValues(outcome).Inc()
	if children > 0 {
		pipelineItemsTotal.WithLabelValues("child").Add(float64(children))
	}
	if grandchildren > 0 {
		pipelineItemsTotal.WithLabelValues("grandchild").Add(float64(grandchildren))
	}
}

// ObserveTask records a task status transition.
func ObserveTask(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

// IncTasksRunning increments the running task gauge.
func IncTasksRunning() {
	tasksRunning.Inc()
}

// DecTasksRunning decrements the running task gauge.
func DecTasksRunning() {
	tasksRunning.Dec()
}

// ObserveMonitorCycle records a finished monitor cycle.
func ObserveMonitorCycle(ok bool, duration time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	monitorCyclesTotal.WithLabelValues(result).Inc()
	monitorCycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
