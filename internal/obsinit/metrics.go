package obsinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// SchedulerMetrics holds the scheduler-wide counters and histograms read by
// the main loop and its collaborators.
type SchedulerMetrics struct {
	TickDuration    metric.Float64Histogram
	TaskSpawns      metric.Int64Counter
	TaskRemovals    metric.Int64Counter
	StallEvents     metric.Int64Counter
	JobSubmissions  metric.Int64Counter
	JobSubmitFails  metric.Int64Counter
	JobRetries      metric.Int64Counter
	JobPolls        metric.Int64Counter
	HostFailovers   metric.Int64Counter
	StateDBWriteMs  metric.Float64Histogram
	RunaheadGauge   metric.Int64Gauge
	ReadyQueueGauge metric.Int64Gauge
}

// InitMetrics configures a global OTLP metric push exporter. It returns a
// shutdown function and the common instrument set; on exporter failure it
// degrades to instruments backed by the no-op global provider.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, metrics SchedulerMetrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(initCtx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, newInstruments()
	}

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, newInstruments()
}

func newInstruments() SchedulerMetrics {
	meter := otel.Meter("cylc-scheduler")
	tickDuration, _ := meter.Float64Histogram("cylc_scheduler_tick_duration_ms")
	taskSpawns, _ := meter.Int64Counter("cylc_pool_task_spawns_total")
	taskRemovals, _ := meter.Int64Counter("cylc_pool_task_removals_total")
	stallEvents, _ := meter.Int64Counter("cylc_scheduler_stall_events_total")
	jobSubmissions, _ := meter.Int64Counter("cylc_job_submissions_total")
	jobSubmitFails, _ := meter.Int64Counter("cylc_job_submit_failures_total")
	jobRetries, _ := meter.Int64Counter("cylc_job_retries_total")
	jobPolls, _ := meter.Int64Counter("cylc_job_polls_total")
	hostFailovers, _ := meter.Int64Counter("cylc_platform_host_failovers_total")
	stateDBWriteMs, _ := meter.Float64Histogram("cylc_statedb_write_ms")
	runaheadGauge, _ := meter.Int64Gauge("cylc_pool_runahead_span")
	readyQueueGauge, _ := meter.Int64Gauge("cylc_pool_ready_queue_length")

	return SchedulerMetrics{
		TickDuration:    tickDuration,
		TaskSpawns:      taskSpawns,
		TaskRemovals:    taskRemovals,
		StallEvents:     stallEvents,
		JobSubmissions:  jobSubmissions,
		JobSubmitFails:  jobSubmitFails,
		JobRetries:      jobRetries,
		JobPolls:        jobPolls,
		HostFailovers:   hostFailovers,
		StateDBWriteMs:  stateDBWriteMs,
		RunaheadGauge:   runaheadGauge,
		ReadyQueueGauge: readyQueueGauge,
	}
}
