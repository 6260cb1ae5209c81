package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
)

const (
	envPrefix = "MESHSIM_TRACING_"
	runTracer = "github.com/signalsfoundry/mesh-simulator/run"
)

// Exporter kinds accepted in MESHSIM_TRACING_EXPORTER.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// RunInfo identifies one simulation run. It becomes the resource of every
// span the run produces, so node spans from different runs can be told
// apart in a shared collector.
type RunInfo struct {
	ID        string
	Scenario  string
	Topology  string
	NodeCount int
	Seed      uint64
}

func (r RunInfo) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("mesh.topology", r.Topology),
		attribute.Int("mesh.node_count", r.NodeCount),
		attribute.Int64("mesh.seed", int64(r.Seed)),
	}
	if r.Scenario != "" {
		attrs = append(attrs, attribute.String("mesh.scenario", r.Scenario))
	}
	return attrs
}

// TracingConfig governs how tracing is initialised. The engine's node spans
// (message sends, route discoveries) and the gRPC server spans share it.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string
	Endpoint    string
	SampleRatio float64
	// Output receives stdout-exporter spans. Defaults to os.Stderr so span
	// dumps do not interleave with the run summary.
	Output      io.Writer
}

// TracingConfigFromEnv reads MESHSIM_TRACING_{ENABLED,EXPORTER,SERVICE_NAME,
// SAMPLE_RATIO,ENDPOINT}. Tracing is off unless ENABLED is true.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv(envPrefix+"ENABLED"), "true"),
		ServiceName: envOr("SERVICE_NAME", "meshsim"),
		Exporter:    strings.ToLower(envOr("EXPORTER", ExporterStdout)),
		Endpoint:    os.Getenv(envPrefix + "ENDPOINT"),
		SampleRatio: 1,
	}
	if raw := os.Getenv(envPrefix + "SAMPLE_RATIO"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0 && v <= 1 {
			cfg.SampleRatio = v
		}
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

// InitTracing installs the global tracer provider for run. When tracing is
// disabled a noop provider is installed and the returned shutdown does
// nothing. An empty run.ID is filled with a fresh UUID.
func InitTracing(ctx context.Context, cfg TracingConfig, run RunInfo, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	res, err := resource.New(ctx, resource.WithAttributes(append(run.attributes(),
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.instance.id", run.ID),
	)...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("run_id", run.ID),
		logging.String("topology", run.Topology),
		logging.Float("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterStdout, "":
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithoutTimestamps())
	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}

// StartRunSpan opens the root span of a run. Node spans started from the
// returned context become its children.
func StartRunSpan(ctx context.Context, run RunInfo) (context.Context, trace.Span) {
	return otel.Tracer(runTracer).Start(ctx, "meshsim.Run", trace.WithAttributes(run.attributes()...))
}

// ShutdownWithTimeout flushes tracing within five seconds, logging rather
// than returning a failure.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
