// Package telemetry wires OpenTelemetry tracing and structured logging for
// every mcpgov service.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"mcpgov/pkg/config"
)

const defaultServiceName = "mcpgov"

// Init loads exporter settings from the environment and installs the global
// tracer provider.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	cfg, err := config.LoadTelemetry()
	if err != nil {
		return nil, err
	}
	return Start(ctx, serviceName, cfg)
}

// Start installs a tracer provider for serviceName. Without an endpoint spans
// stay in-process. An exporter failure is fatal only when cfg.Required.
func Start(ctx context.Context, serviceName string, cfg config.Telemetry) (func(context.Context) error, error) {
	serviceName = normalizeName(serviceName)
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	base := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(parseSampler(cfg.Sampler, cfg.SamplerArg)),
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return installProvider(trace.NewTracerProvider(base...)), nil
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(cfg.Timeout()),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if headers := cleanHeaders(cfg.Headers); len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		if cfg.Required {
			return nil, err
		}
		slog.WarnContext(ctx, "otel exporter disabled", "service", serviceName, "error", err)
		return installProvider(trace.NewTracerProvider(base...)), nil
	}
	return installProvider(trace.NewTracerProvider(append(base, trace.WithBatcher(exporter))...)), nil
}

func installProvider(tp *trace.TracerProvider) func(context.Context) error {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown
}

func normalizeName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return defaultServiceName
}

func cleanHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if val, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(val, 0), 1)
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// probePaths are polled by orchestrators and scrapers and never traced.
var probePaths = map[string]bool{
	"/healthz":            true,
	"/health":             true,
	"/metrics":            true,
	"/metrics/prometheus": true,
}

// HTTPMiddleware instruments inbound HTTP handlers. Spans are named
// "<METHOD> <path>" and probe endpoints are skipped.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(normalizeName(serviceName),
		otelhttp.WithFilter(func(r *http.Request) bool { return !probePaths[r.URL.Path] }),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// InstrumentClient wraps an HTTP client with OTel transport. The client's
// redirect policy and timeouts are left untouched.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}
