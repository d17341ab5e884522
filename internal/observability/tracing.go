package observability

import (
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// traceEnv holds the POOL_OTEL_* settings read once at init.
type traceEnv struct {
	exporter     string
	endpoint     string
	headers      map[string]string
	insecure     bool
	sampler      string
	samplerRatio float64
	environment  string
}

func readTraceEnv() traceEnv {
	return traceEnv{
		exporter:     strings.ToLower(strings.TrimSpace(os.Getenv("POOL_OTEL_EXPORTER"))),
		endpoint:     strings.TrimSpace(os.Getenv("POOL_OTEL_ENDPOINT")),
		headers:      parseHeaders(os.Getenv("POOL_OTEL_HEADERS")),
		insecure:     getenvBool("POOL_OTEL_INSECURE", true),
		sampler:      strings.ToLower(strings.TrimSpace(os.Getenv("POOL_OTEL_SAMPLER"))),
		samplerRatio: getenvFloat("POOL_OTEL_SAMPLER_RATIO", 1.0),
		environment:  strings.TrimSpace(os.Getenv("POOL_ENVIRONMENT")),
	}
}

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
)

// InitTracingFromEnv configures the global tracer provider from POOL_OTEL_*
// environment variables. With no exporter configured, tracing is a no-op.
func InitTracingFromEnv(service string) (func(context.Context) error, error) {
	var initErr error
	tracerOnce.Do(func() {
		env := readTraceEnv()
		if env.exporter == "" || env.exporter == "none" {
			otel.SetTracerProvider(trace.NewNoopTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
			return
		}

		exp, err := env.buildExporter(context.Background())
		if err != nil {
			initErr = err
			return
		}
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceNameKey.String(service),
				attribute.String("pool.environment", env.environment),
			),
		)
		if err != nil {
			initErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(env.buildSampler()),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdownFn = tp.Shutdown
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	t := otel.Tracer("gpupool")
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (e traceEnv) buildExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch e.exporter {
	case "otlp", "otlpgrpc", "grpc":
		endpoint := e.endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if len(e.headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(e.headers))
		}
		if e.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{})))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "otlphttp", "http":
		endpoint := e.endpoint
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if len(e.headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(e.headers))
		}
		if e.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		// "stdout" and anything unrecognized fall back to a local exporter.
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}

func (e traceEnv) buildSampler() sdktrace.Sampler {
	switch e.sampler {
	case "always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "traceidratio", "ratio":
		ratio := e.samplerRatio
		if ratio < 0 {
			ratio = 0
		}
		if ratio > 1 {
			ratio = 1
		}
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

func parseHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if key != "" && val != "" {
			out[key] = val
		}
	}
	return out
}

func getenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func getenvFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
