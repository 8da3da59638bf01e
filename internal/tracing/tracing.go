// Package tracing configures OpenTelemetry for the jobs services and carries
// trace context across NSQ messages.
package tracing

import (
	"context"
	"net/url"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const TracerName = "github.com/austindbirch/harbor_jobs"

const defaultEndpoint = "tempo:4318"

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init installs the global tracer provider and propagator. With
// OTEL_SDK_DISABLED=true only the propagator is installed, so trace
// headers still pass through.
func Init(ctx context.Context, serviceName string) (Shutdown, error) {
	if strings.EqualFold(os.Getenv("OTEL_SDK_DISABLED"), "true") {
		otel.SetTextMapPropagator(propagation.TraceContext{})
		return noopShutdown, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(envOr("dev", "SERVICE_VERSION")),
			attribute.String("service.instance.id", envOr("unknown", "HOSTNAME", "POD_NAME")),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	endpoint, insecure := otlpEndpoint(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(os.Getenv("OTEL_TRACES_SAMPLER_ARG"))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func envOr(def string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// otlpEndpoint reduces an endpoint to the host:port otlptracehttp wants.
// Only an explicit https scheme turns TLS on.
func otlpEndpoint(raw string) (hostport string, insecure bool) {
	if raw == "" {
		return defaultEndpoint, true
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host, u.Scheme != "https"
	}
	return strings.TrimSuffix(raw, "/"), true
}

// sampler samples every trace unless arg is a ratio in [0,1). Child spans
// follow their parent's decision.
func sampler(arg string) sdktrace.Sampler {
	ratio, err := strconv.ParseFloat(arg, 64)
	if err != nil || ratio >= 1 || ratio < 0 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func Tracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// AddSpanEvent is a no-op when ctx carries no recording span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}

func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns "" when ctx has no valid span context.
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// JobAttributes are the span attributes identifying a job.
func JobAttributes(jobID, jobType, tenantID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("job.id", jobID),
		attribute.String("job.type", jobType),
	}
	if tenantID != "" {
		attrs = append(attrs, attribute.String("tenant.id", tenantID))
	}
	return attrs
}

// InjectHeaders returns the trace context of ctx as message headers. The
// map is empty, never nil, when ctx carries nothing.
func InjectHeaders(ctx context.Context) map[string]string {
	headers := map[string]string{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractHeaders returns ctx with the remote span context found in headers.
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
