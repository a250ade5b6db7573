package pipeliner

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the OpenTelemetry tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "pipeliner")
	TracerName string
	// SkipPaths lists paths to skip tracing (e.g., health checks)
	SkipPaths []string
	// Propagator is the propagation format (default: TraceContext)
	Propagator propagation.TextMapPropagator
	// TracerProvider overrides the global provider
	TracerProvider trace.TracerProvider
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "pipeliner",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns a middleware that adds OpenTelemetry tracing to requests.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a tracing middleware with custom configuration.
// A span starts when the request is dispatched and ends when the request
// is settled, so asynchronous handlers and dropped requests are covered.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "pipeliner"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	tracer := config.TracerProvider.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request, h *ResponseHandle) Result {
			if skipMap[req.Path] {
				return next.HandleRequest(req, h)
			}

			parentCtx := config.Propagator.Extract(context.Background(), headerCarrier{req: req})
			_, span := tracer.Start(
				parentCtx,
				req.Method+" "+req.Path,
				trace.WithSpanKind(trace.SpanKindServer),
			)
			span.SetAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.target", req.Path),
				attribute.String("http.host", req.Host),
				attribute.String("http.flavor", req.Version),
				attribute.Int64("http.request_content_length", int64(len(req.Body))),
				attribute.Int64("pipeliner.connection_id", int64(h.ConnectionID())),
				attribute.Int64("pipeliner.request_id", int64(h.ID())),
			)

			var once sync.Once
			h.OnDone(func() {
				once.Do(func() {
					status := h.Status()
					switch {
					case !h.Completed():
						span.SetStatus(codes.Error, "response dropped")
					case status >= 400:
						span.SetAttributes(attribute.Int("http.status_code", status))
						span.SetStatus(codes.Error, "HTTP error")
					default:
						span.SetAttributes(attribute.Int("http.status_code", status))
						span.SetStatus(codes.Ok, "")
					}
					span.End()
				})
			})

			return next.HandleRequest(req, h)
		})
	}
}

// headerCarrier adapts request headers to propagation.TextMapCarrier.
type headerCarrier struct {
	req *Request
}

func (hc headerCarrier) Get(key string) string {
	return hc.req.Header(key)
}

// Set is a no-op; request headers are read-only.
func (hc headerCarrier) Set(string, string) {}

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.req.Headers))
	for _, h := range hc.req.Headers {
		keys = append(keys, h[0])
	}
	return keys
}
