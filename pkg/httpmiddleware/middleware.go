// Package httpmiddleware implements composable net/http middleware: panic
// recovery, CORS, per-client rate limiting, request IDs, logger injection,
// and OpenTelemetry instrumentation.
package httpmiddleware

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Middleware wraps an http.Handler with additional behaviour.
type Middleware func(http.Handler) http.Handler

// Wrap applies middlewares to h. The first middleware in the list becomes
// the outermost layer, so Wrap(h, a, b) serves requests as a(b(h)).
func Wrap(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RouteFinder resolves a request to a stable route name used for span names,
// log fields, and metric labels. The second return is false when the path is
// not a known route.
type RouteFinder func(method string, u *url.URL) (string, bool)

// MakeRouteFinder builds a RouteFinder over a static path to route name
// table. Matching is by exact path; the method is ignored.
func MakeRouteFinder(routes map[string]string) RouteFinder {
	return func(method string, u *url.URL) (string, bool) {
		name, ok := routes[u.Path]
		return name, ok
	}
}

// InjectLogger places lg at the base of every request context so downstream
// handlers can retrieve it with zctx.From.
func InjectLogger(lg *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(zctx.Base(r.Context(), lg)))
		})
	}
}

// Instrument wraps the handler in otelhttp tracing and metrics. Spans are
// named after the matched route; unmatched paths keep the default operation
// name so unknown URLs cannot explode span cardinality.
func Instrument(serviceName string, find RouteFinder, m *app.Telemetry) Middleware {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "",
			otelhttp.WithPropagators(m.TextMapPropagator()),
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
			otelhttp.WithServerName(serviceName),
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				if name, ok := find(r.Method, r.URL); ok {
					return name
				}
				return operation
			}),
		)
	}
}

// Labeler attaches the matched route to the otelhttp labeler so request
// metrics are split per route. Must run inside Instrument, which owns the
// labeler in the request context.
func Labeler(find RouteFinder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if name, ok := find(r.Method, r.URL); ok {
				labeler, _ := otelhttp.LabelerFromContext(r.Context())
				labeler.Add(attribute.String("http.route", name))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// LogRequests emits one log line per completed request with method, route,
// status, and duration. The logger comes from the request context, and when
// the request runs inside a recording span the trace and span IDs are added
// so log lines can be joined with traces.
func LogRequests(find RouteFinder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			route := r.URL.Path
			if name, ok := find(r.Method, r.URL); ok {
				route = name
			}

			next.ServeHTTP(rec, r)

			lg := zctx.From(r.Context())
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				lg = lg.With(
					zap.Stringer("trace_id", sc.TraceID()),
					zap.Stringer("span_id", sc.SpanID()),
				)
			}
			lg.Info("Request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
