package observe

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no mux pattern matched.
const unmatchedRoute = "unmatched"

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets WebSocket upgrades pass through the middleware. A hijacked
// connection is recorded as 101.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T does not support hijacking", r.ResponseWriter)
	}
	r.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithQuietRoutes logs successful requests to these mux patterns at debug
// level. Probes and scrapes would otherwise flood the log.
func WithQuietRoutes(patterns ...string) MiddlewareOption {
	return func(mw *middleware) {
		for _, p := range patterns {
			mw.quiet[p] = true
		}
	}
}

// WithRequestLogger sets the logger. Default [slog.Default].
func WithRequestLogger(l *slog.Logger) MiddlewareOption {
	return func(mw *middleware) { mw.log = l }
}

type middleware struct {
	metrics *Metrics
	quiet   map[string]bool
	log     *slog.Logger
	prop    propagation.TraceContext
}

// Middleware wraps a [http.ServeMux]. For every request it continues the
// caller's W3C trace or starts one, echoes the trace ID as X-Correlation-ID,
// records parley.http.request.duration and logs completion.
//
// Requests are labelled by the mux pattern that served them, e.g.
// "POST /v1/users/{user}/messages", so every user shares one series. The user
// is put on the span instead.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, quiet: make(map[string]bool), log: slog.Default()}
	for _, o := range opts {
		o(mw)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mw.serve(next, w, r)
		})
	}
}

func (mw *middleware) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}
	mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	// The mux records the matched pattern and path values on this request.
	r = r.WithContext(ctx)
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	next.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = unmatchedRoute
	}
	user := r.PathValue("user")
	if user == "" {
		user = r.URL.Query().Get("user")
	}

	duration := time.Since(start)
	mw.metrics.HTTPRequestDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("status", strconv.Itoa(rec.statusCode)),
		),
	)

	span.SetName(route)
	span.SetAttributes(
		semconv.HTTPRoute(route),
		semconv.HTTPResponseStatusCode(rec.statusCode),
	)
	if user != "" {
		span.SetAttributes(attribute.String("parley.user", user))
	}

	level := slog.LevelInfo
	switch {
	case rec.statusCode >= http.StatusInternalServerError:
		level = slog.LevelWarn
	case rec.statusCode < http.StatusBadRequest && mw.quiet[route]:
		level = slog.LevelDebug
	}
	mw.log.LogAttrs(ctx, level, "request completed",
		slog.String("trace_id", cid),
		slog.String("route", route),
		slog.String("user", user),
		slog.Int("status", rec.statusCode),
		slog.Duration("duration", duration),
	)
}
