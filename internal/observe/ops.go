package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// readyRoute is the readiness route whose outcome [Ops] tracks.
const readyRoute = "/readyz"

// unmatched labels requests no ops route matched.
const unmatched = "unmatched"

// OpsConfig configures [Ops].
type OpsConfig struct {
	Metrics *Metrics
	// Tracer defaults to the global provider.
	Tracer trace.TracerProvider
	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

type opsRecorder struct {
	http.ResponseWriter
	code int
}

func (r *opsRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Ops instruments the ops server mux (/healthz, /readyz, /metrics).
//
// Every request runs in a server span that continues the caller's W3C
// trace, named after the mux route it matched, and answers with an
// X-Correlation-ID header. Latency is recorded per route and status code in
// [Metrics.HTTPRequestDuration]; paths no route matched share one label.
//
// Requests are logged at debug level. Readiness is logged once per change:
// orchestrators poll /readyz every few seconds, and a voice connection
// stranded in Disconnected would otherwise flood the log.
func Ops(cfg OpsConfig) func(http.Handler) http.Handler {
	tp := cfg.Tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(tracerName)
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	prop := propagation.TraceContext{}

	// 0 until the first readiness answer, then 1 (ready) or 2 (not ready).
	var readiness atomic.Int32

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, "ops "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &opsRecorder{ResponseWriter: w, code: http.StatusOK}
			req := r.WithContext(ctx)
			next.ServeHTTP(rec, req)

			// The mux stores the matched pattern on the request it was given.
			route := routeOf(req.Pattern)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(rec.code),
			)
			if rec.code >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.code))
			}

			elapsed := time.Since(start)
			cfg.Metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.String("code", strconv.Itoa(rec.code)),
				),
			)

			l := WithTrace(log, ctx)
			l.LogAttrs(ctx, slog.LevelDebug, "ops: request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.code),
				slog.Duration("duration", elapsed),
			)

			switch {
			case route == readyRoute:
				state := int32(1)
				if rec.code != http.StatusOK {
					state = 2
				}
				if readiness.Swap(state) == state {
					return
				}
				if state == 1 {
					l.Info("ops: ready")
				} else {
					l.Warn("ops: not ready", "status", rec.code)
				}
			case rec.code >= http.StatusInternalServerError:
				l.Warn("ops: request failed", "route", route, "status", rec.code)
			}
		})
	}
}

// routeOf strips the method from a mux pattern such as "GET /readyz".
func routeOf(pattern string) string {
	if pattern == "" {
		return unmatched
	}
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		return pattern[i+1:]
	}
	return pattern
}
