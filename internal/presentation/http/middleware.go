package httppresentation

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keymint/keymint/internal/observability"
	"github.com/keymint/keymint/internal/observability/logctx"
)

const headerRequestID = "X-Request-ID"

// withObservability injects the request-scoped logger, opens the server span,
// and records RED metrics plus one access log line per request. Route labels
// come from chi's pattern, so cardinality stays bounded.
func withObservability(tel observability.Observability) func(http.Handler) http.Handler {
	base := tel.Logger().With(observability.F("component", "http_server"))
	requests := tel.Metrics().Counter(observability.MHTTPRequests)
	durations := tel.Metrics().Histogram(observability.MHTTPRequestDuration)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := r.Header.Get(headerRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}
			w.Header().Set(headerRequestID, rid)

			reqLogger := base.With(observability.F("request_id", rid))
			ctx := logctx.With(r.Context(), reqLogger)

			ctx, span := tel.Tracer().Start(ctx, r.Method+" "+r.URL.Path,
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			)

			start := time.Now()
			lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(lrw, r.WithContext(ctx))
			elapsed := time.Since(start)

			route := chi.RouteContext(ctx).RoutePattern()
			if route == "" {
				route = "unknown"
			}
			status := strconv.Itoa(lrw.status)

			if span != nil {
				span.SetAttributes(
					attribute.String("http.route", route),
					attribute.Int("http.status_code", lrw.status),
				)
				span.End()
			}

			requests.Add(1,
				observability.L("method", r.Method),
				observability.L("route", route),
				observability.L("status", status),
			)
			durations.Observe(elapsed.Seconds(),
				observability.L("method", r.Method),
				observability.L("route", route),
				observability.L("status", status),
			)

			reqLogger.Info("http_access",
				observability.F("method", r.Method),
				observability.F("route", route),
				observability.F("path", r.URL.Path),
				observability.F("status", lrw.status),
				observability.F("latency_ms", elapsed.Milliseconds()),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
