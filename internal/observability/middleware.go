package observability

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter captures the response status code for span and metric attribution.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware returns middleware that opens a server span per request,
// continues any incoming trace context, and records RED metrics.
// All query routes are static paths, so method+path keeps metric cardinality bounded.
// red may be nil when metrics are not wired.
func HTTPMiddleware(tracer trace.Tracer, red *REDMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(hr.Context(), propagation.HeaderCarrier(hr.Header))

			op := hr.Method + " " + hr.URL.Path

			ctx, span := tracer.Start(ctx, op,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodOriginal(hr.Method),
					semconv.URLPath(hr.URL.Path),
				),
			)
			defer span.End()

			sw := &statusWriter{ResponseWriter: rw, status: http.StatusOK}

			var done func()
			if red != nil {
				done = red.TrackInflight(ctx, op)
			}

			start := time.Now()

			next.ServeHTTP(sw, hr.WithContext(ctx))

			elapsed := time.Since(start)

			if done != nil {
				done()
			}

			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))

			status := statusOK
			if sw.status >= http.StatusInternalServerError {
				status = statusError

				span.SetStatus(codes.Error, http.StatusText(sw.status))
			}

			if red != nil {
				red.RecordRequest(ctx, op, status, elapsed)
			}
		})
	}
}
