package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "taskhub.http"

// Span attributes for the resources a request addresses.
const (
	AttrProjectID   = attribute.Key("taskhub.project_id")
	AttrTaskID      = attribute.Key("taskhub.task_id")
	AttrUserID      = attribute.Key("enduser.id")
	AttrLiveUpgrade = attribute.Key("taskhub.live_upgrade")
)

// routeIDAttributes maps chi URL parameters to span attributes.
var routeIDAttributes = map[string]attribute.Key{
	"projectID": AttrProjectID,
	"taskID":    AttrTaskID,
}

// TracingOptions defines HTTP tracing middleware behavior.
type TracingOptions struct {
	SkipPaths map[string]struct{}
}

// DefaultTracingOptions skips the health and readiness endpoints.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{
		SkipPaths: map[string]struct{}{
			"/health": {},
			"/ready":  {},
		},
	}
}

// Tracing creates a server span per request, named after the matched route
// and tagged with the project and task ids it addresses. Session resolves
// the caller and adds the user id to the same span.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := opts.SkipPaths[strings.TrimSpace(r.URL.Path)]; skip {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(httpTracerName).Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			if requestID := GetRequestID(ctx); requestID != "" {
				span.SetAttributes(attribute.String("http.request_id", requestID))
			}
			if isLiveUpgrade(r) {
				span.SetAttributes(AttrLiveUpgrade.Bool(true))
			}

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			route := routePattern(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", wrapped.statusCode),
			)
			span.SetAttributes(routeIDs(r)...)
			recordHTTPSpanStatus(span, wrapped.statusCode)
		})
	}
}

func isLiveUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// routeIDs reads numeric resource ids from the matched chi route. The route
// context is shared with the router, so it is populated once next returns.
func routeIDs(r *http.Request) []attribute.KeyValue {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return nil
	}
	var attrs []attribute.KeyValue
	for i, name := range rc.URLParams.Keys {
		key, ok := routeIDAttributes[name]
		if !ok || i >= len(rc.URLParams.Values) {
			continue
		}
		if id, err := strconv.ParseInt(rc.URLParams.Values[i], 10, 64); err == nil {
			attrs = append(attrs, key.Int64(id))
		}
	}
	return attrs
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := strings.TrimSpace(rc.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func recordHTTPSpanStatus(span trace.Span, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		span.SetStatus(otelcodes.Error, http.StatusText(statusCode))
	}
}
