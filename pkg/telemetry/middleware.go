package telemetry

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/komuji/ticketing/pkg/middleware"
	"github.com/komuji/ticketing/pkg/response"
)

const (
	// TraceIDHeader is the header key for trace ID
	TraceIDHeader = "X-Trace-ID"

	// TraceIDKey is the gin context key the request logger reads
	TraceIDKey = "trace_id"
)

// routeIDKeys maps the collection segment in front of ":id" to the span
// attribute that carries the id
var routeIDKeys = map[string]attribute.Key{
	"categories":    CategoryIDKey,
	"registrations": RegistrationIDKey,
}

// TracingMiddleware starts a server span per request. Paths in skip (health
// and scrape endpoints) get no span. The query string is never recorded
// because check-in tokens may travel in it.
func TracingMiddleware(skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skipped[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		name := c.Request.Method + " " + route
		if route == "" {
			name = c.Request.Method + " unmatched"
		}

		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRoute(route),
			semconv.URLPath(c.Request.URL.Path),
			semconv.UserAgentOriginal(c.Request.UserAgent()),
			semconv.ClientAddress(c.ClientIP()),
		}
		attrs = append(attrs, routeAttributes(route, c.Params)...)
		if id := middleware.GetRequestID(c); id != "" {
			attrs = append(attrs, RequestIDKey.String(id))
		}

		ctx, span := tracer().Start(ctx, name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		if sc := span.SpanContext(); sc.HasTraceID() {
			c.Header(TraceIDHeader, sc.TraceID().String())
			c.Set(TraceIDKey, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if code := c.GetString(response.ErrorCodeKey); code != "" {
			span.SetAttributes(ErrorCodeKey.String(code))
		}
		if c.Writer.Header().Get("Retry-After") != "" {
			span.SetAttributes(RetryableKey.Bool(true))
		}
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}

		// Sold out, already checked in and the like are answers, not failures
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// routeAttributes names the ":id" parameter of route after the collection it
// belongs to, e.g. /categories/:id becomes ticketing.category_id
func routeAttributes(route string, params gin.Params) []attribute.KeyValue {
	id, ok := params.Get("id")
	if !ok {
		return nil
	}
	segments := strings.Split(strings.Trim(route, "/"), "/")
	for i := 1; i < len(segments); i++ {
		if segments[i] != ":id" {
			continue
		}
		if key, ok := routeIDKeys[segments[i-1]]; ok {
			return []attribute.KeyValue{key.String(id)}
		}
	}
	return nil
}
