package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/royalty/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// routeKeys are the path parameters and context keys that identify the
// royalty resource a request acts on.
var routeKeys = []string{"entity_id", "recipient_id", "release_id", "platform_id", "currency"}

// GinMiddleware instruments inbound HTTP requests. Requests the engine
// rejects for data reasons (integrity or state transition) get a
// "royalty.rejected" event; only server-side failures mark the span as an
// error.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("royalty/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "royalty "+strings.ToUpper(c.Request.Method), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("royalty " + strings.ToUpper(c.Request.Method) + " " + route)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		)...)
		span.SetAttributes(SafeAttributes(resourceAttributes(c)...)...)

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}
		safeErr := SafeError(lastErr.Err)
		switch {
		case status >= http.StatusInternalServerError:
			span.RecordError(safeErr)
			span.SetAttributes(attribute.String("error.kind", safeErr.Error()))
			span.SetStatus(codes.Error, "request error")
		case status == http.StatusUnprocessableEntity || status == http.StatusConflict:
			span.AddEvent("royalty.rejected", trace.WithAttributes(attribute.String("error.kind", safeErr.Error())))
		}
	}
}

func resourceAttributes(c *gin.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, key := range routeKeys {
		v := strings.TrimSpace(c.Param(key))
		if v == "" {
			v = strings.TrimSpace(c.GetString(key))
		}
		if v != "" {
			attrs = append(attrs, attribute.String(key, v))
		}
	}
	return attrs
}
