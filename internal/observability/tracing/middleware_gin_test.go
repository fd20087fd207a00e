package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func newRouter(err error, status int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())
	r.GET("/v1/recipients/:recipient_id/balances/:currency", func(c *gin.Context) {
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatus(status)
			return
		}
		c.Set("entity_id", "rel-1")
		c.Status(status)
	})
	return r
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestGinMiddlewareTagsRoyaltyResources(t *testing.T) {
	recorder := recordSpans(t)
	r := newRouter(nil, http.StatusOK)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/recipients/artist-a/balances/USD", nil))
	require.Equal(t, http.StatusOK, w.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "royalty GET /v1/recipients/:recipient_id/balances/:currency", spans[0].Name())
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "artist-a", attrs["recipient_id"].AsString())
	assert.Equal(t, "USD", attrs["currency"].AsString())
	assert.Equal(t, "rel-1", attrs["entity_id"].AsString())
	assert.Equal(t, int64(http.StatusOK), attrs["http.status_code"].AsInt64())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
}

func TestGinMiddlewareRecordsRejectionsWithoutErrorStatus(t *testing.T) {
	recorder := recordSpans(t)
	err := &royaltyerr.StateTransitionError{Resource: "payout", ID: "1", From: "pending", To: "completed"}
	r := newRouter(err, http.StatusConflict)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/recipients/artist-a/balances/USD", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "royalty.rejected", spans[0].Events()[0].Name)
}

func TestGinMiddlewareMarksUpstreamFailures(t *testing.T) {
	recorder := recordSpans(t)
	r := newRouter(royaltyerr.External("rate_provider", errors.New("timeout")), http.StatusBadGateway)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/recipients/artist-a/balances/EUR", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, string(royaltyerr.KindExternal), spanAttrs(spans[0])["error.kind"].AsString())
}
