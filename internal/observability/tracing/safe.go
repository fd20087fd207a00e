package tracing

import (
	"context"
	"errors"

	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

var allowedSpanKeys = map[attribute.Key]struct{}{
	"http.method":             {},
	"http.route":              {},
	"http.status_code":        {},
	"http.server_duration_ms": {},
	"request_id":              {},
	"entity_id":               {},
	"split_type":              {},
	"platform_id":             {},
	"recipient_id":            {},
	"release_id":              {},
	"currency":                {},
	"error.kind":              {},
}

// ExtractContext restores the remote span context carried by carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// SafeAttributes drops attributes that may carry money amounts or recipient
// banking details.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedSpanKeys[attr.Key]; ok {
			out = append(out, attr)
		}
	}
	return out
}

// SafeError reduces err to its taxonomy kind so span events never embed
// payload fragments.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(string(royaltyerr.KindOf(err)))
}
