package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/royalty/internal/engine"
	ledgerdomain "github.com/smallbiznis/royalty/internal/ledger/domain"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"go.uber.org/zap"
)

const platformHeader = "platform"

var (
	ErrMalformedPayload = royaltyerr.Invalid("payload", "malformed_payload")
	ErrMissingPlatform  = royaltyerr.Invalid("platform_id", "missing_platform")
)

// RevenueHandler ingests one revenue report line per message. Lines without
// an ingestion id are keyed by their topic position so redelivery stays
// idempotent.
func RevenueHandler(eng *engine.Engine, log *zap.Logger) Handler {
	log = log.Named("feeds.revenue")
	return func(ctx context.Context, msg kafka.Message) error {
		var req ledgerdomain.IngestRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(req.IngestionID) == "" {
			req.IngestionID = fmt.Sprintf("%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
		}

		outcome, err := eng.IngestRevenue(ctx, req)
		if err != nil {
			return err
		}
		if outcome.Blocked != nil {
			log.Warn("revenue fact accepted but blocked",
				zap.String("fact_id", outcome.Fact.ID.String()),
				zap.String("entity_id", outcome.Fact.EntityID),
				zap.String("kind", outcome.Blocked.Kind),
			)
		}
		return nil
	}
}

// CallbackHandler applies a platform status callback. The platform is named
// by the "platform" header, falling back to the message key.
func CallbackHandler(eng *engine.Engine, log *zap.Logger) Handler {
	log = log.Named("feeds.callbacks")
	return func(ctx context.Context, msg kafka.Message) error {
		platformID := headerValue(msg, platformHeader)
		if platformID == "" {
			platformID = strings.TrimSpace(string(msg.Key))
		}
		if platformID == "" {
			return ErrMissingPlatform
		}

		res, err := eng.ApplyDistributionCallback(ctx, platformID, msg.Value)
		if err != nil {
			return err
		}
		log.Debug("platform callback handled",
			zap.String("platform_id", platformID),
			zap.String("status", string(res.Status)),
			zap.String("reason", res.Reason),
		)
		return nil
	}
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if strings.EqualFold(h.Key, key) {
			return strings.TrimSpace(string(h.Value))
		}
	}
	return ""
}
