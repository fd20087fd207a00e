package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/royalty/internal/config"
	"go.uber.org/zap"
)

const keyRevenueIngestPlatform = "royalty:ratelimit:ingest:%s"

// IngestLimiter caps revenue lines accepted per platform. A nil limiter
// allows everything.
type IngestLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

// NewIngestLimiter returns nil when rate limiting is not configured or no
// redis client is available.
func NewIngestLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *IngestLimiter {
	limitCfg := cfg.RateLimit
	if client == nil || limitCfg.IngestRate <= 0 {
		return nil
	}
	burst := limitCfg.IngestBurst
	if burst <= 0 {
		burst = int(limitCfg.IngestRate)
		if burst < 1 {
			burst = 1
		}
	}
	return &IngestLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.IngestRate,
		burst:  burst,
		log:    log.Named("ratelimit.ingest"),
	}
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowPlatform takes one token from the platform's bucket. Redis failures
// fail open: ingest is idempotent and must not stall on the limiter.
func (l *IngestLimiter) AllowPlatform(ctx context.Context, platformID string) *RateLimitResult {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}
	}
	platformID = strings.ToLower(strings.TrimSpace(platformID))
	if platformID == "" {
		platformID = "unknown"
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyRevenueIngestPlatform, platformID), l.rate, l.burst)
	if err != nil {
		l.log.Warn("ingest rate limit check failed", zap.String("platform_id", platformID), zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: l.burst}
	}
	return res
}
