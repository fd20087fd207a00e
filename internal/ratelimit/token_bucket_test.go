package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/royalty/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, time.Second, defaultBucketTTL(0, 10))
	assert.Equal(t, 20*time.Second, defaultBucketTTL(1, 10))
	assert.Equal(t, time.Second, defaultBucketTTL(1000, 1))
}

func TestBucketResultRetryAfter(t *testing.T) {
	denied := bucketResult(false, 0.5, 1_700_000_000_000, 2, 10)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 250*time.Millisecond, denied.RetryAfter)
	assert.Equal(t, 10, denied.Limit)

	allowed := bucketResult(true, 4.2, 1_700_000_000_000, 2, 10)
	assert.True(t, allowed.Allowed)
	assert.Equal(t, 4, allowed.Remaining)
	assert.Zero(t, allowed.RetryAfter)
}

func TestCastHelpers(t *testing.T) {
	assert.Equal(t, int64(3), castToInt(int64(3)))
	assert.Equal(t, int64(7), castToInt("7"))
	assert.Equal(t, 2.5, castToFloat("2.5"))
	assert.Equal(t, float64(4), castToFloat(int64(4)))
	assert.Zero(t, castToFloat(nil))
}

func TestIngestLimiterDisabledWithoutRedis(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{IngestRate: 10, IngestBurst: 10}}
	limiter := NewIngestLimiter(cfg, nil, zap.NewNop())
	assert.Nil(t, limiter)
	assert.False(t, limiter.Enabled())
	assert.True(t, limiter.AllowPlatform(context.Background(), "spotify").Allowed)

	var bucket *TokenBucket
	res, err := bucket.Allow(context.Background(), "k", 1, 1)
	assert.Error(t, err)
	assert.False(t, res.Allowed)
}
