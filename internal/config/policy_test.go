package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := normalizePolicy(DefaultPolicy())
	require.NoError(t, ValidatePolicy(p))

	st, ok := p.Allocation.SplitTypeFor("Streaming")
	assert.True(t, ok)
	assert.Equal(t, "master", st)

	st, ok = p.Allocation.SplitTypeFor("mechanical")
	assert.True(t, ok)
	assert.Equal(t, "publishing", st)
}

func TestPolicyHolderLoadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "royalty.yml")
	content := `
payout:
  schedule: weekly
  reversal_policy: cancel_pending
  default:
    minimum_amount: 500
  currencies:
    jpy:
      minimum_amount: 1000
      flat_fee: 100
      percent_fee: "1.5"
      increment: 100
distribution:
  max_retries: 5
  platforms:
    Spotify:
      rate_per_second: 2
      burst: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	holder, err := NewPolicyHolder(Config{PolicyPath: path}, zap.NewNop())
	require.NoError(t, err)

	p := holder.Get()
	assert.Equal(t, ScheduleWeekly, p.Payout.Schedule)
	assert.Equal(t, ReversalPolicyCancelPending, p.Payout.ReversalPolicy)

	jpy := p.Payout.ForCurrency("JPY")
	assert.Equal(t, int64(1000), jpy.MinimumAmount)
	assert.Equal(t, int64(100), jpy.Increment)
	assert.Equal(t, "1.5", jpy.PercentFeeDecimal().String())

	usd := p.Payout.ForCurrency("usd")
	assert.Equal(t, int64(500), usd.MinimumAmount)
	assert.Equal(t, int64(1), usd.Increment)

	assert.Equal(t, 5, p.Distribution.MaxRetries)
	assert.Equal(t, 2.0, p.Distribution.ForPlatform("spotify").RatePerSecond)
	assert.Equal(t, p.Distribution.Default, p.Distribution.ForPlatform("deezer"))

	st, ok := p.Allocation.SplitTypeFor("sync")
	assert.True(t, ok)
	assert.Equal(t, "sync", st)
}

func TestValidatePolicyRejectsBadValues(t *testing.T) {
	p := normalizePolicy(DefaultPolicy())
	p.Payout.ReversalPolicy = "rebatch_everything"
	assert.Error(t, ValidatePolicy(p))

	p = normalizePolicy(DefaultPolicy())
	p.Payout.Default.PercentFee = "120"
	assert.Error(t, ValidatePolicy(p))

	p = normalizePolicy(DefaultPolicy())
	p.Allocation.StreamSplitTypes["streaming"] = "mystery"
	assert.Error(t, ValidatePolicy(p))
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("SCHEDULER_INTERVAL", "5m")
	t.Setenv("DATABASE_TYPE", "SQLITE")

	cfg := Load()
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
	assert.Equal(t, "5m0s", cfg.Scheduler.RunInterval.String())
	assert.Equal(t, "sqlite", cfg.DBType)
}
