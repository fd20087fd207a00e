package platforms

import (
	"context"
	"testing"

	"github.com/smallbiznis/royalty/internal/config"
	distributiondomain "github.com/smallbiznis/royalty/internal/distribution/domain"
	"github.com/smallbiznis/royalty/internal/distribution/platforms/manual"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRegistryLooksUpCaseInsensitively(t *testing.T) {
	registry := NewRegistry(config.NewStaticPolicyHolder(config.DefaultPolicy()), manual.New(), nil)

	platform, err := registry.Get(" MANUAL ")
	require.NoError(t, err)
	assert.Equal(t, "manual", platform.ID())
	assert.Equal(t, []string{"manual"}, registry.IDs())

	_, err = registry.Get("spotify")
	assert.ErrorIs(t, err, distributiondomain.ErrPlatformNotFound)
	assert.ErrorIs(t, registry.Wait(context.Background(), "spotify"), distributiondomain.ErrPlatformNotFound)
}

func TestRegistryAppliesPlatformPolicy(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.Distribution.Platforms = map[string]config.PlatformPolicy{
		"manual": {RatePerSecond: 50, Burst: 2},
	}
	registry := NewRegistry(config.NewStaticPolicyHolder(policy), manual.New())

	e, err := registry.lookup("manual")
	require.NoError(t, err)
	assert.Equal(t, rate.Limit(50), e.limiter.Limit())
	assert.Equal(t, 2, e.limiter.Burst())
	require.NoError(t, registry.Wait(context.Background(), "manual"))
}

func TestRegistryWaitHonorsContext(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.Distribution.Platforms = map[string]config.PlatformPolicy{
		"manual": {RatePerSecond: 0.001, Burst: 1},
	}
	registry := NewRegistry(config.NewStaticPolicyHolder(policy), manual.New())
	require.NoError(t, registry.Wait(context.Background(), "manual"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, registry.Wait(ctx, "manual"))
}
