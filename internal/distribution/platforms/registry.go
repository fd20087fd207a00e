// Package platforms holds the registered distribution targets and throttles
// calls to each of them.
package platforms

import (
	"context"
	"strings"

	"github.com/smallbiznis/royalty/internal/config"
	distributiondomain "github.com/smallbiznis/royalty/internal/distribution/domain"
	"golang.org/x/time/rate"
)

type entry struct {
	platform distributiondomain.Platform
	limiter  *rate.Limiter
}

type Registry struct {
	policies *config.PolicyHolder
	entries  map[string]*entry
}

func NewRegistry(policies *config.PolicyHolder, platforms ...distributiondomain.Platform) *Registry {
	registry := &Registry{policies: policies, entries: map[string]*entry{}}
	for _, platform := range platforms {
		if platform == nil {
			continue
		}
		id := normalize(platform.ID())
		if id == "" {
			continue
		}
		pp := registry.policy(id)
		registry.entries[id] = &entry{
			platform: platform,
			limiter:  rate.NewLimiter(rate.Limit(pp.RatePerSecond), burst(pp)),
		}
	}
	return registry
}

func (r *Registry) Get(id string) (distributiondomain.Platform, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.platform, nil
}

// Wait blocks until the platform's limiter admits one call. Limits follow the
// current policy so a reload takes effect without a restart.
func (r *Registry) Wait(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	pp := r.policy(normalize(id))
	if limit := rate.Limit(pp.RatePerSecond); e.limiter.Limit() != limit {
		e.limiter.SetLimit(limit)
	}
	if b := burst(pp); e.limiter.Burst() != b {
		e.limiter.SetBurst(b)
	}
	return e.limiter.Wait(ctx)
}

func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) lookup(id string) (*entry, error) {
	if r == nil {
		return nil, distributiondomain.ErrPlatformNotFound
	}
	e, ok := r.entries[normalize(id)]
	if !ok {
		return nil, distributiondomain.ErrPlatformNotFound
	}
	return e, nil
}

func (r *Registry) policy(id string) config.PlatformPolicy {
	if r.policies == nil {
		return config.DefaultPolicy().Distribution.Default
	}
	return r.policies.Get().Distribution.ForPlatform(id)
}

func burst(pp config.PlatformPolicy) int {
	if pp.Burst <= 0 {
		return 1
	}
	return pp.Burst
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
