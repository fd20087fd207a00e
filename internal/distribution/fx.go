package distribution

import (
	"github.com/smallbiznis/royalty/internal/config"
	"github.com/smallbiznis/royalty/internal/distribution/platforms"
	"github.com/smallbiznis/royalty/internal/distribution/platforms/manual"
	"github.com/smallbiznis/royalty/internal/distribution/repository"
	"github.com/smallbiznis/royalty/internal/distribution/service"
	"go.uber.org/fx"
)

var Module = fx.Module("distribution.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(policies *config.PolicyHolder) *platforms.Registry {
		return platforms.NewRegistry(policies, manual.New())
	}),
	fx.Provide(service.NewService),
)
