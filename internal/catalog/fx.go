package catalog

import (
	"github.com/smallbiznis/royalty/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("catalog",
	fx.Provide(NewFromConfig),
	fx.Provide(
		func(s *Static) EntityLookup { return s },
		func(s *Static) RecipientDirectory { return s },
		func(s *Static) RateProvider { return s },
	),
)

// NewFromConfig loads the catalog file when configured and otherwise serves
// a permissive empty catalog.
func NewFromConfig(cfg config.Config, policies *config.PolicyHolder, log *zap.Logger) (*Static, error) {
	method := policies.Get().Payout.DefaultMethod
	if cfg.CatalogPath == "" {
		log.Info("catalog file not configured, using permissive static catalog")
		return NewStatic(method), nil
	}
	return LoadStatic(cfg.CatalogPath, method)
}
