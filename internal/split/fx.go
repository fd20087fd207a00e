package split

import (
	"github.com/smallbiznis/royalty/internal/split/domain"
	"github.com/smallbiznis/royalty/internal/split/repository"
	"github.com/smallbiznis/royalty/internal/split/service"
	"go.uber.org/fx"
)

var Module = fx.Module("split.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s domain.Service) domain.Resolver { return s }),
)
