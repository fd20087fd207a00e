package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/royalty/internal/allocation"
	"github.com/smallbiznis/royalty/internal/catalog"
	"github.com/smallbiznis/royalty/internal/clock"
	"github.com/smallbiznis/royalty/internal/config"
	"github.com/smallbiznis/royalty/internal/distribution"
	"github.com/smallbiznis/royalty/internal/engine"
	"github.com/smallbiznis/royalty/internal/feeds"
	"github.com/smallbiznis/royalty/internal/ledger"
	"github.com/smallbiznis/royalty/internal/migration"
	"github.com/smallbiznis/royalty/internal/observability"
	"github.com/smallbiznis/royalty/internal/payout"
	"github.com/smallbiznis/royalty/internal/ratelimit"
	"github.com/smallbiznis/royalty/internal/scheduler"
	"github.com/smallbiznis/royalty/internal/server"
	"github.com/smallbiznis/royalty/internal/split"
	"github.com/smallbiznis/royalty/internal/statement"
	"github.com/smallbiznis/royalty/pkg/db"
	"github.com/smallbiznis/royalty/pkg/lock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),

		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		ratelimit.Module,
		catalog.Module,

		// Functional Domains
		ledger.Module,
		split.Module,
		allocation.Module,
		payout.Module,
		distribution.Module,
		engine.Module,
		statement.Module,

		// Transports
		feeds.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

// RegisterSnowflake provides the id generator for this process. Each replica
// needs its own SNOWFLAKE_NODE.
func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
