package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/royalty/internal/clock"
	"github.com/smallbiznis/royalty/internal/config"
	"github.com/smallbiznis/royalty/internal/engine"
	"github.com/smallbiznis/royalty/internal/feeds"
	"github.com/smallbiznis/royalty/internal/observability"
	obsmiddleware "github.com/smallbiznis/royalty/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/royalty/internal/observability/metrics"
	obstracing "github.com/smallbiznis/royalty/internal/observability/tracing"
	"github.com/smallbiznis/royalty/internal/ratelimit"
	"github.com/smallbiznis/royalty/internal/statement"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.String("addr", addr), zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	clock      clock.Clock
	policies   *config.PolicyHolder
	royalty    *engine.Engine
	statements *statement.Service
	quarantine *feeds.Quarantine
	limiter    *ratelimit.IngestLimiter
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	Policies   *config.PolicyHolder
	Engine     *engine.Engine
	Statements *statement.Service
	Quarantine *feeds.Quarantine        `optional:"true"`
	Limiter    *ratelimit.IngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		clock:      p.Clock,
		policies:   p.Policies,
		royalty:    p.Engine,
		statements: p.Statements,
		quarantine: p.Quarantine,
		limiter:    p.Limiter,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Revenue --------
	api.POST("/revenue", s.IngestRevenue)
	api.GET("/entities/:entity_id/facts", s.EntityContext(), s.ListFacts)
	api.GET("/facts/:id", s.GetFact)
	api.GET("/facts/:id/allocations", s.ListFactAllocations)

	// -------- Splits --------
	api.POST("/agreements", s.CreateAgreement)
	api.GET("/entities/:entity_id/agreements", s.EntityContext(), s.ListAgreements)
	api.POST("/entities/:entity_id/agreements/revise", s.EntityContext(), s.ReviseAgreements)
	api.GET("/entities/:entity_id/agreements/validate", s.EntityContext(), s.ValidateAgreements)

	// -------- Allocations --------
	api.GET("/entities/:entity_id/allocations", s.EntityContext(), s.ListEntityAllocations)
	api.POST("/entities/:entity_id/reconcile", s.EntityContext(), s.ReconcileEntity)

	// -------- Payouts --------
	api.POST("/payouts", s.ClosePayoutBatch)
	api.GET("/recipients/:recipient_id/payouts", s.RecipientContext(), s.ListPayouts)
	api.GET("/recipients/:recipient_id/balances/:currency", s.RecipientContext(), s.GetBalance)
	api.POST("/payouts/:id/processing", s.MarkPayoutProcessing)
	api.POST("/payouts/:id/complete", s.MarkPayoutCompleted)
	api.POST("/payouts/:id/fail", s.MarkPayoutFailed)
	api.POST("/payouts/:id/cancel", s.CancelPayout)
	api.GET("/payouts/:id/statement", s.GetPayoutStatement)

	// -------- Distribution --------
	api.POST("/releases/:release_id/distributions/:platform_id", s.SubmitDistribution)
	api.POST("/releases/:release_id/distributions/:platform_id/retry", s.RetryDistribution)
	api.POST("/releases/:release_id/distributions/:platform_id/takedown", s.TakedownDistribution)
	api.GET("/releases/:release_id/distributions", s.GetDistributionStatus)
	api.POST("/platforms/:platform_id/callbacks", s.HandlePlatformCallback)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	admin.GET("/feeds/quarantine", s.ListQuarantine)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
