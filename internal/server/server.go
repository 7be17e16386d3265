package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	aggregationdomain "github.com/smallbiznis/costflow/internal/aggregation/domain"
	"github.com/smallbiznis/costflow/internal/config"
	credentialdomain "github.com/smallbiznis/costflow/internal/credential/domain"
	exchangedomain "github.com/smallbiznis/costflow/internal/exchangerate/domain"
	hierarchydomain "github.com/smallbiznis/costflow/internal/hierarchy/domain"
	obsmiddleware "github.com/smallbiznis/costflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/costflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/costflow/internal/observability/tracing"
	pipelinedomain "github.com/smallbiznis/costflow/internal/pipeline/domain"
	quotadomain "github.com/smallbiznis/costflow/internal/quota/domain"
	tenantdomain "github.com/smallbiznis/costflow/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewValidator),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           cfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
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
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	validate     *validator.Validate
	runs         pipelinedomain.Service
	aggregations aggregationdomain.Service
	providers    quotadomain.ProviderService
	credentials  credentialdomain.Service
	hierarchy    hierarchydomain.AdminService
	rates        exchangedomain.Service
	tenants      tenantdomain.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Validate     *validator.Validate
	Runs         pipelinedomain.Service
	Aggregations aggregationdomain.Service
	Providers    quotadomain.ProviderService
	Credentials  credentialdomain.Service
	Hierarchy    hierarchydomain.AdminService
	Rates        exchangedomain.Service
	Tenants      tenantdomain.Service
}

func NewServer(p ServerParams) *Server {
	validate := p.Validate
	if validate == nil {
		validate = NewValidator()
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          log.Named("http.server"),
		validate:     validate,
		runs:         p.Runs,
		aggregations: p.Aggregations,
		providers:    p.Providers,
		credentials:  p.Credentials,
		hierarchy:    p.Hierarchy,
		rates:        p.Rates,
		tenants:      p.Tenants,
	}

	svc.registerRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	scoped := v1.Group("", RequireTenant())
	scoped.POST("/pipelines/runs", s.TriggerRun)
	scoped.GET("/pipelines/runs/:id", s.GetRun)
	scoped.POST("/pipelines/runs/:id/cancel", s.CancelRun)
	scoped.POST("/aggregations", s.Aggregate)
	scoped.POST("/hierarchy/entities", s.CreateEntity)
	scoped.GET("/hierarchy/entities/:id", s.GetEntity)
	scoped.DELETE("/hierarchy/entities/:id", s.DeleteEntity)
	scoped.POST("/hierarchy/entities/:id/move", s.MoveEntity)

	v1.GET("/cache/stats", s.CacheStats)
	v1.DELETE("/cache/tenants/:tenant", s.InvalidateTenantCache)

	tenants := v1.Group("/tenants/:tenant")
	tenants.GET("/settings", s.GetTenantSettings)
	tenants.PUT("/settings", s.ConfigureTenant)
	tenants.POST("/providers/:provider/enable", s.EnableProvider)
	tenants.POST("/providers/:provider/disable", s.DisableProvider)
	tenants.PUT("/providers/:provider/credential", s.PutCredential)

	v1.POST("/exchange-rates", s.AppendExchangeRate)
}
