package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uniedit/metering/internal/shared/config"
	"github.com/uniedit/metering/internal/shared/database"
	"github.com/uniedit/metering/internal/utils/middleware"
	"go.uber.org/zap"
)

// App represents the application.
type App struct {
	config  *config.Config
	deps    *Dependencies
	cleanup func()
	router  *gin.Engine
	logger  *zap.Logger

	cancel  context.CancelFunc
	started bool
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	deps, cleanup, err := InitializeDependencies(cfg)
	if err != nil {
		return nil, fmt.Errorf("init dependencies: %w", err)
	}

	app := &App{
		config:  cfg,
		deps:    deps,
		cleanup: cleanup,
		logger:  deps.Logger,
	}
	app.router = app.setupRouter()
	app.registerRoutes()

	return app, nil
}

// setupRouter creates and configures the Gin router.
func (a *App) setupRouter() *gin.Engine {
	switch a.config.Server.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(a.config.Server.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Apply global middleware
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.logger))
	r.Use(middleware.CORS(a.config.Server.AllowedOrigins))
	r.Use(middleware.Metrics(a.deps.Metrics))

	r.GET("/healthz", a.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.deps.Registry, promhttp.HandlerOpts{})))

	return r
}

// registerRoutes registers the metering routes.
func (a *App) registerRoutes() {
	v1 := a.router.Group("/api/v1")
	v1.Use(middleware.RequireUser())
	if a.deps.Redis != nil {
		idem := middleware.DefaultIdempotencyConfig()
		idem.KeyPrefix = a.config.Redis.KeyPrefix + idem.KeyPrefix
		v1.Use(middleware.Idempotency(a.deps.Redis, idem))
	}
	a.deps.MeteringHandler.RegisterRoutes(v1)

	// Operator-only: keep /internal off the gateway, or disable it with server.internal_routes.
	if a.config.Server.InternalRoutes {
		internal := a.router.Group("/internal")
		a.deps.MeteringHandler.RegisterInternalRoutes(internal)
	}
}

func (a *App) health(c *gin.Context) {
	ctx := c.Request.Context()
	status := gin.H{"status": "ok"}
	code := http.StatusOK

	if a.deps.DB != nil {
		sqlDB, err := a.deps.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if a.deps.Redis != nil {
		if err := a.deps.Redis.Ping(ctx).Err(); err != nil {
			status["status"] = "degraded"
			status["redis"] = err.Error()
		}
	}

	c.JSON(code, status)
}

// Start launches background work. The sweep scheduler only runs when enabled.
func (a *App) Start(ctx context.Context) {
	if !a.config.Metering.SchedulerEnabled || a.started {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.deps.Scheduler.Start(ctx)
	a.started = true
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Stop stops the application and releases resources.
func (a *App) Stop() {
	if a.started {
		a.cancel()
		a.deps.Scheduler.Stop()
		a.started = false
	}

	// Sync zap logger
	_ = a.logger.Sync()

	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}

// Migrate applies the schema. It is a no-op for the in-memory store.
func (a *App) Migrate() error {
	if a.deps.DB == nil {
		return nil
	}
	return database.Migrate(a.deps.DB)
}
