package bootstrap

import (
	"context"

	"golang.org/x/sync/errgroup"

	chclient "litellm-exporter/internal/adapters/clickhouse"
	"litellm-exporter/internal/adapters/config"
	pgclient "litellm-exporter/internal/adapters/postgres"
	redisclient "litellm-exporter/internal/adapters/redis"
	"litellm-exporter/internal/api"
	"litellm-exporter/internal/api/health"
	"litellm-exporter/internal/domain/usage"
	"litellm-exporter/internal/metrics"
	"litellm-exporter/internal/services/aggregation"
	checkpointsvc "litellm-exporter/internal/services/checkpoint"
	"litellm-exporter/internal/workers"
	"litellm-exporter/internal/workers/exporter"
	"litellm-exporter/pkg/errors"
	"litellm-exporter/pkg/logger"
	"litellm-exporter/pkg/reconnect"
)

// Container holds all application dependencies and their lifecycle.
// Components are organized in initialization order.
type Container struct {
	// Core configuration & logging
	Config       *config.Config
	Log          *logger.Logger
	ErrorTracker errors.Tracker

	// Infrastructure. Only the store selected by EVENT_STORE_DRIVER is connected;
	// Redis is nil when checkpointing is disabled.
	PG    *pgclient.Client
	CH    *chclient.Client
	Redis *redisclient.Client

	EventStore EventStore
	Metrics    *metrics.Registry

	// Domain services
	Checkpoints *checkpointsvc.Manager
	Engine      *aggregation.Engine

	// Background processing
	Scheduler        *workers.Scheduler
	ExportWorker     *exporter.ExportWorker
	CheckpointWorker *exporter.CheckpointWorker

	// Application layer
	HTTPServer    *api.Server
	HealthHandler *health.Handler

	Lifecycle *Lifecycle
}

// EventStore is the connected usage source together with its maintenance hooks
type EventStore struct {
	Name        string
	Reader      usage.Reader
	Health      health.Checker
	Reconnect   func(context.Context) error
	Reconnector *reconnect.Manager
}

// NewContainer creates an empty dependency container
func NewContainer() *Container {
	return &Container{
		Lifecycle: NewLifecycle(),
	}
}

// MustInit initializes all components in the correct order.
// Panics or exits on any initialization error (fail-fast at startup).
func (c *Container) MustInit(ctx context.Context) {
	c.MustInitConfig()
	c.MustInitInfrastructure(ctx)
	c.MustInitServices(ctx)
	c.MustInitBackground()
	c.MustInitApplication()
}

// Run serves HTTP, performs the startup decision, then drives the scheduler until ctx is done
// or the HTTP server fails. Shutdown runs before Run returns.
func (c *Container) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(c.HTTPServer.Start)

	mode := c.Engine.Start(gctx)
	c.Log.Infow("✓ Startup complete", "mode", mode, "watermark", c.Engine.Watermark())

	if gctx.Err() == nil {
		if err := c.Scheduler.Start(gctx); err != nil {
			c.Log.Errorw("Failed to start scheduler", "error", err)
		} else {
			c.Log.Info("✓ All systems operational")
		}
	}

	<-gctx.Done()
	c.Shutdown()

	return g.Wait()
}

// Shutdown performs graceful shutdown in the correct order
func (c *Container) Shutdown() {
	c.Log.Info("Initiating graceful shutdown...")

	c.Lifecycle.Shutdown(ShutdownTargets{
		HTTPServer:       c.HTTPServer,
		Scheduler:        c.Scheduler,
		CheckpointWorker: c.CheckpointWorker,
		ErrorTracker:     c.ErrorTracker,
		PG:               c.PG,
		CH:               c.CH,
		Redis:            c.Redis,
	}, c.Log)
}
