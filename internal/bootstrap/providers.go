package bootstrap

import (
	"context"
	"time"

	chclient "litellm-exporter/internal/adapters/clickhouse"
	"litellm-exporter/internal/adapters/config"
	errnoop "litellm-exporter/internal/adapters/errors/noop"
	"litellm-exporter/internal/adapters/errors/sentry"
	pgclient "litellm-exporter/internal/adapters/postgres"
	redisclient "litellm-exporter/internal/adapters/redis"
	"litellm-exporter/internal/api"
	"litellm-exporter/internal/api/health"
	cpdomain "litellm-exporter/internal/domain/checkpoint"
	"litellm-exporter/internal/metrics"
	chrepo "litellm-exporter/internal/repository/clickhouse"
	pgrepo "litellm-exporter/internal/repository/postgres"
	redisrepo "litellm-exporter/internal/repository/redis"
	"litellm-exporter/internal/services/aggregation"
	checkpointsvc "litellm-exporter/internal/services/checkpoint"
	"litellm-exporter/pkg/errors"
	"litellm-exporter/pkg/logger"
	"litellm-exporter/pkg/reconnect"
)

// ========================================
// Phase 1: Configuration & Logging
// ========================================

// MustInitConfig loads configuration and initializes logger
func (c *Container) MustInitConfig() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	c.Config = cfg

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}

	c.Log = logger.Get()
	c.Log.Infof("Starting %s %s in %s mode", cfg.App.Name, cfg.App.Version, cfg.App.Env)

	c.ErrorTracker = provideErrorTracker(cfg, c.Log)
	logger.SetErrorTracker(c.ErrorTracker)
}

// ========================================
// Phase 2: Infrastructure Layer
// ========================================

// MustInitInfrastructure connects the event store and creates the metrics registry.
// The event store is the only fatal dependency; Redis is probed later by the checkpoint manager.
func (c *Container) MustInitInfrastructure(ctx context.Context) {
	var err error

	c.EventStore, err = c.connectEventStore(ctx)
	if err != nil {
		c.Log.Fatalf("failed to connect %s: %v", c.Config.Exporter.EventStoreDriver, err)
	}
	c.Log.Infof("✓ %s connected", c.EventStore.Name)

	if c.Config.Exporter.EnableCheckpoint {
		c.Redis = redisclient.NewClient(c.Config.Redis)
	}

	c.Metrics = metrics.NewRegistry(metrics.Options{
		MaxSeriesPerMetric: c.Config.Exporter.MaxSeriesPerMetric,
	})

	stores := map[string]metrics.HealthChecker{
		c.EventStore.Name: c.EventStore.Health,
	}
	if c.Redis != nil {
		stores["redis"] = c.Redis
	}
	c.Metrics.MustRegister(metrics.NewStoreCollector(c.Log, stores))
}

func (c *Container) connectEventStore(ctx context.Context) (EventStore, error) {
	driver := c.Config.Exporter.EventStoreDriver
	store := EventStore{Name: driver}

	switch driver {
	case config.DriverClickHouse:
		c.Log.Info("Connecting to ClickHouse...")
		client, err := chclient.NewClient(ctx, c.Config.ClickHouse)
		if err != nil {
			return store, err
		}
		c.CH = client
		store.Reader = chrepo.NewUsageReader(client.Conn())
		store.Health = client
		store.Reconnect = client.Reconnect

	case config.DriverPostgres:
		c.Log.Info("Connecting to PostgreSQL...")
		client, err := pgclient.NewClient(ctx, c.Config.Postgres)
		if err != nil {
			return store, err
		}
		c.PG = client
		store.Reader = pgrepo.NewUsageReader(func() pgrepo.DBTX { return client.DB() })
		store.Health = client
		store.Reconnect = client.Reconnect

	default:
		return store, errors.Wrapf(errors.ErrInvalidInput, "unknown event store driver %q", driver)
	}

	store.Reconnector = reconnect.NewManager(reconnect.Config{
		Name:              driver,
		MinBackoff:        5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		MaxRetries:        10,
		CircuitResetAfter: 5 * time.Minute,
	}, c.Log)

	return store, nil
}

// ========================================
// Phase 3: Domain Services
// ========================================

// MustInitServices builds the checkpoint manager and the aggregation engine
func (c *Container) MustInitServices(ctx context.Context) {
	exp := c.Config.Exporter

	var store cpdomain.Store
	if c.Redis != nil {
		store = redisrepo.NewCheckpointStore(c.Redis.Client(), exp.CheckpointKeyPrefix)
	}
	c.Checkpoints = checkpointsvc.NewManager(ctx, store, checkpointsvc.Options{
		Enabled: exp.EnableCheckpoint,
		Reprobe: exp.CheckpointReprobe,
	}, c.Metrics, c.Log)

	c.Engine = aggregation.NewEngine(aggregation.Deps{
		Reader:      c.EventStore.Reader,
		Checkpoints: c.Checkpoints,
		Metrics:     c.Metrics,
		Reconnector: c.EventStore.Reconnector,
		Reconnect:   c.EventStore.Reconnect,
		Log:         c.Log,
	}, aggregation.Config{
		HistoryDays:  exp.HistoryDays,
		Location:     exp.Location(),
		QueryTimeout: exp.QueryTimeoutDuration(),
		WatermarkLag: exp.WatermarkLagDuration(),
	})

	c.Log.Info("✓ Services initialized")
}

// ========================================
// Phase 5: Application Layer
// ========================================

// MustInitApplication wires the health handler and the metrics HTTP server
func (c *Container) MustInitApplication() {
	components := []health.Component{
		{Name: c.EventStore.Name, Checker: c.EventStore.Health, Required: true},
	}
	if c.Redis != nil {
		components = append(components, health.Component{Name: "redis", Checker: c.Redis})
	}

	c.HealthHandler = health.New(
		c.Log,
		components,
		c.Engine,
		c.Checkpoints,
		c.Config.App.Name,
		c.Config.App.Version,
	)

	c.HTTPServer = api.NewServer(api.ServerConfig{
		Port:        c.Config.Exporter.MetricsPort,
		ServiceName: c.Config.App.Name,
		Version:     c.Config.App.Version,
	}, c.Metrics.Handler(), c.HealthHandler, c.Log)

	c.Log.Info("✓ Application layer initialized")
}

// ========================================
// Provider Functions
// ========================================

func provideErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return errnoop.New()
	}

	tracker, err := sentry.New(sentry.Options{
		DSN:          cfg.ErrorTracking.SentryDSN,
		Environment:  cfg.ErrorTracking.Environment,
		Release:      cfg.App.Name + "@" + cfg.App.Version,
		MaxPerMinute: cfg.ErrorTracking.MaxPerMinute,
	})
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return errnoop.New()
	}

	log.Info("✓ Error tracking initialized (Sentry)")
	return tracker
}
