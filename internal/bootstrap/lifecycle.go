package bootstrap

import (
	"context"
	"time"

	chclient "litellm-exporter/internal/adapters/clickhouse"
	pgclient "litellm-exporter/internal/adapters/postgres"
	redisclient "litellm-exporter/internal/adapters/redis"
	"litellm-exporter/internal/api"
	"litellm-exporter/internal/workers"
	"litellm-exporter/internal/workers/exporter"
	"litellm-exporter/pkg/errors"
	"litellm-exporter/pkg/logger"
)

// Lifecycle manages graceful shutdown of components
type Lifecycle struct {
	shutdownTimeout time.Duration
}

// NewLifecycle creates a new lifecycle manager
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		shutdownTimeout: 150 * time.Second,
	}
}

// ShutdownTargets lists the components Shutdown stops. Nil fields are skipped.
type ShutdownTargets struct {
	HTTPServer       *api.Server
	Scheduler        *workers.Scheduler
	CheckpointWorker *exporter.CheckpointWorker
	ErrorTracker     errors.Tracker
	PG               *pgclient.Client
	CH               *chclient.Client
	Redis            *redisclient.Client
}

// Shutdown performs coordinated cleanup in order:
// 1. No new scrapes accepted
// 2. Workers finish their in-flight iteration
// 3. Final checkpoint written from the last watermark
// 4. Errors and logs flushed
// 5. Store connections closed last
func (l *Lifecycle) Shutdown(t ShutdownTargets, log *logger.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer shutdownCancel()

	// ========================================
	// Step 1: Stop HTTP Server (5s timeout)
	// ========================================
	log.Info("[1/6] Stopping HTTP server...")
	if t.HTTPServer != nil {
		httpCtx, httpCancel := context.WithTimeout(shutdownCtx, 5*time.Second)
		if err := t.HTTPServer.Shutdown(httpCtx); err != nil {
			log.Errorw("HTTP server shutdown failed", "error", err)
		}
		httpCancel()
	}

	// ========================================
	// Step 2: Stop Background Workers
	// ========================================
	log.Info("[2/6] Stopping background workers...")
	if t.Scheduler != nil && t.Scheduler.IsRunning() {
		if err := t.Scheduler.Stop(); err != nil {
			log.Errorw("Workers shutdown failed", "error", err)
		} else {
			log.Info("✓ Workers stopped")
		}
	}

	// ========================================
	// Step 3: Final Checkpoint
	// ========================================
	log.Info("[3/6] Saving final checkpoint...")
	l.saveFinalCheckpoint(t.CheckpointWorker, shutdownCtx, log)

	// ========================================
	// Step 4: Flush Error Tracker
	// ========================================
	log.Info("[4/6] Flushing error tracker...")
	l.flushErrorTracker(t.ErrorTracker, shutdownCtx, log)

	// ========================================
	// Step 5: Sync Logs
	// ========================================
	log.Info("[5/6] Syncing logs...")
	if err := logger.Sync(); err != nil {
		// stdout/stderr sync returns EINVAL on most terminals
		log.Debugw("Log sync completed with warnings", "error", err)
	}

	// ========================================
	// Step 6: Close Store Connections
	// ========================================
	log.Info("[6/6] Closing store connections...")
	l.closeStores(t.PG, t.CH, t.Redis, log)

	log.Info("✅ Graceful shutdown complete")
}

// saveFinalCheckpoint persists the last watermark; failure is only logged
func (l *Lifecycle) saveFinalCheckpoint(w *exporter.CheckpointWorker, ctx context.Context, log *logger.Logger) {
	if w == nil || !w.Enabled() {
		log.Info("Checkpointing disabled, nothing to save")
		return
	}

	saveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := w.Save(saveCtx); err != nil {
		log.Warnw("Final checkpoint failed", "error", err)
		return
	}
	log.Info("✓ Final checkpoint saved")
}

// flushErrorTracker flushes the error tracker (Sentry, etc.)
func (l *Lifecycle) flushErrorTracker(tracker errors.Tracker, ctx context.Context, log *logger.Logger) {
	if tracker == nil {
		return
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 3*time.Second)
	defer flushCancel()

	if err := tracker.Flush(flushCtx); err != nil {
		log.Warnw("Error tracker flush failed", "error", err)
	} else {
		log.Info("✓ Error tracker flushed")
	}
}

// closeStores closes every connected store
func (l *Lifecycle) closeStores(
	pgClient *pgclient.Client,
	chClient *chclient.Client,
	redisClient *redisclient.Client,
	log *logger.Logger,
) {
	var errs errors.MultiError

	if pgClient != nil {
		if err := pgClient.Close(); err != nil {
			errs.Add(errors.Wrap(err, "postgres"))
		}
	}

	if chClient != nil {
		if err := chClient.Close(); err != nil {
			errs.Add(errors.Wrap(err, "clickhouse"))
		}
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			errs.Add(errors.Wrap(err, "redis"))
		}
	}

	if err := errs.ToError(); err != nil {
		log.Warnw("Store close errors", "error", err)
	} else {
		log.Info("✓ Store connections closed")
	}
}
