package bootstrap

import (
	"litellm-exporter/internal/adapters/config"
	"litellm-exporter/internal/services/aggregation"
	checkpointsvc "litellm-exporter/internal/services/checkpoint"
	"litellm-exporter/internal/workers"
	"litellm-exporter/internal/workers/exporter"
	"litellm-exporter/pkg/logger"
)

// ========================================
// Phase 4: Background Processing
// ========================================

// MustInitBackground registers the export and checkpoint workers
func (c *Container) MustInitBackground() {
	c.Scheduler, c.ExportWorker, c.CheckpointWorker = provideWorkers(
		c.Engine,
		c.Checkpoints,
		c.Config.Exporter,
		c.Metrics,
		c.Log,
	)
}

// provideWorkers builds the scheduler with one export loop and one checkpoint loop.
// The export worker is the only goroutine that runs cycles.
func provideWorkers(
	engine *aggregation.Engine,
	checkpoints *checkpointsvc.Manager,
	cfg config.ExporterConfig,
	recorder workers.ExecutionRecorder,
	log *logger.Logger,
) (*workers.Scheduler, *exporter.ExportWorker, *exporter.CheckpointWorker) {
	log.Info("Initializing workers...")

	scheduler := workers.NewScheduler(log, recorder)

	exportWorker := exporter.NewExportWorker(engine, cfg.ScrapeEvery(), log)
	checkpointWorker := exporter.NewCheckpointWorker(engine, checkpoints, cfg.CheckpointEvery(), log)

	scheduler.RegisterWorker(exportWorker)
	scheduler.RegisterWorker(checkpointWorker)

	log.Infow("✓ Workers initialized",
		"export_interval", cfg.ScrapeEvery(),
		"checkpoint_interval", cfg.CheckpointEvery(),
		"checkpoint_enabled", checkpointWorker.Enabled(),
	)

	return scheduler, exportWorker, checkpointWorker
}
