package exporter

import (
	"context"
	"time"

	"litellm-exporter/internal/workers"
	"litellm-exporter/pkg/logger"
)

// Cycler runs one export cycle
type Cycler interface {
	RunCycle(ctx context.Context) error
}

// ExportWorker drives the aggregation engine every SCRAPE_INTERVAL
type ExportWorker struct {
	*workers.BaseWorker
	engine Cycler
}

// NewExportWorker creates the export loop worker
func NewExportWorker(engine Cycler, interval time.Duration, log *logger.Logger) *ExportWorker {
	return &ExportWorker{
		BaseWorker: workers.NewBaseWorker("export", interval, true, log),
		engine:     engine,
	}
}

// Run executes one export cycle. Errors are already logged by the engine.
func (w *ExportWorker) Run(ctx context.Context) error {
	return w.engine.RunCycle(ctx)
}
