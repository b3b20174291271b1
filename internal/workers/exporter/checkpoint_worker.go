package exporter

import (
	"context"
	"time"

	"litellm-exporter/internal/workers"
	"litellm-exporter/pkg/logger"
)

// WatermarkSource exposes the engine's current watermark
type WatermarkSource interface {
	Watermark() time.Time
}

// WatermarkSaver persists a watermark
type WatermarkSaver interface {
	Enabled() bool
	SaveWatermark(ctx context.Context, wm time.Time) error
}

// CheckpointWorker persists the watermark every CHECKPOINT_INTERVAL.
// It is disabled when checkpointing is turned off.
type CheckpointWorker struct {
	*workers.BaseWorker
	source WatermarkSource
	saver  WatermarkSaver
}

// NewCheckpointWorker creates the checkpoint persistence worker
func NewCheckpointWorker(source WatermarkSource, saver WatermarkSaver, interval time.Duration, log *logger.Logger) *CheckpointWorker {
	return &CheckpointWorker{
		BaseWorker: workers.NewBaseWorker("checkpoint", interval, saver.Enabled(), log),
		source:     source,
		saver:      saver,
	}
}

// Run saves the current watermark
func (w *CheckpointWorker) Run(ctx context.Context) error {
	return w.Save(ctx)
}

// Save persists the current watermark now. Used by the periodic loop and at shutdown.
func (w *CheckpointWorker) Save(ctx context.Context) error {
	wm := w.source.Watermark()
	if wm.IsZero() {
		w.Log().Debug("No watermark yet, skipping checkpoint")
		return nil
	}
	return w.saver.SaveWatermark(ctx, wm)
}
