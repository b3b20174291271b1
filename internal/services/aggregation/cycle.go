package aggregation

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"litellm-exporter/pkg/errors"
	"litellm-exporter/pkg/logger"
	"litellm-exporter/pkg/reconnect"
)

// Cycle outcomes
const (
	CycleSuccess = "success"
	CyclePartial = "partial"
	CycleFailed  = "failed"
)

const slowCycleThreshold = time.Second

// RunCycle runs one export: delta, time patterns, performance, budgets, cost efficiency.
// A delta failure or an unreachable store abandons the cycle and triggers a paced
// reconnect; a rejected windowed query only empties that pass.
func (e *Engine) RunCycle(ctx context.Context) error {
	cycleID := uuid.NewString()
	log := e.log.With("cycle_id", cycleID)
	start := e.clock.Now()

	events, err := e.IngestDelta(ctx)
	if err != nil {
		return e.failCycle(ctx, log, cycleID, "delta", err, start)
	}

	now := e.clock.Now()
	passes := []struct {
		name string
		run  func(context.Context) error
	}{
		{"time_patterns", func(ctx context.Context) error { return e.RefreshTimePatterns(ctx, now) }},
		{"performance", func(ctx context.Context) error { return e.RefreshPerformance(ctx, now) }},
		{"budgets", e.RefreshBudgets},
		{"cost_efficiency", func(ctx context.Context) error { return e.RefreshCostEfficiency(ctx, now) }},
	}

	var failures errors.MultiError
	for _, pass := range passes {
		if err := pass.run(ctx); err != nil {
			if errors.Is(err, errors.ErrStoreUnavailable) {
				return e.failCycle(ctx, log, cycleID, pass.name, err, start)
			}
			log.Warnw("Windowed pass failed, published empty set", "pass", pass.name, "error", err)
			failures.Add(err)
		}
	}

	finished := e.clock.Now()
	elapsed := finished.Sub(start)
	e.metrics.LastExport.Set(float64(finished.UnixNano()) / 1e9)

	status := CycleSuccess
	if failures.HasErrors() {
		status = CyclePartial
	}
	e.metrics.RecordCycle(status, elapsed)
	e.recordCycle(finished, failures.ToError())

	if elapsed > slowCycleThreshold {
		log.Infow("Metrics exported", "duration", elapsed, "events", humanize.Comma(int64(events)), "status", status)
	} else {
		log.Debugw("Metrics exported", "duration", elapsed, "events", events, "status", status)
	}

	return nil
}

func (e *Engine) failCycle(ctx context.Context, log *logger.Logger, cycleID, stage string, err error, start time.Time) error {
	finished := e.clock.Now()
	e.metrics.RecordCycle(CycleFailed, finished.Sub(start))
	e.recordCycle(finished, err)

	log.ErrorWithContext(ctx, err, map[string]string{
		"cycle_id": cycleID,
		"stage":    stage,
	})

	if errors.Is(err, errors.ErrStoreUnavailable) {
		e.tryReconnect(ctx, log)
	}
	return errors.Wrap(err, "export cycle abandoned")
}

func (e *Engine) tryReconnect(ctx context.Context, log *logger.Logger) {
	if e.reconnect == nil {
		return
	}
	if e.reconnector == nil {
		err := e.reconnect(ctx)
		e.metrics.RecordReconnect("event_store", err)
		return
	}

	err := e.reconnector.TryReconnect(ctx, e.reconnect)
	switch {
	case errors.Is(err, reconnect.ErrBackoffActive):
		log.Debugw("Reconnect skipped, backoff active", "backoff", e.reconnector.GetBackoff())
		return
	case errors.Is(err, reconnect.ErrCircuitOpen):
		log.Debug("Reconnect skipped, circuit open")
		return
	}
	e.metrics.RecordReconnect("event_store", err)
}

func (e *Engine) recordCycle(at time.Time, err error) {
	e.mu.Lock()
	e.lastCycleAt = at
	e.lastErr = err
	e.mu.Unlock()
}
