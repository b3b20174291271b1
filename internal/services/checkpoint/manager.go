package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/dustin/go-humanize"

	cpdomain "litellm-exporter/internal/domain/checkpoint"
	"litellm-exporter/internal/metrics"
	"litellm-exporter/pkg/errors"
	"litellm-exporter/pkg/logger"
	"litellm-exporter/pkg/reconnect"
)

const probeTimeout = 5 * time.Second

// Options configures the checkpoint manager
type Options struct {
	Enabled bool
	// Reprobe lets a degraded manager retry the store on save, paced by a circuit breaker.
	// Without it a failed startup probe disables checkpointing for the process lifetime.
	Reprobe bool
	Clock   quartz.Clock
}

// Manager loads and persists the export watermark. It never fails the caller:
// an unreachable store degrades it to a no-op.
type Manager struct {
	store   cpdomain.Store
	enabled bool
	reprobe *reconnect.Manager
	clock   quartz.Clock
	metrics *metrics.Registry
	log     *logger.Logger

	mu        sync.RWMutex
	degraded  bool
	lastSaved time.Time
}

// NewManager probes the store once and returns a ready manager
func NewManager(ctx context.Context, store cpdomain.Store, opts Options, reg *metrics.Registry, log *logger.Logger) *Manager {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}

	m := &Manager{
		store:   store,
		enabled: opts.Enabled && store != nil,
		clock:   opts.Clock,
		metrics: reg,
		log:     log.Component("checkpoint_manager"),
	}

	if !m.enabled {
		m.log.Info("Checkpointing disabled")
		return m
	}

	if opts.Reprobe {
		m.reprobe = reconnect.NewManager(reconnect.Config{
			Name:       "checkpoint",
			MinBackoff: 30 * time.Second,
			MaxBackoff: 10 * time.Minute,
			MaxRetries: 5,
			Clock:      opts.Clock,
		}, log)
	}

	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()

	if err := store.Ping(probeCtx); err != nil {
		m.log.Warnw("Checkpoint store unreachable, continuing without checkpoints",
			"error", err,
			"reprobe", opts.Reprobe,
		)
		m.setDegraded(true)
		if m.reprobe != nil {
			m.reprobe.RecordFailure()
		}
		return m
	}

	m.setDegraded(false)
	m.log.Info("✓ Checkpoint store reachable")
	return m
}

// Enabled reports whether checkpointing was requested and a store is configured
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Degraded reports whether the store is currently considered unreachable
func (m *Manager) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.degraded
}

// LastSaved returns the most recently persisted watermark, zero if none
func (m *Manager) LastSaved() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSaved
}

// LoadWatermark returns the persisted watermark. ok is false when checkpointing is
// disabled or degraded, or the stored value is missing or unreadable.
func (m *Manager) LoadWatermark(ctx context.Context) (time.Time, bool) {
	if !m.enabled || m.Degraded() {
		return time.Time{}, false
	}

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()

	cp, err := m.store.Load(loadCtx)
	switch {
	case errors.Is(err, errors.ErrCheckpointNotFound):
		m.log.Info("No checkpoint found")
		return time.Time{}, false
	case err != nil:
		m.log.Warnw("Failed to load checkpoint", "error", err)
		return time.Time{}, false
	case cp == nil || cp.LastExportTime.IsZero():
		return time.Time{}, false
	}

	m.log.Infow("Loaded checkpoint",
		"watermark", cp.LastExportTime,
		"age", humanize.RelTime(cp.LastExportTime, m.clock.Now(), "ago", "from now"),
	)
	return cp.LastExportTime, true
}

// SaveWatermark persists wm. Disabled and degraded managers return nil without touching
// the store. A failed write is logged and returned for the caller's bookkeeping.
func (m *Manager) SaveWatermark(ctx context.Context, wm time.Time) error {
	if !m.enabled || wm.IsZero() {
		return nil
	}
	if m.Degraded() && !m.tryRecover(ctx) {
		return nil
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()

	now := m.clock.Now()
	err := m.store.Save(saveCtx, cpdomain.Checkpoint{LastExportTime: wm, WrittenAt: now})
	if err != nil {
		m.log.Warnw("Failed to save checkpoint", "watermark", wm, "error", err)
		if m.reprobe != nil && errors.Is(err, errors.ErrCheckpointStoreUnavailable) {
			m.reprobe.RecordFailure()
			m.setDegraded(true)
		}
		return err
	}

	m.mu.Lock()
	m.lastSaved = wm
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.CheckpointAge.Set(now.Sub(wm).Seconds())
	}
	m.log.Debugw("Checkpoint saved", "watermark", wm)
	return nil
}

func (m *Manager) tryRecover(ctx context.Context) bool {
	if m.reprobe == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()

	err := m.reprobe.TryReconnect(probeCtx, m.store.Ping)
	if errors.Is(err, reconnect.ErrBackoffActive) || errors.Is(err, reconnect.ErrCircuitOpen) {
		return false
	}
	if m.metrics != nil {
		m.metrics.RecordReconnect("checkpoint", err)
	}
	if err != nil {
		return false
	}

	m.log.Info("Checkpoint store reachable again")
	m.setDegraded(false)
	return true
}

func (m *Manager) setDegraded(degraded bool) {
	m.mu.Lock()
	m.degraded = degraded
	m.mu.Unlock()

	if m.metrics == nil {
		return
	}
	if degraded {
		m.metrics.CheckpointDegraded.Set(1)
	} else {
		m.metrics.CheckpointDegraded.Set(0)
	}
}
