package aggregation

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/dustin/go-humanize"

	"litellm-exporter/internal/domain/usage"
	"litellm-exporter/internal/metrics"
	"litellm-exporter/pkg/logger"
	"litellm-exporter/pkg/reconnect"
)

// StaleCheckpointThreshold is the watermark age past which startup rebuilds from the daily table
const StaleCheckpointThreshold = 2 * time.Hour

// Trailing windows of the recomputed gauges
const (
	TimePatternWindow    = 7 * 24 * time.Hour
	PerformanceWindow    = time.Hour
	CostEfficiencyWindow = 24 * time.Hour
)

// Mode is the startup path chosen once per process
type Mode string

const (
	ModeColdStart  Mode = "cold_start"
	ModeWarmResume Mode = "warm_resume"
)

// WatermarkLoader supplies the persisted watermark, if any
type WatermarkLoader interface {
	LoadWatermark(ctx context.Context) (time.Time, bool)
}

// Config holds the engine tunables
type Config struct {
	HistoryDays  int
	Location     *time.Location
	QueryTimeout time.Duration
	WatermarkLag time.Duration
	Clock        quartz.Clock
}

// Deps are the collaborators of the engine. Reconnector and Reconnect are optional.
type Deps struct {
	Reader      usage.Reader
	Checkpoints WatermarkLoader
	Metrics     *metrics.Registry
	Reconnector *reconnect.Manager
	Reconnect   func(context.Context) error
	Log         *logger.Logger
}

// Engine turns the LiteLLM spend log into counters and windowed gauges.
// Cycles must not run concurrently; Watermark and State are safe from any goroutine.
type Engine struct {
	reader      usage.Reader
	checkpoints WatermarkLoader
	metrics     *metrics.Registry
	reconnector *reconnect.Manager
	reconnect   func(context.Context) error
	cfg         Config
	clock       quartz.Clock
	log         *logger.Logger

	mu          sync.RWMutex
	watermark   time.Time
	mode        Mode
	started     bool
	lastCycleAt time.Time
	lastErr     error
}

// State is a point-in-time view for health and info endpoints
type State struct {
	Mode        Mode
	Started     bool
	Watermark   time.Time
	LastCycleAt time.Time
	LastError   error
}

// NewEngine creates an engine; call Start before running cycles
func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 365
	}

	return &Engine{
		reader:      deps.Reader,
		checkpoints: deps.Checkpoints,
		metrics:     deps.Metrics,
		reconnector: deps.Reconnector,
		reconnect:   deps.Reconnect,
		cfg:         cfg,
		clock:       cfg.Clock,
		log:         deps.Log.Component("aggregation_engine"),
	}
}

// Start picks cold start or warm resume and seeds the counters. It does not fail:
// a backfill or catch-up error is logged and the loop takes over from the resulting watermark.
func (e *Engine) Start(ctx context.Context) Mode {
	now := e.clock.Now()

	var (
		wm time.Time
		ok bool
	)
	if e.checkpoints != nil {
		wm, ok = e.checkpoints.LoadWatermark(ctx)
	}

	mode := ModeWarmResume
	switch {
	case !ok:
		e.log.Info("No usable checkpoint, starting cold")
		mode = ModeColdStart
	case now.Sub(wm) > StaleCheckpointThreshold:
		e.log.Infow("Checkpoint is stale, starting cold",
			"watermark", wm,
			"age", humanize.RelTime(wm, now, "ago", "from now"),
		)
		mode = ModeColdStart
	}

	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
	e.metrics.SetStartupMode(string(mode))

	if mode == ModeColdStart {
		if err := e.Backfill(ctx); err != nil {
			e.log.ErrorWithContext(ctx, err, map[string]string{"stage": "backfill"})
		}
		// events folded into the daily table are never replayed, even after a failed backfill
		e.setWatermark(now)
	} else {
		e.log.Infow("Resuming from checkpoint",
			"watermark", wm,
			"age", humanize.RelTime(wm, now, "ago", "from now"),
		)
		e.setWatermark(wm)
		if n, err := e.IngestDelta(ctx); err != nil {
			e.log.Warnw("Catch-up delta failed, next cycle retries", "error", err)
		} else {
			e.log.Infow("Caught up from checkpoint", "events", humanize.Comma(int64(n)))
		}
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	return mode
}

// Watermark returns the inclusive lower bound of the next delta query
func (e *Engine) Watermark() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.watermark
}

// State returns a snapshot of engine progress
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return State{
		Mode:        e.mode,
		Started:     e.started,
		Watermark:   e.watermark,
		LastCycleAt: e.lastCycleAt,
		LastError:   e.lastErr,
	}
}

func (e *Engine) setWatermark(wm time.Time) {
	e.mu.Lock()
	e.watermark = wm
	e.mu.Unlock()
	e.metrics.Watermark.Set(float64(wm.UnixNano()) / 1e9)
}

// queryContext bounds a store query. Cancellation of the parent is ignored so that a
// shutdown lets an in-flight query finish or time out.
func (e *Engine) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.QueryTimeout)
}

func dimensionLabels(d usage.Dimensions, extra ...string) []string {
	labels := make([]string, 0, 6+len(extra))
	labels = append(labels, d.TeamID, d.TeamAlias, d.EndUserID, d.EndUserAlias, d.Model, d.Provider)
	return append(labels, extra...)
}
