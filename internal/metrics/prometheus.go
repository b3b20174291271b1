package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Label sets shared by the usage families
var (
	DimensionLabels   = []string{"team_id", "team_alias", "end_user_id", "end_user_alias", "model", "provider"}
	TimeLabels        = []string{"team_id", "team_alias", "end_user_id", "end_user_alias", "hour_of_day", "day_name"}
	PerformanceLabels = []string{"team_id", "team_alias", "model", "provider"}
	BudgetLabels      = []string{"team_id", "team_alias", "metric_type"}
	EfficiencyLabels  = append(append([]string(nil), DimensionLabels...), "metric_type")
)

const backfillNote = " Backfilled history carries end_user_id=\"aggregated\"."

// Options configures the registry
type Options struct {
	// MaxSeriesPerMetric caps each cumulative family; 0 disables the cap
	MaxSeriesPerMetric int
}

// Registry owns every metric the exporter publishes
type Registry struct {
	reg *prometheus.Registry

	// Cumulative usage counters
	Spend    *CounterFamily
	Requests *CounterFamily
	Tokens   *CounterFamily

	// Windowed gauges, replaced wholesale each cycle
	RequestsByTime  *SnapshotGauge
	RequestDuration *SnapshotGauge
	TokensPerSecond *SnapshotGauge
	TeamBudget      *SnapshotGauge
	CostEfficiency  *SnapshotGauge

	// Exporter health
	LastExport         prometheus.Gauge
	CheckpointAge      prometheus.Gauge
	CheckpointDegraded prometheus.Gauge
	Watermark          prometheus.Gauge
	StartupMode        *prometheus.GaugeVec
	Cycles             *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	QueryFailures      *prometheus.CounterVec
	SeriesOverflow     *prometheus.CounterVec
	WorkerExecutions   *prometheus.CounterVec
	WorkerDuration     *prometheus.HistogramVec
	WorkerLastRun      *prometheus.GaugeVec
	ReconnectAttempts  *prometheus.CounterVec
}

// NewRegistry builds and registers all families on a private registry
func NewRegistry(opts Options) *Registry {
	policy := PolicyFor(opts.MaxSeriesPerMetric)

	r := &Registry{reg: prometheus.NewRegistry()}

	r.SeriesOverflow = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "litellm_exporter_series_overflow_total",
			Help: "Increments folded into the overflow series because the family hit its series cap",
		},
		[]string{"metric"},
	)

	r.Spend = newCounterFamily(prometheus.CounterOpts{
		Name: "litellm_spend_usd_total",
		Help: "Total spend in USD." + backfillNote,
	}, DimensionLabels, nil, policy, r.SeriesOverflow)

	r.Requests = newCounterFamily(prometheus.CounterOpts{
		Name: "litellm_requests_total",
		Help: "Total requests by outcome." + backfillNote,
	}, append(append([]string(nil), DimensionLabels...), "status"), []string{"status"}, policy, r.SeriesOverflow)

	r.Tokens = newCounterFamily(prometheus.CounterOpts{
		Name: "litellm_tokens_total",
		Help: "Total tokens by type." + backfillNote,
	}, append(append([]string(nil), DimensionLabels...), "token_type"), []string{"token_type"}, policy, r.SeriesOverflow)

	r.RequestsByTime = NewSnapshotGauge(
		"litellm_requests_by_time_total",
		"Requests over the last 7 days by local hour of day and weekday",
		TimeLabels,
	)
	r.RequestDuration = NewSnapshotGauge(
		"litellm_request_duration_seconds",
		"Average request duration over the recent window",
		PerformanceLabels,
	)
	r.TokensPerSecond = NewSnapshotGauge(
		"litellm_tokens_per_second",
		"Token throughput over the recent window",
		PerformanceLabels,
	)
	r.TeamBudget = NewSnapshotGauge(
		"litellm_team_budget_usd",
		"Team budget state (max_budget, current_spend, remaining, usage_percent)",
		BudgetLabels,
	)
	r.CostEfficiency = NewSnapshotGauge(
		"litellm_cost_efficiency",
		"Cost efficiency over the recent window (cost_per_token, tokens_per_dollar)",
		EfficiencyLabels,
	)

	r.LastExport = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "litellm_exporter_last_export_timestamp",
		Help: "Unix time of the last completed export cycle",
	})
	r.CheckpointAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "litellm_exporter_checkpoint_age_seconds",
		Help: "Watermark age in seconds at the last checkpoint write",
	})
	r.CheckpointDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "litellm_exporter_checkpoint_degraded",
		Help: "1 while the checkpoint store is unreachable",
	})
	r.Watermark = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "litellm_exporter_watermark_timestamp",
		Help: "Unix time up to which events have been counted",
	})
	r.StartupMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "litellm_exporter_startup_mode",
		Help: "1 for the mode the exporter started in (cold_start, warm_resume)",
	}, []string{"mode"})
	r.Cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litellm_exporter_cycles_total",
		Help: "Export cycles by outcome",
	}, []string{"status"}) // status: success|partial|failed
	r.CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "litellm_exporter_cycle_duration_seconds",
		Help:    "Export cycle duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})
	r.QueryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litellm_exporter_query_failures_total",
		Help: "Failed store queries by query name",
	}, []string{"query"})
	r.ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litellm_exporter_reconnect_attempts_total",
		Help: "Store reconnection attempts by outcome",
	}, []string{"store", "status"})

	r.WorkerExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "litellm_exporter_worker_executions_total",
		Help: "Total number of worker executions",
	}, []string{"worker", "status"}) // status: success|error
	r.WorkerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "litellm_exporter_worker_duration_seconds",
		Help:    "Worker execution duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"worker"})
	r.WorkerLastRun = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "litellm_exporter_worker_last_run_timestamp",
		Help: "Unix timestamp of last worker execution",
	}, []string{"worker"})

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		r.Spend.Collector(),
		r.Requests.Collector(),
		r.Tokens.Collector(),

		r.RequestsByTime,
		r.RequestDuration,
		r.TokensPerSecond,
		r.TeamBudget,
		r.CostEfficiency,

		r.LastExport,
		r.CheckpointAge,
		r.CheckpointDegraded,
		r.Watermark,
		r.StartupMode,
		r.Cycles,
		r.CycleDuration,
		r.QueryFailures,
		r.SeriesOverflow,
		r.ReconnectAttempts,
		r.WorkerExecutions,
		r.WorkerDuration,
		r.WorkerLastRun,
	)

	return r
}

// MustRegister adds extra collectors, such as the store probe
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}

// Gatherer exposes the registry for tests
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns the /metrics HTTP handler
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		Registry:          r.reg,
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: false,
	})
}

// SetStartupMode marks exactly one mode with 1
func (r *Registry) SetStartupMode(mode string) {
	r.StartupMode.Reset()
	r.StartupMode.WithLabelValues(mode).Set(1)
}

// RecordWorkerExecution records a worker execution
func (r *Registry) RecordWorkerExecution(worker string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.WorkerExecutions.WithLabelValues(worker, status).Inc()
	r.WorkerDuration.WithLabelValues(worker).Observe(duration.Seconds())
	r.WorkerLastRun.WithLabelValues(worker).SetToCurrentTime()
}

// RecordCycle records one export cycle
func (r *Registry) RecordCycle(status string, duration time.Duration) {
	r.Cycles.WithLabelValues(status).Inc()
	r.CycleDuration.Observe(duration.Seconds())
}

// RecordQueryFailure counts a failed store query
func (r *Registry) RecordQueryFailure(query string) {
	r.QueryFailures.WithLabelValues(query).Inc()
}

// RecordReconnect counts a reconnection attempt that actually ran
func (r *Registry) RecordReconnect(store string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.ReconnectAttempts.WithLabelValues(store, status).Inc()
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
