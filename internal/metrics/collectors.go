package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"litellm-exporter/pkg/logger"
)

// HealthChecker is anything that can report store reachability
type HealthChecker interface {
	Health(ctx context.Context) error
}

// StoreCollector probes the backing stores on every scrape
type StoreCollector struct {
	log     *logger.Logger
	stores  map[string]HealthChecker
	timeout time.Duration

	up      *prometheus.Desc
	latency *prometheus.Desc
}

// NewStoreCollector creates a collector for the given named stores. Nil checkers are skipped.
func NewStoreCollector(log *logger.Logger, stores map[string]HealthChecker) *StoreCollector {
	active := make(map[string]HealthChecker, len(stores))
	for name, s := range stores {
		if s != nil {
			active[name] = s
		}
	}

	return &StoreCollector{
		log:     log,
		stores:  active,
		timeout: 5 * time.Second,

		up: prometheus.NewDesc(
			"litellm_exporter_store_up",
			"Whether the store answered its health probe (1) or not (0)",
			[]string{"store"}, nil,
		),
		latency: prometheus.NewDesc(
			"litellm_exporter_store_probe_seconds",
			"Duration of the last store health probe",
			[]string{"store"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.latency
}

// Collect implements prometheus.Collector
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for name, store := range c.stores {
		start := time.Now()
		err := store.Health(ctx)
		elapsed := time.Since(start)

		up := 1.0
		if err != nil {
			up = 0
			c.log.Debugw("Store probe failed", "store", name, "error", err)
		}

		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, name)
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, elapsed.Seconds(), name)
	}
}
