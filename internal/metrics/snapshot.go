package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sample is one windowed gauge value
type Sample struct {
	Labels []string
	Value  float64
}

// SnapshotGauge holds the result of one windowed pass. Replace swaps the whole label set
// at once: a concurrent scrape sees either the previous pass or the new one, and label
// tuples absent from the new pass disappear.
type SnapshotGauge struct {
	desc       *prometheus.Desc
	labelNames []string

	mu      sync.RWMutex
	samples []Sample
}

var _ prometheus.Collector = (*SnapshotGauge)(nil)

// NewSnapshotGauge creates a windowed gauge
func NewSnapshotGauge(name, help string, labelNames []string) *SnapshotGauge {
	return &SnapshotGauge{
		desc:       prometheus.NewDesc(name, help, labelNames, nil),
		labelNames: labelNames,
	}
}

// Replace publishes a new pass. Samples with the wrong label count are dropped, invalid
// UTF-8 in label values is replaced, and duplicate tuples keep the last value. Callers
// merge summable groups before publishing.
func (g *SnapshotGauge) Replace(samples []Sample) {
	index := make(map[string]int, len(samples))
	next := make([]Sample, 0, len(samples))

	for _, s := range samples {
		if len(s.Labels) != len(g.labelNames) {
			continue
		}
		labels := append([]string(nil), validLabelValues(s.Labels)...)
		key := strings.Join(labels, "\xff")
		if i, ok := index[key]; ok {
			next[i].Value = s.Value
			continue
		}
		index[key] = len(next)
		next = append(next, Sample{Labels: labels, Value: s.Value})
	}

	g.mu.Lock()
	g.samples = next
	g.mu.Unlock()
}

// Clear drops every series
func (g *SnapshotGauge) Clear() {
	g.Replace(nil)
}

// Len returns the number of series in the current pass
func (g *SnapshotGauge) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.samples)
}

// Get looks up one series of the current pass
func (g *SnapshotGauge) Get(labelValues ...string) (float64, bool) {
	key := strings.Join(validLabelValues(labelValues), "\xff")

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.samples {
		if strings.Join(s.Labels, "\xff") == key {
			return s.Value, true
		}
	}
	return 0, false
}

// Describe implements prometheus.Collector
func (g *SnapshotGauge) Describe(ch chan<- *prometheus.Desc) {
	ch <- g.desc
}

// Collect implements prometheus.Collector
func (g *SnapshotGauge) Collect(ch chan<- prometheus.Metric) {
	g.mu.RLock()
	samples := g.samples
	g.mu.RUnlock()

	for _, s := range samples {
		m, err := prometheus.NewConstMetric(g.desc, prometheus.GaugeValue, s.Value, s.Labels...)
		if err != nil {
			continue
		}
		ch <- m
	}
}
