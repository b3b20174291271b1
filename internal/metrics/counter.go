package metrics

import (
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
)

// CounterFamily is a labelled cumulative counter with a cardinality policy.
// Non-positive increments are dropped so no zero-valued series is ever created.
type CounterFamily struct {
	name     string
	vec      *prometheus.CounterVec
	policy   CardinalityPolicy
	overflow *prometheus.CounterVec

	// label positions that keep their value when a tuple is folded (status, token_type)
	preserved map[int]bool

	mu   sync.Mutex
	seen map[string]struct{}
}

func newCounterFamily(opts prometheus.CounterOpts, labels []string, preserved []string, policy CardinalityPolicy, overflow *prometheus.CounterVec) *CounterFamily {
	keep := make(map[int]bool, len(preserved))
	for i, l := range labels {
		for _, p := range preserved {
			if l == p {
				keep[i] = true
			}
		}
	}
	if policy == nil {
		policy = Unbounded{}
	}

	return &CounterFamily{
		name:      opts.Name,
		vec:       prometheus.NewCounterVec(opts, labels),
		policy:    policy,
		overflow:  overflow,
		preserved: keep,
		seen:      make(map[string]struct{}),
	}
}

// Add increments the series identified by labelValues by value
func (f *CounterFamily) Add(value float64, labelValues ...string) {
	if !(value > 0) || math.IsInf(value, 1) {
		return
	}

	values, folded := f.admit(validLabelValues(labelValues))
	f.vec.WithLabelValues(values...).Add(value)
	if folded && f.overflow != nil {
		f.overflow.WithLabelValues(f.name).Inc()
	}
}

func (f *CounterFamily) admit(labelValues []string) ([]string, bool) {
	key := strings.Join(labelValues, "\xff")

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.seen[key]; ok {
		return labelValues, false
	}
	if f.policy.Admit(len(f.seen)) {
		f.seen[key] = struct{}{}
		return labelValues, false
	}

	folded := make([]string, len(labelValues))
	for i, v := range labelValues {
		if f.preserved[i] {
			folded[i] = v
		} else {
			folded[i] = OverflowLabel
		}
	}
	f.seen[strings.Join(folded, "\xff")] = struct{}{}
	return folded, true
}

// validLabelValues replaces invalid UTF-8, which client_golang rejects with a panic.
// The input is returned as is when every value is valid.
func validLabelValues(values []string) []string {
	for i, v := range values {
		if utf8.ValidString(v) {
			continue
		}
		out := append([]string(nil), values...)
		for j := i; j < len(out); j++ {
			out[j] = strings.ToValidUTF8(out[j], InvalidRune)
		}
		return out
	}
	return values
}

// Series returns the number of distinct label tuples with a non-zero value
func (f *CounterFamily) Series() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// Collector exposes the underlying vec for registration and testutil
func (f *CounterFamily) Collector() prometheus.Collector {
	return f.vec
}

// Value reads one series; used by tests and startup logs
func (f *CounterFamily) Value(labelValues ...string) float64 {
	labelValues = validLabelValues(labelValues)
	f.mu.Lock()
	_, ok := f.seen[strings.Join(labelValues, "\xff")]
	f.mu.Unlock()
	if !ok {
		return 0
	}

	c, err := f.vec.GetMetricWithLabelValues(labelValues...)
	if err != nil {
		return 0
	}
	return readCounter(c)
}
