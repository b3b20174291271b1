package aggregation

import (
	"context"
	"strconv"
	"strings"
	"time"

	"litellm-exporter/internal/domain/usage"
	"litellm-exporter/internal/metrics"
	"litellm-exporter/pkg/errors"
)

// Budget metric types
const (
	BudgetMax          = "max_budget"
	BudgetCurrentSpend = "current_spend"
	BudgetRemaining    = "remaining"
	BudgetUsagePercent = "usage_percent"
)

// Cost efficiency metric types
const (
	CostPerToken    = "cost_per_token"
	TokensPerDollar = "tokens_per_dollar"
)

// Each pass builds a complete sample set and swaps it in. A rejected query publishes an
// empty set; an unreachable store leaves the previous pass in place and aborts the cycle.
func (e *Engine) publish(query string, err error, targets ...*metrics.SnapshotGauge) error {
	e.metrics.RecordQueryFailure(query)
	if !errors.Is(err, errors.ErrStoreUnavailable) {
		for _, g := range targets {
			g.Clear()
		}
	}
	return errors.Wrap(err, query)
}

// RefreshTimePatterns recomputes the 7-day hour-of-day / weekday request counts
func (e *Engine) RefreshTimePatterns(ctx context.Context, now time.Time) error {
	qctx, cancel := e.queryContext(ctx)
	defer cancel()

	buckets, err := e.reader.TimePatterns(qctx, now.Add(-TimePatternWindow), e.cfg.Location)
	if err != nil {
		return e.publish("time_patterns", err, e.metrics.RequestsByTime)
	}

	// distinct raw rows can collapse onto one tuple once sentinels are applied
	samples := make([]metrics.Sample, 0, len(buckets))
	index := make(map[string]int, len(buckets))
	for i := range buckets {
		b := buckets[i]
		b.Normalize()
		if b.Requests <= 0 {
			continue
		}
		labels := []string{b.TeamID, b.TeamAlias, b.EndUserID, b.EndUserAlias, strconv.Itoa(b.HourOfDay), b.DayName}
		key := strings.Join(labels, "\xff")
		if j, ok := index[key]; ok {
			samples[j].Value += float64(b.Requests)
			continue
		}
		index[key] = len(samples)
		samples = append(samples, metrics.Sample{Labels: labels, Value: float64(b.Requests)})
	}

	e.metrics.RequestsByTime.Replace(samples)
	return nil
}

// RefreshPerformance recomputes the 1-hour latency and throughput gauges
func (e *Engine) RefreshPerformance(ctx context.Context, now time.Time) error {
	qctx, cancel := e.queryContext(ctx)
	defer cancel()

	groups, err := e.reader.Performance(qctx, now.Add(-PerformanceWindow))
	if err != nil {
		return e.publish("performance", err, e.metrics.RequestDuration, e.metrics.TokensPerSecond)
	}

	merged := mergePerformance(groups)

	durations := make([]metrics.Sample, 0, len(merged))
	throughput := make([]metrics.Sample, 0, len(merged))
	for _, g := range merged {
		if g.Samples < usage.MinPerformanceSamples {
			continue
		}

		labels := []string{g.TeamID, g.TeamAlias, g.Model, g.Provider}
		durations = append(durations, metrics.Sample{Labels: labels, Value: g.AvgDurationSeconds()})
		if tps, ok := g.TokensPerSecond(); ok {
			throughput = append(throughput, metrics.Sample{Labels: labels, Value: tps})
		}
	}

	e.metrics.RequestDuration.Replace(durations)
	e.metrics.TokensPerSecond.Replace(throughput)
	return nil
}

// RefreshBudgets snapshots team budgets. Derived gauges exist only for teams with a budget.
func (e *Engine) RefreshBudgets(ctx context.Context) error {
	qctx, cancel := e.queryContext(ctx)
	defer cancel()

	teams, err := e.reader.Teams(qctx)
	if err != nil {
		return e.publish("teams", err, e.metrics.TeamBudget)
	}

	samples := make([]metrics.Sample, 0, len(teams)*4)
	for i := range teams {
		t := teams[i]
		t.Normalize()

		add := func(metricType string, value float64) {
			samples = append(samples, metrics.Sample{
				Labels: []string{t.TeamID, t.TeamAlias, metricType},
				Value:  value,
			})
		}
		add(BudgetMax, t.MaxBudget.InexactFloat64())
		add(BudgetCurrentSpend, t.Spend.InexactFloat64())
		if t.HasBudget() {
			add(BudgetRemaining, t.Remaining().InexactFloat64())
			add(BudgetUsagePercent, t.UsagePercent().InexactFloat64())
		}
	}

	e.metrics.TeamBudget.Replace(samples)
	return nil
}

// RefreshCostEfficiency recomputes the 24-hour cost ratios
func (e *Engine) RefreshCostEfficiency(ctx context.Context, now time.Time) error {
	qctx, cancel := e.queryContext(ctx)
	defer cancel()

	groups, err := e.reader.CostEfficiency(qctx, now.Add(-CostEfficiencyWindow))
	if err != nil {
		return e.publish("cost_efficiency", err, e.metrics.CostEfficiency)
	}

	merged := mergeCostEfficiency(groups)

	samples := make([]metrics.Sample, 0, len(merged)*2)
	for _, g := range merged {
		if !g.Qualifies() {
			continue
		}

		samples = append(samples,
			metrics.Sample{Labels: dimensionLabels(g.Dimensions, CostPerToken), Value: g.CostPerToken().InexactFloat64()},
			metrics.Sample{Labels: dimensionLabels(g.Dimensions, TokensPerDollar), Value: g.TokensPerDollar().InexactFloat64()},
		)
	}

	e.metrics.CostEfficiency.Replace(samples)
	return nil
}

// mergePerformance normalizes groups and sums the ones sharing a label tuple, so the
// sample threshold and the ratios apply to the combined window
func mergePerformance(groups []usage.PerformanceGroup) []usage.PerformanceGroup {
	out := make([]usage.PerformanceGroup, 0, len(groups))
	index := make(map[string]int, len(groups))
	for i := range groups {
		g := groups[i]
		g.Normalize()
		key := strings.Join([]string{g.TeamID, g.TeamAlias, g.Model, g.Provider}, "\xff")
		if j, ok := index[key]; ok {
			out[j].Samples += g.Samples
			out[j].TotalDurationSeconds += g.TotalDurationSeconds
			out[j].TotalTokens += g.TotalTokens
			continue
		}
		index[key] = len(out)
		out = append(out, g)
	}
	return out
}

// mergeCostEfficiency normalizes groups and sums spend and tokens per label tuple
func mergeCostEfficiency(groups []usage.CostEfficiencyGroup) []usage.CostEfficiencyGroup {
	out := make([]usage.CostEfficiencyGroup, 0, len(groups))
	index := make(map[string]int, len(groups))
	for i := range groups {
		g := groups[i]
		g.Normalize()
		key := strings.Join(dimensionLabels(g.Dimensions), "\xff")
		if j, ok := index[key]; ok {
			out[j].Spend = out[j].Spend.Add(g.Spend)
			out[j].TotalTokens += g.TotalTokens
			continue
		}
		index[key] = len(out)
		out = append(out, g)
	}
	return out
}
