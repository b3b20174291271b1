package usage

import (
	"context"
	"time"
)

// Reader defines the read-only queries the exporter runs against the LiteLLM event store.
// Window bounds are passed in so every query in a cycle shares one clock reading.
// Implementations classify failures as errors.ErrStoreUnavailable or errors.ErrQueryFailed.
type Reader interface {
	// DailyAggregates sums LiteLLM_DailyTeamSpend over the trailing historyDays,
	// grouped by (team, model, provider), keeping groups with spend or requests
	DailyAggregates(ctx context.Context, historyDays int) ([]DailyAggregate, error)

	// Teams returns the team dimension snapshot
	Teams(ctx context.Context) ([]Team, error)

	// Events returns spend log rows with from <= startTime < to, aliases joined in
	Events(ctx context.Context, from, to time.Time) ([]Event, error)

	// TimePatterns counts requests since the given time per local hour and weekday in loc
	TimePatterns(ctx context.Context, since time.Time, loc *time.Location) ([]TimePatternBucket, error)

	// Performance sums completed requests with tokens since the given time,
	// only groups with at least MinPerformanceSamples rows
	Performance(ctx context.Context, since time.Time) ([]PerformanceGroup, error)

	// CostEfficiency sums spend and tokens since the given time for rows with both positive
	CostEfficiency(ctx context.Context, since time.Time) ([]CostEfficiencyGroup, error)
}
