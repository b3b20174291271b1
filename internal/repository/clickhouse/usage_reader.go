package clickhouse

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"litellm-exporter/internal/domain/usage"
	"litellm-exporter/pkg/errors"
)

// Compile-time check
var _ usage.Reader = (*UsageReader)(nil)

// UsageReader implements usage.Reader over a ClickHouse mirror of the LiteLLM tables
// (same table and column names, e.g. replicated with MaterializedPostgreSQL).
// Heavy windowed scans are cheaper there than on the proxy's primary database.
type UsageReader struct {
	conn driver.Conn
}

// NewUsageReader creates a new ClickHouse usage reader
func NewUsageReader(conn driver.Conn) *UsageReader {
	return &UsageReader{conn: conn}
}

type dailyAggregateRow struct {
	TeamID             string  `ch:"team_id"`
	Model              string  `ch:"model"`
	Provider           string  `ch:"provider"`
	Spend              float64 `ch:"spend"`
	APIRequests        int64   `ch:"api_requests"`
	SuccessfulRequests int64   `ch:"successful_requests"`
	FailedRequests     int64   `ch:"failed_requests"`
	PromptTokens       int64   `ch:"prompt_tokens"`
	CompletionTokens   int64   `ch:"completion_tokens"`
}

// DailyAggregates sums LiteLLM_DailyTeamSpend over the trailing window
func (r *UsageReader) DailyAggregates(ctx context.Context, historyDays int) ([]usage.DailyAggregate, error) {
	query := `
		SELECT
			ifNull(d.team_id, '') AS team_id,
			ifNull(d.model, '') AS model,
			ifNull(d.custom_llm_provider, '') AS provider,
			toFloat64(sum(d.spend)) AS spend,
			toInt64(sum(d.api_requests)) AS api_requests,
			toInt64(sum(d.successful_requests)) AS successful_requests,
			toInt64(sum(d.failed_requests)) AS failed_requests,
			toInt64(sum(d.prompt_tokens)) AS prompt_tokens,
			toInt64(sum(d.completion_tokens)) AS completion_tokens
		FROM "LiteLLM_DailyTeamSpend" AS d
		WHERE toDate(d.date) >= today() - ?
		GROUP BY team_id, model, provider
		HAVING spend > 0 OR api_requests > 0`

	var rows []dailyAggregateRow
	if err := r.conn.Select(ctx, &rows, query, historyDays); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to query daily aggregates"))
	}

	result := make([]usage.DailyAggregate, 0, len(rows))
	for _, row := range rows {
		agg := usage.DailyAggregate{
			TeamID:             row.TeamID,
			Model:              row.Model,
			Provider:           row.Provider,
			Spend:              decimal.NewFromFloat(row.Spend),
			APIRequests:        row.APIRequests,
			SuccessfulRequests: row.SuccessfulRequests,
			FailedRequests:     row.FailedRequests,
			PromptTokens:       row.PromptTokens,
			CompletionTokens:   row.CompletionTokens,
		}
		agg.Normalize()
		result = append(result, agg)
	}
	return result, nil
}

type teamRow struct {
	TeamID    string  `ch:"team_id"`
	TeamAlias string  `ch:"team_alias"`
	MaxBudget float64 `ch:"max_budget"`
	Spend     float64 `ch:"spend"`
}

// Teams returns the team dimension snapshot
func (r *UsageReader) Teams(ctx context.Context) ([]usage.Team, error) {
	query := `
		SELECT
			t.team_id AS team_id,
			ifNull(t.team_alias, '') AS team_alias,
			toFloat64(ifNull(t.max_budget, 0)) AS max_budget,
			toFloat64(ifNull(t.spend, 0)) AS spend
		FROM "LiteLLM_TeamTable" AS t
		WHERE t.team_id != ''`

	var rows []teamRow
	if err := r.conn.Select(ctx, &rows, query); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to query teams"))
	}

	result := make([]usage.Team, 0, len(rows))
	for _, row := range rows {
		team := usage.Team{
			TeamID:    row.TeamID,
			TeamAlias: row.TeamAlias,
			MaxBudget: decimal.NewFromFloat(row.MaxBudget),
			Spend:     decimal.NewFromFloat(row.Spend),
		}
		team.Normalize()
		result = append(result, team)
	}
	return result, nil
}

type eventRow struct {
	TeamID           string    `ch:"team_id"`
	TeamAlias        string    `ch:"team_alias"`
	EndUserID        string    `ch:"end_user_id"`
	EndUserAlias     string    `ch:"end_user_alias"`
	Model            string    `ch:"model"`
	Provider         string    `ch:"provider"`
	Status           string    `ch:"status"`
	StartTime        time.Time `ch:"start_time"`
	Spend            float64   `ch:"spend"`
	PromptTokens     int64     `ch:"prompt_tokens"`
	CompletionTokens int64     `ch:"completion_tokens"`
	TotalTokens      int64     `ch:"total_tokens"`
}

// Events returns spend log rows in [from, to)
func (r *UsageReader) Events(ctx context.Context, from, to time.Time) ([]usage.Event, error) {
	query := `
		SELECT
			ifNull(sl.team_id, '') AS team_id,
			ifNull(tt.team_alias, '') AS team_alias,
			ifNull(sl.end_user, '') AS end_user_id,
			ifNull(eu.alias, '') AS end_user_alias,
			ifNull(sl.model, '') AS model,
			ifNull(sl.custom_llm_provider, '') AS provider,
			ifNull(sl.status, '') AS status,
			sl."startTime" AS start_time,
			toFloat64(ifNull(sl.spend, 0)) AS spend,
			toInt64(ifNull(sl.prompt_tokens, 0)) AS prompt_tokens,
			toInt64(ifNull(sl.completion_tokens, 0)) AS completion_tokens,
			toInt64(ifNull(sl.total_tokens, 0)) AS total_tokens
		FROM "LiteLLM_SpendLogs" AS sl
		LEFT JOIN "LiteLLM_TeamTable" AS tt ON sl.team_id = tt.team_id
		LEFT JOIN "LiteLLM_EndUserTable" AS eu ON sl.end_user = eu.user_id
		WHERE sl."startTime" >= ? AND sl."startTime" < ?
		ORDER BY sl."startTime"`

	var rows []eventRow
	if err := r.conn.Select(ctx, &rows, query, from.UTC(), to.UTC()); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to query spend log delta"))
	}

	result := make([]usage.Event, 0, len(rows))
	for _, row := range rows {
		e := usage.Event{
			Dimensions: usage.Dimensions{
				TeamID:       row.TeamID,
				TeamAlias:    row.TeamAlias,
				EndUserID:    row.EndUserID,
				EndUserAlias: row.EndUserAlias,
				Model:        row.Model,
				Provider:     row.Provider,
			},
			StartTime:        row.StartTime,
			Status:           row.Status,
			Spend:            decimal.NewFromFloat(row.Spend),
			PromptTokens:     row.PromptTokens,
			CompletionTokens: row.CompletionTokens,
			TotalTokens:      row.TotalTokens,
		}
		e.Normalize()
		result = append(result, e)
	}
	return result, nil
}

type timePatternRow struct {
	TeamID       string `ch:"team_id"`
	TeamAlias    string `ch:"team_alias"`
	EndUserID    string `ch:"end_user_id"`
	EndUserAlias string `ch:"end_user_alias"`
	HourOfDay    uint8  `ch:"hour_of_day"`
	DayName      string `ch:"day_name"`
	Requests     uint64 `ch:"requests"`
}

// TimePatterns counts requests per local hour and weekday
func (r *UsageReader) TimePatterns(ctx context.Context, since time.Time, loc *time.Location) ([]usage.TimePatternBucket, error) {
	// toTimeZone needs a constant zone; the driver binds parameters client-side so ? is inlined
	query := `
		SELECT
			ifNull(sl.team_id, '') AS team_id,
			ifNull(tt.team_alias, '') AS team_alias,
			ifNull(sl.end_user, '') AS end_user_id,
			ifNull(eu.alias, '') AS end_user_alias,
			toHour(toTimeZone(sl."startTime", ?)) AS hour_of_day,
			dateName('weekday', toTimeZone(sl."startTime", ?)) AS day_name,
			count() AS requests
		FROM "LiteLLM_SpendLogs" AS sl
		LEFT JOIN "LiteLLM_TeamTable" AS tt ON sl.team_id = tt.team_id
		LEFT JOIN "LiteLLM_EndUserTable" AS eu ON sl.end_user = eu.user_id
		WHERE sl."startTime" >= ?
		GROUP BY team_id, team_alias, end_user_id, end_user_alias, hour_of_day, day_name`

	var rows []timePatternRow
	zone := loc.String()
	if err := r.conn.Select(ctx, &rows, query, zone, zone, since.UTC()); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to query time patterns"))
	}

	result := make([]usage.TimePatternBucket, 0, len(rows))
	for _, row := range rows {
		b := usage.TimePatternBucket{
			Dimensions: usage.Dimensions{
				TeamID:       row.TeamID,
				TeamAlias:    row.TeamAlias,
				EndUserID:    row.EndUserID,
				EndUserAlias: row.EndUserAlias,
			},
			HourOfDay: int(row.HourOfDay),
			DayName:   row.DayName,
			Requests:  int64(row.Requests),
		}
		b.Normalize()
		result = append(result, b)
	}
	return result, nil
}

type performanceRow struct {
	TeamID               string  `ch:"team_id"`
	TeamAlias            string  `ch:"team_alias"`
	Model                string  `ch:"model"`
	Provider             string  `ch:"provider"`
	Samples              uint64  `ch:"samples"`
	TotalDurationSeconds float64 `ch:"total_duration_seconds"`
	TotalTokens          int64   `ch:"total_tokens"`
}

// Performance sums completed requests per (team, model, provider)
func (r *UsageReader) Performance(ctx context.Context, since time.Time) ([]usage.PerformanceGroup, error) {
	query := `
		SELECT
			ifNull(sl.team_id, '') AS team_id,
			ifNull(tt.team_alias, '') AS team_alias,
			ifNull(sl.model, '') AS model,
			ifNull(sl.custom_llm_provider, '') AS provider,
			count() AS samples,
			toFloat64(sum(dateDiff('millisecond', sl."startTime", assumeNotNull(sl."endTime")))) / 1000 AS total_duration_seconds,
			toInt64(sum(assumeNotNull(sl.total_tokens))) AS total_tokens
		FROM "LiteLLM_SpendLogs" AS sl
		LEFT JOIN "LiteLLM_TeamTable" AS tt ON sl.team_id = tt.team_id
		WHERE sl."startTime" >= ?
			AND sl."endTime" IS NOT NULL
			AND sl.total_tokens > 0
		GROUP BY team_id, team_alias, model, provider
		HAVING samples >= ?`

	var rows []performanceRow
	if err := r.conn.Select(ctx, &rows, query, since.UTC(), usage.MinPerformanceSamples); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to query performance"))
	}

	result := make([]usage.PerformanceGroup, 0, len(rows))
	for _, row := range rows {
		g := usage.PerformanceGroup{
			Dimensions: usage.Dimensions{
				TeamID:    row.TeamID,
				TeamAlias: row.TeamAlias,
				Model:     row.Model,
				Provider:  row.Provider,
			},
			Samples:              int64(row.Samples),
			TotalDurationSeconds: row.TotalDurationSeconds,
			TotalTokens:          row.TotalTokens,
		}
		g.Normalize()
		result = append(result, g)
	}
	return result, nil
}

type costEfficiencyRow struct {
	TeamID       string  `ch:"team_id"`
	TeamAlias    string  `ch:"team_alias"`
	EndUserID    string  `ch:"end_user_id"`
	EndUserAlias string  `ch:"end_user_alias"`
	Model        string  `ch:"model"`
	Provider     string  `ch:"provider"`
	Spend        float64 `ch:"spend"`
	TotalTokens  int64   `ch:"total_tokens"`
}

// CostEfficiency sums spend and tokens per (team, end user, model, provider)
func (r *UsageReader) CostEfficiency(ctx context.Context, since time.Time) ([]usage.CostEfficiencyGroup, error) {
	query := `
		SELECT
			ifNull(sl.team_id, '') AS team_id,
			ifNull(tt.team_alias, '') AS team_alias,
			ifNull(sl.end_user, '') AS end_user_id,
			ifNull(eu.alias, '') AS end_user_alias,
			ifNull(sl.model, '') AS model,
			ifNull(sl.custom_llm_provider, '') AS provider,
			toFloat64(sum(assumeNotNull(sl.spend))) AS spend,
			toInt64(sum(assumeNotNull(sl.total_tokens))) AS total_tokens
		FROM "LiteLLM_SpendLogs" AS sl
		LEFT JOIN "LiteLLM_TeamTable" AS tt ON sl.team_id = tt.team_id
		LEFT JOIN "LiteLLM_EndUserTable" AS eu ON sl.end_user = eu.user_id
		WHERE sl."startTime" >= ?
			AND sl.spend > 0
			AND sl.total_tokens > 0
		GROUP BY team_id, team_alias, end_user_id, end_user_alias, model, provider
		HAVING spend > 0 AND total_tokens > 0`

	var rows []costEfficiencyRow
	if err := r.conn.Select(ctx, &rows, query, since.UTC()); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to query cost efficiency"))
	}

	result := make([]usage.CostEfficiencyGroup, 0, len(rows))
	for _, row := range rows {
		g := usage.CostEfficiencyGroup{
			Dimensions: usage.Dimensions{
				TeamID:       row.TeamID,
				TeamAlias:    row.TeamAlias,
				EndUserID:    row.EndUserID,
				EndUserAlias: row.EndUserAlias,
				Model:        row.Model,
				Provider:     row.Provider,
			},
			Spend:       decimal.NewFromFloat(row.Spend),
			TotalTokens: row.TotalTokens,
		}
		g.Normalize()
		result = append(result, g)
	}
	return result, nil
}
