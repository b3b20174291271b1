package postgres

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"litellm-exporter/internal/domain/usage"
	"litellm-exporter/pkg/errors"
)

// Compile-time check
var _ usage.Reader = (*UsageReader)(nil)

// UsageReader implements usage.Reader over the LiteLLM Postgres schema.
// LiteLLM stores "startTime"/"endTime" as UTC timestamps without time zone,
// so every bound is converted with AT TIME ZONE 'UTC' before comparing.
type UsageReader struct {
	db Handle
}

// NewUsageReader creates a new usage reader
func NewUsageReader(db Handle) *UsageReader {
	return &UsageReader{db: db}
}

type dailyAggregateRow struct {
	TeamID             string          `db:"team_id"`
	Model              string          `db:"model"`
	Provider           string          `db:"provider"`
	Spend              decimal.Decimal `db:"spend"`
	APIRequests        int64           `db:"api_requests"`
	SuccessfulRequests int64           `db:"successful_requests"`
	FailedRequests     int64           `db:"failed_requests"`
	PromptTokens       int64           `db:"prompt_tokens"`
	CompletionTokens   int64           `db:"completion_tokens"`
}

// DailyAggregates sums LiteLLM_DailyTeamSpend over the trailing window
func (r *UsageReader) DailyAggregates(ctx context.Context, historyDays int) ([]usage.DailyAggregate, error) {
	query := `
		SELECT
			COALESCE(team_id, '') AS team_id,
			COALESCE(model, '') AS model,
			COALESCE(custom_llm_provider, '') AS provider,
			COALESCE(SUM(spend), 0)::numeric AS spend,
			COALESCE(SUM(api_requests), 0)::bigint AS api_requests,
			COALESCE(SUM(successful_requests), 0)::bigint AS successful_requests,
			COALESCE(SUM(failed_requests), 0)::bigint AS failed_requests,
			COALESCE(SUM(prompt_tokens), 0)::bigint AS prompt_tokens,
			COALESCE(SUM(completion_tokens), 0)::bigint AS completion_tokens
		FROM "LiteLLM_DailyTeamSpend"
		WHERE date::date >= CURRENT_DATE - $1::int
		GROUP BY 1, 2, 3
		HAVING SUM(spend) > 0 OR SUM(api_requests) > 0`

	var rows []dailyAggregateRow
	if err := r.db().SelectContext(ctx, &rows, query, historyDays); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to query daily aggregates"))
	}

	result := make([]usage.DailyAggregate, 0, len(rows))
	for _, row := range rows {
		agg := usage.DailyAggregate(row)
		agg.Normalize()
		result = append(result, agg)
	}
	return result, nil
}

type teamRow struct {
	TeamID    string          `db:"team_id"`
	TeamAlias string          `db:"team_alias"`
	MaxBudget decimal.Decimal `db:"max_budget"`
	Spend     decimal.Decimal `db:"spend"`
}

// Teams returns the team dimension snapshot
func (r *UsageReader) Teams(ctx context.Context) ([]usage.Team, error) {
	query := `
		SELECT
			team_id,
			COALESCE(team_alias, '') AS team_alias,
			COALESCE(max_budget, 0)::numeric AS max_budget,
			COALESCE(spend, 0)::numeric AS spend
		FROM "LiteLLM_TeamTable"
		WHERE team_id IS NOT NULL`

	var rows []teamRow
	if err := r.db().SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Classify(errors.Wrap(err, "failed to query teams"))
	}

	result := make([]usage.Team, 0, len(rows))
	for _, row := range rows {
		team := usage.Team(row)
		team.Normalize()
		result = append(result, team)
	}
	return result, nil
}

type eventRow struct {
	TeamID           string          `db:"team_id"`
	TeamAlias        string          `db:"team_alias"`
	EndUserID        string          `db:"end_user_id"`
	EndUserAlias     string          `db:"end_user_alias"`
	Model            string          `db:"model"`
	Provider         string          `db:"provider"`
	Status           string          `db:"status"`
	StartTime        time.Time       `db:"start_time"`
	Spend            decimal.Decimal `db:"spend"`
	PromptTokens     int64           `db:"prompt_tokens"`
	CompletionTokens int64           `db:"completion_tokens"`
	TotalTokens      int64           `db:"total_tokens"`
}

// Events returns spend log rows in [from, to)
func (r *UsageReader) Events(ctx context.Context, from, to time.Time) ([]usage.Event, error) {
	query := `
		SELECT
			COALESCE(sl.team_id, '') AS team_id,
			COALESCE(tt.team_alias, '') AS team_alias,
			COALESCE(sl.end_user, '') AS end_user_id,
			COALESCE(eu.alias, '') AS end_user_alias,
			COALESCE(sl.model, '') AS model,
			COALESCE(sl.custom_llm_provider, '') AS provider,
			COALESCE(sl.status, '') AS status,
			sl."startTime" AS start_time,
			COALESCE(sl.spend, 0)::numeric AS spend,
			COALESCE(sl.prompt_tokens, 0)::bigint AS prompt_tokens,
			COALESCE(sl.completion_tokens, 0)::bigint AS completion_tokens,
			COALESCE(sl.total_tokens, 0)::bigint AS total_tokens
		FROM "LiteLLM_SpendLogs" sl
		LEFT JOIN "LiteLLM_TeamTable" tt ON sl.team_id = tt.team_id
		LEFT JOIN "LiteLLM_EndUserTable" eu ON sl.end_user = eu.user_id
		WHERE sl."startTime" >= ($1::timestamptz AT TIME ZONE 'UTC')
			AND sl."startTime" < ($2::timestamptz AT TIME ZONE 'UTC')
		ORDER BY sl."startTime"`

	var rows []eventRow
	if err := r.db().SelectContext(ctx, &rows, query, from.UTC(), to.UTC()); err != nil {
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
			Spend:            row.Spend,
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
	TeamID       string `db:"team_id"`
	TeamAlias    string `db:"team_alias"`
	EndUserID    string `db:"end_user_id"`
	EndUserAlias string `db:"end_user_alias"`
	HourOfDay    int    `db:"hour_of_day"`
	DayName      string `db:"day_name"`
	Requests     int64  `db:"requests"`
}

// TimePatterns counts requests per local hour and weekday
func (r *UsageReader) TimePatterns(ctx context.Context, since time.Time, loc *time.Location) ([]usage.TimePatternBucket, error) {
	query := `
		SELECT
			COALESCE(sl.team_id, '') AS team_id,
			COALESCE(tt.team_alias, '') AS team_alias,
			COALESCE(sl.end_user, '') AS end_user_id,
			COALESCE(eu.alias, '') AS end_user_alias,
			EXTRACT(HOUR FROM sl."startTime" AT TIME ZONE 'UTC' AT TIME ZONE $2::text)::int AS hour_of_day,
			TO_CHAR(sl."startTime" AT TIME ZONE 'UTC' AT TIME ZONE $2::text, 'FMDay') AS day_name,
			COUNT(*)::bigint AS requests
		FROM "LiteLLM_SpendLogs" sl
		LEFT JOIN "LiteLLM_TeamTable" tt ON sl.team_id = tt.team_id
		LEFT JOIN "LiteLLM_EndUserTable" eu ON sl.end_user = eu.user_id
		WHERE sl."startTime" >= ($1::timestamptz AT TIME ZONE 'UTC')
		GROUP BY 1, 2, 3, 4, 5, 6`

	var rows []timePatternRow
	if err := r.db().SelectContext(ctx, &rows, query, since.UTC(), loc.String()); err != nil {
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
			HourOfDay: row.HourOfDay,
			DayName:   row.DayName,
			Requests:  row.Requests,
		}
		b.Normalize()
		result = append(result, b)
	}
	return result, nil
}

type performanceRow struct {
	TeamID               string  `db:"team_id"`
	TeamAlias            string  `db:"team_alias"`
	Model                string  `db:"model"`
	Provider             string  `db:"provider"`
	Samples              int64   `db:"samples"`
	TotalDurationSeconds float64 `db:"total_duration_seconds"`
	TotalTokens          int64   `db:"total_tokens"`
}

// Performance sums completed requests per (team, model, provider)
func (r *UsageReader) Performance(ctx context.Context, since time.Time) ([]usage.PerformanceGroup, error) {
	query := `
		SELECT
			COALESCE(sl.team_id, '') AS team_id,
			COALESCE(tt.team_alias, '') AS team_alias,
			COALESCE(sl.model, '') AS model,
			COALESCE(sl.custom_llm_provider, '') AS provider,
			COUNT(*)::bigint AS samples,
			COALESCE(SUM(EXTRACT(EPOCH FROM (sl."endTime" - sl."startTime"))), 0)::float8 AS total_duration_seconds,
			COALESCE(SUM(sl.total_tokens), 0)::bigint AS total_tokens
		FROM "LiteLLM_SpendLogs" sl
		LEFT JOIN "LiteLLM_TeamTable" tt ON sl.team_id = tt.team_id
		WHERE sl."startTime" >= ($1::timestamptz AT TIME ZONE 'UTC')
			AND sl."endTime" IS NOT NULL
			AND sl."startTime" IS NOT NULL
			AND sl.total_tokens > 0
		GROUP BY 1, 2, 3, 4
		HAVING COUNT(*) >= $2`

	var rows []performanceRow
	if err := r.db().SelectContext(ctx, &rows, query, since.UTC(), usage.MinPerformanceSamples); err != nil {
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
			Samples:              row.Samples,
			TotalDurationSeconds: row.TotalDurationSeconds,
			TotalTokens:          row.TotalTokens,
		}
		g.Normalize()
		result = append(result, g)
	}
	return result, nil
}

type costEfficiencyRow struct {
	TeamID       string          `db:"team_id"`
	TeamAlias    string          `db:"team_alias"`
	EndUserID    string          `db:"end_user_id"`
	EndUserAlias string          `db:"end_user_alias"`
	Model        string          `db:"model"`
	Provider     string          `db:"provider"`
	Spend        decimal.Decimal `db:"spend"`
	TotalTokens  int64           `db:"total_tokens"`
}

// CostEfficiency sums spend and tokens per (team, end user, model, provider)
func (r *UsageReader) CostEfficiency(ctx context.Context, since time.Time) ([]usage.CostEfficiencyGroup, error) {
	query := `
		SELECT
			COALESCE(sl.team_id, '') AS team_id,
			COALESCE(tt.team_alias, '') AS team_alias,
			COALESCE(sl.end_user, '') AS end_user_id,
			COALESCE(eu.alias, '') AS end_user_alias,
			COALESCE(sl.model, '') AS model,
			COALESCE(sl.custom_llm_provider, '') AS provider,
			COALESCE(SUM(sl.spend), 0)::numeric AS spend,
			COALESCE(SUM(sl.total_tokens), 0)::bigint AS total_tokens
		FROM "LiteLLM_SpendLogs" sl
		LEFT JOIN "LiteLLM_TeamTable" tt ON sl.team_id = tt.team_id
		LEFT JOIN "LiteLLM_EndUserTable" eu ON sl.end_user = eu.user_id
		WHERE sl."startTime" >= ($1::timestamptz AT TIME ZONE 'UTC')
			AND sl.spend > 0
			AND sl.total_tokens > 0
		GROUP BY 1, 2, 3, 4, 5, 6
		HAVING SUM(sl.spend) > 0 AND SUM(sl.total_tokens) > 0`

	var rows []costEfficiencyRow
	if err := r.db().SelectContext(ctx, &rows, query, since.UTC()); err != nil {
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
			Spend:       row.Spend,
			TotalTokens: row.TotalTokens,
		}
		g.Normalize()
		result = append(result, g)
	}
	return result, nil
}
