package aggregation

import (
	"context"

	"github.com/dustin/go-humanize"

	"litellm-exporter/internal/domain/usage"
	"litellm-exporter/pkg/errors"
)

// Token types of litellm_tokens_total
const (
	TokenTotal      = "total"
	TokenPrompt     = "prompt"
	TokenCompletion = "completion"
)

// Backfill seeds the counters from the daily aggregate table. End-user labels are
// collapsed to "aggregated" since the table has no per-user rows.
func (e *Engine) Backfill(ctx context.Context) error {
	start := e.clock.Now()
	e.log.Infow("Starting historical backfill", "history_days", e.cfg.HistoryDays)

	qctx, cancel := e.queryContext(ctx)
	aggregates, err := e.reader.DailyAggregates(qctx, e.cfg.HistoryDays)
	cancel()
	if err != nil {
		e.metrics.RecordQueryFailure("daily_aggregates")
		return errors.Wrap(err, "backfill")
	}

	aliases := e.teamAliases(ctx)

	var (
		groups    int
		malformed int
	)
	for i := range aggregates {
		agg := aggregates[i]
		if agg.Normalize() {
			malformed++
		}
		if !agg.Qualifies() {
			continue
		}

		alias, ok := aliases[agg.TeamID]
		if !ok {
			alias = usage.NoAlias
		}
		e.applyAggregate(usage.Dimensions{
			TeamID:       agg.TeamID,
			TeamAlias:    alias,
			EndUserID:    usage.Aggregated,
			EndUserAlias: usage.Aggregated,
			Model:        agg.Model,
			Provider:     agg.Provider,
		}, agg)
		groups++
	}

	if malformed > 0 {
		e.log.Warnw("Coerced malformed daily aggregate rows", "rows", malformed)
	}
	e.log.Infow("✓ Historical backfill complete",
		"groups", humanize.Comma(int64(groups)),
		"rows", humanize.Comma(int64(len(aggregates))),
		"duration", e.clock.Since(start),
	)
	return nil
}

func (e *Engine) applyAggregate(d usage.Dimensions, agg usage.DailyAggregate) {
	labels := dimensionLabels(d)

	e.metrics.Spend.Add(agg.Spend.InexactFloat64(), labels...)
	e.metrics.Requests.Add(float64(agg.SuccessfulRequests), dimensionLabels(d, usage.StatusSuccess)...)
	e.metrics.Requests.Add(float64(agg.FailedRequests), dimensionLabels(d, usage.StatusFailure)...)
	e.metrics.Tokens.Add(float64(agg.TotalTokens()), dimensionLabels(d, TokenTotal)...)
	e.metrics.Tokens.Add(float64(agg.PromptTokens), dimensionLabels(d, TokenPrompt)...)
	e.metrics.Tokens.Add(float64(agg.CompletionTokens), dimensionLabels(d, TokenCompletion)...)
}

// teamAliases resolves team ids for backfill. A failed lookup degrades to no_alias.
func (e *Engine) teamAliases(ctx context.Context) map[string]string {
	qctx, cancel := e.queryContext(ctx)
	defer cancel()

	teams, err := e.reader.Teams(qctx)
	if err != nil {
		e.metrics.RecordQueryFailure("teams")
		e.log.Warnw("Team lookup failed, backfill uses no_alias", "error", err)
		return nil
	}

	aliases := make(map[string]string, len(teams))
	for i := range teams {
		t := teams[i]
		t.Normalize()
		aliases[t.TeamID] = t.TeamAlias
	}
	return aliases
}
