package aggregation

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"litellm-exporter/internal/domain/usage"
	"litellm-exporter/internal/metrics"
	redisrepo "litellm-exporter/internal/repository/redis"
	checkpointsvc "litellm-exporter/internal/services/checkpoint"
	"litellm-exporter/internal/testsupport"
	"litellm-exporter/pkg/errors"
	"litellm-exporter/pkg/logger"
	"litellm-exporter/pkg/reconnect"
)

const testLag = 5 * time.Second

type testEngine struct {
	*Engine
	reader  *fakeReader
	reg     *metrics.Registry
	clock   *quartz.Mock
	reconns int
}

func newTestEngine(t *testing.T, reader *fakeReader, loader WatermarkLoader) *testEngine {
	t.Helper()

	te := &testEngine{
		reader: reader,
		reg:    metrics.NewRegistry(metrics.Options{}),
		clock:  quartz.NewMock(t),
	}
	te.Engine = NewEngine(Deps{
		Reader:      reader,
		Checkpoints: loader,
		Metrics:     te.reg,
		Reconnect: func(context.Context) error {
			te.reconns++
			return nil
		},
		Log: logger.Nop(),
	}, Config{
		HistoryDays:  365,
		Location:     time.UTC,
		QueryTimeout: time.Second,
		WatermarkLag: testLag,
		Clock:        te.clock,
	})
	return te
}

func event(start time.Time, team, user, model string, spend string, prompt, completion int64) usage.Event {
	return usage.Event{
		Dimensions: usage.Dimensions{
			TeamID:       team,
			TeamAlias:    team + "-alias",
			EndUserID:    user,
			EndUserAlias: user,
			Model:        model,
			Provider:     "openai",
		},
		StartTime:        start,
		Status:           "success",
		Spend:            decimal.RequireFromString(spend),
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func labels(team, user, model string, extra ...string) []string {
	return append([]string{team, team + "-alias", user, user, model, "openai"}, extra...)
}

func TestEngine_ColdStartBackfill(t *testing.T) {
	reader := newFakeReader()
	reader.daily = []usage.DailyAggregate{
		{
			TeamID: "t1", Model: "gpt-4o", Provider: "openai",
			Spend:       decimal.RequireFromString("12.5"),
			APIRequests: 10, SuccessfulRequests: 9, FailedRequests: 1,
			PromptTokens: 1000, CompletionTokens: 500,
		},
		{TeamID: "t2", Model: "claude", Provider: "anthropic", APIRequests: 3, SuccessfulRequests: 3},
		{TeamID: "t3", Model: "idle", Provider: "openai"},
	}
	reader.teams = []usage.Team{{TeamID: "t1", TeamAlias: "alpha"}}

	e := newTestEngine(t, reader, staticWatermark{})
	mode := e.Start(context.Background())

	require.Equal(t, ModeColdStart, mode)
	assert.True(t, e.Watermark().Equal(e.clock.Now()))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.reg.StartupMode.WithLabelValues(string(ModeColdStart))))

	agg := usage.Aggregated
	t1 := []string{"t1", "alpha", agg, agg, "gpt-4o", "openai"}
	assert.InDelta(t, 12.5, e.reg.Spend.Value(t1...), 1e-9)
	assert.Equal(t, 9.0, e.reg.Requests.Value(append(t1, usage.StatusSuccess)...))
	assert.Equal(t, 1.0, e.reg.Requests.Value(append(t1, usage.StatusFailure)...))
	assert.Equal(t, 1500.0, e.reg.Tokens.Value(append(t1, TokenTotal)...))
	assert.Equal(t, 1000.0, e.reg.Tokens.Value(append(t1, TokenPrompt)...))
	assert.Equal(t, 500.0, e.reg.Tokens.Value(append(t1, TokenCompletion)...))

	t2 := []string{"t2", usage.NoAlias, agg, agg, "claude", "anthropic"}
	assert.Equal(t, 3.0, e.reg.Requests.Value(append(t2, usage.StatusSuccess)...))

	// zero contributions create no series
	assert.Equal(t, 1, e.reg.Spend.Series())
	assert.Equal(t, 3, e.reg.Tokens.Series())
	assert.Equal(t, 3, e.reg.Requests.Series())
}

func TestEngine_StartupDecision(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		ok       bool
		expected Mode
	}{
		{name: "no checkpoint", ok: false, expected: ModeColdStart},
		{name: "fresh checkpoint", age: 30 * time.Minute, ok: true, expected: ModeWarmResume},
		{name: "exactly at threshold", age: StaleCheckpointThreshold, ok: true, expected: ModeWarmResume},
		{name: "stale checkpoint", age: 3 * time.Hour, ok: true, expected: ModeColdStart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, newFakeReader(), nil)
			e.checkpoints = staticWatermark{wm: e.clock.Now().Add(-tt.age), ok: tt.ok}

			assert.Equal(t, tt.expected, e.Start(context.Background()))
			assert.Equal(t, tt.expected, e.State().Mode)
			assert.True(t, e.State().Started)
		})
	}
}

func TestEngine_WarmResumeWithoutNewEventsIsIdempotent(t *testing.T) {
	reader := newFakeReader()
	e := newTestEngine(t, reader, nil)
	base := e.clock.Now()

	reader.addEvents(
		event(base.Add(-20*time.Minute), "t1", "u1", "gpt-4o", "0.5", 10, 20),
		event(base.Add(-15*time.Minute), "t1", "u2", "gpt-4o", "0.25", 5, 5),
	)
	e.checkpoints = staticWatermark{wm: base.Add(-10 * time.Minute), ok: true}

	require.Equal(t, ModeWarmResume, e.Start(context.Background()))
	e.clock.Advance(time.Minute)
	require.NoError(t, e.RunCycle(context.Background()))

	assert.Zero(t, e.reg.Spend.Series())
	assert.Zero(t, e.reg.Requests.Series())
	assert.Zero(t, e.reg.Tokens.Series())

	reader.addEvents(event(e.clock.Now().Add(time.Second), "t1", "u1", "gpt-4o", "1", 1, 1))
	e.clock.Advance(time.Minute)
	require.NoError(t, e.RunCycle(context.Background()))

	assert.Equal(t, 1.0, e.reg.Spend.Value(labels("t1", "u1", "gpt-4o")...))
}

func TestEngine_DeltaAdditivity(t *testing.T) {
	seed := func(base time.Time) *fakeReader {
		r := newFakeReader()
		for i := 1; i <= 100; i++ {
			user := "u1"
			if i%3 == 0 {
				user = "u2"
			}
			r.addEvents(event(base.Add(time.Duration(i)*time.Second), "t1", user, "gpt-4o", "0.125", int64(i), 2*int64(i)))
		}
		return r
	}

	incremental := newTestEngine(t, newFakeReader(), nil)
	base := incremental.clock.Now()
	incremental.reader = seed(base)
	incremental.Engine.reader = incremental.reader
	incremental.checkpoints = staticWatermark{wm: base, ok: true}
	incremental.Start(context.Background())
	for _, step := range []time.Duration{20 * time.Second, 40 * time.Second, 60 * time.Second} {
		incremental.clock.Advance(step)
		require.NoError(t, incremental.RunCycle(context.Background()))
	}

	single := newTestEngine(t, seed(base), staticWatermark{wm: base, ok: true})
	single.Start(context.Background())
	single.clock.Advance(120 * time.Second)
	require.NoError(t, single.RunCycle(context.Background()))

	for _, user := range []string{"u1", "u2"} {
		l := labels("t1", user, "gpt-4o")
		assert.InDelta(t, single.reg.Spend.Value(l...), incremental.reg.Spend.Value(l...), 1e-9)
		assert.Equal(t, single.reg.Requests.Value(append(l, "success")...), incremental.reg.Requests.Value(append(l, "success")...))
		for _, tt := range []string{TokenTotal, TokenPrompt, TokenCompletion} {
			assert.Equal(t, single.reg.Tokens.Value(append(l, tt)...), incremental.reg.Tokens.Value(append(l, tt)...))
		}
	}
	assert.Equal(t, 100.0,
		incremental.reg.Requests.Value(labels("t1", "u1", "gpt-4o", "success")...)+
			incremental.reg.Requests.Value(labels("t1", "u2", "gpt-4o", "success")...))

	windows := incremental.reader.windows
	require.Len(t, windows, 3)
	for i := 1; i < len(windows); i++ {
		assert.True(t, windows[i-1][1].Equal(windows[i][0]), "windows are contiguous")
	}
	assert.True(t, incremental.Watermark().Equal(single.Watermark()))
}

func TestEngine_ColdStartReproducesDeltaTotals(t *testing.T) {
	delta := newTestEngine(t, newFakeReader(), nil)
	base := delta.clock.Now()
	delta.reader.addEvents(
		event(base.Add(time.Second), "t1", "u1", "gpt-4o", "1.25", 100, 50),
		event(base.Add(2*time.Second), "t1", "u2", "gpt-4o", "2.5", 300, 150),
	)
	delta.checkpoints = staticWatermark{wm: base, ok: true}
	delta.Start(context.Background())
	delta.clock.Advance(time.Minute)
	require.NoError(t, delta.RunCycle(context.Background()))

	reader := newFakeReader()
	reader.teams = []usage.Team{{TeamID: "t1", TeamAlias: "t1-alias"}}
	reader.daily = []usage.DailyAggregate{{
		TeamID: "t1", Model: "gpt-4o", Provider: "openai",
		Spend:       decimal.RequireFromString("3.75"),
		APIRequests: 2, SuccessfulRequests: 2,
		PromptTokens: 400, CompletionTokens: 200,
	}}
	cold := newTestEngine(t, reader, staticWatermark{})
	require.Equal(t, ModeColdStart, cold.Start(context.Background()))

	sum := func(f *metrics.CounterFamily, extra ...string) float64 {
		return f.Value(labels("t1", "u1", "gpt-4o", extra...)...) + f.Value(labels("t1", "u2", "gpt-4o", extra...)...)
	}
	agg := []string{"t1", "t1-alias", usage.Aggregated, usage.Aggregated, "gpt-4o", "openai"}

	assert.InDelta(t, sum(delta.reg.Spend), cold.reg.Spend.Value(agg...), 1e-9)
	assert.Equal(t, sum(delta.reg.Requests, "success"), cold.reg.Requests.Value(append(agg, "success")...))
	for _, tt := range []string{TokenTotal, TokenPrompt, TokenCompletion} {
		assert.Equal(t, sum(delta.reg.Tokens, tt), cold.reg.Tokens.Value(append(agg, tt)...), tt)
	}
}

func TestEngine_EmptyWindowSkipsQuery(t *testing.T) {
	reader := newFakeReader()
	e := newTestEngine(t, reader, nil)
	e.checkpoints = staticWatermark{wm: e.clock.Now(), ok: true}
	e.Start(context.Background())

	e.clock.Advance(testLag)
	require.NoError(t, e.RunCycle(context.Background()))

	assert.Empty(t, reader.windows)
	assert.True(t, e.Watermark().Equal(e.clock.Now().Add(-testLag)))
}

func TestEngine_DeltaFailureKeepsWatermark(t *testing.T) {
	reader := newFakeReader()
	e := newTestEngine(t, reader, nil)
	base := e.clock.Now()
	e.checkpoints = staticWatermark{wm: base, ok: true}
	e.Start(context.Background())

	reader.addEvents(event(base.Add(10*time.Second), "t1", "u1", "gpt-4o", "0.5", 1, 1))
	reader.fail("events", errors.Classify(io.ErrUnexpectedEOF))

	e.clock.Advance(time.Minute)
	err := e.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	assert.True(t, e.Watermark().Equal(base))
	assert.Equal(t, 1, e.reconns)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.reg.Cycles.WithLabelValues(CycleFailed)))
	assert.Zero(t, testutil.ToFloat64(e.reg.LastExport))
	assert.Error(t, e.State().LastError)

	reader.fail("events", nil)
	e.clock.Advance(time.Minute)
	require.NoError(t, e.RunCycle(context.Background()))

	assert.Equal(t, 0.5, e.reg.Spend.Value(labels("t1", "u1", "gpt-4o")...))
	assert.True(t, e.Watermark().Equal(e.clock.Now().Add(-testLag)))
	assert.InDelta(t, float64(e.clock.Now().UnixNano())/1e9, testutil.ToFloat64(e.reg.LastExport), 1e-3)
	assert.NoError(t, e.State().LastError)
}

func TestEngine_ReconnectIsPaced(t *testing.T) {
	reader := newFakeReader()
	e := newTestEngine(t, reader, nil)
	e.checkpoints = staticWatermark{wm: e.clock.Now(), ok: true}
	e.reconnector = reconnect.NewManager(reconnect.Config{
		Name:       "event_store",
		MinBackoff: time.Minute,
		Clock:      e.clock,
	}, logger.Nop())
	e.reconnect = func(context.Context) error {
		e.reconns++
		return io.ErrUnexpectedEOF
	}
	e.Start(context.Background())

	reader.fail("events", errors.Classify(io.ErrUnexpectedEOF))
	for i := 0; i < 3; i++ {
		e.clock.Advance(10 * time.Second)
		require.Error(t, e.RunCycle(context.Background()))
	}
	assert.Equal(t, 1, e.reconns, "backoff suppresses retries")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.reg.ReconnectAttempts.WithLabelValues("event_store", "error")))

	e.clock.Advance(time.Minute)
	require.Error(t, e.RunCycle(context.Background()))
	assert.Equal(t, 2, e.reconns)
}

func TestEngine_QueryFailurePublishesEmptySet(t *testing.T) {
	reader := newFakeReader()
	reader.timePattern = []usage.TimePatternBucket{{
		Dimensions: usage.Dimensions{TeamID: "t1", TeamAlias: "alpha", EndUserID: "u1"},
		HourOfDay:  14, DayName: "Monday", Requests: 7,
	}}
	reader.teams = []usage.Team{{TeamID: "t1", TeamAlias: "alpha", MaxBudget: decimal.NewFromInt(10)}}

	e := newTestEngine(t, reader, staticWatermark{})
	e.Start(context.Background())
	require.NoError(t, e.RunCycle(context.Background()))

	v, ok := e.reg.RequestsByTime.Get("t1", "alpha", "u1", "u1", "14", "Monday")
	require.True(t, ok, "end-user alias falls back to the id")
	assert.Equal(t, 7.0, v)

	reader.fail("time_patterns", errors.Classify(errors.New(`relation "LiteLLM_SpendLogs" does not exist`)))
	require.NoError(t, e.RunCycle(context.Background()))

	assert.Zero(t, e.reg.RequestsByTime.Len())
	assert.Equal(t, 4, e.reg.TeamBudget.Len(), "other passes still publish")
	assert.Equal(t, 1.0, testutil.ToFloat64(e.reg.Cycles.WithLabelValues(CyclePartial)))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.reg.QueryFailures.WithLabelValues("time_patterns")))
	assert.Greater(t, testutil.ToFloat64(e.reg.LastExport), 0.0)
}

func TestEngine_StoreUnavailableKeepsPreviousPass(t *testing.T) {
	reader := newFakeReader()
	reader.performance = []usage.PerformanceGroup{{
		Dimensions: usage.Dimensions{TeamID: "t1", TeamAlias: "alpha", Model: "gpt-4o", Provider: "openai"},
		Samples:    3, TotalDurationSeconds: 6, TotalTokens: 600,
	}}

	e := newTestEngine(t, reader, staticWatermark{})
	e.Start(context.Background())
	require.NoError(t, e.RunCycle(context.Background()))
	require.Equal(t, 1, e.reg.RequestDuration.Len())

	reader.fail("performance", errors.Classify(io.ErrUnexpectedEOF))
	err := e.RunCycle(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	assert.Equal(t, 1, e.reg.RequestDuration.Len())
	assert.Equal(t, 1, e.reconns)
}

func TestEngine_WindowedPassDropsStaleTuples(t *testing.T) {
	reader := newFakeReader()
	bucket := func(user string, hour int, requests int64) usage.TimePatternBucket {
		return usage.TimePatternBucket{
			Dimensions: usage.Dimensions{TeamID: "t1", TeamAlias: "alpha", EndUserID: user, EndUserAlias: user},
			HourOfDay:  hour, DayName: "Tuesday", Requests: requests,
		}
	}
	reader.timePattern = []usage.TimePatternBucket{bucket("u1", 9, 3), bucket("u2", 10, 4)}
	reader.efficiency = []usage.CostEfficiencyGroup{{
		Dimensions:  usage.Dimensions{TeamID: "t1", EndUserID: "u1", Model: "gpt-4o", Provider: "openai"},
		Spend:       decimal.RequireFromString("0.5"),
		TotalTokens: 1000,
	}}

	e := newTestEngine(t, reader, staticWatermark{})
	e.Start(context.Background())
	require.NoError(t, e.RunCycle(context.Background()))
	require.Equal(t, 2, e.reg.RequestsByTime.Len())
	require.Equal(t, 2, e.reg.CostEfficiency.Len())

	reader.mu.Lock()
	reader.timePattern = []usage.TimePatternBucket{bucket("u2", 10, 6)}
	reader.efficiency = nil
	reader.mu.Unlock()
	require.NoError(t, e.RunCycle(context.Background()))

	_, ok := e.reg.RequestsByTime.Get("t1", "alpha", "u1", "u1", "9", "Tuesday")
	assert.False(t, ok)
	v, ok := e.reg.RequestsByTime.Get("t1", "alpha", "u2", "u2", "10", "Tuesday")
	assert.True(t, ok)
	assert.Equal(t, 6.0, v)
	assert.Zero(t, e.reg.CostEfficiency.Len())
}

func TestEngine_BudgetClamps(t *testing.T) {
	reader := newFakeReader()
	reader.teams = []usage.Team{
		{TeamID: "over", TeamAlias: "over", MaxBudget: decimal.NewFromInt(100), Spend: decimal.NewFromInt(150)},
		{TeamID: "none", TeamAlias: "", MaxBudget: decimal.Zero, Spend: decimal.NewFromInt(5)},
		{TeamID: "quarter", TeamAlias: "quarter", MaxBudget: decimal.NewFromInt(200), Spend: decimal.NewFromInt(50)},
	}

	e := newTestEngine(t, reader, staticWatermark{})
	e.Start(context.Background())
	require.NoError(t, e.RunCycle(context.Background()))

	get := func(team, alias, metricType string) float64 {
		v, ok := e.reg.TeamBudget.Get(team, alias, metricType)
		require.True(t, ok, "%s/%s", team, metricType)
		return v
	}

	assert.Equal(t, 0.0, get("over", "over", BudgetRemaining))
	assert.Equal(t, 100.0, get("over", "over", BudgetUsagePercent))
	assert.Equal(t, 150.0, get("over", "over", BudgetCurrentSpend))

	assert.Equal(t, 0.0, get("none", usage.NoAlias, BudgetMax))
	assert.Equal(t, 5.0, get("none", usage.NoAlias, BudgetCurrentSpend))
	_, ok := e.reg.TeamBudget.Get("none", usage.NoAlias, BudgetRemaining)
	assert.False(t, ok, "no derived gauges without a budget")

	assert.Equal(t, 150.0, get("quarter", "quarter", BudgetRemaining))
	assert.Equal(t, 25.0, get("quarter", "quarter", BudgetUsagePercent))
	assert.Equal(t, 10, e.reg.TeamBudget.Len())
}

func TestEngine_PerformanceUsesWeightedThroughput(t *testing.T) {
	reader := newFakeReader()
	dims := func(model string) usage.Dimensions {
		return usage.Dimensions{TeamID: "t1", TeamAlias: "alpha", Model: model, Provider: "openai"}
	}
	reader.performance = []usage.PerformanceGroup{
		// 100 tokens over 2s plus 1000 tokens over 5s plus an empty third sample
		{Dimensions: dims("gpt-4o"), Samples: 3, TotalDurationSeconds: 7, TotalTokens: 1100},
		{Dimensions: dims("sparse"), Samples: 2, TotalDurationSeconds: 2, TotalTokens: 100},
		{Dimensions: dims("instant"), Samples: 4, TotalDurationSeconds: 0, TotalTokens: 100},
	}

	e := newTestEngine(t, reader, staticWatermark{})
	e.Start(context.Background())
	require.NoError(t, e.RunCycle(context.Background()))

	tps, ok := e.reg.TokensPerSecond.Get("t1", "alpha", "gpt-4o", "openai")
	require.True(t, ok)
	assert.InDelta(t, 1100.0/7.0, tps, 1e-9)
	assert.NotEqual(t, 125.0, tps)

	avg, ok := e.reg.RequestDuration.Get("t1", "alpha", "gpt-4o", "openai")
	require.True(t, ok)
	assert.InDelta(t, 7.0/3.0, avg, 1e-9)

	_, ok = e.reg.RequestDuration.Get("t1", "alpha", "sparse", "openai")
	assert.False(t, ok, "groups under the sample minimum are suppressed")
	_, ok = e.reg.TokensPerSecond.Get("t1", "alpha", "instant", "openai")
	assert.False(t, ok, "no throughput without elapsed time")
}

func TestEngine_CostEfficiency(t *testing.T) {
	reader := newFakeReader()
	reader.efficiency = []usage.CostEfficiencyGroup{
		{
			Dimensions:  usage.Dimensions{TeamID: "t1", TeamAlias: "alpha", EndUserID: "u1", Model: "gpt-4o", Provider: "openai"},
			Spend:       decimal.RequireFromString("0.5"),
			TotalTokens: 1000,
		},
		{
			Dimensions:  usage.Dimensions{TeamID: "t1", TeamAlias: "alpha", EndUserID: "u2", Model: "gpt-4o", Provider: "openai"},
			Spend:       decimal.Zero,
			TotalTokens: 1000,
		},
	}

	e := newTestEngine(t, reader, staticWatermark{})
	e.Start(context.Background())
	require.NoError(t, e.RunCycle(context.Background()))

	cpt, ok := e.reg.CostEfficiency.Get("t1", "alpha", "u1", "u1", "gpt-4o", "openai", CostPerToken)
	require.True(t, ok)
	assert.InDelta(t, 0.0005, cpt, 1e-12)

	tpd, ok := e.reg.CostEfficiency.Get("t1", "alpha", "u1", "u1", "gpt-4o", "openai", TokensPerDollar)
	require.True(t, ok)
	assert.InDelta(t, 2000, tpd, 1e-9)

	assert.Equal(t, 2, e.reg.CostEfficiency.Len())
}

func TestEngine_ZeroContributionsCreateNoSeries(t *testing.T) {
	reader := newFakeReader()
	e := newTestEngine(t, reader, nil)
	base := e.clock.Now()
	e.checkpoints = staticWatermark{wm: base, ok: true}
	e.Start(context.Background())

	free := event(base.Add(time.Second), "t1", "u1", "gpt-4o", "0", 0, 0)
	negative := event(base.Add(2*time.Second), "t2", "u2", "gpt-4o", "-1", -5, 0)
	reader.addEvents(free, negative)

	e.clock.Advance(time.Minute)
	require.NoError(t, e.RunCycle(context.Background()))

	assert.Zero(t, e.reg.Spend.Series())
	assert.Zero(t, e.reg.Tokens.Series())
	assert.Equal(t, 2, e.reg.Requests.Series(), "each event still counts as a request")
	assert.Equal(t, 0, testutil.CollectAndCount(e.reg.Spend.Collector()))
}

func TestEngine_MissingDimensionsUseSentinels(t *testing.T) {
	reader := newFakeReader()
	e := newTestEngine(t, reader, nil)
	base := e.clock.Now()
	e.checkpoints = staticWatermark{wm: base, ok: true}
	e.Start(context.Background())

	reader.addEvents(usage.Event{StartTime: base.Add(time.Second), Spend: decimal.RequireFromString("0.1")})
	e.clock.Advance(time.Minute)
	require.NoError(t, e.RunCycle(context.Background()))

	sentinels := []string{usage.NoTeam, usage.NoAlias, usage.Anonymous, usage.Anonymous, usage.Unknown, usage.Unknown}
	assert.InDelta(t, 0.1, e.reg.Spend.Value(sentinels...), 1e-9)
	assert.Equal(t, 1.0, e.reg.Requests.Value(append(sentinels, usage.Unknown)...))
}

func TestEngine_CheckpointOutageForcesColdStart(t *testing.T) {
	ctx := context.Background()
	srv, client := testsupport.NewMiniRedis(t)
	store := redisrepo.NewCheckpointStore(client, "")

	clock := quartz.NewMock(t)
	seed := checkpointsvc.NewManager(ctx, store, checkpointsvc.Options{Enabled: true, Clock: clock}, nil, logger.Nop())
	require.NoError(t, seed.SaveWatermark(ctx, clock.Now().Add(-time.Minute)))
	srv.Close()

	manager := checkpointsvc.NewManager(ctx, store, checkpointsvc.Options{Enabled: true, Clock: clock}, nil, logger.Nop())
	require.True(t, manager.Degraded())

	reader := newFakeReader()
	e := newTestEngine(t, reader, manager)

	assert.NotPanics(t, func() {
		assert.Equal(t, ModeColdStart, e.Start(ctx))
	})
}

func TestEngine_BackfillFailureStillAdvancesWatermark(t *testing.T) {
	reader := newFakeReader()
	reader.fail("daily_aggregates", errors.Classify(errors.New("permission denied")))

	e := newTestEngine(t, reader, staticWatermark{})
	require.Equal(t, ModeColdStart, e.Start(context.Background()))

	assert.True(t, e.Watermark().Equal(e.clock.Now()))
	assert.Zero(t, e.reg.Spend.Series())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.reg.QueryFailures.WithLabelValues("daily_aggregates")))
}

func TestEngine_InvalidUTF8DoesNotStallDelta(t *testing.T) {
	reader := newFakeReader()
	e := newTestEngine(t, reader, nil)
	base := e.clock.Now()
	e.checkpoints = staticWatermark{wm: base, ok: true}
	e.Start(context.Background())

	reader.addEvents(
		event(base.Add(time.Second), "t1", "u1", "gpt-4o", "1", 1, 1),
		event(base.Add(2*time.Second), "t1", "u\xff", "gpt-4o", "2", 1, 1),
		event(base.Add(3*time.Second), "t1", "u3", "gpt-4o", "4", 1, 1),
	)
	e.clock.Advance(time.Minute)

	require.NotPanics(t, func() {
		require.NoError(t, e.RunCycle(context.Background()))
	})
	assert.True(t, e.Watermark().Equal(e.clock.Now().Add(-testLag)))
	assert.Equal(t, 1.0, e.reg.Spend.Value(labels("t1", "u1", "gpt-4o")...))
	assert.Equal(t, 2.0, e.reg.Spend.Value(labels("t1", "u"+usage.InvalidRune, "gpt-4o")...))
	assert.Equal(t, 4.0, e.reg.Spend.Value(labels("t1", "u3", "gpt-4o")...))

	// a later cycle must not count the same rows again
	e.clock.Advance(time.Minute)
	require.NoError(t, e.RunCycle(context.Background()))
	assert.Equal(t, 1.0, e.reg.Spend.Value(labels("t1", "u1", "gpt-4o")...))
	assert.Equal(t, 2.0, e.reg.Spend.Value(labels("t1", "u"+usage.InvalidRune, "gpt-4o")...))

	assert.NotPanics(t, func() {
		_, err := e.reg.Gatherer().Gather()
		assert.NoError(t, err)
	})
}

func TestEngine_WindowedPassMergesCollidingTuples(t *testing.T) {
	reader := newFakeReader()
	reader.timePattern = []usage.TimePatternBucket{
		{Dimensions: usage.Dimensions{TeamID: "", EndUserID: "u1", EndUserAlias: "u1"}, HourOfDay: 9, DayName: "Monday", Requests: 2},
		{Dimensions: usage.Dimensions{TeamID: usage.NoTeam, EndUserID: "u1", EndUserAlias: "u1"}, HourOfDay: 9, DayName: "Monday", Requests: 3},
		{Dimensions: usage.Dimensions{TeamID: "t1", TeamAlias: "alpha", EndUserID: "u2", EndUserAlias: "u2"}, HourOfDay: 9, DayName: "Monday", Requests: 1},
	}
	reader.performance = []usage.PerformanceGroup{
		{Dimensions: usage.Dimensions{TeamID: "t1", Model: "gpt-4o"}, Samples: 2, TotalDurationSeconds: 2, TotalTokens: 200},
		{Dimensions: usage.Dimensions{TeamID: "t1", Model: "gpt-4o", Provider: usage.Unknown}, Samples: 2, TotalDurationSeconds: 6, TotalTokens: 200},
	}
	reader.efficiency = []usage.CostEfficiencyGroup{
		{Dimensions: usage.Dimensions{TeamID: "t1", Model: "gpt-4o"}, Spend: decimal.RequireFromString("1"), TotalTokens: 1000},
		{Dimensions: usage.Dimensions{TeamID: "t1", Model: "gpt-4o", EndUserID: " "}, Spend: decimal.RequireFromString("3"), TotalTokens: 1000},
	}

	e := newTestEngine(t, reader, staticWatermark{})
	e.Start(context.Background())
	require.NoError(t, e.RunCycle(context.Background()))

	require.Equal(t, 2, e.reg.RequestsByTime.Len())
	v, ok := e.reg.RequestsByTime.Get(usage.NoTeam, usage.NoAlias, "u1", "u1", "9", "Monday")
	require.True(t, ok)
	assert.Equal(t, 5.0, v)

	// two groups below the sample floor combine above it
	perf := []string{"t1", usage.NoAlias, "gpt-4o", usage.Unknown}
	avg, ok := e.reg.RequestDuration.Get(perf...)
	require.True(t, ok)
	assert.InDelta(t, 2.0, avg, 1e-9)
	tps, ok := e.reg.TokensPerSecond.Get(perf...)
	require.True(t, ok)
	assert.InDelta(t, 50.0, tps, 1e-9)

	dims := []string{"t1", usage.NoAlias, usage.Anonymous, usage.Anonymous, "gpt-4o", usage.Unknown}
	cpt, ok := e.reg.CostEfficiency.Get(append(dims, CostPerToken)...)
	require.True(t, ok)
	assert.InDelta(t, 0.002, cpt, 1e-12)
	assert.Equal(t, 2, e.reg.CostEfficiency.Len())
}
