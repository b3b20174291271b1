package metrics

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterFamily_SkipsNonPositive(t *testing.T) {
	r := NewRegistry(Options{})

	r.Spend.Add(0, "t1", "alpha", "u1", "bob", "gpt-4o", "openai")
	r.Spend.Add(-1, "t1", "alpha", "u1", "bob", "gpt-4o", "openai")
	r.Spend.Add(math.NaN(), "t1", "alpha", "u1", "bob", "gpt-4o", "openai")

	assert.Equal(t, 0, testutil.CollectAndCount(r.Spend.Collector()))
	assert.Equal(t, 0, r.Spend.Series())
}

func TestCounterFamily_Accumulates(t *testing.T) {
	r := NewRegistry(Options{})
	labels := []string{"t1", "alpha", "u1", "bob", "gpt-4o", "openai"}

	r.Spend.Add(0.25, labels...)
	r.Spend.Add(0.5, labels...)

	assert.InDelta(t, 0.75, r.Spend.Value(labels...), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(r.Spend.Collector()))
	assert.Zero(t, r.Spend.Value("t2", "beta", "u1", "bob", "gpt-4o", "openai"))
}

func TestCounterFamily_InvalidUTF8LabelValue(t *testing.T) {
	r := NewRegistry(Options{})
	raw := []string{"t1", "alpha", "u\xff", "bob", "gpt-4o", "openai"}

	require.NotPanics(t, func() {
		r.Spend.Add(1, raw...)
		r.Spend.Add(2, raw...)
	})

	assert.InDelta(t, 3.0, r.Spend.Value(raw...), 1e-9)
	assert.InDelta(t, 3.0, r.Spend.Value("t1", "alpha", "u"+InvalidRune, "bob", "gpt-4o", "openai"), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(r.Spend.Collector()))
	assert.Equal(t, "u\xff", raw[2], "caller slice is left alone")
}

func TestCounterFamily_OverflowKeepsTotals(t *testing.T) {
	r := NewRegistry(Options{MaxSeriesPerMetric: 2})

	r.Requests.Add(1, "t1", "a", "u1", "x", "m", "p", "success")
	r.Requests.Add(1, "t1", "a", "u2", "y", "m", "p", "success")
	r.Requests.Add(3, "t1", "a", "u3", "z", "m", "p", "failure")
	r.Requests.Add(4, "t2", "b", "u4", "w", "m", "p", "failure")
	// known tuples keep accumulating past the cap
	r.Requests.Add(5, "t1", "a", "u1", "x", "m", "p", "success")

	o := OverflowLabel
	assert.InDelta(t, 6, r.Requests.Value("t1", "a", "u1", "x", "m", "p", "success"), 1e-9)
	assert.InDelta(t, 7, r.Requests.Value(o, o, o, o, o, o, "failure"), 1e-9)
	assert.Equal(t, 3, testutil.CollectAndCount(r.Requests.Collector()))
	assert.InDelta(t, 2, testutil.ToFloat64(r.SeriesOverflow.WithLabelValues("litellm_requests_total")), 1e-9)

	var total float64
	for _, labels := range [][]string{
		{"t1", "a", "u1", "x", "m", "p", "success"},
		{"t1", "a", "u2", "y", "m", "p", "success"},
		{o, o, o, o, o, o, "failure"},
	} {
		total += r.Requests.Value(labels...)
	}
	assert.InDelta(t, 14, total, 1e-9)
}

func TestPolicyFor(t *testing.T) {
	assert.Equal(t, Unbounded{}, PolicyFor(0))
	assert.Equal(t, Unbounded{}, PolicyFor(-3))

	p := PolicyFor(10)
	require.IsType(t, CollapseOverflow{}, p)
	assert.True(t, p.Admit(9))
	assert.False(t, p.Admit(10))
}
