package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"litellm-exporter/pkg/logger"
)

func TestRegistry_HandlerExposesFamilies(t *testing.T) {
	r := NewRegistry(Options{})
	r.Spend.Add(1.5, "t1", "alpha", "u1", "bob", "gpt-4o", "openai")
	r.LastExport.Set(1700000000)
	r.SetStartupMode("cold_start")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `litellm_spend_usd_total{end_user_alias="bob",end_user_id="u1",model="gpt-4o",provider="openai",team_alias="alpha",team_id="t1"} 1.5`)
	assert.Contains(t, body, "litellm_exporter_last_export_timestamp 1.7e+09")
	assert.Contains(t, body, `litellm_exporter_startup_mode{mode="cold_start"} 1`)
	assert.Contains(t, body, "go_goroutines")
	// untouched windowed gauges publish nothing
	assert.NotContains(t, body, "litellm_tokens_per_second{")
}

func TestRegistry_SetStartupModeKeepsOne(t *testing.T) {
	r := NewRegistry(Options{})
	r.SetStartupMode("cold_start")
	r.SetStartupMode("warm_start")

	assert.Equal(t, 1, testutil.CollectAndCount(r.StartupMode))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StartupMode.WithLabelValues("warm_start")))
}

func TestRegistry_RecordWorkerExecution(t *testing.T) {
	r := NewRegistry(Options{})

	r.RecordWorkerExecution("export", 200*time.Millisecond, nil)
	r.RecordWorkerExecution("export", time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.WorkerExecutions.WithLabelValues("export", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.WorkerExecutions.WithLabelValues("export", "error")))
	assert.Greater(t, testutil.ToFloat64(r.WorkerLastRun.WithLabelValues("export")), 0.0)
}

func TestRegistry_CheckpointAgeHelp(t *testing.T) {
	r := NewRegistry(Options{})
	r.CheckpointAge.Set(42)

	expected := `
# HELP litellm_exporter_checkpoint_age_seconds Watermark age in seconds at the last checkpoint write
# TYPE litellm_exporter_checkpoint_age_seconds gauge
litellm_exporter_checkpoint_age_seconds 42
`
	require.NoError(t, testutil.CollectAndCompare(r.CheckpointAge, strings.NewReader(expected)))
}

type fakeStore struct{ err error }

func (f fakeStore) Health(context.Context) error { return f.err }

func TestStoreCollector(t *testing.T) {
	c := NewStoreCollector(logger.Nop(), map[string]HealthChecker{
		"postgres": fakeStore{},
		"redis":    fakeStore{err: errors.New("down")},
		"absent":   nil,
	})

	expected := `
# HELP litellm_exporter_store_up Whether the store answered its health probe (1) or not (0)
# TYPE litellm_exporter_store_up gauge
litellm_exporter_store_up{store="postgres"} 1
litellm_exporter_store_up{store="redis"} 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "litellm_exporter_store_up"))
}
