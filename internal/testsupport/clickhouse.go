package testsupport

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"litellm-exporter/internal/adapters/clickhouse"
	"litellm-exporter/internal/adapters/config"
)

// ClickHouseTestHelper owns a throwaway database holding the LiteLLM mirror tables.
type ClickHouseTestHelper struct {
	client   *clickhouse.Client
	database string
}

// NewClickHouseTestHelper creates a scratch database and a client bound to it.
// ClickHouse has no transactions, so isolation comes from the per-test database.
func NewClickHouseTestHelper(t *testing.T, cfg config.ClickHouseConfig) *ClickHouseTestHelper {
	t.Helper()
	ctx := context.Background()

	admin, err := clickhouse.NewClient(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to connect to clickhouse: %v", err)
	}
	defer admin.Close()

	database := fmt.Sprintf("litellm_test_%d", time.Now().UnixNano())
	if err := admin.Conn().Exec(ctx, "CREATE DATABASE "+database); err != nil {
		t.Fatalf("failed to create clickhouse database: %v", err)
	}

	scoped := cfg
	scoped.Database = database
	client, err := clickhouse.NewClient(ctx, scoped)
	if err != nil {
		t.Fatalf("failed to connect to clickhouse database %s: %v", database, err)
	}

	t.Cleanup(func() {
		_ = client.Conn().Exec(context.Background(), "DROP DATABASE IF EXISTS "+database)
		_ = client.Close()
	})

	return &ClickHouseTestHelper{client: client, database: database}
}

// NewTestClickHouse creates a helper from CLICKHOUSE_* environment variables, skipping when unset
func NewTestClickHouse(t *testing.T) *ClickHouseTestHelper {
	t.Helper()
	return NewClickHouseTestHelper(t, ClickHouseConfigFromEnv(t))
}

// Client exposes the ClickHouse client bound to the scratch database.
func (h *ClickHouseTestHelper) Client() *clickhouse.Client {
	return h.client
}

// Database returns the scratch database name
func (h *ClickHouseTestHelper) Database() string {
	return h.database
}

// ClickHouseLiteLLMSchema mirrors the LiteLLM tables as replicated into ClickHouse
var ClickHouseLiteLLMSchema = []string{
	`CREATE TABLE "LiteLLM_TeamTable" (
		team_id String,
		team_alias Nullable(String),
		max_budget Nullable(Float64),
		spend Nullable(Float64)
	) ENGINE = MergeTree() ORDER BY team_id`,
	`CREATE TABLE "LiteLLM_EndUserTable" (
		user_id String,
		alias Nullable(String)
	) ENGINE = MergeTree() ORDER BY user_id`,
	`CREATE TABLE "LiteLLM_SpendLogs" (
		request_id String,
		"startTime" DateTime64(3, 'UTC'),
		"endTime" Nullable(DateTime64(3, 'UTC')),
		team_id Nullable(String),
		end_user Nullable(String),
		model Nullable(String),
		custom_llm_provider Nullable(String),
		status Nullable(String),
		spend Nullable(Float64),
		total_tokens Nullable(Int64),
		prompt_tokens Nullable(Int64),
		completion_tokens Nullable(Int64)
	) ENGINE = MergeTree() ORDER BY "startTime"`,
	`CREATE TABLE "LiteLLM_DailyTeamSpend" (
		team_id Nullable(String),
		date String,
		model Nullable(String),
		custom_llm_provider Nullable(String),
		spend Float64,
		prompt_tokens Int64,
		completion_tokens Int64,
		api_requests Int64,
		successful_requests Int64,
		failed_requests Int64
	) ENGINE = MergeTree() ORDER BY date`,
}

// CreateLiteLLMSchema creates the mirror tables in the scratch database
func (h *ClickHouseTestHelper) CreateLiteLLMSchema(t *testing.T) {
	t.Helper()

	for _, stmt := range ClickHouseLiteLLMSchema {
		if err := h.client.Conn().Exec(context.Background(), stmt); err != nil {
			name := strings.Fields(stmt)[2]
			t.Fatalf("failed to create %s: %v", name, err)
		}
	}
}

// Exec runs a statement against the scratch database
func (h *ClickHouseTestHelper) Exec(t *testing.T, query string, args ...interface{}) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.client.Conn().Exec(ctx, query, args...); err != nil {
		t.Fatalf("clickhouse exec failed: %v", err)
	}
}
