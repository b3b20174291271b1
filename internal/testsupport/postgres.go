package testsupport

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"

	"litellm-exporter/internal/adapters/config"
	"litellm-exporter/internal/adapters/postgres"
)

// PostgresTestHelper manages a transactional connection for integration tests.
type PostgresTestHelper struct {
	client     *postgres.Client
	tx         *sqlx.Tx
	rolledBack bool
}

// NewPostgresTestHelper opens a connection and begins a transaction that is always rolled back.
func NewPostgresTestHelper(t *testing.T, cfg config.PostgresConfig) *PostgresTestHelper {
	t.Helper()

	client, err := postgres.NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to create postgres client: %v", err)
	}

	tx, err := client.DB().BeginTxx(context.Background(), nil)
	if err != nil {
		_ = client.Close()
		t.Fatalf("failed to start transaction: %v", err)
	}

	helper := &PostgresTestHelper{client: client, tx: tx}
	t.Cleanup(helper.Rollback)
	t.Cleanup(func() {
		_ = client.Close()
	})

	return helper
}

// NewTestPostgres creates a helper from DB_* environment variables, skipping when unset
func NewTestPostgres(t *testing.T) *PostgresTestHelper {
	t.Helper()
	return NewPostgresTestHelper(t, PostgresConfigFromEnv(t))
}

// Tx returns the active transaction for the test.
func (h *PostgresTestHelper) Tx() *sqlx.Tx {
	return h.tx
}

// DB returns the underlying database handle.
func (h *PostgresTestHelper) DB() *sqlx.DB {
	return h.client.DB()
}

// Rollback rolls back the transaction once.
func (h *PostgresTestHelper) Rollback() {
	if h.rolledBack {
		return
	}
	_ = h.tx.Rollback()
	h.rolledBack = true
}

// LiteLLMSchema mirrors the columns the exporter reads from the LiteLLM proxy schema
const LiteLLMSchema = `
	CREATE TEMP TABLE "LiteLLM_TeamTable" (
		team_id TEXT PRIMARY KEY,
		team_alias TEXT,
		max_budget DOUBLE PRECISION,
		spend DOUBLE PRECISION DEFAULT 0
	) ON COMMIT DROP;

	CREATE TEMP TABLE "LiteLLM_EndUserTable" (
		user_id TEXT PRIMARY KEY,
		alias TEXT
	) ON COMMIT DROP;

	CREATE TEMP TABLE "LiteLLM_SpendLogs" (
		request_id TEXT PRIMARY KEY,
		"startTime" TIMESTAMP(3) NOT NULL,
		"endTime" TIMESTAMP(3),
		team_id TEXT,
		end_user TEXT,
		model TEXT,
		custom_llm_provider TEXT,
		status TEXT,
		spend DOUBLE PRECISION DEFAULT 0,
		total_tokens INTEGER DEFAULT 0,
		prompt_tokens INTEGER DEFAULT 0,
		completion_tokens INTEGER DEFAULT 0
	) ON COMMIT DROP;

	CREATE TEMP TABLE "LiteLLM_DailyTeamSpend" (
		id SERIAL PRIMARY KEY,
		team_id TEXT,
		date TEXT NOT NULL,
		model TEXT,
		custom_llm_provider TEXT,
		spend DOUBLE PRECISION DEFAULT 0,
		prompt_tokens BIGINT DEFAULT 0,
		completion_tokens BIGINT DEFAULT 0,
		api_requests BIGINT DEFAULT 0,
		successful_requests BIGINT DEFAULT 0,
		failed_requests BIGINT DEFAULT 0
	) ON COMMIT DROP;
`

// CreateLiteLLMSchema creates transaction-scoped copies of the LiteLLM tables.
// Temp tables shadow real ones, so tests never see production rows.
func (h *PostgresTestHelper) CreateLiteLLMSchema(t *testing.T) {
	t.Helper()

	if _, err := h.tx.ExecContext(context.Background(), LiteLLMSchema); err != nil {
		t.Fatalf("failed to create litellm schema: %v", err)
	}
}
