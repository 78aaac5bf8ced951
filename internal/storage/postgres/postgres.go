// Package postgres implements the storage contract on PostgreSQL via
// jackc/pgx. It is wire-compatible with the sqlite backend: both pass the
// storagetest contract suite, so deployments can switch backends without
// behavior changes.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgxpool.Pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open creates a connection pool, verifies connectivity, and ensures the
// schema exists.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return s, nil
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS tenants (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
    id UUID PRIMARY KEY,
    tenant_id UUID NOT NULL REFERENCES tenants(id),
    prefix TEXT NOT NULL,
    key_hash TEXT NOT NULL,
    permission TEXT NOT NULL,
    label TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    revoked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS projects (
    id UUID PRIMARY KEY,
    tenant_id UUID NOT NULL REFERENCES tenants(id),
    name TEXT NOT NULL,
    archived BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    tenant_id UUID NOT NULL,
    agent_id TEXT NOT NULL,
    project_id UUID,
    name TEXT,
    type TEXT,
    last_seen TIMESTAMPTZ NOT NULL,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (tenant_id, agent_id)
);

CREATE TABLE IF NOT EXISTS tenant_seq (
    tenant_id UUID PRIMARY KEY,
    last_id BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    tenant_id UUID NOT NULL,
    id BIGINT NOT NULL,
    project_id UUID,
    agent_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    received_at TIMESTAMPTZ NOT NULL,
    payload JSONB,
    test BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS alert_rules (
    id UUID PRIMARY KEY,
    tenant_id UUID NOT NULL REFERENCES tenants(id),
    name TEXT NOT NULL,
    condition TEXT NOT NULL,
    params JSONB NOT NULL,
    project_id UUID,
    agent_id TEXT,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    webhook_url TEXT,
    cooldown_seconds BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS alert_history (
    id UUID PRIMARY KEY,
    rule_id UUID NOT NULL,
    tenant_id UUID NOT NULL,
    subject TEXT NOT NULL,
    fired_at TIMESTAMPTZ NOT NULL,
    evidence JSONB,
    dispatch_status TEXT NOT NULL,
    dispatch_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_agent ON events(tenant_id, agent_id, id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(tenant_id, event_type, id);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(tenant_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(tenant_id, (payload->>'task_id'));
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);
CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(tenant_id, project_id);
CREATE INDEX IF NOT EXISTS idx_alert_history_rule ON alert_history(rule_id, subject, fired_at);
CREATE INDEX IF NOT EXISTS idx_alert_history_tenant ON alert_history(tenant_id, fired_at);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return err
	}
	return nil
}
