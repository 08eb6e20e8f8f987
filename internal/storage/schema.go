package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// schema holds the DDL for the Postgres stores. Statements are idempotent
// so Migrate can run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id                TEXT PRIMARY KEY,
		organization_id   TEXT NOT NULL,
		provider          TEXT NOT NULL,
		kind              TEXT NOT NULL,
		name              TEXT NOT NULL DEFAULT '',
		department_id     TEXT NOT NULL DEFAULT '',
		owner_id          TEXT NOT NULL DEFAULT '',
		is_default        BOOLEAN NOT NULL DEFAULT false,
		credential_ref    TEXT NOT NULL DEFAULT '',
		state             TEXT NOT NULL,
		failure_count     INTEGER NOT NULL DEFAULT 0,
		sync_config       JSONB NOT NULL DEFAULT '{}',
		push_config       JSONB NOT NULL DEFAULT '{}',
		created_at        TIMESTAMPTZ NOT NULL,
		last_synced_at    TIMESTAMPTZ,
		last_triggered_at TIMESTAMPTZ,
		deactivated_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS channels_org_kind_idx ON channels (organization_id, kind)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS channels_default_idx
		ON channels (organization_id, kind) WHERE is_default`,
	`CREATE INDEX IF NOT EXISTS channels_external_idx
		ON channels (provider, (push_config->>'external_id'))`,
	`CREATE TABLE IF NOT EXISTS credentials (
		ref        TEXT PRIMARY KEY,
		payload    JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS org_integrations (
		id              TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		family          TEXT NOT NULL,
		verified        BOOLEAN NOT NULL DEFAULT false,
		active          BOOLEAN NOT NULL DEFAULT false,
		settings        JSONB NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (organization_id, family)
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_state_tokens (
		nonce           TEXT PRIMARY KEY,
		channel_id      TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		provider        TEXT NOT NULL,
		issued_at       TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id              TEXT PRIMARY KEY,
		channel_id      TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		outcome         TEXT NOT NULL,
		latency_ms      BIGINT NOT NULL DEFAULT 0,
		detail          JSONB NOT NULL DEFAULT '{}',
		error           TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_channel_idx ON audit_entries (channel_id, created_at DESC)`,
}

// Migrate applies the schema. Safe to call repeatedly.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
