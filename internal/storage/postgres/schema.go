package postgres

import (
	"context"
	"fmt"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS clone_jobs (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	deleted_at  TIMESTAMPTZ,
	doc         JSONB NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS clone_jobs_owner_idx ON clone_jobs (owner_id, created_at DESC) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS clone_jobs_status_idx ON clone_jobs (status) WHERE deleted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS credit_accounts (
	owner_id    TEXT PRIMARY KEY,
	doc         JSONB NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS credit_reservations (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL REFERENCES credit_accounts (owner_id),
	doc         JSONB NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	owner_id    TEXT NOT NULL REFERENCES credit_accounts (owner_id),
	reference   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS credit_transactions_reference_idx ON credit_transactions (owner_id, reference) WHERE reference <> ''`,
	`CREATE TABLE IF NOT EXISTS proxy_nodes (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL,
	doc           JSONB NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS recovery_sites (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	doc         JSONB NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS recovery_backups (
	seq         BIGSERIAL PRIMARY KEY,
	site_id     TEXT NOT NULL REFERENCES recovery_sites (id) ON DELETE CASCADE,
	doc         JSONB NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS recovery_backups_job_idx ON recovery_backups (site_id, (doc->>'job_id'))`,
	`CREATE TABLE IF NOT EXISTS recovery_failovers (
	seq         BIGSERIAL PRIMARY KEY,
	site_id     TEXT NOT NULL REFERENCES recovery_sites (id) ON DELETE CASCADE,
	doc         JSONB NOT NULL
)`,
}

// Migrate creates any missing tables and indexes.
func Migrate(ctx context.Context, db DB) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
