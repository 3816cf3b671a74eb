package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS uploads (
		id              TEXT PRIMARY KEY,
		file_name       TEXT NOT NULL,
		media_type      TEXT NOT NULL,
		orientation_tag SMALLINT NOT NULL DEFAULT 1,
		width           INTEGER NOT NULL DEFAULT 0,
		height          INTEGER NOT NULL DEFAULT 0,
		size_bytes      BIGINT NOT NULL,
		bucket          TEXT NOT NULL,
		object_key      TEXT NOT NULL,
		variant_key     TEXT,
		phash           BIGINT,
		status          TEXT NOT NULL,
		approved        BOOLEAN,
		reasons         JSONB NOT NULL DEFAULT '[]'::jsonb,
		checksum        BYTEA NOT NULL,
		expire_at       TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS uploads_status_updated_idx ON uploads (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS uploads_rejected_phash_idx ON uploads (phash) WHERE status = 'rejected'`,
}

// Migrate creates the uploads table and its indexes when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
