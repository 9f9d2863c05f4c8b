// Package postgres opens the shared database handle and owns the schema the
// engine's stores expect.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Open connects and verifies the connection. Returns nil if the URL is empty
// (Postgres not configured; the in-memory stores are used instead).
func Open(url string) (*sql.DB, error) {
	if url == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the engine's tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inventory_versions (
			bank       TEXT        NOT NULL,
			blood_type TEXT        NOT NULL,
			component  TEXT        NOT NULL,
			version    BIGINT      NOT NULL,
			units      INTEGER     NOT NULL,
			delta      INTEGER     NOT NULL,
			actor      TEXT        NOT NULL,
			at         TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (bank, blood_type, component, version)
		)`,
		`CREATE TABLE IF NOT EXISTS transaction_log (
			id            TEXT        PRIMARY KEY,
			seq           BIGINT      NOT NULL UNIQUE,
			entity_type   TEXT        NOT NULL,
			entity_id     TEXT        NOT NULL,
			action        TEXT        NOT NULL,
			prior_version BIGINT      NOT NULL,
			payload       JSONB       NOT NULL,
			refs          TEXT[]      NOT NULL DEFAULT '{}',
			actor         TEXT        NOT NULL,
			at            TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS transaction_log_entity_idx ON transaction_log (entity_id, seq)`,
		`CREATE INDEX IF NOT EXISTS transaction_log_refs_idx ON transaction_log USING GIN (refs)`,
		`CREATE TABLE IF NOT EXISTS donors (
			donor_id      TEXT    PRIMARY KEY,
			blood_type    TEXT    NOT NULL,
			consent_level INTEGER NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
