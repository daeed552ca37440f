package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Migration is one forward schema change, following the teacher's
// Migration{Version, Description, Up} shape
// (pkg/database/migrations.go in the wider example pack) adapted to
// this service's two-table schema.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// Migrations returns the allocator's full schema history in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "nodes and allocations",
			Up: `
				CREATE TABLE IF NOT EXISTS nodes (
					id INTEGER PRIMARY KEY,
					capacity_m BIGINT NOT NULL,
					used_quota BIGINT NOT NULL DEFAULT 0,
					CONSTRAINT ck_nodes_used_quota_nonnegative CHECK (used_quota >= 0),
					CONSTRAINT ck_nodes_used_quota_not_exceed_capacity CHECK (used_quota <= capacity_m)
				);

				CREATE TABLE IF NOT EXISTS allocations (
					request_id TEXT PRIMARY KEY,
					node_id INTEGER NOT NULL REFERENCES nodes(id),
					token_count BIGINT NOT NULL,
					status TEXT NOT NULL DEFAULT 'allocated' CHECK (status IN ('allocated', 'freed')),
					created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
				);

				CREATE INDEX IF NOT EXISTS ix_allocations_node_status ON allocations (node_id, status);
			`,
		},
	}
}

// Migrate applies every migration newer than the highest version
// recorded in schema_migrations, tracking each application with a
// synthetic uuid row id — the one place this service mints an
// identifier rather than accepting a caller-supplied one.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id UUID PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var applied []int
	if err := db.SelectContext(ctx, &applied, `SELECT version FROM schema_migrations`); err != nil {
		return fmt.Errorf("store: read schema_migrations: %w", err)
	}
	seen := make(map[int]bool, len(applied))
	for _, v := range applied {
		seen[v] = true
	}

	migrations := Migrations()
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	for _, m := range migrations {
		if seen[m.Version] {
			continue
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (id, version, description) VALUES ($1, $2, $3)`,
			uuid.New(), m.Version, m.Description); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// Seed ensures at least `count` nodes exist, matching original_source's
// scripts/seed.py idempotent seeding. When fewer exist it inserts the
// missing ids 0..count-1 with the given budget; rows that already exist
// keep their capacity, and extra rows beyond count are not removed.
func Seed(ctx context.Context, db *sqlx.DB, count, budget int) error {
	var existing int
	if err := db.GetContext(ctx, &existing, `SELECT count(*) FROM nodes`); err != nil {
		return fmt.Errorf("store: count nodes: %w", err)
	}
	if existing >= count {
		return nil
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin seed: %w", err)
	}
	for i := 0; i < count; i++ {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (id, capacity_m, used_quota) VALUES ($1, $2, 0)
			 ON CONFLICT (id) DO NOTHING`, i, budget); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: seed node %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit seed: %w", err)
	}
	return nil
}
