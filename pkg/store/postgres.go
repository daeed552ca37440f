package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresConfig mirrors the teacher's DatabaseConfig
// (pkg/database/manager.go), trimmed to the fields this service needs.
type PostgresConfig struct {
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Postgres is the production Store, backed by *sqlx.DB.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres connects to PostgreSQL and configures the connection pool,
// following pkg/database/manager.go's initializePostgreSQL.
func NewPostgres(cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	return &Postgres{db: db, logger: logger}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// MigrateSchema applies every pending migration (see migrate.go).
func (p *Postgres) MigrateSchema(ctx context.Context) error {
	return Migrate(ctx, p.db)
}

// SeedNodes idempotently ensures at least count nodes exist, inserting
// missing ones at the given budget (see migrate.go).
func (p *Postgres) SeedNodes(ctx context.Context, count, budget int) error {
	return Seed(ctx, p.db, count, budget)
}

func (p *Postgres) SupportsSkipLocked() bool { return true }

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error { return t.tx.Rollback() }

func sqlxTx(tx Tx) *sqlx.Tx {
	return tx.(*pgTx).tx
}

func (p *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (p *Postgres) GetAllocation(ctx context.Context, tx Tx, requestID string) (*Allocation, error) {
	var a Allocation
	err := sqlxTx(tx).GetContext(ctx, &a,
		`SELECT request_id, node_id, token_count, status, created_at, updated_at
		 FROM allocations WHERE request_id = $1`, requestID)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("store: get allocation: %w", err)
	}
	return &a, nil
}

func (p *Postgres) GetNode(ctx context.Context, tx Tx, id int64) (*Node, error) {
	var n Node
	err := sqlxTx(tx).GetContext(ctx, &n,
		`SELECT id, capacity_m, used_quota FROM nodes WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("store: get node: %w", err)
	}
	return &n, nil
}

func (p *Postgres) SelectCandidate(ctx context.Context, tx Tx, minRemaining int64, order Order) (*Node, error) {
	orderClause := "(capacity_m - used_quota) ASC"
	if order == RemainingDesc {
		orderClause = "(capacity_m - used_quota) DESC"
	}

	query := fmt.Sprintf(
		`SELECT id, capacity_m, used_quota FROM nodes
		 WHERE (capacity_m - used_quota) >= $1
		 ORDER BY %s, id ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`, orderClause)

	var n Node
	err := sqlxTx(tx).GetContext(ctx, &n, query, minRemaining)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("store: select candidate: %w", err)
	}
	return &n, nil
}

func (p *Postgres) ConditionalIncrementUsed(ctx context.Context, tx Tx, nodeID, delta int64) (bool, error) {
	res, err := sqlxTx(tx).ExecContext(ctx,
		`UPDATE nodes SET used_quota = used_quota + $1
		 WHERE id = $2 AND (capacity_m - used_quota) >= $1`, delta, nodeID)
	if err != nil {
		return false, fmt.Errorf("store: conditional increment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: conditional increment rows affected: %w", err)
	}
	return n == 1, nil
}

func (p *Postgres) DecrementUsed(ctx context.Context, tx Tx, nodeID, delta int64) error {
	_, err := sqlxTx(tx).ExecContext(ctx,
		`UPDATE nodes SET used_quota = used_quota - $1 WHERE id = $2`, delta, nodeID)
	if err != nil {
		return fmt.Errorf("store: decrement used: %w", err)
	}
	return nil
}

func (p *Postgres) InsertAllocation(ctx context.Context, tx Tx, a Allocation) error {
	now := a.CreatedAt
	_, err := sqlxTx(tx).ExecContext(ctx,
		`INSERT INTO allocations (request_id, node_id, token_count, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		a.RequestID, a.NodeID, a.TokenCount, a.Status, now)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateRequestID
		}
		return fmt.Errorf("store: insert allocation: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateAllocationStatus(ctx context.Context, tx Tx, requestID string, status Status) error {
	_, err := sqlxTx(tx).ExecContext(ctx,
		`UPDATE allocations SET status = $1, updated_at = now() WHERE request_id = $2`,
		status, requestID)
	if err != nil {
		return fmt.Errorf("store: update allocation status: %w", err)
	}
	return nil
}

func (p *Postgres) ListNodes(ctx context.Context, tx Tx) ([]Node, error) {
	var nodes []Node
	err := sqlxTx(tx).SelectContext(ctx, &nodes, `SELECT id, capacity_m, used_quota FROM nodes ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	return nodes, nil
}
