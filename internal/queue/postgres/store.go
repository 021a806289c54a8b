// Package postgres implements a durable queue Store on a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for queue rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store keeps every queue in one table, ordered by a bigserial id.
type Store struct {
	pool  querier
	table string
}

// New connects to Postgres and ensures the queue table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "queue_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// Migrate creates the queue table and its key index when missing.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	queue_key TEXT NOT NULL,
	payload JSONB NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_key_id_idx ON %s (queue_key, id)`, s.table, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate queue table: %w", err)
		}
	}
	return nil
}

// Push inserts payloads in order with a single statement.
func (s *Store) Push(ctx context.Context, key string, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	docs := make([]string, len(payloads))
	for i, p := range payloads {
		docs[i] = string(p)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (queue_key, payload)
SELECT $1, doc::jsonb FROM unnest($2::text[]) WITH ORDINALITY AS t(doc, ord)
ORDER BY ord`, s.table)
	if _, err := s.pool.Exec(ctx, query, key, docs); err != nil {
		return fmt.Errorf("insert queue rows: %w", err)
	}
	return nil
}

// Pop deletes and returns up to n of the oldest rows for key. Concurrent consumers
// skip rows locked by each other.
func (s *Store) Pop(ctx context.Context, key string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
DELETE FROM %[1]s
WHERE id IN (
	SELECT id FROM %[1]s
	WHERE queue_key = $1
	ORDER BY id
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING id, payload::text`, s.table)
	rows, err := s.pool.Query(ctx, query, key, n)
	if err != nil {
		return nil, fmt.Errorf("pop queue rows: %w", err)
	}
	defer rows.Close()

	type row struct {
		id      int64
		payload string
	}
	var popped []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		popped = append(popped, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue rows: %w", err)
	}
	// RETURNING order is unspecified.
	sort.Slice(popped, func(i, j int) bool { return popped[i].id < popped[j].id })
	out := make([][]byte, len(popped))
	for i, r := range popped {
		out[i] = []byte(r.payload)
	}
	return out, nil
}

// Len counts the rows queued under key.
func (s *Store) Len(ctx context.Context, key string) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE queue_key = $1`, s.table)
	if err := s.pool.QueryRow(ctx, query, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue rows: %w", err)
	}
	return n, nil
}

// Clear deletes every row queued under key.
func (s *Store) Clear(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE queue_key = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("clear queue rows: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
