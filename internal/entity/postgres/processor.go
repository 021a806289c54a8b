// Package postgres upserts transformed entities into a Postgres table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for entity rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Processor writes entities keyed by (kind, slug).
type Processor struct {
	pool   querier
	table  string
	logger *zap.Logger
}

var _ pipeline.EntityProcessor = (*Processor)(nil)

// New connects to Postgres and ensures the entity table exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Processor, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	p, err := NewWithPool(pool, cfg.Table, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewWithPool constructs a processor from an existing pool (primarily for testing).
func NewWithPool(pool querier, table string, logger *zap.Logger) (*Processor, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "entities"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{pool: pool, table: table, logger: logger.Named("entity_postgres")}, nil
}

// Migrate creates the entity table when missing.
func (p *Processor) Migrate(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	kind TEXT NOT NULL,
	slug TEXT NOT NULL,
	name TEXT NOT NULL,
	attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, slug)
)`, p.table)
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("migrate entity table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (p *Processor) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

// Upsert writes each entity in its own statement. Rows that fail land in Failed;
// only a cancelled context aborts the batch.
func (p *Processor) Upsert(ctx context.Context, entities []pipeline.Entity) (pipeline.UpsertResult, error) {
	var result pipeline.UpsertResult
	query := fmt.Sprintf(`
INSERT INTO %s (kind, slug, name, attributes, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (kind, slug) DO UPDATE
SET name = EXCLUDED.name,
	attributes = %s.attributes || EXCLUDED.attributes,
	updated_at = now()
RETURNING (xmax = 0) AS inserted`, p.table, p.table)

	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		inserted, err := p.upsertOne(ctx, query, e)
		switch {
		case err == nil && inserted:
			result.Created = append(result.Created, e.Slug)
		case err == nil:
			result.Updated = append(result.Updated, e.Slug)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return result, err
		default:
			p.logger.Warn("entity upsert failed",
				zap.String("kind", e.Kind),
				zap.String("slug", e.Slug),
				zap.Error(err),
			)
			result.Failed = append(result.Failed, e.Slug)
		}
	}
	return result, nil
}

func (p *Processor) upsertOne(ctx context.Context, query string, e pipeline.Entity) (bool, error) {
	if e.Kind == "" || e.Slug == "" {
		return false, fmt.Errorf("entity kind and slug are required")
	}
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	doc, err := json.Marshal(attrs)
	if err != nil {
		return false, fmt.Errorf("marshal attributes: %w", err)
	}
	var inserted bool
	if err := p.pool.QueryRow(ctx, query, e.Kind, e.Slug, e.Name, doc).Scan(&inserted); err != nil {
		return false, fmt.Errorf("upsert %s/%s: %w", e.Kind, e.Slug, err)
	}
	return inserted, nil
}
