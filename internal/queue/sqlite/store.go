// Package sqlite implements a durable single-host queue Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store persists every queue in one SQLite table ordered by rowid.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or connects to the queue database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("queue.sqlite.path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS queue_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_key TEXT NOT NULL,
	payload BLOB NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS queue_items_key_id_idx ON queue_items (queue_key, id)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply queue schema: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

// Push appends payloads inside one transaction.
func (s *Store) Push(ctx context.Context, key string, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin push: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO queue_items (queue_key, payload) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare push: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, p := range payloads {
		if _, err := stmt.ExecContext(ctx, key, p); err != nil {
			return fmt.Errorf("insert queue row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit push: %w", err)
	}
	return nil
}

// Pop removes up to n of the oldest payloads for key inside one transaction.
func (s *Store) Pop(ctx context.Context, key string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pop: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, payload FROM queue_items WHERE queue_key = ? ORDER BY id LIMIT ?`, key, n)
	if err != nil {
		return nil, fmt.Errorf("select queue rows: %w", err)
	}
	var (
		ids []int64
		out [][]byte
	)
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		ids = append(ids, id)
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate queue rows: %w", err)
	}
	_ = rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	// Rows are contiguous per key in id order, so a range delete removes exactly them.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_items WHERE queue_key = ? AND id BETWEEN ? AND ?`,
		key, ids[0], ids[len(ids)-1]); err != nil {
		return nil, fmt.Errorf("delete queue rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pop: %w", err)
	}
	return out, nil
}

// Len counts the payloads queued under key.
func (s *Store) Len(ctx context.Context, key string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM queue_items WHERE queue_key = ?`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue rows: %w", err)
	}
	return n, nil
}

// Clear deletes every payload queued under key.
func (s *Store) Clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE queue_key = ?`, key); err != nil {
		return fmt.Errorf("clear queue rows: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite db: %w", err)
	}
	return nil
}
