// Package postgres provides Postgres-backed persistence for monitors and
// crawl results.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	ResultsTable    string
	MonitorsTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it in tests.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements crawler.ResultStore and crawler.MonitorStore.
type Store struct {
	pool     pool
	results  string
	monitors string
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, cfg Config) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	results := cfg.ResultsTable
	if results == "" {
		results = "crawl_results"
	}
	monitors := cfg.MonitorsTable
	if monitors == "" {
		monitors = "monitors"
	}
	for _, table := range []string{results, monitors} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{pool: p, results: results, monitors: monitors}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT UNIQUE,
	monitor_id TEXT NOT NULL DEFAULT '',
	task_id    TEXT NOT NULL DEFAULT '',
	target_id  TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	body       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_monitor_seq ON %[1]s (monitor_id, seq);
CREATE INDEX IF NOT EXISTS %[1]s_task ON %[1]s (task_id);
CREATE TABLE IF NOT EXISTS %[2]s (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	body       JSONB NOT NULL
);`, s.results, s.monitors)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveResult appends a result, replacing the body of an existing id.
func (s *Store) SaveResult(ctx context.Context, result crawler.CrawlResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	var id *string
	if result.ID != "" {
		id = &result.ID
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, monitor_id, task_id, target_id, started_at, body)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body`, s.results)
	if _, err := s.pool.Exec(ctx, query, id, result.MonitorID, result.TaskID, result.TargetID, result.StartedAt, body); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// ListResults returns the newest results first. An empty monitorID lists
// every result; limit <= 0 means no limit.
func (s *Store) ListResults(ctx context.Context, monitorID string, limit int) ([]crawler.CrawlResult, error) {
	q := strings.Builder{}
	fmt.Fprintf(&q, "SELECT body FROM %s", s.results)
	args := []any{}
	if monitorID != "" {
		args = append(args, monitorID)
		fmt.Fprintf(&q, " WHERE monitor_id = $%d", len(args))
	}
	q.WriteString(" ORDER BY seq DESC")
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&q, " LIMIT $%d", len(args))
	}
	var out []crawler.CrawlResult
	err := s.scanBodies(ctx, q.String(), args, func(body []byte) error {
		var r crawler.CrawlResult
		if err := json.Unmarshal(body, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return out, nil
}

// PruneResults keeps the newest keep results of a monitor.
func (s *Store) PruneResults(ctx context.Context, monitorID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	query := fmt.Sprintf(`
DELETE FROM %[1]s WHERE monitor_id = $1 AND seq NOT IN (
	SELECT seq FROM %[1]s WHERE monitor_id = $1 ORDER BY seq DESC LIMIT $2
)`, s.results)
	tag, err := s.pool.Exec(ctx, query, monitorID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteTaskResults removes every result recorded for taskID.
func (s *Store) DeleteTaskResults(ctx context.Context, taskID string) (int, error) {
	if taskID == "" {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE task_id = $1", s.results), taskID)
	if err != nil {
		return 0, fmt.Errorf("delete task results: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveMonitor upserts a monitor.
func (s *Store) SaveMonitor(ctx context.Context, monitor crawler.Monitor) error {
	body, err := json.Marshal(monitor)
	if err != nil {
		return fmt.Errorf("marshal monitor: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, owner, status, created_at, body)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET owner = EXCLUDED.owner, status = EXCLUDED.status, body = EXCLUDED.body`, s.monitors)
	if _, err := s.pool.Exec(ctx, query, monitor.ID, monitor.Owner, string(monitor.Status), monitor.CreatedAt, body); err != nil {
		return fmt.Errorf("upsert monitor: %w", err)
	}
	return nil
}

// GetMonitor loads a monitor by id.
func (s *Store) GetMonitor(ctx context.Context, id string) (crawler.Monitor, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT body FROM %s WHERE id = $1", s.monitors), id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Monitor{}, fmt.Errorf("monitor %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Monitor{}, fmt.Errorf("get monitor: %w", err)
	}
	var monitor crawler.Monitor
	if err := json.Unmarshal(body, &monitor); err != nil {
		return crawler.Monitor{}, fmt.Errorf("decode monitor %s: %w", id, err)
	}
	return monitor, nil
}

// ListMonitors returns monitors matching filter ordered by creation time.
func (s *Store) ListMonitors(ctx context.Context, filter crawler.MonitorFilter) ([]crawler.Monitor, error) {
	q := strings.Builder{}
	fmt.Fprintf(&q, "SELECT body FROM %s WHERE TRUE", s.monitors)
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		fmt.Fprintf(&q, " AND status = $%d", len(args))
	}
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		fmt.Fprintf(&q, " AND owner = $%d", len(args))
	}
	q.WriteString(" ORDER BY created_at ASC")
	var out []crawler.Monitor
	err := s.scanBodies(ctx, q.String(), args, func(body []byte) error {
		var m crawler.Monitor
		if err := json.Unmarshal(body, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	return out, nil
}

func (s *Store) scanBodies(ctx context.Context, query string, args []any, fn func([]byte) error) error {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := fn(body); err != nil {
			return fmt.Errorf("decode row: %w", err)
		}
	}
	return rows.Err()
}
