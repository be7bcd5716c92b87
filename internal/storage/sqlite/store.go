// Package sqlite persists tasks, monitors and crawl results in a single
// SQLite file for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Rows hold the full JSON document in body; the other columns exist for
// filtering and ordering.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	body       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS monitors (
	id         TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	body       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT UNIQUE,
	monitor_id TEXT NOT NULL DEFAULT '',
	task_id    TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS results_monitor_seq ON results (monitor_id, seq);
CREATE INDEX IF NOT EXISTS results_task ON results (task_id);
`

// Store implements crawler.TaskStore, crawler.MonitorStore and crawler.ResultStore.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema exists.
// The caller is responsible for calling Close.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage.sqlite.path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// SaveTask upserts a task.
func (s *Store) SaveTask(ctx context.Context, task crawler.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, priority, created_at, body) VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, priority=excluded.priority, body=excluded.body`,
		task.ID, string(task.Status), task.Priority, task.CreatedAt.UnixNano(), string(body),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (crawler.Task, error) {
	var task crawler.Task
	err := s.getBody(ctx, `SELECT body FROM tasks WHERE id = ?`, id, &task)
	if err != nil {
		return crawler.Task{}, fmt.Errorf("task %s: %w", id, err)
	}
	return task, nil
}

// DeleteTask removes a task by id.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// ListTasks returns tasks matching the filter by priority, then age.
func (s *Store) ListTasks(ctx context.Context, filter crawler.TaskFilter) ([]crawler.Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT body FROM tasks WHERE 1=1")
	args := []any{}
	if filter.Status != "" {
		q.WriteString(" AND status = ?")
		args = append(args, string(filter.Status))
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC")
	if filter.Limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}
	var out []crawler.Task
	err := s.listBodies(ctx, q.String(), args, func(body []byte) error {
		var task crawler.Task
		if err := json.Unmarshal(body, &task); err != nil {
			return err
		}
		out = append(out, task)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// SaveMonitor upserts a monitor.
func (s *Store) SaveMonitor(ctx context.Context, monitor crawler.Monitor) error {
	body, err := json.Marshal(monitor)
	if err != nil {
		return fmt.Errorf("marshal monitor %s: %w", monitor.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO monitors (id, owner, status, created_at, body) VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET owner=excluded.owner, status=excluded.status, body=excluded.body`,
		monitor.ID, monitor.Owner, string(monitor.Status), monitor.CreatedAt.UnixNano(), string(body),
	)
	if err != nil {
		return fmt.Errorf("save monitor %s: %w", monitor.ID, err)
	}
	return nil
}

// GetMonitor loads a monitor by id.
func (s *Store) GetMonitor(ctx context.Context, id string) (crawler.Monitor, error) {
	var monitor crawler.Monitor
	if err := s.getBody(ctx, `SELECT body FROM monitors WHERE id = ?`, id, &monitor); err != nil {
		return crawler.Monitor{}, fmt.Errorf("monitor %s: %w", id, err)
	}
	return monitor, nil
}

// ListMonitors returns monitors matching the filter ordered by creation time.
func (s *Store) ListMonitors(ctx context.Context, filter crawler.MonitorFilter) ([]crawler.Monitor, error) {
	q := strings.Builder{}
	q.WriteString("SELECT body FROM monitors WHERE 1=1")
	args := []any{}
	if filter.Status != "" {
		q.WriteString(" AND status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Owner != "" {
		q.WriteString(" AND owner = ?")
		args = append(args, filter.Owner)
	}
	q.WriteString(" ORDER BY created_at ASC")
	var out []crawler.Monitor
	err := s.listBodies(ctx, q.String(), args, func(body []byte) error {
		var monitor crawler.Monitor
		if err := json.Unmarshal(body, &monitor); err != nil {
			return err
		}
		out = append(out, monitor)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	return out, nil
}

// SaveResult appends a result. Saving an id twice replaces the earlier body
// but keeps its position.
func (s *Store) SaveResult(ctx context.Context, result crawler.CrawlResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", result.ID, err)
	}
	var id any
	if result.ID != "" {
		id = result.ID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (id, monitor_id, task_id, body) VALUES (?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET body=excluded.body`,
		id, result.MonitorID, result.TaskID, string(body),
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", result.ID, err)
	}
	return nil
}

// ListResults returns the newest results first. An empty monitorID lists
// every result; limit <= 0 means no limit.
func (s *Store) ListResults(ctx context.Context, monitorID string, limit int) ([]crawler.CrawlResult, error) {
	q := strings.Builder{}
	q.WriteString("SELECT body FROM results")
	args := []any{}
	if monitorID != "" {
		q.WriteString(" WHERE monitor_id = ?")
		args = append(args, monitorID)
	}
	q.WriteString(" ORDER BY seq DESC")
	if limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	var out []crawler.CrawlResult
	err := s.listBodies(ctx, q.String(), args, func(body []byte) error {
		var result crawler.CrawlResult
		if err := json.Unmarshal(body, &result); err != nil {
			return err
		}
		out = append(out, result)
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
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM results WHERE monitor_id = ? AND seq NOT IN (
			SELECT seq FROM results WHERE monitor_id = ? ORDER BY seq DESC LIMIT ?
		)`, monitorID, monitorID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune results for %s: %w", monitorID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune results for %s: %w", monitorID, err)
	}
	return int(rows), nil
}

// DeleteTaskResults removes every result recorded for taskID.
func (s *Store) DeleteTaskResults(ctx context.Context, taskID string) (int, error) {
	if taskID == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, fmt.Errorf("delete results for task %s: %w", taskID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete results for task %s: %w", taskID, err)
	}
	return int(rows), nil
}

func (s *Store) getBody(ctx context.Context, query, id string, dst any) error {
	var body string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return nil
}

func (s *Store) listBodies(ctx context.Context, query string, args []any, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck // read-only cursor
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := fn([]byte(body)); err != nil {
			return fmt.Errorf("decode row: %w", err)
		}
	}
	return rows.Err()
}
