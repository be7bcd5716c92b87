// Package redis provides a Redis-backed task registry shared by several
// orchestrator replicas.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Config configures the task store.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TerminalTTL expires finished tasks. Zero keeps them until deleted.
	TerminalTTL time.Duration
}

// TaskStore implements crawler.TaskStore. Each task is a JSON string at
// <prefix>task:<id>; the set <prefix>tasks indexes ids for listing.
type TaskStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewTaskStore creates a client from cfg.
func NewTaskStore(cfg Config) (*TaskStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return NewTaskStoreWithClient(client, cfg), nil
}

// NewTaskStoreWithClient wraps an existing client.
func NewTaskStoreWithClient(client *redis.Client, cfg Config) *TaskStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "orchestrator:"
	}
	return &TaskStore{client: client, prefix: prefix, ttl: cfg.TerminalTTL}
}

// Close closes the Redis client.
func (s *TaskStore) Close() error {
	return s.client.Close()
}

// Ping checks the server is reachable.
func (s *TaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *TaskStore) key(id string) string { return s.prefix + "task:" + id }

func (s *TaskStore) indexKey() string { return s.prefix + "tasks" }

// SaveTask writes the task and indexes it. Terminal tasks get the configured TTL.
func (s *TaskStore) SaveTask(ctx context.Context, task crawler.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	var ttl time.Duration
	if task.Status.Terminal() {
		ttl = s.ttl
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(task.ID), payload, ttl)
		pipe.SAdd(ctx, s.indexKey(), task.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask reads a task.
func (s *TaskStore) GetTask(ctx context.Context, id string) (crawler.Task, error) {
	val, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return crawler.Task{}, fmt.Errorf("task %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	var task crawler.Task
	if err := json.Unmarshal(val, &task); err != nil {
		return crawler.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, nil
}

// DeleteTask removes a task and its index entry.
func (s *TaskStore) DeleteTask(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(id))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("task %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// ListTasks returns tasks matching filter ordered by creation time. Index
// entries whose task has expired are removed on the way.
func (s *TaskStore) ListTasks(ctx context.Context, filter crawler.TaskFilter) ([]crawler.Task, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	var (
		out   []crawler.Task
		stale []any
	)
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var task crawler.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", ids[i], err)
		}
		if filter.Matches(task) {
			out = append(out, task)
		}
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("drop expired task ids: %w", err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
