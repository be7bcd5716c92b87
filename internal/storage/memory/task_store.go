// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// TaskStore keeps the task registry in a map.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]crawler.Task
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]crawler.Task)}
}

// SaveTask inserts or replaces a task.
func (s *TaskStore) SaveTask(_ context.Context, task crawler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, id string) (crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return crawler.Task{}, fmt.Errorf("task %s: %w", id, crawler.ErrNotFound)
	}
	return task.Clone(), nil
}

// DeleteTask removes a task.
func (s *TaskStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, crawler.ErrNotFound)
	}
	delete(s.tasks, id)
	return nil
}

// ListTasks returns copies of the tasks matching filter in no particular order.
func (s *TaskStore) ListTasks(_ context.Context, filter crawler.TaskFilter) ([]crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !filter.Matches(t) {
			continue
		}
		out = append(out, t.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
