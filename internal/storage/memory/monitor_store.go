package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// MonitorStore keeps monitors in a map.
type MonitorStore struct {
	mu       sync.RWMutex
	monitors map[string]crawler.Monitor
}

// NewMonitorStore constructs a MonitorStore.
func NewMonitorStore() *MonitorStore {
	return &MonitorStore{monitors: make(map[string]crawler.Monitor)}
}

// SaveMonitor inserts or replaces a monitor.
func (s *MonitorStore) SaveMonitor(_ context.Context, monitor crawler.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[monitor.ID] = monitor.Clone()
	return nil
}

// GetMonitor fetches a monitor by ID.
func (s *MonitorStore) GetMonitor(_ context.Context, id string) (crawler.Monitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.monitors[id]
	if !ok {
		return crawler.Monitor{}, fmt.Errorf("monitor %s: %w", id, crawler.ErrNotFound)
	}
	return m.Clone(), nil
}

// ListMonitors returns monitors matching filter ordered by creation time.
func (s *MonitorStore) ListMonitors(_ context.Context, filter crawler.MonitorFilter) ([]crawler.Monitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		if filter.Matches(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
