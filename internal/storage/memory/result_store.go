package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// ResultStore keeps crawl results in insertion order, indexed by id.
type ResultStore struct {
	mu      sync.RWMutex
	results []crawler.CrawlResult
	byID    map[string]int
}

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{byID: make(map[string]int)}
}

// SaveResult appends a result. Saving an ID twice replaces the earlier copy.
func (s *ResultStore) SaveResult(_ context.Context, result crawler.CrawlResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byID == nil {
		s.byID = make(map[string]int)
	}
	result.Errors = append([]string(nil), result.Errors...)
	if result.ID != "" {
		if i, ok := s.byID[result.ID]; ok {
			s.results[i] = result
			return nil
		}
		s.byID[result.ID] = len(s.results)
	}
	s.results = append(s.results, result)
	return nil
}

// ListResults returns the newest results for a monitor first. An empty
// monitorID lists every result. limit <= 0 means no limit.
func (s *ResultStore) ListResults(_ context.Context, monitorID string, limit int) ([]crawler.CrawlResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CrawlResult
	for i := len(s.results) - 1; i >= 0; i-- {
		r := s.results[i]
		if monitorID != "" && r.MonitorID != monitorID {
			continue
		}
		r.Errors = append([]string(nil), r.Errors...)
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// PruneResults keeps the newest keep results of a monitor.
func (s *ResultStore) PruneResults(_ context.Context, monitorID string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, r := range s.results {
		if r.MonitorID == monitorID {
			total++
		}
	}
	drop := total - keep
	if drop <= 0 {
		return 0, nil
	}
	removed := 0
	s.retain(func(r crawler.CrawlResult) bool {
		if r.MonitorID == monitorID && removed < drop {
			removed++
			return false
		}
		return true
	})
	return removed, nil
}

// DeleteTaskResults removes every result recorded for taskID.
func (s *ResultStore) DeleteTaskResults(_ context.Context, taskID string) (int, error) {
	if taskID == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.results)
	s.retain(func(r crawler.CrawlResult) bool { return r.TaskID != taskID })
	return before - len(s.results), nil
}

// retain keeps the results for which keep returns true and rebuilds the
// index. Callers hold s.mu.
func (s *ResultStore) retain(keep func(crawler.CrawlResult) bool) {
	kept := s.results[:0]
	for _, r := range s.results {
		if keep(r) {
			kept = append(kept, r)
		}
	}
	clear(s.results[len(kept):])
	s.results = kept
	s.byID = make(map[string]int, len(kept))
	for i, r := range kept {
		if r.ID != "" {
			s.byID[r.ID] = i
		}
	}
}
