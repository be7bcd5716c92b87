// Package task runs one-off crawl tasks as independently tracked, cancellable
// units of work.
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

// Notification event types emitted by the manager.
const (
	EventStarted   = "task.started"
	EventCompleted = "task.completed"
	EventFailed    = "task.failed"
	EventStopped   = "task.stopped"
)

// Config holds manager-wide policy.
type Config struct {
	// MaxTargets bounds the size of a task's target list.
	MaxTargets int
	// ConsecutiveFailureThreshold applies to tasks that do not set their own.
	ConsecutiveFailureThreshold int
	// MaxEstimatedRequests rejects tasks whose pre-flight estimate exceeds it. Zero disables the check.
	MaxEstimatedRequests int
	// PageSize is the listing page size used by the pipeline, for estimates.
	PageSize int
	// Retention is how long terminal tasks are kept before the sweep removes them.
	Retention     time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxTargets:                  100,
		ConsecutiveFailureThreshold: 5,
		MaxEstimatedRequests:        100000,
		PageSize:                    100,
		Retention:                   24 * time.Hour,
		SweepInterval:               10 * time.Minute,
	}
}

// Validate rejects out-of-range manager settings.
func (c Config) Validate() error {
	if c.MaxTargets <= 0 {
		return errors.New("tasks.max_targets must be > 0")
	}
	if c.ConsecutiveFailureThreshold <= 0 {
		return errors.New("tasks.consecutive_failure_threshold must be > 0")
	}
	if c.MaxEstimatedRequests < 0 {
		return errors.New("tasks.max_estimated_requests must be >= 0")
	}
	if c.PageSize <= 0 {
		return errors.New("tasks.page_size must be > 0")
	}
	if c.Retention <= 0 {
		return errors.New("tasks.retention must be > 0")
	}
	if c.SweepInterval <= 0 {
		return errors.New("tasks.sweep_interval must be > 0")
	}
	return nil
}

// handle carries the runtime state of one executing task.
type handle struct {
	stop atomic.Bool
}

// Manager owns the task registry and the background executions.
type Manager struct {
	store    crawler.TaskStore
	results  crawler.ResultStore
	runner   crawler.Runner
	notifier crawler.Notifier
	ids      crawler.IDGenerator
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger

	// mu serializes every read-modify-write of a task record.
	mu      sync.Mutex
	handles map[string]*handle

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager wires a Manager. notifier and logger may be nil.
func NewManager(
	store crawler.TaskStore,
	results crawler.ResultStore,
	runner crawler.Runner,
	notifier crawler.Notifier,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Manager, error) {
	if store == nil || results == nil || runner == nil || ids == nil || clock == nil {
		return nil, errors.New("task manager: store, results, runner, ids and clock are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = crawler.NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		results:  results,
		runner:   runner,
		notifier: notifier,
		ids:      ids,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		handles:  make(map[string]*handle),
		baseCtx:  ctx,
		cancel:   cancel,
	}, nil
}

// Create validates the request and registers a pending task.
func (m *Manager) Create(ctx context.Context, targets []string, cfg crawler.TaskConfig, priority int) (string, error) {
	cleaned, err := m.validateTargets(targets)
	if err != nil {
		return "", err
	}
	cfg, err = crawler.NewTaskConfig(cfg)
	if err != nil {
		return "", err
	}
	if m.cfg.MaxEstimatedRequests > 0 {
		estimate := EstimateRequests(len(cleaned), cfg.Limits, m.cfg.PageSize)
		if estimate > m.cfg.MaxEstimatedRequests {
			return "", crawler.NewValidationError("targets",
				fmt.Sprintf("estimated %d requests exceeds the limit of %d", estimate, m.cfg.MaxEstimatedRequests))
		}
	}

	id, err := m.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	task := crawler.Task{
		ID:        id,
		Targets:   cleaned,
		Priority:  priority,
		Config:    cfg,
		Status:    crawler.TaskStatusPending,
		Total:     len(cleaned),
		Errors:    []string{},
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.SaveTask(ctx, task); err != nil {
		return "", fmt.Errorf("save task: %w", err)
	}
	telemetry.ObserveTask(string(crawler.TaskStatusPending))
	m.logger.Info("task created",
		zap.String("task_id", id),
		zap.Int("targets", len(cleaned)),
		zap.Int("priority", priority),
	)
	return id, nil
}

func (m *Manager) validateTargets(targets []string) ([]string, error) {
	if len(targets) == 0 {
		return nil, crawler.NewValidationError("targets", "must not be empty")
	}
	if len(targets) > m.cfg.MaxTargets {
		return nil, crawler.NewValidationError("targets", fmt.Sprintf("must contain at most %d entries", m.cfg.MaxTargets))
	}
	seen := make(map[string]struct{}, len(targets))
	cleaned := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, crawler.NewValidationError("targets", "must not contain blank entries")
		}
		if _, dup := seen[t]; dup {
			return nil, crawler.NewValidationError("targets", fmt.Sprintf("duplicate target %q", t))
		}
		seen[t] = struct{}{}
		cleaned = append(cleaned, t)
	}
	return cleaned, nil
}

// EstimateRequests returns the worst-case number of API calls a task issues,
// ignoring retries.
func EstimateRequests(targets int, limits crawler.CrawlLimits, pageSize int) int {
	pages := func(n int) int {
		if n <= 0 {
			return 0
		}
		return (n + pageSize - 1) / pageSize
	}
	perTarget := 1 + pages(limits.MaxChildren) + limits.MaxChildren*pages(limits.MaxGrandchildren)
	return targets * perTarget
}

// Start moves a pending task to running and launches its execution.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != crawler.TaskStatusPending {
		return fmt.Errorf("start task %s in status %s: %w", id, task.Status, crawler.ErrInvalidTransition)
	}
	now := m.clock.Now()
	task.Status = crawler.TaskStatusRunning
	task.StartedAt = &now
	if err := m.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	h := &handle{}
	m.handles[id] = h
	m.wg.Add(1)
	telemetry.ObserveTask(string(crawler.TaskStatusRunning))
	telemetry.IncTasksRunning()
	go m.execute(task.Clone(), h)

	m.notifier.Notify(ctx, EventStarted, payload(task))
	m.logger.Info("task started", zap.String("task_id", id))
	return nil
}

// Stop requests cooperative cancellation. The target in flight finishes first.
// A pending task is stopped immediately. Stop reports false when the task is
// already terminal.
func (m *Manager) Stop(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	switch task.Status {
	case crawler.TaskStatusPending:
		return m.stopIdle(ctx, task, "stopped before start")
	case crawler.TaskStatusRunning:
		h, ok := m.handles[id]
		if !ok {
			// Running in the store but not in this process, e.g. after a restart.
			return m.stopIdle(ctx, task, "stopped without an active execution")
		}
		h.stop.Store(true)
		m.logger.Info("task stop requested", zap.String("task_id", id))
		return true, nil
	default:
		return false, nil
	}
}

// stopIdle stops a task that has no execution goroutine. Callers hold m.mu.
func (m *Manager) stopIdle(ctx context.Context, task crawler.Task, reason string) (bool, error) {
	now := m.clock.Now()
	task.Status = crawler.TaskStatusStopped
	task.Reason = reason
	task.CompletedAt = &now
	task.CurrentTarget = ""
	if err := m.store.SaveTask(ctx, task); err != nil {
		return false, fmt.Errorf("save task: %w", err)
	}
	telemetry.ObserveTask(string(crawler.TaskStatusStopped))
	m.notifier.Notify(ctx, EventStopped, payload(task))
	m.logger.Info("task stopped", zap.String("task_id", task.ID), zap.String("reason", reason))
	return true, nil
}

// Status returns the computed view of a task.
func (m *Manager) Status(ctx context.Context, id string) (crawler.TaskView, error) {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return crawler.TaskView{}, err
	}
	return m.view(task), nil
}

// List returns tasks matching filter ordered by priority (highest first), then creation time.
func (m *Manager) List(ctx context.Context, filter crawler.TaskFilter) ([]crawler.TaskView, error) {
	limit := filter.Limit
	filter.Limit = 0
	tasks, err := m.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	views := make([]crawler.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, m.view(t))
	}
	return views, nil
}

func (m *Manager) view(task crawler.Task) crawler.TaskView {
	v := crawler.TaskView{Task: task}
	switch {
	case task.StartedAt == nil:
	case task.CompletedAt != nil:
		v.Duration = task.CompletedAt.Sub(*task.StartedAt)
	default:
		v.Duration = m.clock.Now().Sub(*task.StartedAt)
	}
	return v
}

// Sweep deletes terminal tasks that completed longer ago than the retention period.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	tasks, err := m.store.ListTasks(ctx, crawler.TaskFilter{})
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	cutoff := m.clock.Now().Add(-m.cfg.Retention)
	removed := 0
	for _, t := range tasks {
		if !t.Status.Terminal() || t.CompletedAt == nil || t.CompletedAt.After(cutoff) {
			continue
		}
		if err := m.store.DeleteTask(ctx, t.ID); err != nil && !errors.Is(err, crawler.ErrNotFound) {
			return removed, fmt.Errorf("delete task %s: %w", t.ID, err)
		}
		if n, err := m.results.DeleteTaskResults(ctx, t.ID); err != nil {
			m.logger.Warn("failed to delete task results", zap.String("task_id", t.ID), zap.Error(err))
		} else if n > 0 {
			m.logger.Debug("deleted task results", zap.String("task_id", t.ID), zap.Int("results", n))
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("swept expired tasks", zap.Int("removed", removed))
	}
	return removed, nil
}

// Run sweeps on SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("task sweep failed", zap.Error(err))
			}
		}
	}
}

// Close asks every running task to stop and waits for them to finish. When ctx
// expires first, in-flight calls are cancelled.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	for _, h := range m.handles {
		h.stop.Store(true)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return fmt.Errorf("task manager shutdown: %w", ctx.Err())
	}
}

func payload(t crawler.Task) map[string]any {
	p := map[string]any{
		"task_id":             t.ID,
		"status":              string(t.Status),
		"completed":           t.Completed,
		"total":               t.Total,
		"children_found":      t.ChildrenFound,
		"grandchildren_found": t.GrandchildrenFound,
		"errors":              len(t.Errors),
	}
	if t.Reason != "" {
		p["reason"] = t.Reason
	}
	return p
}

// execute runs the task's targets in windows of Config.Concurrency. State is
// applied strictly in target order.
func (m *Manager) execute(task crawler.Task, h *handle) {
	defer m.wg.Done()
	defer telemetry.DecTasksRunning()
	defer func() {
		m.mu.Lock()
		delete(m.handles, task.ID)
		m.mu.Unlock()
	}()

	ctx := m.baseCtx
	if task.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Config.Timeout)
		defer cancel()
	}
	persistCtx := context.WithoutCancel(ctx)

	threshold := task.Config.ConsecutiveFailureThreshold
	if threshold <= 0 {
		threshold = m.cfg.ConsecutiveFailureThreshold
	}
	window := max(task.Config.Concurrency, 1)
	consecutive := 0
	limits := task.Config.Limits

	for start := 0; start < len(task.Targets); start += window {
		if h.stop.Load() {
			m.finish(persistCtx, task.ID, crawler.TaskStatusStopped, "stop requested")
			return
		}
		if reason, done := m.interrupted(ctx, task.Config.Timeout); done {
			m.finish(persistCtx, task.ID, statusFor(ctx), reason)
			return
		}

		batch := task.Targets[start:min(start+window, len(task.Targets))]
		results := make([]crawler.CrawlResult, len(batch))
		var g errgroup.Group
		g.SetLimit(window)
		for i, target := range batch {
			m.markCurrent(persistCtx, task.ID, target)
			g.Go(func() error {
				results[i] = m.runner.Run(ctx, target, limits)
				return nil
			})
		}
		_ = g.Wait()

		for _, res := range results {
			res.TaskID = task.ID
			if err := m.results.SaveResult(persistCtx, res); err != nil {
				m.logger.Error("persist result failed",
					zap.String("task_id", task.ID),
					zap.String("target_id", res.TargetID),
					zap.Error(err),
				)
				m.finish(persistCtx, task.ID, crawler.TaskStatusFailed, err.Error())
				return
			}
			if res.Failed() {
				consecutive++
			} else {
				consecutive = 0
			}
			if err := m.apply(persistCtx, task.ID, res); err != nil {
				m.finish(persistCtx, task.ID, crawler.TaskStatusFailed, err.Error())
				return
			}
			if res.Aborted() {
				m.finish(persistCtx, task.ID, crawler.TaskStatusFailed,
					fmt.Sprintf("aborted on %s: %s", res.AbortCategory, res.FailureMessage()))
				return
			}
			if consecutive >= threshold {
				m.finish(persistCtx, task.ID, crawler.TaskStatusFailed,
					fmt.Sprintf("aborted after %d consecutive target failures", consecutive))
				return
			}
		}
	}

	if reason, done := m.interrupted(ctx, task.Config.Timeout); done {
		m.finish(persistCtx, task.ID, statusFor(ctx), reason)
		return
	}
	m.finish(persistCtx, task.ID, crawler.TaskStatusCompleted, "")
}

// interrupted reports whether the task context ended, with a reason.
func (m *Manager) interrupted(ctx context.Context, timeout time.Duration) (string, bool) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("task timed out after %s", timeout), true
	case ctx.Err() != nil:
		return "task manager shutting down", true
	default:
		return "", false
	}
}

func statusFor(ctx context.Context) crawler.TaskStatus {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return crawler.TaskStatusFailed
	}
	return crawler.TaskStatusStopped
}

func (m *Manager) markCurrent(ctx context.Context, id, target string) {
	if err := m.update(ctx, id, func(t *crawler.Task) {
		t.CurrentTarget = target
	}); err != nil {
		m.logger.Warn("update current target failed", zap.String("task_id", id), zap.Error(err))
	}
}

// apply folds one target result into the task record.
func (m *Manager) apply(ctx context.Context, id string, res crawler.CrawlResult) error {
	return m.update(ctx, id, func(t *crawler.Task) {
		t.Completed++
		t.ChildrenFound += res.ChildrenFound
		t.GrandchildrenFound += res.GrandchildrenFound
		t.CurrentTarget = res.TargetID
		if t.Total > 0 {
			t.Progress = min(float64(t.Completed)/float64(t.Total)*100, 100)
		}
		if res.Failed() {
			msg := res.FailureMessage()
			if msg == "" {
				msg = "target " + res.TargetID + " failed"
			}
			t.Errors = append(t.Errors, msg)
		}
	})
}

func (m *Manager) update(ctx context.Context, id string, fn func(*crawler.Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	fn(&task)
	if err := m.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// finish moves a running task to a terminal status.
func (m *Manager) finish(ctx context.Context, id string, status crawler.TaskStatus, reason string) {
	var final crawler.Task
	err := m.update(ctx, id, func(t *crawler.Task) {
		if t.Status.Terminal() {
			return
		}
		now := m.clock.Now()
		t.Status = status
		t.Reason = reason
		t.CompletedAt = &now
		t.CurrentTarget = ""
		final = t.Clone()
	})
	if err != nil {
		m.logger.Error("finish task failed",
			zap.String("task_id", id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	if final.ID == "" {
		return
	}
	telemetry.ObserveTask(string(status))

	event := EventCompleted
	switch status {
	case crawler.TaskStatusFailed:
		event = EventFailed
	case crawler.TaskStatusStopped:
		event = EventStopped
	}
	m.notifier.Notify(ctx, event, payload(final))
	m.logger.Info("task finished",
		zap.String("task_id", id),
		zap.String("status", string(status)),
		zap.Int("completed", final.Completed),
		zap.Int("total", final.Total),
		zap.Int("errors", len(final.Errors)),
		zap.String("reason", reason),
	)
}
