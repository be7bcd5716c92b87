// Package scheduler drives recurring crawl cycles for monitors.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

// Notification event types emitted by the scheduler.
const (
	EventCycleCompleted = "monitor.cycle_completed"
	EventCycleFailed    = "monitor.cycle_failed"
)

var (
	// ErrCycleInProgress is returned when a cycle is requested while one is running.
	ErrCycleInProgress = errors.New("monitor cycle already in progress")
	// ErrClosed is returned once the scheduler has been closed.
	ErrClosed = errors.New("scheduler closed")

	errNotActive = errors.New("monitor not active")
)

// StatsSource exposes API client counters for the health view.
type StatsSource interface {
	Stats() crawler.ClientStats
}

// Config holds scheduler-wide policy.
type Config struct {
	MinInterval time.Duration
	// RecoveryDelay is the wait after a failed cycle.
	RecoveryDelay    time.Duration
	MinRecoveryDelay time.Duration
	// RunImmediately schedules the first cycle of a new monitor at creation time.
	RunImmediately bool
	// ResultRetention is how many results are kept per monitor. Zero keeps all.
	ResultRetention     int
	DefaultCycleTimeout time.Duration
	// OverdueGrace is how late a cycle may be before health reports it overdue.
	OverdueGrace time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MinInterval:         time.Minute,
		RecoveryDelay:       5 * time.Minute,
		MinRecoveryDelay:    30 * time.Second,
		ResultRetention:     100,
		DefaultCycleTimeout: 10 * time.Minute,
		OverdueGrace:        time.Minute,
	}
}

// Validate rejects out-of-range scheduler settings.
func (c Config) Validate() error {
	if c.MinInterval <= 0 {
		return errors.New("scheduler.min_interval must be > 0")
	}
	if c.MinRecoveryDelay <= 0 {
		return errors.New("scheduler.min_recovery_delay must be > 0")
	}
	if c.RecoveryDelay < c.MinRecoveryDelay {
		return fmt.Errorf("scheduler.recovery_delay must be >= %s", c.MinRecoveryDelay)
	}
	if c.ResultRetention < 0 {
		return errors.New("scheduler.result_retention must be >= 0")
	}
	if c.DefaultCycleTimeout < 0 {
		return errors.New("scheduler.default_cycle_timeout must be >= 0")
	}
	if c.OverdueGrace < 0 {
		return errors.New("scheduler.overdue_grace must be >= 0")
	}
	return nil
}

// Scheduler owns monitors, their timers and the cycles they trigger.
type Scheduler struct {
	monitors crawler.MonitorStore
	results  crawler.ResultStore
	runner   crawler.Runner
	notifier crawler.Notifier
	stats    StatsSource
	ids      crawler.IDGenerator
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	slots    map[string]*Slot
	inFlight map[string]struct{}
	closed   bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a Scheduler. notifier, stats and logger may be nil.
func New(
	monitors crawler.MonitorStore,
	results crawler.ResultStore,
	runner crawler.Runner,
	notifier crawler.Notifier,
	stats StatsSource,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Scheduler, error) {
	if monitors == nil || results == nil || runner == nil || ids == nil || clock == nil {
		return nil, errors.New("scheduler: monitors, results, runner, ids and clock are required")
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
	return &Scheduler{
		monitors: monitors,
		results:  results,
		runner:   runner,
		notifier: notifier,
		stats:    stats,
		ids:      ids,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		slots:    make(map[string]*Slot),
		inFlight: make(map[string]struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}, nil
}

// Start arms timers for every active monitor in the store.
func (s *Scheduler) Start(ctx context.Context) error {
	active, err := s.monitors.ListMonitors(ctx, crawler.MonitorFilter{Status: crawler.MonitorStatusActive})
	if err != nil {
		return fmt.Errorf("list active monitors: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	now := s.clock.Now()
	for _, m := range active {
		if m.NextRunAt == nil {
			next := now.Add(m.Config.Interval)
			m.NextRunAt = &next
			if err := s.monitors.SaveMonitor(ctx, m); err != nil {
				return fmt.Errorf("save monitor %s: %w", m.ID, err)
			}
		}
		s.arm(m.ID, m.NextRunAt.Sub(now))
	}
	s.logger.Info("scheduler started", zap.Int("active_monitors", len(active)))
	return nil
}

// Create registers an active monitor and arms its first cycle.
func (s *Scheduler) Create(ctx context.Context, targetID, owner string, cfg crawler.MonitorConfig) (crawler.Monitor, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return crawler.Monitor{}, crawler.NewValidationError("target_id", "must not be empty")
	}
	if err := cfg.Validate(s.cfg.MinInterval); err != nil {
		return crawler.Monitor{}, err
	}
	if cfg.CycleTimeout == 0 {
		cfg.CycleTimeout = s.cfg.DefaultCycleTimeout
	}
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Monitor{}, fmt.Errorf("generate monitor id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return crawler.Monitor{}, ErrClosed
	}
	now := s.clock.Now()
	next := now.Add(cfg.Interval)
	if s.cfg.RunImmediately {
		next = now
	}
	m := crawler.Monitor{
		ID:        id,
		TargetID:  targetID,
		Owner:     owner,
		Status:    crawler.MonitorStatusActive,
		Config:    cfg,
		NextRunAt: &next,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.monitors.SaveMonitor(ctx, m); err != nil {
		return crawler.Monitor{}, fmt.Errorf("save monitor: %w", err)
	}
	s.arm(id, next.Sub(now))
	s.logger.Info("monitor created",
		zap.String("monitor_id", id),
		zap.String("target_id", targetID),
		zap.Duration("interval", cfg.Interval),
	)
	return m.Clone(), nil
}

// Get returns a monitor.
func (s *Scheduler) Get(ctx context.Context, id string) (crawler.Monitor, error) {
	return s.monitors.GetMonitor(ctx, id)
}

// List returns monitors matching filter.
func (s *Scheduler) List(ctx context.Context, filter crawler.MonitorFilter) ([]crawler.Monitor, error) {
	return s.monitors.ListMonitors(ctx, filter)
}

// Results returns the newest results of a monitor.
func (s *Scheduler) Results(ctx context.Context, id string, limit int) ([]crawler.CrawlResult, error) {
	if _, err := s.monitors.GetMonitor(ctx, id); err != nil {
		return nil, err
	}
	return s.results.ListResults(ctx, id, limit)
}

// arm replaces the monitor's pending timer. Callers hold s.mu.
func (s *Scheduler) arm(id string, delay time.Duration) {
	slot, ok := s.slots[id]
	if !ok {
		slot = &Slot{}
		s.slots[id] = slot
	}
	slot.Arm(max(delay, 0), func() { s.fire(id) })
}

// disarm cancels the monitor's pending timer. Callers hold s.mu.
func (s *Scheduler) disarm(id string) {
	if slot, ok := s.slots[id]; ok {
		slot.Cancel()
	}
}

func (s *Scheduler) fire(id string) {
	_, err := s.runCycle(s.baseCtx, id, true)
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleInProgress), errors.Is(err, ErrClosed), errors.Is(err, errNotActive):
		s.logger.Debug("timer cycle skipped", zap.String("monitor_id", id), zap.Error(err))
	default:
		s.logger.Error("timer cycle failed", zap.String("monitor_id", id), zap.Error(err))
	}
}

// RunCycle runs one crawl of the monitor's target now. Cycles of one monitor
// never overlap; the pending timer is re-armed once the cycle has finished.
// The error is non-nil only for infrastructure faults, e.g. the result could
// not be persisted; a failed crawl is reported through the result.
func (s *Scheduler) RunCycle(ctx context.Context, id string) (crawler.CrawlResult, error) {
	return s.runCycle(ctx, id, false)
}

// runCycle runs a cycle. Timer-driven cycles only run for active monitors.
func (s *Scheduler) runCycle(ctx context.Context, id string, timed bool) (crawler.CrawlResult, error) {
	m, err := s.beginCycle(ctx, id, timed)
	if err != nil {
		return crawler.CrawlResult{}, err
	}
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, id)
		s.mu.Unlock()
	}()

	start := s.clock.Now()
	cycleCtx := ctx
	if m.Config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, m.Config.CycleTimeout)
		defer cancel()
	}
	res := s.runner.Run(cycleCtx, m.TargetID, m.Config.EffectiveLimits())
	res.MonitorID = id

	persistCtx := context.WithoutCancel(ctx)
	saveErr := s.results.SaveResult(persistCtx, res)
	if saveErr != nil {
		saveErr = fmt.Errorf("save result for monitor %s: %w", id, saveErr)
	}
	ok := saveErr == nil && !res.Failed()
	duration := s.clock.Now().Sub(start)
	telemetry.ObserveMonitorCycle(ok, duration)

	updated, err := s.finishCycle(persistCtx, id, start, duration, res, saveErr)
	if err != nil {
		s.logger.Error("update monitor after cycle failed", zap.String("monitor_id", id), zap.Error(err))
		return res, errors.Join(saveErr, err)
	}
	if ok && s.cfg.ResultRetention > 0 {
		if removed, err := s.results.PruneResults(persistCtx, id, s.cfg.ResultRetention); err != nil {
			s.logger.Warn("prune results failed", zap.String("monitor_id", id), zap.Error(err))
		} else if removed > 0 {
			s.logger.Debug("pruned results", zap.String("monitor_id", id), zap.Int("removed", removed))
		}
	}

	event := EventCycleCompleted
	if !ok {
		event = EventCycleFailed
	}
	s.notifier.Notify(persistCtx, event, cyclePayload(updated, res))
	s.logger.Info("monitor cycle finished",
		zap.String("monitor_id", id),
		zap.String("target_id", m.TargetID),
		zap.Bool("success", ok),
		zap.Int("children", res.ChildrenFound),
		zap.Int("grandchildren", res.GrandchildrenFound),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("duration", duration),
	)
	return res, saveErr
}

func (s *Scheduler) beginCycle(ctx context.Context, id string, timed bool) (crawler.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return crawler.Monitor{}, ErrClosed
	}
	if _, busy := s.inFlight[id]; busy {
		return crawler.Monitor{}, fmt.Errorf("monitor %s: %w", id, ErrCycleInProgress)
	}
	m, err := s.monitors.GetMonitor(ctx, id)
	if err != nil {
		return crawler.Monitor{}, err
	}
	if m.Status == crawler.MonitorStatusStopped {
		return crawler.Monitor{}, fmt.Errorf("run cycle for stopped monitor %s: %w", id, crawler.ErrInvalidTransition)
	}
	if timed && m.Status != crawler.MonitorStatusActive {
		return crawler.Monitor{}, fmt.Errorf("monitor %s is %s: %w", id, m.Status, errNotActive)
	}
	s.inFlight[id] = struct{}{}
	s.disarm(id)
	s.wg.Add(1)
	return m, nil
}

// finishCycle folds the cycle outcome into the monitor and re-arms its timer.
// The monitor is reloaded so owner actions taken during the cycle win.
func (s *Scheduler) finishCycle(
	ctx context.Context,
	id string,
	start time.Time,
	duration time.Duration,
	res crawler.CrawlResult,
	saveErr error,
) (crawler.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.monitors.GetMonitor(ctx, id)
	if err != nil {
		// beginCycle disarmed the timer.
		if !s.closed {
			s.arm(id, s.cfg.RecoveryDelay)
		}
		return crawler.Monitor{}, fmt.Errorf("reload monitor: %w", err)
	}
	failed := saveErr != nil || res.Failed()
	m.TotalCycles++
	if failed {
		m.FailedCycles++
	} else {
		m.SuccessfulCycles++
	}
	m.AvgCycleDuration += (duration - m.AvgCycleDuration) / time.Duration(m.TotalCycles)
	m.LastRunAt = &start
	switch {
	case saveErr != nil:
		m.LastError = saveErr.Error()
	case res.Failed() && len(res.Errors) > 0:
		m.LastError = res.FailureMessage()
	case failed:
		m.LastError = "target failed"
	default:
		m.LastError = ""
	}

	now := s.clock.Now()
	m.UpdatedAt = now
	if m.Status == crawler.MonitorStatusActive && !s.closed {
		next := start.Add(m.Config.Interval)
		if failed {
			next = start.Add(s.cfg.RecoveryDelay)
		}
		m.NextRunAt = &next
		s.arm(id, next.Sub(now))
	} else {
		m.NextRunAt = nil
	}
	if err := s.monitors.SaveMonitor(ctx, m); err != nil {
		return crawler.Monitor{}, fmt.Errorf("save monitor: %w", err)
	}
	return m, nil
}

func cyclePayload(m crawler.Monitor, res crawler.CrawlResult) map[string]any {
	p := map[string]any{
		"monitor_id":          m.ID,
		"target_id":           m.TargetID,
		"owner":               m.Owner,
		"result_id":           res.ID,
		"children_found":      res.ChildrenFound,
		"grandchildren_found": res.GrandchildrenFound,
		"errors":              len(res.Errors),
		"duration":            res.Duration.String(),
	}
	if res.Aborted() {
		p["abort_category"] = string(res.AbortCategory)
	}
	if len(m.Config.NotificationTargets) > 0 {
		p["notification_targets"] = append([]string(nil), m.Config.NotificationTargets...)
	}
	if m.LastError != "" {
		p["last_error"] = m.LastError
	}
	return p
}

// Update applies an owner action. Pausing or stopping cancels the pending
// timer; resuming a paused monitor arms a fresh one. Stopped is terminal.
func (s *Scheduler) Update(ctx context.Context, id string, patch crawler.MonitorPatch) (crawler.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return crawler.Monitor{}, ErrClosed
	}

	m, err := s.monitors.GetMonitor(ctx, id)
	if err != nil {
		return crawler.Monitor{}, err
	}
	if m.Status == crawler.MonitorStatusStopped {
		return crawler.Monitor{}, fmt.Errorf("update stopped monitor %s: %w", id, crawler.ErrInvalidTransition)
	}

	now := s.clock.Now()
	_, busy := s.inFlight[id]
	rearm := false
	if patch.Config != nil {
		cfg := *patch.Config
		if err := cfg.Validate(s.cfg.MinInterval); err != nil {
			return crawler.Monitor{}, err
		}
		if cfg.CycleTimeout == 0 {
			cfg.CycleTimeout = s.cfg.DefaultCycleTimeout
		}
		m.Config = cfg
		rearm = m.Status == crawler.MonitorStatusActive
	}
	if patch.Status != nil {
		target := *patch.Status
		if !target.Valid() {
			return crawler.Monitor{}, crawler.NewValidationError("status", "must be active, paused or stopped")
		}
		switch target {
		case crawler.MonitorStatusActive:
			if m.Status == crawler.MonitorStatusPaused {
				rearm = true
			}
		case crawler.MonitorStatusPaused, crawler.MonitorStatusStopped:
			s.disarm(id)
			m.NextRunAt = nil
			rearm = false
		}
		m.Status = target
	}
	if rearm {
		next := now.Add(m.Config.Interval)
		m.NextRunAt = &next
		if !busy {
			s.arm(id, m.Config.Interval)
		}
	}
	m.UpdatedAt = now
	if err := s.monitors.SaveMonitor(ctx, m); err != nil {
		return crawler.Monitor{}, fmt.Errorf("save monitor: %w", err)
	}
	s.logger.Info("monitor updated",
		zap.String("monitor_id", id),
		zap.String("status", string(m.Status)),
	)
	return m.Clone(), nil
}

// BulkAction applies action to every id independently and collects failures.
func (s *Scheduler) BulkAction(ctx context.Context, ids []string, action crawler.BulkAction) crawler.BulkResult {
	result := crawler.BulkResult{Errors: []crawler.BulkError{}}
	status, ok := action.TargetStatus()
	for _, id := range ids {
		if !ok {
			result.Failed++
			result.Errors = append(result.Errors, crawler.BulkError{ID: id, Error: fmt.Sprintf("unknown action %q", action)})
			continue
		}
		if _, err := s.Update(ctx, id, crawler.MonitorPatch{Status: &status}); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, crawler.BulkError{ID: id, Error: err.Error()})
			continue
		}
		result.Successful++
	}
	return result
}

// Health aggregates monitor state, cycle statistics and client counters.
func (s *Scheduler) Health(ctx context.Context) (crawler.HealthView, error) {
	all, err := s.monitors.ListMonitors(ctx, crawler.MonitorFilter{})
	if err != nil {
		return crawler.HealthView{}, fmt.Errorf("list monitors: %w", err)
	}
	now := s.clock.Now()
	view := crawler.HealthView{TotalMonitors: len(all), CheckedAt: now}
	var weighted time.Duration
	for _, m := range all {
		switch m.Status {
		case crawler.MonitorStatusActive:
			view.Active++
			if m.NextRunAt != nil && now.Sub(*m.NextRunAt) > s.cfg.OverdueGrace {
				view.Overdue++
			}
		case crawler.MonitorStatusPaused:
			view.Paused++
		case crawler.MonitorStatusStopped:
			view.Stopped++
		}
		view.TotalCycles += m.TotalCycles
		view.SuccessfulCycles += m.SuccessfulCycles
		view.FailedCycles += m.FailedCycles
		weighted += m.AvgCycleDuration * time.Duration(m.TotalCycles)
	}
	if view.TotalCycles > 0 {
		view.SuccessRate = float64(view.SuccessfulCycles) / float64(view.TotalCycles) * 100
		view.AvgCycleDuration = weighted / time.Duration(view.TotalCycles)
	}

	s.mu.Lock()
	for _, slot := range s.slots {
		if slot.Armed() {
			view.ArmedTimers++
		}
	}
	view.CyclesInFlight = len(s.inFlight)
	s.mu.Unlock()

	if s.stats != nil {
		stats := s.stats.Stats()
		view.Client = &stats
	}
	return view, nil
}

// Close cancels every timer and waits for in-flight cycles. When ctx expires
// first the cycles are cancelled.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, slot := range s.slots {
		slot.Cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}
