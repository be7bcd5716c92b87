package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

// fakeRunner fails the targets in fail and blocks on targets present in gates
// until the gate channel is closed.
type fakeRunner struct {
	mu      sync.Mutex
	fail    map[string]bool
	gates   map[string]chan struct{}
	entered map[string]chan struct{}
	ran     []string
}

func (r *fakeRunner) Run(ctx context.Context, targetID string, _ crawler.CrawlLimits) crawler.CrawlResult {
	r.mu.Lock()
	r.ran = append(r.ran, targetID)
	gate := r.gates[targetID]
	entered := r.entered[targetID]
	r.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	res := crawler.CrawlResult{ID: "res-" + targetID, TargetID: targetID, ChildrenFound: 2, GrandchildrenFound: 10, Errors: []string{}}
	if r.fail[targetID] {
		res = crawler.CrawlResult{ID: "res-" + targetID, TargetID: targetID, TargetFailed: true, Errors: []string{"target " + targetID + ": boom"}}
	}
	return res
}

func (r *fakeRunner) Ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

// recordingStore captures every saved snapshot.
type recordingStore struct {
	*memory.TaskStore
	mu        sync.Mutex
	snapshots []crawler.Task
}

func (s *recordingStore) SaveTask(ctx context.Context, task crawler.Task) error {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, task.Clone())
	s.mu.Unlock()
	return s.TaskStore.SaveTask(ctx, task)
}

type failingResults struct {
	*memory.ResultStore
	err error
}

func (f failingResults) SaveResult(context.Context, crawler.CrawlResult) error {
	return f.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, eventType string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type fixture struct {
	mgr      *Manager
	store    *recordingStore
	results  *memory.ResultStore
	runner   *fakeRunner
	clock    *fakeClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		store:    &recordingStore{TaskStore: memory.NewTaskStore()},
		results:  memory.NewResultStore(),
		runner:   &fakeRunner{fail: map[string]bool{}, gates: map[string]chan struct{}{}, entered: map[string]chan struct{}{}},
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
	}
	mgr, err := NewManager(f.store, f.results, f.runner, f.notifier, &seqIDs{}, f.clock, cfg, nil)
	require.NoError(t, err)
	f.mgr = mgr
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return f
}

func limits() crawler.TaskConfig {
	return crawler.TaskConfig{Limits: crawler.CrawlLimits{MaxChildren: 2, MaxGrandchildren: 5}}
}

func waitTerminal(t *testing.T, mgr *Manager, id string) crawler.TaskView {
	t.Helper()
	var view crawler.TaskView
	require.Eventually(t, func() bool {
		v, err := mgr.Status(context.Background(), id)
		if err != nil {
			return false
		}
		view = v
		return v.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return view
}

func TestCreate_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *Config) {
		c.MaxTargets = 3
		c.MaxEstimatedRequests = 50
	})
	ctx := context.Background()

	cases := map[string]struct {
		targets []string
		cfg     crawler.TaskConfig
	}{
		"empty":       {nil, limits()},
		"duplicate":   {[]string{"a", "a"}, limits()},
		"blank":       {[]string{"a", " "}, limits()},
		"too many":    {[]string{"a", "b", "c", "d"}, limits()},
		"bad limits":  {[]string{"a"}, crawler.TaskConfig{}},
		"concurrency": {[]string{"a"}, crawler.TaskConfig{Limits: limits().Limits, Concurrency: 99}},
		"estimate": {[]string{"a", "b", "c"}, crawler.TaskConfig{
			Limits: crawler.CrawlLimits{MaxChildren: 100, MaxGrandchildren: 100},
		}},
	}
	for name, tc := range cases {
		_, err := f.mgr.Create(ctx, tc.targets, tc.cfg, 0)
		require.Error(t, err, name)
		assert.True(t, crawler.IsValidation(err), name)
	}

	id, err := f.mgr.Create(ctx, []string{" a ", "b"}, limits(), 1)
	require.NoError(t, err)
	view, err := f.mgr.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, crawler.TaskStatusPending, view.Status)
	assert.Equal(t, []string{"a", "b"}, view.Targets)
	assert.Equal(t, 2, view.Total)
	assert.Equal(t, 1, view.Config.Concurrency)
}

func TestEstimateRequests(t *testing.T) {
	t.Parallel()

	// 1 metadata + 1 children page + 2 children × 1 grandchildren page
	assert.Equal(t, 3*4, EstimateRequests(3, crawler.CrawlLimits{MaxChildren: 2, MaxGrandchildren: 5}, 100))
	assert.Equal(t, 1+3, EstimateRequests(1, crawler.CrawlLimits{MaxChildren: 250}, 100))
}

func TestRun_CompletesWithPerTargetErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.runner.fail["B"] = true
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"A", "B", "C"}, limits(), 0)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, id))

	view := waitTerminal(t, f.mgr, id)
	assert.Equal(t, crawler.TaskStatusCompleted, view.Status)
	assert.Equal(t, 3, view.Total)
	assert.Equal(t, 3, view.Completed)
	assert.Len(t, view.Errors, 1)
	assert.InDelta(t, 100.0, view.Progress, 0.001)
	assert.Equal(t, 4, view.ChildrenFound)
	assert.Equal(t, 20, view.GrandchildrenFound)
	assert.Equal(t, []string{"A", "B", "C"}, f.runner.Ran())

	saved, err := f.results.ListResults(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, saved, 3)
	for _, r := range saved {
		assert.Equal(t, id, r.TaskID)
	}
	require.Eventually(t, func() bool {
		events := f.notifier.Events()
		return len(events) == 2 && events[0] == EventStarted && events[1] == EventCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestRun_FailsEarlyAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	targets := make([]string, 10)
	for i := range targets {
		targets[i] = fmt.Sprintf("t%d", i)
		f.runner.fail[targets[i]] = true
	}
	cfg := limits()
	cfg.ConsecutiveFailureThreshold = 3
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, targets, cfg, 0)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, id))

	view := waitTerminal(t, f.mgr, id)
	assert.Equal(t, crawler.TaskStatusFailed, view.Status)
	assert.Len(t, view.Errors, 3)
	assert.Equal(t, 3, view.Completed)
	assert.Len(t, f.runner.Ran(), 3)
	assert.Contains(t, view.Reason, "3 consecutive")
}

func TestRun_SuccessResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	for _, id := range []string{"a", "b", "d", "e"} {
		f.runner.fail[id] = true
	}
	cfg := limits()
	cfg.ConsecutiveFailureThreshold = 3
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"a", "b", "c", "d", "e"}, cfg, 0)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, id))

	view := waitTerminal(t, f.mgr, id)
	assert.Equal(t, crawler.TaskStatusCompleted, view.Status)
	assert.Len(t, view.Errors, 4)
}

func TestRun_ProgressInvariants(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.runner.fail["t2"] = true
	ctx := context.Background()
	targets := []string{"t0", "t1", "t2", "t3", "t4", "t5"}
	cfg := limits()
	cfg.Concurrency = 3

	id, err := f.mgr.Create(ctx, targets, cfg, 0)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, id))
	waitTerminal(t, f.mgr, id)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	last := -1.0
	for _, snap := range f.store.snapshots {
		if snap.ID != id {
			continue
		}
		assert.LessOrEqual(t, snap.Completed, snap.Total)
		assert.LessOrEqual(t, len(snap.Errors), snap.Completed)
		assert.GreaterOrEqual(t, snap.Progress, last)
		last = snap.Progress
	}
	assert.InDelta(t, 100.0, last, 0.001)
}

func TestStop_InFlightTargetCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	gate := make(chan struct{})
	entered := make(chan struct{})
	f.runner.gates["B"] = gate
	f.runner.entered["B"] = entered
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"A", "B", "C", "D"}, limits(), 0)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, id))

	<-entered
	stopped, err := f.mgr.Stop(ctx, id)
	require.NoError(t, err)
	assert.True(t, stopped)
	close(gate)

	view := waitTerminal(t, f.mgr, id)
	assert.Equal(t, crawler.TaskStatusStopped, view.Status)
	assert.Equal(t, 2, view.Completed)
	assert.Equal(t, []string{"A", "B"}, f.runner.Ran())

	again, err := f.mgr.Stop(ctx, id)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestStop_PendingTaskStopsImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	id, err := f.mgr.Create(ctx, []string{"A"}, limits(), 0)
	require.NoError(t, err)

	stopped, err := f.mgr.Stop(ctx, id)
	require.NoError(t, err)
	assert.True(t, stopped)

	view, err := f.mgr.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, crawler.TaskStatusStopped, view.Status)
	require.ErrorIs(t, f.mgr.Start(ctx, id), crawler.ErrInvalidTransition)
	assert.Empty(t, f.runner.Ran())
}

func TestStatus_IsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	gate := make(chan struct{})
	entered := make(chan struct{})
	f.runner.gates["A"] = gate
	f.runner.entered["A"] = entered
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"A"}, limits(), 0)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, id))
	<-entered

	f.clock.Advance(3 * time.Second)
	first, err := f.mgr.Status(ctx, id)
	require.NoError(t, err)
	second, err := f.mgr.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 3*time.Second, first.Duration)
	assert.Equal(t, crawler.TaskStatusRunning, first.Status)

	close(gate)
	waitTerminal(t, f.mgr, id)
}

func TestRun_ResultPersistenceFailureFailsTask(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	boom := errors.New("database unreachable")
	mgr, err := NewManager(store, failingResults{ResultStore: memory.NewResultStore(), err: boom},
		&fakeRunner{}, nil, &seqIDs{}, newFakeClock(), DefaultConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := mgr.Create(ctx, []string{"A", "B"}, limits(), 0)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, id))

	view := waitTerminal(t, mgr, id)
	assert.Equal(t, crawler.TaskStatusFailed, view.Status)
	assert.Equal(t, "database unreachable", view.Reason)
	assert.Zero(t, view.Completed)
	require.NoError(t, mgr.Close(ctx))
}

func TestRun_TimeoutIsTerminalFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.runner.gates["A"] = make(chan struct{})
	cfg := limits()
	cfg.Timeout = 30 * time.Millisecond
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"A", "B"}, cfg, 0)
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, id))

	view := waitTerminal(t, f.mgr, id)
	assert.Equal(t, crawler.TaskStatusFailed, view.Status)
	assert.Contains(t, view.Reason, "timed out")
	assert.Equal(t, []string{"A"}, f.runner.Ran())
}

func TestList_OrdersByPriorityThenCreation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	low, err := f.mgr.Create(ctx, []string{"a"}, limits(), 1)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	high, err := f.mgr.Create(ctx, []string{"b"}, limits(), 5)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	lowLater, err := f.mgr.Create(ctx, []string{"c"}, limits(), 1)
	require.NoError(t, err)

	views, err := f.mgr.List(ctx, crawler.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, []string{high, low, lowLater}, []string{views[0].ID, views[1].ID, views[2].ID})

	limited, err := f.mgr.List(ctx, crawler.TaskFilter{Status: crawler.TaskStatusPending, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, high, limited[0].ID)
}

func TestSweep_RemovesExpiredTerminalTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *Config) { c.Retention = time.Hour })
	ctx := context.Background()

	done, err := f.mgr.Create(ctx, []string{"a"}, limits(), 0)
	require.NoError(t, err)
	_, err = f.mgr.Stop(ctx, done)
	require.NoError(t, err)
	pending, err := f.mgr.Create(ctx, []string{"b"}, limits(), 0)
	require.NoError(t, err)
	require.NoError(t, f.results.SaveResult(ctx, crawler.CrawlResult{ID: "r1", TaskID: done}))
	require.NoError(t, f.results.SaveResult(ctx, crawler.CrawlResult{ID: "r2", TaskID: pending}))

	removed, err := f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	f.clock.Advance(2 * time.Hour)
	removed, err = f.mgr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = f.mgr.Status(ctx, done)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = f.mgr.Status(ctx, pending)
	require.NoError(t, err)

	left, err := f.results.ListResults(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, pending, left[0].TaskID)
}

func TestStart_UnknownTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	require.ErrorIs(t, f.mgr.Start(context.Background(), "missing"), crawler.ErrNotFound)
}
