package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusRunning.Terminal())
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.True(t, TaskStatusStopped.Terminal())
}

func TestTaskClone_DoesNotShare(t *testing.T) {
	t.Parallel()

	started := time.Unix(100, 0)
	orig := Task{ID: "task_1", Targets: []string{"A"}, Errors: []string{"e"}, StartedAt: &started}
	cp := orig.Clone()
	cp.Targets[0] = "B"
	cp.Errors[0] = "x"
	*cp.StartedAt = time.Unix(200, 0)

	assert.Equal(t, "A", orig.Targets[0])
	assert.Equal(t, "e", orig.Errors[0])
	assert.Equal(t, time.Unix(100, 0), *orig.StartedAt)
	assert.Nil(t, cp.CompletedAt)
}

func TestMonitorClone_DoesNotShare(t *testing.T) {
	t.Parallel()

	next := time.Unix(10, 0)
	orig := Monitor{ID: "mon_1", Config: MonitorConfig{NotificationTargets: []string{"ops"}}, NextRunAt: &next}
	cp := orig.Clone()
	cp.Config.NotificationTargets[0] = "dev"
	*cp.NextRunAt = time.Unix(20, 0)

	assert.Equal(t, "ops", orig.Config.NotificationTargets[0])
	assert.Equal(t, time.Unix(10, 0), *orig.NextRunAt)
}

func TestParamsClone(t *testing.T) {
	t.Parallel()

	p := Params{"id": "A"}
	cp := p.Clone()
	cp["id"] = "B"
	assert.Equal(t, "A", p["id"])
}

func TestCrawlResultOutcome(t *testing.T) {
	t.Parallel()

	assert.True(t, CrawlResult{TargetFailed: true}.Failed())
	assert.False(t, CrawlResult{TargetFailed: true, Errors: []string{"x"}}.Partial())
	assert.True(t, CrawlResult{Errors: []string{"child c1: not_found"}}.Partial())
	assert.False(t, CrawlResult{}.Partial())

	aborted := CrawlResult{AbortCategory: CategoryPermissionDenied, Errors: []string{"child a: fatal", "child b: denied"}}
	assert.True(t, aborted.Aborted())
	assert.True(t, aborted.Failed())
	assert.False(t, aborted.Partial())
	assert.Equal(t, "child b: denied", aborted.FailureMessage())
	assert.Equal(t, "target x: boom", CrawlResult{TargetFailed: true, Errors: []string{"target x: boom"}}.FailureMessage())
	assert.Empty(t, CrawlResult{}.FailureMessage())
}

func TestFilters(t *testing.T) {
	t.Parallel()

	assert.True(t, TaskFilter{}.Matches(Task{Status: TaskStatusFailed}))
	assert.False(t, TaskFilter{Status: TaskStatusRunning}.Matches(Task{Status: TaskStatusFailed}))

	m := Monitor{Status: MonitorStatusActive, Owner: "team-a"}
	assert.True(t, MonitorFilter{Owner: "team-a"}.Matches(m))
	assert.False(t, MonitorFilter{Owner: "team-b"}.Matches(m))
	assert.False(t, MonitorFilter{Status: MonitorStatusPaused}.Matches(m))
}

func TestBulkActionTargetStatus(t *testing.T) {
	t.Parallel()

	for action, want := range map[BulkAction]MonitorStatus{
		BulkPause:  MonitorStatusPaused,
		BulkResume: MonitorStatusActive,
		BulkStop:   MonitorStatusStopped,
	} {
		got, ok := action.TargetStatus()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := BulkAction("archive").TargetStatus()
	assert.False(t, ok)
	assert.False(t, MonitorStatus("deleted").Valid())
}
