package crawler

import (
	"time"
)

// TaskStatus represents the lifecycle state of a one-off crawl task.
type TaskStatus string

// Task status values. Completed, failed and stopped are terminal.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusStopped   TaskStatus = "stopped"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped:
		return true
	default:
		return false
	}
}

// MonitorStatus represents the lifecycle state of a recurring monitor.
type MonitorStatus string

// Monitor status values. Stopped is terminal.
const (
	MonitorStatusActive  MonitorStatus = "active"
	MonitorStatusPaused  MonitorStatus = "paused"
	MonitorStatusStopped MonitorStatus = "stopped"
)

// Valid reports whether s is a known monitor status.
func (s MonitorStatus) Valid() bool {
	switch s {
	case MonitorStatusActive, MonitorStatusPaused, MonitorStatusStopped:
		return true
	default:
		return false
	}
}

// Item is a single element returned by the external content API.
type Item struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Params carries query parameters for one external API call.
type Params map[string]string

// Clone returns a copy of p that can be mutated independently.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// CrawlLimits bounds how much of the hierarchy a single pipeline run walks.
type CrawlLimits struct {
	MaxChildren      int           `json:"max_children" mapstructure:"max_children"`
	MaxGrandchildren int           `json:"max_grandchildren" mapstructure:"max_grandchildren"`
	PacingDelay      time.Duration `json:"pacing_delay" mapstructure:"pacing_delay"`
	// MaxAttempts overrides the client's attempt cap for every call in the run. Zero keeps the default.
	MaxAttempts      int           `json:"max_attempts" mapstructure:"max_attempts"`
}

// CrawlResult is the immutable outcome of one pipeline invocation.
type CrawlResult struct {
	ID                 string        `json:"id"`
	TargetID           string        `json:"target_id"`
	TaskID             string        `json:"task_id,omitempty"`
	MonitorID          string        `json:"monitor_id,omitempty"`
	ChildrenFound      int           `json:"children_found"`
	GrandchildrenFound int           `json:"grandchildren_found"`
	Errors             []string      `json:"errors"`
	TargetFailed       bool          `json:"target_failed"`
	// AbortCategory is set when an auth or permission error stopped the walk.
	AbortCategory      Category      `json:"abort_category,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	CompletedAt        time.Time     `json:"completed_at"`
	Duration           time.Duration `json:"duration"`
}

// Failed reports whether the target could not be crawled or the walk was
// aborted.
func (r CrawlResult) Failed() bool {
	return r.TargetFailed || r.Aborted()
}

// Aborted reports whether a terminal category stopped the walk early.
func (r CrawlResult) Aborted() bool {
	return r.AbortCategory != ""
}

// FailureMessage returns the error that best explains a failed result: the
// aborting error when the walk was stopped, else the first recorded error.
func (r CrawlResult) FailureMessage() string {
	switch {
	case len(r.Errors) == 0:
		return ""
	case r.Aborted():
		return r.Errors[len(r.Errors)-1]
	default:
		return r.Errors[0]
	}
}

// Partial reports whether the target was crawled but some children failed.
func (r CrawlResult) Partial() bool {
	return !r.TargetFailed && len(r.Errors) > 0
}

// Task is a one-off crawl job over an ordered list of targets.
type Task struct {
	ID                 string     `json:"id"`
	Targets            []string   `json:"targets"`
	Priority           int        `json:"priority"`
	Config             TaskConfig `json:"config"`
	Status             TaskStatus `json:"status"`
	Progress           float64    `json:"progress"`
	Completed          int        `json:"completed"`
	Total              int        `json:"total"`
	ChildrenFound      int        `json:"children_found"`
	GrandchildrenFound int        `json:"grandchildren_found"`
	CurrentTarget      string     `json:"current_target,omitempty"`
	Errors             []string   `json:"errors"`
	// Reason explains a terminal status other than completed.
	Reason             string     `json:"reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of t so callers never share slices with the registry.
func (t Task) Clone() Task {
	cp := t
	cp.Targets = append([]string(nil), t.Targets...)
	cp.Errors = append([]string(nil), t.Errors...)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return cp
}

// TaskView is the computed status view returned to callers.
type TaskView struct {
	Task
	Duration time.Duration `json:"duration"`
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status TaskStatus
	Limit  int
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t Task) bool {
	return f.Status == "" || t.Status == f.Status
}

// Monitor is a recurring crawl of a single target.
type Monitor struct {
	ID               string        `json:"id"`
	TargetID         string        `json:"target_id"`
	Owner            string        `json:"owner"`
	Status           MonitorStatus `json:"status"`
	Config           MonitorConfig `json:"config"`
	LastRunAt        *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt        *time.Time    `json:"next_run_at,omitempty"`
	TotalCycles      int           `json:"total_cycles"`
	SuccessfulCycles int           `json:"successful_cycles"`
	FailedCycles     int           `json:"failed_cycles"`
	AvgCycleDuration time.Duration `json:"avg_cycle_duration"`
	LastError        string        `json:"last_error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of m.
func (m Monitor) Clone() Monitor {
	cp := m
	cp.Config.NotificationTargets = append([]string(nil), m.Config.NotificationTargets...)
	if m.LastRunAt != nil {
		ts := *m.LastRunAt
		cp.LastRunAt = &ts
	}
	if m.NextRunAt != nil {
		ts := *m.NextRunAt
		cp.NextRunAt = &ts
	}
	return cp
}

// MonitorFilter narrows ListMonitors results.
type MonitorFilter struct {
	Status MonitorStatus
	Owner  string
}

// Matches reports whether m passes the filter.
func (f MonitorFilter) Matches(m Monitor) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.Owner != "" && m.Owner != f.Owner {
		return false
	}
	return true
}

// MonitorPatch describes an owner-initiated change to a monitor.
type MonitorPatch struct {
	Status *MonitorStatus `json:"status,omitempty"`
	Config *MonitorConfig `json:"config,omitempty"`
}

// BulkAction is a status transition applied to many monitors at once.
type BulkAction string

// Supported bulk actions.
const (
	BulkPause  BulkAction = "pause"
	BulkResume BulkAction = "resume"
	BulkStop   BulkAction = "stop"
)

// TargetStatus maps the action to the monitor status it produces.
func (a BulkAction) TargetStatus() (MonitorStatus, bool) {
	switch a {
	case BulkPause:
		return MonitorStatusPaused, true
	case BulkResume:
		return MonitorStatusActive, true
	case BulkStop:
		return MonitorStatusStopped, true
	default:
		return "", false
	}
}

// BulkError records why a single id failed inside a bulk action.
type BulkError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult summarizes a bulk action.
type BulkResult struct {
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Errors     []BulkError `json:"errors"`
}

// ClientStats is a snapshot of the external API client counters.
type ClientStats struct {
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Retries   int64 `json:"retries"`
}

// HealthView aggregates scheduler health.
type HealthView struct {
	TotalMonitors    int           `json:"total_monitors"`
	Active           int           `json:"active"`
	Paused           int           `json:"paused"`
	Stopped          int           `json:"stopped"`
	ArmedTimers      int           `json:"armed_timers"`
	Overdue          int           `json:"overdue"`
	CyclesInFlight   int           `json:"cycles_in_flight"`
	TotalCycles      int           `json:"total_cycles"`
	SuccessfulCycles int           `json:"successful_cycles"`
	FailedCycles     int           `json:"failed_cycles"`
	SuccessRate      float64       `json:"success_rate"`
	AvgCycleDuration time.Duration `json:"avg_cycle_duration"`
	Client           *ClientStats  `json:"client,omitempty"`
	CheckedAt        time.Time     `json:"checked_at"`
}
