package crawler

import (
	"time"
)

// Upper bounds applied when validating per-job configuration.
const (
	MaxChildrenLimit      = 1000
	MaxGrandchildrenLimit = 1000
	MaxAttemptsLimit      = 10
	MaxTaskConcurrency    = 8
)

// TaskConfig is the immutable per-task configuration.
type TaskConfig struct {
	Limits                      CrawlLimits   `json:"limits"`
	Timeout                     time.Duration `json:"timeout"`
	MaxRetries                  int           `json:"max_retries"`
	ConsecutiveFailureThreshold int           `json:"consecutive_failure_threshold"`
	Concurrency                 int           `json:"concurrency"`
}

// NewTaskConfig validates cfg and fills optional zero values.
func NewTaskConfig(cfg TaskConfig) (TaskConfig, error) {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if err := cfg.Validate(); err != nil {
		return TaskConfig{}, err
	}
	if cfg.MaxRetries > 0 && cfg.Limits.MaxAttempts == 0 {
		cfg.Limits.MaxAttempts = cfg.MaxRetries + 1
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c TaskConfig) Validate() error {
	if err := c.Limits.Validate("limits"); err != nil {
		return err
	}
	if c.Timeout < 0 {
		return NewValidationError("timeout", "must be >= 0")
	}
	if c.MaxRetries < 0 || c.MaxRetries >= MaxAttemptsLimit {
		return NewValidationError("max_retries", "must be between 0 and 9")
	}
	if c.ConsecutiveFailureThreshold < 0 {
		return NewValidationError("consecutive_failure_threshold", "must be >= 0")
	}
	if c.Concurrency < 1 || c.Concurrency > MaxTaskConcurrency {
		return NewValidationError("concurrency", "must be between 1 and 8")
	}
	return nil
}

// Validate rejects limits that are missing or out of range. prefix scopes the field name.
func (l CrawlLimits) Validate(prefix string) error {
	if l.MaxChildren <= 0 || l.MaxChildren > MaxChildrenLimit {
		return NewValidationError(prefix+".max_children", "must be between 1 and 1000")
	}
	if l.MaxGrandchildren < 0 || l.MaxGrandchildren > MaxGrandchildrenLimit {
		return NewValidationError(prefix+".max_grandchildren", "must be between 0 and 1000")
	}
	if l.PacingDelay < 0 {
		return NewValidationError(prefix+".pacing_delay", "must be >= 0")
	}
	if l.MaxAttempts < 0 || l.MaxAttempts > MaxAttemptsLimit {
		return NewValidationError(prefix+".max_attempts", "must be between 0 and 10")
	}
	return nil
}

// MonitorConfig is the recurring configuration of a monitor.
type MonitorConfig struct {
	Interval            time.Duration `json:"interval"`
	Limits              CrawlLimits   `json:"limits"`
	CycleTimeout        time.Duration `json:"cycle_timeout"`
	MaxRetries          int           `json:"max_retries"`
	NotificationTargets []string      `json:"notification_targets,omitempty"`
}

// Validate rejects out-of-range values. minInterval is the scheduler's floor.
func (c MonitorConfig) Validate(minInterval time.Duration) error {
	if c.Interval <= 0 || c.Interval < minInterval {
		return NewValidationError("interval", "must be >= "+minInterval.String())
	}
	if err := c.Limits.Validate("limits"); err != nil {
		return err
	}
	if c.CycleTimeout < 0 {
		return NewValidationError("cycle_timeout", "must be >= 0")
	}
	if c.MaxRetries < 0 || c.MaxRetries >= MaxAttemptsLimit {
		return NewValidationError("max_retries", "must be between 0 and 9")
	}
	return nil
}

// EffectiveLimits folds MaxRetries into the crawl limits.
func (c MonitorConfig) EffectiveLimits() CrawlLimits {
	limits := c.Limits
	if c.MaxRetries > 0 && limits.MaxAttempts == 0 {
		limits.MaxAttempts = c.MaxRetries + 1
	}
	return limits
}
