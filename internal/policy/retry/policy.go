package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Config holds the immutable retry settings.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// UnknownMaxRetries caps retries of unclassified errors regardless of MaxAttempts.
	UnknownMaxRetries int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseDelay:         250 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		UnknownMaxRetries: 1,
	}
}

// Validate rejects out-of-range retry settings.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 || c.MaxAttempts > crawler.MaxAttemptsLimit {
		return fmt.Errorf("retry max_attempts must be between 1 and %d", crawler.MaxAttemptsLimit)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("retry base_delay must be > 0")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("retry max_delay must be >= base_delay")
	}
	if c.UnknownMaxRetries < 0 {
		return fmt.Errorf("retry unknown_max_retries must be >= 0")
	}
	return nil
}

// Decision is the outcome of consulting the policy after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy decides retries with capped exponential backoff.
type Policy struct {
	cfg Config
}

// NewPolicy validates cfg and builds a Policy.
func NewPolicy(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{cfg: cfg}, nil
}

// MaxAttempts returns the default attempt cap.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Decide reports whether attempt (zero-based) should be followed by another
// one, given the classified failure and the attempt cap in force.
func (p *Policy) Decide(attempt, maxAttempts int, cerr *crawler.ClassifiedError) Decision {
	if cerr == nil || !cerr.Retryable() {
		return Decision{}
	}
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	if attempt+1 >= maxAttempts {
		return Decision{}
	}
	if cerr.Category == crawler.CategoryUnknown && attempt >= p.cfg.UnknownMaxRetries {
		return Decision{}
	}

	delay := p.Backoff(attempt)
	if cerr.Category == crawler.CategoryRateLimited && cerr.RetryAfter > delay {
		delay = cerr.RetryAfter
	}
	return Decision{Retry: true, Delay: delay}
}

// Backoff returns min(base × 2^attempt, max).
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	return time.Duration(delay)
}
