// Package ratelimit bounds the outgoing request rate to the external content API.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

// DefaultWindow is the rolling window the capacity applies to.
const DefaultWindow = time.Second

// Config holds rate limiter configuration.
type Config struct {
	// Capacity is the number of permits granted per rolling window.
	Capacity int
	// Window defaults to one second.
	Window time.Duration
}

// Validate rejects unusable limiter settings.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("ratelimit capacity must be > 0")
	}
	if c.Window < 0 {
		return fmt.Errorf("ratelimit window must be >= 0")
	}
	return nil
}

// Limiter is a sliding-window log limiter shared by every caller of one API.
// Unlike a fixed-window counter it never lets 2×Capacity requests through
// around a window boundary.
type Limiter struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	// grants holds the times of the permits issued inside the current window, oldest first.
	grants []time.Time

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New creates a new Limiter.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	window := cfg.Window
	if window == 0 {
		window = DefaultWindow
	}
	return &Limiter{
		capacity: cfg.Capacity,
		window:   window,
		grants:   make([]time.Time, 0, cfg.Capacity),
		now:      time.Now,
		after:    time.After,
	}, nil
}

// Acquire blocks until a permit is available or ctx is done. It never denies a
// permit outright; callers only wait.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.now()
	for {
		wait, ok := l.reserve()
		if ok {
			if waited := l.now().Sub(start); waited > time.Millisecond {
				telemetry.ObserveRateLimitWait(waited)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-l.after(wait):
		}
	}
}

// reserve grants a permit when the window has room, otherwise it reports how
// long until the oldest grant leaves the window.
func (l *Limiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)
	if len(l.grants) < l.capacity {
		l.grants = append(l.grants, now)
		return 0, true
	}
	wait := l.grants[0].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}

// Capacity returns the number of permits per window.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// InFlight returns how many permits were granted inside the current window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return len(l.grants)
}
