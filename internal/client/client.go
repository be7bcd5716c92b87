// Package client wraps the external content API transport with rate limiting,
// error classification and retries.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/retry"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

// Limiter hands out permits for outgoing calls.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Config holds client settings.
type Config struct {
	// AttemptTimeout bounds each individual transport call. Zero disables it.
	AttemptTimeout time.Duration
}

// Client is the single entry point for calls to the external API.
type Client struct {
	transport  crawler.Transport
	limiter    Limiter
	policy     *retry.Policy
	classifier retry.Classifier
	cfg        Config
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	retries   atomic.Int64
}

// New wires a Client. logger may be nil.
func New(transport crawler.Transport, limiter Limiter, policy *retry.Policy, cfg Config, logger *zap.Logger) (*Client, error) {
	if transport == nil {
		return nil, errors.New("client: transport is required")
	}
	if limiter == nil {
		return nil, errors.New("client: limiter is required")
	}
	if policy == nil {
		return nil, errors.New("client: retry policy is required")
	}
	if cfg.AttemptTimeout < 0 {
		return nil, errors.New("client: attempt timeout must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		transport: transport,
		limiter:   limiter,
		policy:    policy,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepContext,
	}, nil
}

type callOptions struct {
	maxAttempts int
}

// CallOption customizes a single Call.
type CallOption func(*callOptions)

// WithMaxAttempts overrides the attempt cap for one call. Values <= 0 keep the default.
func WithMaxAttempts(n int) CallOption {
	return func(o *callOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// Call fetches endpoint with params. A NotFound response yields (nil, nil).
// Any other failure is returned as a *crawler.ClassifiedError carrying the
// endpoint, the number of attempts made and the last cause.
func (c *Client) Call(ctx context.Context, endpoint string, params crawler.Params, opts ...CallOption) ([]crawler.Item, error) {
	o := callOptions{maxAttempts: c.policy.MaxAttempts()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "client.Call",
		trace.WithAttributes(attribute.String("api.endpoint", endpoint)))
	defer span.End()
	start := time.Now()

	items, attempts, err := c.call(ctx, endpoint, params, o.maxAttempts)
	span.SetAttributes(attribute.Int("api.attempts", attempts))
	telemetry.ObserveAPICall(endpoint, err == nil, time.Since(start))
	if err != nil {
		c.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.successes.Add(1)
	return items, nil
}

func (c *Client) call(ctx context.Context, endpoint string, params crawler.Params, maxAttempts int) ([]crawler.Item, int, error) {
	var last *crawler.ClassifiedError
	attempt := 0
	for ; attempt < maxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, attempt, c.final(endpoint, attempt, c.classifier.Classify(err))
		}
		c.attempts.Add(1)

		items, err := c.fetch(ctx, endpoint, params)
		if err == nil {
			telemetry.ObserveAPIAttempt(endpoint, "success")
			return items, attempt + 1, nil
		}

		last = c.classifier.Classify(err)
		telemetry.ObserveAPIAttempt(endpoint, string(last.Category))
		if last.Category == crawler.CategoryNotFound {
			return nil, attempt + 1, nil
		}

		decision := c.policy.Decide(attempt, maxAttempts, last)
		if !decision.Retry {
			return nil, attempt + 1, c.final(endpoint, attempt+1, last)
		}
		c.retries.Add(1)
		c.logger.Debug("retrying api call",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.String("category", string(last.Category)),
			zap.Duration("delay", decision.Delay),
			zap.Error(err),
		)
		if err := c.sleep(ctx, decision.Delay); err != nil {
			return nil, attempt + 1, c.final(endpoint, attempt+1, last)
		}
	}
	if last == nil {
		last = &crawler.ClassifiedError{Category: crawler.CategoryUnknown, Err: errors.New("no attempts made")}
	}
	return nil, attempt, c.final(endpoint, attempt, last)
}

func (c *Client) fetch(ctx context.Context, endpoint string, params crawler.Params) ([]crawler.Item, error) {
	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}
	items, err := c.transport.Fetch(ctx, endpoint, params.Clone())
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	return items, nil
}

func (c *Client) final(endpoint string, attempts int, cause *crawler.ClassifiedError) error {
	return &crawler.ClassifiedError{
		Category:   cause.Category,
		Err:        cause.Err,
		RetryAfter: cause.RetryAfter,
		Endpoint:   endpoint,
		Attempts:   attempts,
	}
}

// Stats returns a snapshot of the running counters.
func (c *Client) Stats() crawler.ClientStats {
	return crawler.ClientStats{
		Attempts:  c.attempts.Load(),
		Successes: c.successes.Load(),
		Failures:  c.failures.Load(),
		Retries:   c.retries.Load(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
