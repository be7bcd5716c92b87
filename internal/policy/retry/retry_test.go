package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifier_Classify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want crawler.Category
	}{
		{"rate limited", &crawler.TransportError{Code: 429}, crawler.CategoryRateLimited},
		{"unauthorized", &crawler.TransportError{Code: 401}, crawler.CategoryAuthFailure},
		{"forbidden", &crawler.TransportError{Code: 403}, crawler.CategoryPermissionDenied},
		{"not found", &crawler.TransportError{Code: 404}, crawler.CategoryNotFound},
		{"gone", &crawler.TransportError{Code: 410}, crawler.CategoryNotFound},
		{"request timeout", &crawler.TransportError{Code: 408}, crawler.CategoryTransient},
		{"server error", &crawler.TransportError{Code: 503}, crawler.CategoryTransient},
		{"bad request", &crawler.TransportError{Code: 400}, crawler.CategoryFatal},
		{"wrapped transport", fmt.Errorf("fetch: %w", &crawler.TransportError{Code: 502}), crawler.CategoryTransient},
		{"deadline", context.DeadlineExceeded, crawler.CategoryTransient},
		{"canceled", context.Canceled, crawler.CategoryFatal},
		{"net timeout", timeoutErr{}, crawler.CategoryTransient},
		{"opaque", errors.New("boom"), crawler.CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classifier{}.Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Category)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifier_KeepsHintAndPassesThroughClassified(t *testing.T) {
	t.Parallel()

	got := Classifier{}.Classify(&crawler.TransportError{Code: 429, RetryAfter: 30 * time.Second})
	assert.Equal(t, 30*time.Second, got.RetryAfter)

	already := &crawler.ClassifiedError{Category: crawler.CategoryFatal, Err: errors.New("x")}
	assert.Same(t, already, Classifier{}.Classify(fmt.Errorf("wrap: %w", already)))
	assert.Nil(t, Classifier{}.Classify(nil))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxAttempts = 0
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxDelay = bad.BaseDelay / 2
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.UnknownMaxRetries = -1
	_, err := NewPolicy(bad)
	require.Error(t, err)
}

func newPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := NewPolicy(Config{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		UnknownMaxRetries: 1,
	})
	require.NoError(t, err)
	return p
}

func TestPolicy_Backoff(t *testing.T) {
	t.Parallel()

	p := newPolicy(t)
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(4))
}

func TestPolicy_RateLimitHintWins(t *testing.T) {
	t.Parallel()

	p := newPolicy(t)
	cerr := &crawler.ClassifiedError{Category: crawler.CategoryRateLimited, RetryAfter: 30 * time.Second}
	d := p.Decide(1, 0, cerr)
	require.True(t, d.Retry)
	assert.Equal(t, 30*time.Second, d.Delay)

	cerr.RetryAfter = time.Second
	d = p.Decide(2, 0, cerr)
	assert.Equal(t, 4*time.Second, d.Delay)
}

func TestPolicy_NeverRetriesTerminalCategories(t *testing.T) {
	t.Parallel()

	p := newPolicy(t)
	for _, c := range []crawler.Category{
		crawler.CategoryFatal,
		crawler.CategoryAuthFailure,
		crawler.CategoryPermissionDenied,
		crawler.CategoryNotFound,
	} {
		d := p.Decide(0, 0, &crawler.ClassifiedError{Category: c})
		assert.False(t, d.Retry, c)
	}
	assert.False(t, p.Decide(0, 0, nil).Retry)
}

func TestPolicy_AttemptCaps(t *testing.T) {
	t.Parallel()

	p := newPolicy(t)
	transient := &crawler.ClassifiedError{Category: crawler.CategoryTransient}
	assert.True(t, p.Decide(3, 0, transient).Retry)
	assert.False(t, p.Decide(4, 0, transient).Retry)
	assert.False(t, p.Decide(1, 2, transient).Retry, "per-call cap overrides default")

	unknown := &crawler.ClassifiedError{Category: crawler.CategoryUnknown}
	assert.True(t, p.Decide(0, 0, unknown).Retry)
	assert.False(t, p.Decide(1, 0, unknown).Retry, "unknown errors retry once")
}
