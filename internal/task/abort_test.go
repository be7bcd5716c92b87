package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/client"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/pipeline"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/retry"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
)

// statusTransport serves one child per parent and answers with a fixed
// status code on the endpoints listed in deny.
type statusTransport struct {
	mu    sync.Mutex
	deny  map[string]int
	calls map[string]int
}

func (s *statusTransport) Fetch(_ context.Context, endpoint string, params crawler.Params) ([]crawler.Item, error) {
	s.mu.Lock()
	s.calls[endpoint]++
	s.mu.Unlock()
	if code, ok := s.deny[endpoint]; ok {
		return nil, &crawler.TransportError{Code: code, Message: "denied"}
	}
	switch endpoint {
	case "entities":
		return []crawler.Item{{ID: params[pipeline.ParamID]}}, nil
	default:
		return []crawler.Item{{ID: params[pipeline.ParamParent] + "/0"}}, nil
	}
}

func (s *statusTransport) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

func newEngineManager(t *testing.T, transport crawler.Transport) *Manager {
	t.Helper()
	limiter, err := ratelimit.New(ratelimit.Config{Capacity: 1000})
	require.NoError(t, err)
	policy, err := retry.NewPolicy(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, UnknownMaxRetries: 1})
	require.NoError(t, err)
	c, err := client.New(transport, limiter, policy, client.Config{}, nil)
	require.NoError(t, err)
	p, err := pipeline.New(c, pipeline.DefaultConfig(), &seqIDs{}, newFakeClock(), nil)
	require.NoError(t, err)

	mgr, err := NewManager(memory.NewTaskStore(), memory.NewResultStore(), p, nil, &seqIDs{}, newFakeClock(), DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return mgr
}

func TestRun_AuthFailureFailsTaskOnFirstTarget(t *testing.T) {
	t.Parallel()

	transport := &statusTransport{deny: map[string]int{"entities": 401}, calls: map[string]int{}}
	mgr := newEngineManager(t, transport)
	ctx := context.Background()

	id, err := mgr.Create(ctx, []string{"A", "B", "C"}, limits(), 0)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, id))

	view := waitTerminal(t, mgr, id)
	assert.Equal(t, crawler.TaskStatusFailed, view.Status)
	assert.Equal(t, 1, view.Completed)
	assert.Equal(t, 3, view.Total)
	require.Len(t, view.Errors, 1)
	assert.Contains(t, view.Reason, string(crawler.CategoryAuthFailure))
	assert.Equal(t, 1, transport.Calls("entities"), "auth failures are not retried")
}

func TestRun_PermissionDeniedOnGrandchildrenFailsTask(t *testing.T) {
	t.Parallel()

	transport := &statusTransport{deny: map[string]int{"grandchildren": 403}, calls: map[string]int{}}
	mgr := newEngineManager(t, transport)
	ctx := context.Background()

	id, err := mgr.Create(ctx, []string{"A", "B", "C"}, limits(), 0)
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, id))

	view := waitTerminal(t, mgr, id)
	assert.Equal(t, crawler.TaskStatusFailed, view.Status)
	assert.Equal(t, 1, view.Completed)
	assert.Equal(t, 1, view.ChildrenFound)
	require.Len(t, view.Errors, 1)
	assert.Contains(t, view.Errors[0], "child A/0")
	assert.Contains(t, view.Reason, string(crawler.CategoryPermissionDenied))
	assert.Equal(t, 1, transport.Calls("entities"))
}
