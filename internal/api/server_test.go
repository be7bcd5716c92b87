package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/crawl-orchestrator/internal/task"
)

type stubRunner struct {
	mu   sync.Mutex
	runs []string
}

func (r *stubRunner) Run(_ context.Context, targetID string, _ crawler.CrawlLimits) crawler.CrawlResult {
	r.mu.Lock()
	r.runs = append(r.runs, targetID)
	r.mu.Unlock()
	now := time.Now().UTC()
	return crawler.CrawlResult{
		ID:                 "res-" + targetID,
		TargetID:           targetID,
		ChildrenFound:      2,
		GrandchildrenFound: 4,
		Errors:             []string{},
		StartedAt:          now,
		CompletedAt:        now,
	}
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	runner := &stubRunner{}
	results := memory.NewResultStore()
	clock := system.New()

	mgr, err := task.NewManager(memory.NewTaskStore(), results, runner, nil, uuid.New("task-"), clock, task.DefaultConfig(), nil)
	require.NoError(t, err)
	schedCfg := scheduler.DefaultConfig()
	schedCfg.MinInterval = time.Second
	sched, err := scheduler.New(memory.NewMonitorStore(), results, runner, nil, nil, uuid.New("mon-"), clock, schedCfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
		_ = sched.Close(ctx)
	})
	return NewServer(mgr, sched, opts, zap.NewNop())
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{})
	rec := do(t, srv, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	healthy := newTestServer(t, Options{Pingers: map[string]Pinger{
		"store": pingerFunc(func(context.Context) error { return nil }),
	}})
	require.Equal(t, http.StatusOK, do(t, healthy, http.MethodGet, "/readyz", "").Code)

	broken := newTestServer(t, Options{Pingers: map[string]Pinger{
		"store": pingerFunc(func(context.Context) error { return errors.New("connection refused") }),
	}})
	rec := do(t, broken, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{AuthEnabled: true, APIKey: "secret"})

	rec := do(t, srv, http.MethodGet, "/v1/tasks", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("X-API-Key", "secret")
	ok := httptest.NewRecorder()
	srv.Handler().ServeHTTP(ok, req)
	require.Equal(t, http.StatusOK, ok.Code)

	// Probes stay open.
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "").Code)
}

func TestServer_TaskLifecycle(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{})
	rec := do(t, srv, http.MethodPost, "/v1/tasks",
		`{"targets":["t1","t2"],"priority":3,"limits":{"max_children":5,"max_grandchildren":5,"pacing_delay":"1ms"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[crawler.TaskView](t, rec)
	assert.Equal(t, crawler.TaskStatusPending, created.Status)
	assert.Equal(t, 2, created.Total)
	assert.Equal(t, 3, created.Priority)
	assert.Equal(t, time.Millisecond, created.Config.Limits.PacingDelay)

	rec = do(t, srv, http.MethodPost, "/v1/tasks/"+created.ID+"/start", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		view := decode[crawler.TaskView](t, do(t, srv, http.MethodGet, "/v1/tasks/"+created.ID, ""))
		return view.Status == crawler.TaskStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	final := decode[crawler.TaskView](t, do(t, srv, http.MethodGet, "/v1/tasks/"+created.ID, ""))
	assert.Equal(t, 2, final.Completed)
	assert.Equal(t, 4, final.ChildrenFound)
	assert.InDelta(t, 100, final.Progress, 0.001)

	// Starting again is an invalid transition; stopping a terminal task is a no-op.
	require.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/v1/tasks/"+created.ID+"/start", "").Code)
	stop := decode[map[string]any](t, do(t, srv, http.MethodPost, "/v1/tasks/"+created.ID+"/stop", ""))
	assert.Equal(t, false, stop["stopped"])
}

func TestServer_CreateTaskAndStart(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{})
	rec := do(t, srv, http.MethodPost, "/v1/tasks", `{"targets":["t1"],"limits":{"max_children":1},"start":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decode[crawler.TaskView](t, rec)
	assert.NotEqual(t, crawler.TaskStatusPending, view.Status)
}

func TestServer_StopPendingTask(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{})
	created := decode[crawler.TaskView](t, do(t, srv, http.MethodPost, "/v1/tasks", `{"targets":["t1"],"limits":{"max_children":1}}`))

	stop := decode[map[string]any](t, do(t, srv, http.MethodPost, "/v1/tasks/"+created.ID+"/stop", ""))
	assert.Equal(t, true, stop["stopped"])

	view := decode[crawler.TaskView](t, do(t, srv, http.MethodGet, "/v1/tasks/"+created.ID, ""))
	assert.Equal(t, crawler.TaskStatusStopped, view.Status)
}

func TestServer_CreateTaskValidation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{})
	cases := map[string]string{
		"invalid json":     `{invalid`,
		"unknown field":    `{"targets":["t1"],"bogus":1}`,
		"no targets":       `{"targets":[],"limits":{"max_children":1}}`,
		"missing limits":   `{"targets":["t1"]}`,
		"bad duration":     `{"targets":["t1"],"limits":{"max_children":1,"pacing_delay":"soon"}}`,
		"concurrency high": `{"targets":["t1"],"limits":{"max_children":1},"concurrency":99}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, srv, http.MethodPost, "/v1/tasks", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_TaskNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{})
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v1/tasks/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/v1/tasks/missing/start", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/v1/tasks/missing/stop", "").Code)
}

func TestServer_ListTasks(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{})
	for _, body := range []string{
		`{"targets":["a"],"priority":1,"limits":{"max_children":1}}`,
		`{"targets":["b"],"priority":5,"limits":{"max_children":1}}`,
	} {
		require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/v1/tasks", body).Code)
	}

	out := decode[struct {
		Tasks []crawler.TaskView `json:"tasks"`
	}](t, do(t, srv, http.MethodGet, "/v1/tasks?status=pending", ""))
	require.Len(t, out.Tasks, 2)
	assert.Equal(t, 5, out.Tasks[0].Priority)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/v1/tasks?limit=-1", "").Code)
}

func TestServer_MonitorLifecycle(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{})
	rec := do(t, srv, http.MethodPost, "/v1/monitors",
		`{"target_id":"entity-1","owner":"ops","interval":"1h","limits":{"max_children":3},"notification_targets":["alerts"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	m := decode[crawler.Monitor](t, rec)
	assert.Equal(t, crawler.MonitorStatusActive, m.Status)
	assert.Equal(t, time.Hour, m.Config.Interval)
	assert.Equal(t, []string{"alerts"}, m.Config.NotificationTargets)

	rec = do(t, srv, http.MethodPost, "/v1/monitors/"+m.ID+"/run", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[crawler.CrawlResult](t, rec)
	assert.Equal(t, m.ID, res.MonitorID)

	results := decode[struct {
		Results []crawler.CrawlResult `json:"results"`
	}](t, do(t, srv, http.MethodGet, "/v1/monitors/"+m.ID+"/results?limit=5", ""))
	require.Len(t, results.Results, 1)

	got := decode[crawler.Monitor](t, do(t, srv, http.MethodGet, "/v1/monitors/"+m.ID, ""))
	assert.Equal(t, 1, got.TotalCycles)
	assert.Equal(t, 1, got.SuccessfulCycles)

	rec = do(t, srv, http.MethodPatch, "/v1/monitors/"+m.ID, `{"status":"paused"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, crawler.MonitorStatusPaused, decode[crawler.Monitor](t, rec).Status)

	rec = do(t, srv, http.MethodPatch, "/v1/monitors/"+m.ID, `{"status":"stopped"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodPatch, "/v1/monitors/"+m.ID, `{"status":"active"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_MonitorValidation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{})
	cases := map[string]string{
		"missing target":   `{"interval":"1h","limits":{"max_children":1}}`,
		"interval too low": `{"target_id":"x","interval":"10ms","limits":{"max_children":1}}`,
		"bad interval":     `{"target_id":"x","interval":"hourly","limits":{"max_children":1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/v1/monitors", body).Code)
		})
	}

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v1/monitors/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v1/monitors/missing/results", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPatch, "/v1/monitors/missing", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/v1/monitors?status=sleeping", "").Code)
}

func TestServer_BulkAndHealth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Options{})
	var ids []string
	for _, target := range []string{"a", "b"} {
		rec := do(t, srv, http.MethodPost, "/v1/monitors",
			`{"target_id":"`+target+`","owner":"ops","interval":"1h","limits":{"max_children":1}}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		ids = append(ids, decode[crawler.Monitor](t, rec).ID)
	}

	body, err := json.Marshal(bulkRequest{IDs: append(ids, "missing"), Action: "pause"})
	require.NoError(t, err)
	rec := do(t, srv, http.MethodPost, "/v1/monitors/bulk", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bulk := decode[crawler.BulkResult](t, rec)
	assert.Equal(t, 2, bulk.Successful)
	assert.Equal(t, 1, bulk.Failed)
	require.Len(t, bulk.Errors, 1)
	assert.Equal(t, "missing", bulk.Errors[0].ID)

	assert.Equal(t, http.StatusBadRequest,
		do(t, srv, http.MethodPost, "/v1/monitors/bulk", `{"ids":["a"],"action":"explode"}`).Code)

	health := decode[crawler.HealthView](t, do(t, srv, http.MethodGet, "/v1/monitors/health", ""))
	assert.Equal(t, 2, health.TotalMonitors)
	assert.Equal(t, 2, health.Paused)
	assert.Zero(t, health.ArmedTimers)

	list := decode[struct {
		Monitors []crawler.Monitor `json:"monitors"`
	}](t, do(t, srv, http.MethodGet, "/v1/monitors?owner=ops&status=paused", ""))
	assert.Len(t, list.Monitors, 2)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	srv := NewServer(panicTasks{}, nil, Options{}, zap.NewNop())
	rec := do(t, srv, http.MethodGet, "/v1/tasks/x", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicTasks struct{ TaskService }

func (panicTasks) Status(context.Context, string) (crawler.TaskView, error) {
	panic("boom")
}
