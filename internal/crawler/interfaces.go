package crawler

import (
	"context"
	"io"
	"time"
)

// Transport performs one call against the remote paginated content API.
// Failures should be returned as *TransportError when a status code is known.
type Transport interface {
	Fetch(ctx context.Context, endpoint string, params Params) ([]Item, error)
}

// ResultStore persists crawl results.
type ResultStore interface {
	SaveResult(ctx context.Context, result CrawlResult) error
	ListResults(ctx context.Context, monitorID string, limit int) ([]CrawlResult, error)
	// PruneResults keeps the newest `keep` results for the monitor and returns how many were removed.
	PruneResults(ctx context.Context, monitorID string, keep int) (int, error)
	// DeleteTaskResults removes the results of a task and returns how many were removed.
	DeleteTaskResults(ctx context.Context, taskID string) (int, error)
}

// TaskStore is the task registry. It is owned by the task manager.
type TaskStore interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
}

// MonitorStore persists monitors. It is owned by the scheduler.
type MonitorStore interface {
	SaveMonitor(ctx context.Context, monitor Monitor) error
	GetMonitor(ctx context.Context, id string) (Monitor, error)
	ListMonitors(ctx context.Context, filter MonitorFilter) ([]Monitor, error)
}

// Notifier delivers lifecycle events. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload map[string]any)
}

// Publisher pushes serialized notifications to a topic (Pub/Sub, Kafka, ...).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests used to address archived artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Runner runs one pipeline invocation. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, targetID string, limits CrawlLimits) CrawlResult
}

// NopNotifier discards every event.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, string, map[string]any) {}
