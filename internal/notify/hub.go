package notify

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	// BufferSize is the number of events queued before Notify starts dropping.
	BufferSize int
	// MaxBatchEvents flushes a batch once this many events are pending.
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch after this long.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	BaseContext context.Context
	Logger      *zap.Logger
	// Now stamps events; defaults to time.Now in UTC.
	Now func() time.Time
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub implements crawler.Notifier for the task manager and the scheduler.
// Lifecycle events are queued without blocking the caller, grouped into
// batches and delivered to each Route that subscribes to their type.
type Hub struct {
	cfg    Config
	routes []Route
	queue  chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped  atomic.Int64
	dropWarn rate.Sometimes
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to routes. Routes without a sink are ignored.
func NewHub(cfg Config, routes ...Route) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		queue:    make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.Logger,
		dropWarn: rate.Sometimes{Interval: dropLogInterval},
	}
	for _, r := range routes {
		if r.Sink != nil {
			h.routes = append(h.routes, r)
		}
	}
	go h.run()
	return h
}

// Notify implements crawler.Notifier. The payload is copied so callers may
// reuse their map.
func (h *Hub) Notify(_ context.Context, eventType string, payload map[string]any) {
	if h == nil {
		return
	}
	h.Emit(Event{Type: eventType, TS: h.cfg.Now(), Payload: maps.Clone(payload)})
}

// Emit queues evt. Invalid events, events after Close and events no route
// subscribes to are discarded; a full queue drops the event.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	if !h.routed(evt.Type) {
		return
	}
	select {
	case h.queue <- evt:
	default:
		h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.logger.Warn("notifications dropped due to backpressure",
				zap.Int64("dropped", h.dropped.Swap(0)),
				zap.String("event", evt.Type))
		})
	}
}

// Dropped reports events dropped since the last backpressure warning.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close delivers the queued events, closes every sink and waits for the
// delivery goroutine to exit. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) routed(eventType string) bool {
	// A hub built without routes still accepts events so Dropped stays meaningful.
	if len(h.routes) == 0 {
		return true
	}
	for _, r := range h.routes {
		if r.Matches(eventType) {
			return true
		}
	}
	return false
}

func (h *Hub) run() {
	defer close(h.done)
	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	var deadline <-chan time.Time
	for {
		select {
		case evt := <-h.queue:
			pending = append(pending, evt)
			switch {
			case len(pending) >= h.cfg.MaxBatchEvents:
				pending = h.dispatch(pending)
				deadline = nil
			case deadline == nil:
				deadline = time.After(h.cfg.MaxBatchWait)
			}
		case <-deadline:
			pending = h.dispatch(pending)
			deadline = nil
		case <-h.stop:
			h.shutdown(pending)
			return
		}
	}
}

// shutdown delivers whatever is still queued, then closes the sinks.
func (h *Hub) shutdown(pending []Event) {
	for more := true; more; {
		select {
		case evt := <-h.queue:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				pending = h.dispatch(pending)
			}
		default:
			more = false
		}
	}
	h.dispatch(pending)

	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, r := range h.routes {
		if err := r.Sink.Close(ctx); err != nil {
			h.logger.Warn("notification sink close failed", zap.String("sink", r.Name), zap.Error(err))
		}
	}
}

// dispatch hands each route its share of batch and returns batch emptied for reuse.
func (h *Hub) dispatch(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	for _, r := range h.routes {
		selected := r.selectFrom(batch)
		if len(selected) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := r.Sink.Consume(ctx, selected)
		cancel()
		if err != nil {
			h.logger.Warn("notification sink consume failed",
				zap.String("sink", r.Name),
				zap.Int("events", len(selected)),
				zap.Error(err))
		}
	}
	return batch[:0]
}
