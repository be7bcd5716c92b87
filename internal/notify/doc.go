// Package notify fans lifecycle events from the task manager and scheduler
// out to sinks (logs, Pub/Sub or Kafka publishers, Prometheus). Callers never
// block: events are buffered, batched and dropped under backpressure.
package notify
