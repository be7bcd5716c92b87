package notify

import (
	"errors"
	"time"
)

// Event is one lifecycle notification.
type Event struct {
	// Type is the event name, e.g. "task.completed" or "monitor.cycle_failed".
	Type string `json:"type"`
	// TS is the UTC time the event was emitted.
	TS time.Time `json:"ts"`
	// Payload carries event-specific fields.
	Payload map[string]any `json:"payload,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// Targets returns the extra destinations requested by the emitter through
// the "notification_targets" payload key.
func (e Event) Targets() []string {
	switch v := e.Payload["notification_targets"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// PartitionKey keeps events of one task or monitor on the same partition.
func (e Event) PartitionKey() string {
	for _, k := range []string{"monitor_id", "task_id"} {
		if v, ok := e.Payload[k].(string); ok && v != "" {
			return v
		}
	}
	return e.Type
}
