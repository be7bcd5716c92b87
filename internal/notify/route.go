package notify

import (
	"fmt"
	"strings"
)

// Route binds a sink to the event types it receives. Events holds exact
// types ("task.failed") or family wildcards ("monitor.*"); an empty list
// receives everything.
type Route struct {
	Name   string
	Sink   Sink
	Events []string
}

// All routes every event to sink.
func All(name string, sink Sink) Route {
	return Route{Name: name, Sink: sink}
}

// Matches reports whether the route receives events of the given type.
func (r Route) Matches(eventType string) bool {
	if len(r.Events) == 0 {
		return true
	}
	for _, pattern := range r.Events {
		if family, ok := strings.CutSuffix(pattern, ".*"); ok {
			if strings.HasPrefix(eventType, family+".") {
				return true
			}
			continue
		}
		if pattern == "*" || pattern == eventType {
			return true
		}
	}
	return false
}

// selectFrom returns a copy of the events the route receives.
func (r Route) selectFrom(batch []Event) []Event {
	if len(r.Events) == 0 {
		return append([]Event(nil), batch...)
	}
	var out []Event
	for _, evt := range batch {
		if r.Matches(evt.Type) {
			out = append(out, evt)
		}
	}
	return out
}

// ValidatePatterns rejects event patterns Route cannot interpret.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		switch {
		case p == "":
			return fmt.Errorf("empty event pattern")
		case strings.Contains(strings.TrimSuffix(p, "*"), "*"):
			return fmt.Errorf("event pattern %q: wildcard only allowed as a trailing family (\"monitor.*\")", p)
		case p != "*" && strings.HasSuffix(p, "*") && !strings.HasSuffix(p, ".*"):
			return fmt.Errorf("event pattern %q: wildcard must follow a dot", p)
		}
	}
	return nil
}
