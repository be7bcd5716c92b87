package crawler

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that is written to JSON as a Go duration
// string ("1m30s"). Decoding also accepts integer nanoseconds so bodies
// persisted in that form keep loading.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "" {
			*d = 0
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds: %s", b)
	}
	*d = Duration(n)
	return nil
}

func (l CrawlLimits) MarshalJSON() ([]byte, error) {
	type plain CrawlLimits
	return json.Marshal(struct {
		plain
		PacingDelay Duration `json:"pacing_delay"`
	}{plain(l), Duration(l.PacingDelay)})
}

func (l *CrawlLimits) UnmarshalJSON(b []byte) error {
	type plain CrawlLimits
	aux := struct {
		*plain
		PacingDelay Duration `json:"pacing_delay"`
	}{plain: (*plain)(l)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	l.PacingDelay = time.Duration(aux.PacingDelay)
	return nil
}

func (c TaskConfig) MarshalJSON() ([]byte, error) {
	type plain TaskConfig
	return json.Marshal(struct {
		plain
		Timeout Duration `json:"timeout"`
	}{plain(c), Duration(c.Timeout)})
}

func (c *TaskConfig) UnmarshalJSON(b []byte) error {
	type plain TaskConfig
	aux := struct {
		*plain
		Timeout Duration `json:"timeout"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	c.Timeout = time.Duration(aux.Timeout)
	return nil
}

func (c MonitorConfig) MarshalJSON() ([]byte, error) {
	type plain MonitorConfig
	return json.Marshal(struct {
		plain
		Interval     Duration `json:"interval"`
		CycleTimeout Duration `json:"cycle_timeout"`
	}{plain(c), Duration(c.Interval), Duration(c.CycleTimeout)})
}

func (c *MonitorConfig) UnmarshalJSON(b []byte) error {
	type plain MonitorConfig
	aux := struct {
		*plain
		Interval     Duration `json:"interval"`
		CycleTimeout Duration `json:"cycle_timeout"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	c.Interval = time.Duration(aux.Interval)
	c.CycleTimeout = time.Duration(aux.CycleTimeout)
	return nil
}

func (r CrawlResult) MarshalJSON() ([]byte, error) {
	type plain CrawlResult
	return json.Marshal(struct {
		plain
		Duration Duration `json:"duration"`
	}{plain(r), Duration(r.Duration)})
}

func (r *CrawlResult) UnmarshalJSON(b []byte) error {
	type plain CrawlResult
	aux := struct {
		*plain
		Duration Duration `json:"duration"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.Duration = time.Duration(aux.Duration)
	return nil
}

func (v TaskView) MarshalJSON() ([]byte, error) {
	type plain TaskView
	return json.Marshal(struct {
		plain
		Duration Duration `json:"duration"`
	}{plain(v), Duration(v.Duration)})
}

func (v *TaskView) UnmarshalJSON(b []byte) error {
	type plain TaskView
	aux := struct {
		*plain
		Duration Duration `json:"duration"`
	}{plain: (*plain)(v)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	v.Duration = time.Duration(aux.Duration)
	return nil
}

func (m Monitor) MarshalJSON() ([]byte, error) {
	type plain Monitor
	return json.Marshal(struct {
		plain
		AvgCycleDuration Duration `json:"avg_cycle_duration"`
	}{plain(m), Duration(m.AvgCycleDuration)})
}

func (m *Monitor) UnmarshalJSON(b []byte) error {
	type plain Monitor
	aux := struct {
		*plain
		AvgCycleDuration Duration `json:"avg_cycle_duration"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	m.AvgCycleDuration = time.Duration(aux.AvgCycleDuration)
	return nil
}

func (h HealthView) MarshalJSON() ([]byte, error) {
	type plain HealthView
	return json.Marshal(struct {
		plain
		AvgCycleDuration Duration `json:"avg_cycle_duration"`
	}{plain(h), Duration(h.AvgCycleDuration)})
}

func (h *HealthView) UnmarshalJSON(b []byte) error {
	type plain HealthView
	aux := struct {
		*plain
		AvgCycleDuration Duration `json:"avg_cycle_duration"`
	}{plain: (*plain)(h)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	h.AvgCycleDuration = time.Duration(aux.AvgCycleDuration)
	return nil
}
