package system

import (
	"testing"
	"time"
)

func TestNowIsUTCAndMicrosecondTruncated(t *testing.T) {
	t.Parallel()

	lo := time.Now().UTC().Truncate(time.Microsecond)
	got := New().Now()
	hi := time.Now().UTC()

	if got.Location() != time.UTC {
		t.Fatalf("Now() location = %v, want UTC", got.Location())
	}
	if got.Before(lo) || got.After(hi) {
		t.Fatalf("Now() = %v, want within [%v, %v]", got, lo, hi)
	}
	if rem := got.Nanosecond() % 1000; rem != 0 {
		t.Fatalf("Now() carries %dns below microsecond precision", rem)
	}
}

func TestNowSurvivesRFC3339NanoRoundTrip(t *testing.T) {
	t.Parallel()

	var clk Clock
	for range 100 {
		now := clk.Now()
		parsed, err := time.Parse(time.RFC3339Nano, now.Format(time.RFC3339Nano))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if !parsed.Equal(now) {
			t.Fatalf("round trip changed %v to %v", now, parsed)
		}
	}
}
