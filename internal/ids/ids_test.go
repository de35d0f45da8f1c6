package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestRequestID(t *testing.T) {
	if got := RequestID("req-123"); got != "req-123" {
		t.Fatalf("expected inbound id kept, got %q", got)
	}
	for _, bad := range []string{"", "   ", "has space", "line\nbreak", strings.Repeat("x", 200)} {
		got := RequestID(bad)
		if got == bad {
			t.Fatalf("expected %q to be replaced", bad)
		}
		if _, ok := Time(got); !ok {
			t.Fatalf("replacement %q is not a generated id", got)
		}
	}
}

func TestTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, ok := Time(New())
	if !ok {
		t.Fatal("expected generated id to parse")
	}
	if ts.Before(before) {
		t.Fatalf("unexpected id time %v", ts)
	}
	if _, ok := Time("not-an-id"); ok {
		t.Fatal("expected parse failure")
	}
}
