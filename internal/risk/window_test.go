package risk

import (
	"testing"

	"main/internal/schema"
)

func TestWindowExpiry(t *testing.T) {
	w := NewWindow(100, 1000)

	w.Add(10, 400)
	w.Add(50, 300)
	if got := w.Total(60); got != 700 {
		t.Fatalf("total %d, want 700", got)
	}
	// The first entry falls out once the span passes it.
	if got := w.Total(111); got != 300 {
		t.Fatalf("total %d after expiry, want 300", got)
	}
	if got := w.Total(200); got != 0 {
		t.Fatalf("total %d after full expiry, want 0", got)
	}
}

func TestWindowWouldExceed(t *testing.T) {
	w := NewWindow(100, 1000)
	w.Add(10, 900)

	if !w.WouldExceed(20, 200) {
		t.Fatal("900+200 must exceed 1000")
	}
	if w.WouldExceed(20, 100) {
		t.Fatal("900+100 must not exceed 1000")
	}
	// After expiry the same add fits.
	if w.WouldExceed(120, 200) {
		t.Fatal("expired window must accept 200")
	}
}

func TestWindowDisabled(t *testing.T) {
	w := NewWindow(100, 0)
	w.Add(10, 1<<40)
	if w.WouldExceed(20, 1<<40) {
		t.Fatal("zero-limit window must never breach")
	}
}

func TestThrottleReasons(t *testing.T) {
	th := NewThrottle(100, 1000, 10000, 500, 2000, 5000)
	th.Add(10, 450)

	if ok, reason := th.Check(20, 100); ok || reason != schema.AdmitReasonWindowShort {
		t.Fatalf("short window: ok=%v reason=%v", ok, reason)
	}
	// Short window drains, medium still carries the flow.
	th.Add(200, 1600)
	if ok, reason := th.Check(400, 100); ok || reason != schema.AdmitReasonWindowMedium {
		t.Fatalf("medium window: ok=%v reason=%v", ok, reason)
	}
	if ok, _ := th.Check(5000, 100); !ok {
		t.Fatal("drained windows must admit")
	}
}
