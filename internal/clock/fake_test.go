package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFunc(t *testing.T) {
	c := NewFake(time.Unix(1000, 0))

	fired := 0
	c.AfterFunc(2*time.Second, func() { fired++ })

	c.Advance(time.Second)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("expected 1 call, got %d", fired)
	}
	c.Advance(10 * time.Second)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	timer := c.AfterFunc(time.Second, func() { t.Fatal("stopped timer fired") })
	if !timer.Stop() {
		t.Fatal("expected Stop to report a pending timer")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report false")
	}
	c.Advance(time.Minute)
	if c.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", c.Pending())
	}
}

func TestFakeTicker(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(time.Second)
	select {
	case <-tk.C:
	default:
		t.Fatal("expected a tick")
	}

	c.Advance(500 * time.Millisecond)
	select {
	case <-tk.C:
		t.Fatal("unexpected tick")
	default:
	}
}
