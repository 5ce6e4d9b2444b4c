package flush

import (
	"testing"
	"time"
)

func TestEndAlwaysFlushesAtBoundaryNeverOnTimer(t *testing.T) {
	c := NewCoordinator(End)
	defer c.Stop()

	if !c.ShouldFlushAtBoundary() {
		t.Fatal("expected End to always flush at boundary")
	}
	if c.ShouldFlushOnTimer() {
		t.Fatal("expected End to never flush on timer")
	}
	if c.Tick() != nil {
		t.Fatal("expected End to have no timer channel")
	}
}

func TestContinuouslyNeverFlushesAtBoundary(t *testing.T) {
	c := NewCoordinator(Continuously(10 * time.Millisecond))
	defer c.Stop()

	if c.ShouldFlushAtBoundary() {
		t.Fatal("expected Continuously to never flush at an invocation boundary")
	}
	if !c.ShouldFlushOnTimer() {
		t.Fatal("expected Continuously to flush on its timer")
	}
	if c.TimerMode() != Background {
		t.Fatal("expected Continuously to use background timer mode")
	}
}

func TestPeriodicallyNeverFlushedTreatsElapsedAsInfinite(t *testing.T) {
	c := NewCoordinator(Periodically(20 * time.Millisecond))
	defer c.Stop()

	// lastFlush is zero (never flushed); elapsedSinceFlush is defined as
	// effectively infinite, so a boundary flush should fire immediately.
	if !c.ShouldFlushAtBoundary() {
		t.Fatal("expected boundary flush when never flushed before")
	}
}

func TestPeriodicallySuppressesBoundaryWithinInterval(t *testing.T) {
	c := NewCoordinator(Periodically(time.Hour))
	defer c.Stop()

	c.RecordFlush()
	time.Sleep(dedupWindow + 5*time.Millisecond)

	if c.ShouldFlushAtBoundary() {
		t.Fatal("expected no boundary flush before the interval elapses")
	}
}

func TestDedupWindowSuppressesImmediateReflush(t *testing.T) {
	c := NewCoordinator(End)
	defer c.Stop()

	c.RecordFlush()
	if c.ShouldFlushAtBoundary() {
		t.Fatal("expected dedup window to suppress a flush immediately after one completed")
	}
}

func TestDedupWindowExpires(t *testing.T) {
	c := NewCoordinator(End)
	defer c.Stop()

	c.RecordFlush()
	time.Sleep(dedupWindow + 10*time.Millisecond)

	if !c.ShouldFlushAtBoundary() {
		t.Fatal("expected End to flush at boundary again once the dedup window has passed")
	}
}

func TestTimerModeForEndPeriodicallyAndPeriodicallyIsSync(t *testing.T) {
	for _, s := range []Strategy{EndPeriodically(time.Second), Periodically(time.Second)} {
		c := NewCoordinator(s)
		if c.TimerMode() != Sync {
			t.Fatalf("expected Sync timer mode for %v", s)
		}
		c.Stop()
	}
}

func TestTimerModeForDefaultIsBackground(t *testing.T) {
	c := NewCoordinator(Default)
	defer c.Stop()
	if c.TimerMode() != Background {
		t.Fatal("expected Background timer mode for Default")
	}
}

func TestRecordFlushResetsDedupWindow(t *testing.T) {
	c := NewCoordinator(Periodically(time.Millisecond))
	defer c.Stop()

	c.RecordFlush()
	if c.withinDedupWindow() == false {
		t.Fatal("expected to be within dedup window immediately after RecordFlush")
	}
}

func TestTickFiresForActiveTimer(t *testing.T) {
	c := NewCoordinator(Continuously(5 * time.Millisecond))
	defer c.Stop()

	select {
	case <-c.Tick():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected timer to tick within 200ms")
	}
}
