package flush

import "time"

// Coordinator tracks a flush strategy's timer and last-flush time, deciding
// whether the event loop should flush at an invocation boundary or on a
// timer tick. Not safe for concurrent use — it's driven by the single event
// loop goroutine.
type Coordinator struct {
	strategy  Strategy
	lastFlush time.Time // zero value means "never flushed"
	ticker    *time.Ticker
}

// NewCoordinator builds a Coordinator for strategy, starting its background
// timer (if the strategy has one) immediately.
func NewCoordinator(strategy Strategy) *Coordinator {
	c := &Coordinator{strategy: strategy}
	switch strategy.kind {
	case kindEnd:
		// no timer
	case kindDefault:
		c.ticker = time.NewTicker(defaultAdaptiveThreshold)
	default:
		c.ticker = time.NewTicker(strategy.interval)
	}
	return c
}

// Tick returns the coordinator's timer channel, or nil if the strategy has
// no timer. A nil channel blocks forever in a select, matching the
// behavior of awaiting a pending future that never resolves.
func (c *Coordinator) Tick() <-chan time.Time {
	if c.ticker == nil {
		return nil
	}
	return c.ticker.C
}

// Stop releases the coordinator's underlying timer, if any.
func (c *Coordinator) Stop() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
}

// ShouldFlushAtBoundary reports whether an invocation boundary should
// trigger a flush under the current strategy and elapsed time.
func (c *Coordinator) ShouldFlushAtBoundary() bool {
	if c.withinDedupWindow() {
		return false
	}
	switch c.strategy.kind {
	case kindDefault:
		return c.elapsedSinceFlush() >= defaultAdaptiveThreshold
	case kindEnd, kindEndPeriodically:
		return true
	case kindPeriodically:
		return c.elapsedSinceFlush() >= c.strategy.interval
	case kindContinuously:
		return false
	default:
		return false
	}
}

// ShouldFlushOnTimer reports whether a timer tick should trigger a flush.
func (c *Coordinator) ShouldFlushOnTimer() bool {
	if c.withinDedupWindow() {
		return false
	}
	return c.strategy.kind != kindEnd
}

// TimerMode reports whether a timer-triggered flush should run
// synchronously (blocking the event loop) or in the background. Only
// meaningful when ShouldFlushOnTimer returns true; End never reaches here
// since its timer is nil and is never selected.
func (c *Coordinator) TimerMode() TimerMode {
	switch c.strategy.kind {
	case kindEndPeriodically, kindPeriodically:
		return Sync
	default:
		return Background
	}
}

// RecordFlush marks that a flush just completed, resetting both the
// dedup/adaptive clock and the background timer.
func (c *Coordinator) RecordFlush() {
	c.lastFlush = time.Now()
	if c.ticker != nil {
		c.ticker.Reset(c.tickerPeriod())
	}
}

func (c *Coordinator) tickerPeriod() time.Duration {
	if c.strategy.kind == kindDefault {
		return defaultAdaptiveThreshold
	}
	return c.strategy.interval
}

func (c *Coordinator) elapsedSinceFlush() time.Duration {
	if c.lastFlush.IsZero() {
		return time.Duration(1<<63 - 1) // effectively infinite, never flushed
	}
	return time.Since(c.lastFlush)
}

func (c *Coordinator) withinDedupWindow() bool {
	if c.lastFlush.IsZero() {
		return false
	}
	return time.Since(c.lastFlush) < dedupWindow
}
