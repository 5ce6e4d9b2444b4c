// Package flush decides when the relay should flush its outbound buffer:
// at an invocation boundary, on a timer, or both, per a configured strategy.
//
// Grounded on flush_strategy/mod.rs. Rust's tokio::time::Interval becomes a
// *time.Ticker; its "pend forever" behavior for an inactive timer becomes a
// nil channel, which blocks forever in a select — the same effect idiomatic
// Go already reaches for.
package flush

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dedupWindow is the debounce window: flushes within this duration of the
// last flush are skipped.
const dedupWindow = 100 * time.Millisecond

// defaultAdaptiveThreshold is the boundary-flush gap used by Default.
const defaultAdaptiveThreshold = 60 * time.Second

type kind int

const (
	kindDefault kind = iota
	kindEnd
	kindEndPeriodically
	kindPeriodically
	kindContinuously
)

// Strategy configures when Coordinator fires.
type Strategy struct {
	kind     kind
	interval time.Duration
}

var (
	// Default flushes at boundaries only once defaultAdaptiveThreshold has
	// elapsed since the last flush, and on a matching background timer.
	Default = Strategy{kind: kindDefault}
	// End flushes at every invocation boundary and never on a timer.
	End = Strategy{kind: kindEnd}
)

// EndPeriodically flushes at every boundary and additionally on a
// synchronous timer every interval.
func EndPeriodically(interval time.Duration) Strategy {
	return Strategy{kind: kindEndPeriodically, interval: interval}
}

// Periodically flushes at boundaries only once interval has elapsed since
// the last flush, and on a matching synchronous timer.
func Periodically(interval time.Duration) Strategy {
	return Strategy{kind: kindPeriodically, interval: interval}
}

// Continuously never flushes at boundaries, only on a background timer
// every interval.
func Continuously(interval time.Duration) Strategy {
	return Strategy{kind: kindContinuously, interval: interval}
}

// Parse parses a flush strategy string: "", "default", "end",
// "end,<ms>", "periodically,<ms>", or "continuously,<ms>". The <ms> parameter
// is required and must be a positive integer.
func Parse(s string) (Strategy, error) {
	switch {
	case s == "" || s == "default":
		return Default, nil
	case s == "end":
		return End, nil
	case strings.HasPrefix(s, "end,"):
		ms, err := parseMsParam("end", s)
		if err != nil {
			return Strategy{}, err
		}
		return EndPeriodically(time.Duration(ms) * time.Millisecond), nil
	case s == "periodically" || strings.HasPrefix(s, "periodically,"):
		ms, err := parseMsParam("periodically", s)
		if err != nil {
			return Strategy{}, err
		}
		return Periodically(time.Duration(ms) * time.Millisecond), nil
	case s == "continuously" || strings.HasPrefix(s, "continuously,"):
		ms, err := parseMsParam("continuously", s)
		if err != nil {
			return Strategy{}, err
		}
		return Continuously(time.Duration(ms) * time.Millisecond), nil
	default:
		return Strategy{}, fmt.Errorf("unknown flush strategy: %s", s)
	}
}

func parseMsParam(strategy, raw string) (uint64, error) {
	param := strings.TrimPrefix(raw, strategy)
	param, ok := strings.CutPrefix(param, ",")
	if !ok {
		return 0, fmt.Errorf("flush strategy %s requires a positive integer parameter: missing comma-separated millisecond parameter", strategy)
	}
	ms, err := strconv.ParseUint(param, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("flush strategy %s requires a positive integer parameter: %q is not a valid positive integer", strategy, param)
	}
	if ms == 0 {
		return 0, fmt.Errorf("flush strategy %s requires a positive integer parameter: interval must be greater than 0", strategy)
	}
	return ms, nil
}

// String renders the strategy back to its Parse-compatible form.
func (s Strategy) String() string {
	switch s.kind {
	case kindDefault:
		return "default"
	case kindEnd:
		return "end"
	case kindEndPeriodically:
		return fmt.Sprintf("end,%d", s.interval.Milliseconds())
	case kindPeriodically:
		return fmt.Sprintf("periodically,%d", s.interval.Milliseconds())
	case kindContinuously:
		return fmt.Sprintf("continuously,%d", s.interval.Milliseconds())
	default:
		return "default"
	}
}

// TimerMode says whether a timer-triggered flush should block the event
// loop (Sync) or run in the background (Background). Only meaningful when
// ShouldFlushOnTimer is true.
type TimerMode int

const (
	Sync TimerMode = iota
	Background
)
