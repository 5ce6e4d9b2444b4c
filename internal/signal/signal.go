// Package signal names the three OTLP signal kinds the relay buffers and
// exports independently.
package signal

// Signal identifies which OTLP export queue a payload belongs to.
type Signal int

const (
	Traces Signal = iota
	Metrics
	Logs
)

// String renders the signal the way it appears in logs and metric attributes.
func (s Signal) String() string {
	switch s {
	case Traces:
		return "traces"
	case Metrics:
		return "metrics"
	case Logs:
		return "logs"
	default:
		return "unknown"
	}
}

// All enumerates every signal in buffer round-robin eviction order.
var All = [3]Signal{Traces, Metrics, Logs}

// FromPath maps an OTLP ingress request path to its signal. ok is false for
// any path that isn't one of the three recognized export routes.
func FromPath(path string) (s Signal, ok bool) {
	switch path {
	case "/v1/traces":
		return Traces, true
	case "/v1/metrics":
		return Metrics, true
	case "/v1/logs":
		return Logs, true
	default:
		return 0, false
	}
}

// Path returns the OTLP ingress route for the signal.
func (s Signal) Path() string {
	switch s {
	case Traces:
		return "/v1/traces"
	case Metrics:
		return "/v1/metrics"
	case Logs:
		return "/v1/logs"
	default:
		return ""
	}
}
