// Package platformtelemetry runs the 0.0.0.0 HTTP server that receives
// batches of Lambda Telemetry API platform events, and decodes the two
// event kinds the relay's event loop acts on.
//
// Grounded on telemetry_listener/events.rs for the event shape and on
// telemetry_listener/mod.rs for the always-200, best-effort-delivery
// server contract: https://docs.aws.amazon.com/lambda/latest/dg/telemetry-api-reference.html
package platformtelemetry

import "encoding/json"

// EventKind distinguishes the platform event types the relay cares about.
type EventKind int

const (
	// RuntimeDone reports the outcome of an invocation.
	RuntimeDone EventKind = iota
	// Start carries X-Ray trace context when active tracing is enabled.
	Start
)

// Event is a platform event delivered by the Lambda Telemetry API.
type Event struct {
	Kind         EventKind
	RequestID    string
	Status       string // set for RuntimeDone: success, failure, error, timeout
	TracingValue string // set for Start when active tracing is enabled
}

type rawEvent struct {
	Type   string    `json:"type"`
	Record rawRecord `json:"record"`
}

type rawRecord struct {
	RequestID string      `json:"requestId"`
	Status    string      `json:"status"`
	Tracing   *rawTracing `json:"tracing"`
}

type rawTracing struct {
	Value string `json:"value"`
}

// ParseBatch decodes a Telemetry API JSON batch body into the event kinds
// the relay acts on, silently dropping event types it doesn't recognize
// (e.g. platform.initStart). A malformed batch yields no events rather than
// an error — Lambda does not retry telemetry delivery, so there is no
// useful way to signal failure back.
func ParseBatch(body []byte) []Event {
	var raw []rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}

	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		switch item.Type {
		case "platform.runtimeDone":
			events = append(events, Event{
				Kind:      RuntimeDone,
				RequestID: item.Record.RequestID,
				Status:    item.Record.Status,
			})
		case "platform.start":
			ev := Event{Kind: Start, RequestID: item.Record.RequestID}
			if item.Record.Tracing != nil {
				ev.TracingValue = item.Record.Tracing.Value
			}
			events = append(events, ev)
		}
	}
	return events
}
