package platformtelemetry

import "testing"

func TestParseBatchRuntimeDone(t *testing.T) {
	body := []byte(`[{"time":"2024-01-01T00:00:00Z","type":"platform.runtimeDone","record":{"requestId":"req-1","status":"success"}}]`)

	events := ParseBatch(body)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != RuntimeDone || events[0].RequestID != "req-1" || events[0].Status != "success" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestParseBatchStartWithTracing(t *testing.T) {
	body := []byte(`[{"type":"platform.start","record":{"requestId":"req-2","tracing":{"type":"X-Amzn-Trace-Id","value":"Root=1-abc"}}}]`)

	events := ParseBatch(body)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != Start || events[0].TracingValue != "Root=1-abc" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestParseBatchStartWithoutTracing(t *testing.T) {
	body := []byte(`[{"type":"platform.start","record":{"requestId":"req-3"}}]`)

	events := ParseBatch(body)

	if len(events) != 1 || events[0].TracingValue != "" {
		t.Fatalf("expected empty tracing value, got %+v", events)
	}
}

func TestParseBatchIgnoresUnknownEventTypes(t *testing.T) {
	body := []byte(`[{"type":"platform.initStart","record":{}},{"type":"platform.runtimeDone","record":{"requestId":"req-4","status":"failure"}}]`)

	events := ParseBatch(body)

	if len(events) != 1 {
		t.Fatalf("expected unknown event type to be dropped, got %d events", len(events))
	}
}

func TestParseBatchMalformedJSONReturnsNoEvents(t *testing.T) {
	events := ParseBatch([]byte("not json"))
	if events != nil {
		t.Fatalf("expected nil for malformed batch, got %+v", events)
	}
}

func TestParseBatchEmptyArray(t *testing.T) {
	events := ParseBatch([]byte("[]"))
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}
