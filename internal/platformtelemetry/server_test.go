package platformtelemetry

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerAlwaysRespondsOKOnValidBatch(t *testing.T) {
	s := New(4, nil)
	rec := httptest.NewRecorder()
	body := `[{"type":"platform.runtimeDone","record":{"requestId":"req-1","status":"success"}}]`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	s.handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case ev := <-s.Events():
		if ev.RequestID != "req-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected an event to be enqueued")
	}
}

func TestServerRespondsOKOnMalformedJSON(t *testing.T) {
	s := New(4, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("not json"))

	s.handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a valid POST with malformed JSON, got %d", rec.Code)
	}
}

func TestServerRespondsBadRequestOnNonUTF8Body(t *testing.T) {
	s := New(4, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte{0xff, 0xfe, 0xfd}))

	s.handle(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-UTF-8 body, got %d", rec.Code)
	}
}

func TestServerRespondsMethodNotAllowedOnNonPostMethod(t *testing.T) {
	s := New(4, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	s.handle(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for a non-POST method, got %d", rec.Code)
	}
}

func TestServerDropsEventsWhenChannelFull(t *testing.T) {
	s := New(1, nil)
	s.out <- Event{}

	rec := httptest.NewRecorder()
	body := `[{"type":"platform.runtimeDone","record":{"requestId":"req-2","status":"success"}}]`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	s.handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even when the event is dropped, got %d", rec.Code)
	}
}
