package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestGlobalDefaultsToNoopWhenUnset(t *testing.T) {
	SetGlobal(nil)

	l := Global()
	if l == nil {
		t.Fatal("expected non-nil noop logger")
	}
	l.LogFlush("traces", 128, true)
}

func TestWithExtensionIDAttachesAttribute(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter("", slog.LevelInfo, &buf)
	withID := base.WithExtensionID("ext-123")

	withID.LogFlush("metrics", 64, true)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("failed to decode log line: %v", err)
	}
	if record["extension_id"] != "ext-123" {
		t.Fatalf("expected extension_id=ext-123, got %v", record["extension_id"])
	}
	if record["signal"] != "metrics" {
		t.Fatalf("expected signal=metrics, got %v", record["signal"])
	}
}

func TestParseLevelDefaultsToWarn(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":       slog.LevelDebug,
		"info":        slog.LevelInfo,
		"warn":        slog.LevelWarn,
		"error":       slog.LevelError,
		"":            slog.LevelWarn,
		"nonsense":    slog.LevelWarn,
		"WARN":        slog.LevelWarn,
		"wArN-wEiRd?": slog.LevelWarn,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
