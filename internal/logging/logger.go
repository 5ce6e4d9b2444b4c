// Package logging provides structured logging for the relay extension.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps a JSON slog.Logger with the extension's base attributes.
type Logger struct {
	logger      *slog.Logger
	extensionID string
}

// New creates a Logger with JSON output to stderr at the given level.
// extensionID may be empty at construction time — before the extension has
// registered with the Extensions API — and set later via WithExtensionID.
func New(extensionID string, level slog.Level) *Logger {
	return NewWithWriter(extensionID, level, os.Stderr)
}

// NewWithWriter creates a Logger writing JSON records to w. Useful for tests.
func NewWithWriter(extensionID string, level slog.Level, w io.Writer) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	if extensionID != "" {
		logger = logger.With("extension_id", extensionID)
	}
	return &Logger{logger: logger, extensionID: extensionID}
}

// WithExtensionID returns a copy of l with the extension_id attribute attached,
// used once registration against the Extensions API completes.
func (l *Logger) WithExtensionID(id string) *Logger {
	return &Logger{
		logger:      l.logger.With("extension_id", id),
		extensionID: id,
	}
}

// Slog returns the underlying *slog.Logger for callers that want direct access.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// LogFlush logs the outcome of a flush/export cycle.
// Attributes: signal, bytes, success
func (l *Logger) LogFlush(signal string, bytes int, success bool) {
	l.logger.Info("flush",
		"signal", signal,
		"bytes", bytes,
		"success", success,
	)
}

// LogEviction logs that buffered payloads were dropped to respect the
// configured memory ceiling.
// Attributes: signal, dropped_count, dropped_bytes
func (l *Logger) LogEviction(signal string, droppedCount int, droppedBytes int) {
	l.logger.Warn("buffer_eviction",
		"signal", signal,
		"dropped_count", droppedCount,
		"dropped_bytes", droppedBytes,
	)
}

// LogExportFailure logs a failed export attempt for a signal.
// Attributes: signal, error, status_code
func (l *Logger) LogExportFailure(signal string, err error, statusCode int) {
	l.logger.Warn("export_failure",
		"signal", signal,
		"error", err.Error(),
		"status_code", statusCode,
	)
}

// LogLifecycleEvent logs an Extensions API event as it's handled.
// Attributes: event_type, detail
func (l *Logger) LogLifecycleEvent(eventType, detail string) {
	l.logger.Debug("lifecycle_event",
		"event_type", eventType,
		"detail", detail,
	)
}

// LogPlatformTelemetry logs a parsed platform telemetry event.
// Attributes: event_type, request_id
func (l *Logger) LogPlatformTelemetry(eventType, requestID string) {
	l.logger.Debug("platform_telemetry",
		"event_type", eventType,
		"request_id", requestID,
	)
}

// LogMalformedPayload logs that an inbound OTLP or telemetry payload could
// not be decoded and was skipped.
// Attributes: source, error
func (l *Logger) LogMalformedPayload(source string, err error) {
	l.logger.Warn("malformed_payload",
		"source", source,
		"error", err.Error(),
	)
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// SetGlobal sets the process-wide default logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the process-wide default logger, or a no-op logger discarding
// all output if none has been set.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return Noop()
}

// Noop returns a logger that discards all output, for use in tests.
func Noop() *Logger {
	return NewWithWriter("", slog.LevelInfo, io.Discard)
}

// ParseLevel maps the LAMBDA_OTEL_RELAY_LOG_LEVEL values to slog levels,
// defaulting to Warn on an unrecognized value, matching original_source's
// setup_logging default.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "info", "INFO":
		return slog.LevelInfo
	case "warn", "WARN", "warning", "":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
