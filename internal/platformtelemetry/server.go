package platformtelemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/otelrelay/lambda-sidecar/internal/logging"
)

const maxBodyBytes = 4 * 1024 * 1024

// Server is the Telemetry API ingress. It must bind 0.0.0.0, not loopback,
// to be reachable by the Lambda sandbox that delivers platform events.
type Server struct {
	out chan Event
	log *logging.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New creates a Server with a channel buffer of size capacity.
func New(capacity int, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{
		out: make(chan Event, capacity),
		log: log,
	}
}

// Events returns the channel the event loop reads decoded platform events
// from.
func (s *Server) Events() <-chan Event {
	return s.out
}

// Listen binds 0.0.0.0:port.
func (s *Server) Listen(port uint16) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return fmt.Errorf("platformtelemetry: listen: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           http.HandlerFunc(s.handle),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Addr returns the bound listener address. Only valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve blocks accepting connections until Shutdown is called.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops accepting new connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handle validates the request the way the reference listener's validate
// does (405 non-POST, 400 unreadable/non-UTF-8 body), then always responds
// 200 to a valid POST: Lambda does not retry telemetry delivery, so there is
// no useful way to signal a downstream failure back to the platform.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.log.LogMalformedPayload("platform-telemetry", fmt.Errorf("%s not allowed", r.Method))
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		s.log.LogMalformedPayload("platform-telemetry", fmt.Errorf("failed to read body"))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !utf8.Valid(body) {
		s.log.LogMalformedPayload("platform-telemetry", fmt.Errorf("body is not valid UTF-8"))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, ev := range ParseBatch(body) {
		s.log.LogPlatformTelemetry(eventTypeName(ev.Kind), ev.RequestID)
		select {
		case s.out <- ev:
		default:
			s.log.LogMalformedPayload("platform-telemetry", fmt.Errorf("event dropped: channel full"))
		}
	}

	w.WriteHeader(http.StatusOK)
}

func eventTypeName(k EventKind) string {
	switch k {
	case RuntimeDone:
		return "platform.runtimeDone"
	case Start:
		return "platform.start"
	default:
		return "unknown"
	}
}
