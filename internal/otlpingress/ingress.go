// Package otlpingress runs the loopback HTTP server that accepts OTLP/HTTP
// payloads from the instrumented Lambda function: POST /v1/{traces,metrics,logs}.
//
// Grounded on controlplane/api/server.go for the net.Listen + http.Server +
// background Serve goroutine shape, and on otlp_listener/mod.rs for the
// routing/validation/backpressure semantics: an unrecognized path is 404, a
// non-POST method is 405, a full channel is 503 with Retry-After, and a
// closed channel (server shutting down) is 502.
package otlpingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/otelrelay/lambda-sidecar/internal/logging"
	"github.com/otelrelay/lambda-sidecar/internal/selftelemetry"
	"github.com/otelrelay/lambda-sidecar/internal/signal"
)

const maxBodyBytes = 16 * 1024 * 1024

// Message pairs a decoded signal with its raw OTLP protobuf body.
type Message struct {
	Signal signal.Signal
	Body   []byte
}

// Server is the loopback OTLP ingress. Accepted requests are delivered to
// Messages(); backpressure is applied via a bounded, non-blocking send.
type Server struct {
	out       chan Message
	closed    chan struct{}
	closeOnce sync.Once
	log       *logging.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New creates a Server with a channel buffer of size capacity.
func New(capacity int, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{
		out:    make(chan Message, capacity),
		closed: make(chan struct{}),
		log:    log,
	}
}

// Messages returns the channel the event loop reads accepted payloads from.
func (s *Server) Messages() <-chan Message {
	return s.out
}

// Listen starts listening on 127.0.0.1:port without accepting connections
// yet, so callers can discover the bound port before Serve runs.
func (s *Server) Listen(port uint16) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("otlpingress: listen: %w", err)
	}
	s.listener = ln

	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Handler:           h2c.NewHandler(http.HandlerFunc(s.handle), h2s),
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

// Shutdown gracefully stops accepting new connections and marks the message
// channel closed, so requests arriving during drain get 502 instead of
// appearing accepted. It does not close the channel itself — only a
// Shutdown signal, never the channel — so a concurrent send can never panic.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handle wraps handleOTLP with the self-telemetry tracing middleware,
// resolving the global tracer per request since it may not be configured
// yet when Listen runs.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	selftelemetry.Middleware(selftelemetry.GetGlobalTracer())(http.HandlerFunc(s.handleOTLP)).ServeHTTP(w, r)
}

func (s *Server) handleOTLP(w http.ResponseWriter, r *http.Request) {
	sig, ok := signal.FromPath(r.URL.Path)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown path: %s", r.URL.Path), http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, fmt.Sprintf("%s %s not allowed", r.Method, r.URL.Path), http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, fmt.Sprintf("POST %s: failed to read body", r.URL.Path), http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, fmt.Sprintf("POST %s: body too large", r.URL.Path), http.StatusRequestEntityTooLarge)
		return
	}

	select {
	case <-s.closed:
		w.WriteHeader(http.StatusBadGateway)
		return
	default:
	}

	select {
	case s.out <- Message{Signal: sig, Body: body}:
		w.WriteHeader(http.StatusOK)
	default:
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}
