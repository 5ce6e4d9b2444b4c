// Package eventloop runs the relay's single multiplexing loop: the
// Extensions API long-poll, the OTLP ingress channel, the platform
// telemetry channel, and the flush coordinator's timer.
//
// Grounded on event_loop/mod.rs. The source pins the Extensions API
// long-poll as a ReusableBoxFuture specifically so that tokio::select!
// re-polling every branch each iteration never cancels and re-issues the
// in-flight long-poll — doing so would orphan an HTTP request against the
// Runtime API and corrupt its state machine. Go's select doesn't re-poll
// non-ready branches at all, so the same discipline falls out for free: the
// long-poll runs in its own goroutine, feeding results to a channel, and a
// new poll is only started after the previous one has already delivered
// its result.
package eventloop

import (
	"context"
	"fmt"

	"github.com/otelrelay/lambda-sidecar/internal/flush"
	"github.com/otelrelay/lambda-sidecar/internal/lifecycle"
	"github.com/otelrelay/lambda-sidecar/internal/logging"
	"github.com/otelrelay/lambda-sidecar/internal/otlpingress"
	"github.com/otelrelay/lambda-sidecar/internal/outbound"
	"github.com/otelrelay/lambda-sidecar/internal/platformtelemetry"
	"github.com/otelrelay/lambda-sidecar/internal/selftelemetry"
)

// ExitError reports that a listener died unexpectedly, outside of a
// controlled shutdown.
type ExitError struct {
	Reason string
}

func (e *ExitError) Error() string {
	return e.Reason
}

// extensionsAPI is the subset of lifecycle.Client the loop drives. Declared
// as an interface so tests can substitute a fake long-poll without binding
// a real Extensions API.
type extensionsAPI interface {
	NextEvent(ctx context.Context) (lifecycle.Event, error)
}

// otlpListener is the subset of otlpingress.Server the loop drives.
type otlpListener interface {
	Messages() <-chan otlpingress.Message
	Serve() error
	Shutdown(ctx context.Context) error
}

// telemetryListener is the subset of platformtelemetry.Server the loop drives.
type telemetryListener interface {
	Events() <-chan platformtelemetry.Event
	Serve() error
	Shutdown(ctx context.Context) error
}

// Loop owns every piece of state the select loop multiplexes.
type Loop struct {
	api       extensionsAPI
	exporter  outbound.Exporter
	buffer    *outbound.SharedBuffer
	coord     *flush.Coordinator
	otlp      otlpListener
	telemetry telemetryListener
	log       *logging.Logger
}

// New builds a Loop from its already-constructed dependencies. The caller
// is expected to have already bound both listeners and registered with the
// Telemetry API before calling Run.
func New(
	api extensionsAPI,
	exporter outbound.Exporter,
	buffer *outbound.SharedBuffer,
	coord *flush.Coordinator,
	otlpServer otlpListener,
	telemetryServer telemetryListener,
	log *logging.Logger,
) *Loop {
	if log == nil {
		log = logging.Noop()
	}
	return &Loop{
		api:       api,
		exporter:  exporter,
		buffer:    buffer,
		coord:     coord,
		otlp:      otlpServer,
		telemetry: telemetryServer,
		log:       log,
	}
}

type nextEventResult struct {
	event lifecycle.Event
	err   error
}

// Run drives the event loop until it receives a Shutdown event from the
// Extensions API or ctx is cancelled. It returns nil on clean shutdown, or an
// *ExitError if a listener died unexpectedly while not shutting down.
func (l *Loop) Run(ctx context.Context) error {
	nextEventCh := make(chan nextEventResult, 1)
	go l.pollNextEvent(ctx, nextEventCh)

	otlpServeDone := make(chan error, 1)
	telemetryServeDone := make(chan error, 1)
	go func() { otlpServeDone <- l.otlp.Serve() }()
	go func() { telemetryServeDone <- l.telemetry.Serve() }()

	for {
		select {
		case res := <-nextEventCh:
			done, err := l.handleNextEvent(ctx, res, otlpServeDone, telemetryServeDone)
			if done {
				return err
			}
			go l.pollNextEvent(ctx, nextEventCh)

		case msg := <-l.otlp.Messages():
			if l.buffer.PushAndMaybeFlush(ctx, msg.Signal, msg.Body, l.exporter) {
				l.coord.RecordFlush()
			}

		case ev := <-l.telemetry.Events():
			l.handleTelemetryEvent(ev)

		case <-l.coord.Tick():
			l.handleTimerTick(ctx)

		case err := <-otlpServeDone:
			return &ExitError{Reason: fmt.Sprintf("OTLP listener died unexpectedly: %v", err)}

		case err := <-telemetryServeDone:
			return &ExitError{Reason: fmt.Sprintf("telemetry listener died unexpectedly: %v", err)}

		case <-ctx.Done():
			// Outside Lambda (local/dev runs), there is no Extensions API to
			// deliver a Shutdown event on SIGINT/SIGTERM, so the caller
			// cancels ctx directly. ctx is already done, so the drain and
			// final flush below run against a fresh background context.
			l.log.LogLifecycleEvent("signal_shutdown", ctx.Err().Error())
			return l.shutdown(context.Background(), otlpServeDone, telemetryServeDone)
		}
	}
}

func (l *Loop) pollNextEvent(ctx context.Context, out chan<- nextEventResult) {
	event, err := l.api.NextEvent(ctx)
	out <- nextEventResult{event: event, err: err}
}

// handleNextEvent processes one Extensions API event. done is true once the
// loop should stop (clean shutdown or fatal error), in which case err is
// the value Run should return.
func (l *Loop) handleNextEvent(ctx context.Context, res nextEventResult, otlpServeDone, telemetryServeDone chan error) (done bool, err error) {
	if res.err != nil {
		l.log.Slog().Error("extensions API error", "error", res.err)
		return false, nil
	}

	switch res.event.Kind {
	case lifecycle.Invoke:
		l.log.LogLifecycleEvent("invoke", res.event.RequestID)
		if l.coord.ShouldFlushAtBoundary() {
			l.buffer.Flush(ctx, l.exporter)
			l.coord.RecordFlush()
		}
		return false, nil

	case lifecycle.Shutdown:
		l.log.LogLifecycleEvent("shutdown", res.event.ShutdownReason)
		return true, l.shutdown(ctx, otlpServeDone, telemetryServeDone)

	default:
		return false, nil
	}
}

// shutdown drains both listeners, joins any in-flight background flush,
// collects whatever payloads arrived during drain, and makes one best-effort
// final flush before the process exits.
func (l *Loop) shutdown(ctx context.Context, otlpServeDone, telemetryServeDone chan error) error {
	_ = l.otlp.Shutdown(ctx)
	_ = l.telemetry.Shutdown(ctx)
	<-otlpServeDone
	<-telemetryServeDone

	l.buffer.JoinFlushTask()

	drain := l.otlp.Messages()
drainLoop:
	for {
		select {
		case msg := <-drain:
			l.buffer.Push(msg.Signal, msg.Body)
		default:
			break drainLoop
		}
	}

	l.buffer.Flush(ctx, l.exporter)
	return nil
}

func (l *Loop) handleTelemetryEvent(ev platformtelemetry.Event) {
	switch ev.Kind {
	case platformtelemetry.RuntimeDone:
		l.log.LogLifecycleEvent("runtimeDone", ev.RequestID)
	case platformtelemetry.Start:
		l.log.LogLifecycleEvent("start", ev.RequestID)
	}
}

func (l *Loop) handleTimerTick(ctx context.Context) {
	if !l.coord.ShouldFlushOnTimer() {
		return
	}
	switch l.coord.TimerMode() {
	case flush.Sync:
		l.buffer.Flush(ctx, l.exporter)
		l.coord.RecordFlush()
	case flush.Background:
		metrics := selftelemetry.GetGlobalMetrics()
		if l.buffer.SpawnFlush(ctx, l.exporter) {
			metrics.FlushStarted(ctx)
			l.coord.RecordFlush()
		}
	}
}
