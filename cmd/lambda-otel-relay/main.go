// Command lambda-otel-relay is an AWS Lambda extension that buffers OTLP/HTTP
// payloads emitted by the instrumented function and relays them to a remote
// collector, batched across invocations instead of per-invocation.
//
// Grounded on original_source/crates/extension/src/main.rs for the startup
// and event-loop wiring sequence, and on the teacher's cmd/server/main.go for
// the explicit-wiring-then-signal-driven-shutdown shape.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/otelrelay/lambda-sidecar/internal/diagnostics"
	"github.com/otelrelay/lambda-sidecar/internal/eventloop"
	"github.com/otelrelay/lambda-sidecar/internal/export"
	"github.com/otelrelay/lambda-sidecar/internal/flush"
	"github.com/otelrelay/lambda-sidecar/internal/lifecycle"
	"github.com/otelrelay/lambda-sidecar/internal/logging"
	"github.com/otelrelay/lambda-sidecar/internal/otlpingress"
	"github.com/otelrelay/lambda-sidecar/internal/outbound"
	"github.com/otelrelay/lambda-sidecar/internal/platformtelemetry"
	"github.com/otelrelay/lambda-sidecar/internal/relayconfig"
	"github.com/otelrelay/lambda-sidecar/internal/selftelemetry"
)

func main() {
	log := logging.New("", logging.ParseLevel(os.Getenv("LAMBDA_OTEL_RELAY_LOG_LEVEL")))
	logging.SetGlobal(log)

	cfg, err := relayconfig.FromEnv(os.Environ())
	if err != nil {
		fatal(log, "config error", err)
	}

	runtimeAPI := os.Getenv("AWS_LAMBDA_RUNTIME_API")
	if runtimeAPI == "" {
		fatal(log, "AWS_LAMBDA_RUNTIME_API not set; this extension must run inside a Lambda environment", errors.New("missing environment variable"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api, err := lifecycle.Register(ctx, runtimeAPI)
	if err != nil {
		fatal(log, "failed to register extension", err)
	}
	log = log.WithExtensionID(api.ExtensionID())
	logging.SetGlobal(log)

	strategy, err := flush.Parse(cfg.FlushStrategy)
	if err != nil {
		reportAndExit(api, log, "Relay.InvalidFlushStrategy", "invalid flush strategy", err)
	}

	otlpServer := otlpingress.New(128, log)
	if err := otlpServer.Listen(cfg.ListenerPort); err != nil {
		reportAndExit(api, log, "Relay.ListenerBindFailed", "failed to bind OTLP listener", err)
	}

	telemetryServer := platformtelemetry.New(64, log)
	if err := telemetryServer.Listen(cfg.TelemetryPort); err != nil {
		reportAndExit(api, log, "Relay.TelemetryListenerBindFailed", "failed to bind telemetry listener", err)
	}

	// Binding first guarantees the port is accepting connections before the
	// Telemetry API starts delivering events to it.
	if err := api.RegisterTelemetry(ctx, cfg.TelemetryPort); err != nil {
		reportAndExit(api, log, "Relay.TelemetryRegistrationFailed", "failed to register with Telemetry API", err)
	}

	setupSelfTelemetry(ctx, cfg)
	defer shutdownSelfTelemetry(context.Background())

	if cfg.DiagnosticsInterval > 0 {
		go diagnostics.Run(ctx, cfg.DiagnosticsInterval, log)
	}

	buf := outbound.New(cfg.BufferMaxBytes, log)
	exporter := export.New(cfg, log)
	coord := flush.NewCoordinator(strategy)

	loop := eventloop.New(api, exporter, buf, coord, otlpServer, telemetryServer, log)

	if err := loop.Run(ctx); err != nil {
		var exitErr *eventloop.ExitError
		if errors.As(err, &exitErr) {
			_ = api.ReportExitError(context.Background(), "Relay.ListenerDied")
			log.Slog().Error("event loop exited with a fatal error", "error", err)
			os.Exit(1)
		}
		log.Slog().Error("event loop exited with an error", "error", err)
		os.Exit(1)
	}
}

// fatal logs and exits before the extension has registered, when there is no
// extension ID to report a failure against the Extensions API with.
func fatal(log *logging.Logger, msg string, err error) {
	log.Slog().Error(msg, "error", err)
	os.Exit(1)
}

// reportAndExit tells the Runtime API that initialization failed, so Lambda
// surfaces the failure immediately instead of waiting for a cold-start
// timeout, then exits.
func reportAndExit(api *lifecycle.Client, log *logging.Logger, errorType, msg string, err error) {
	log.Slog().Error(msg, "error", err)
	reportCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if reportErr := api.ReportInitError(reportCtx, errorType); reportErr != nil {
		log.Slog().Error("failed to report init error to Extensions API", "error", reportErr)
	}
	os.Exit(1)
}

func setupSelfTelemetry(ctx context.Context, cfg *relayconfig.Config) {
	exporterType := selftelemetry.ExporterType(cfg.SelfTelemetryExporter)

	tracerCfg := selftelemetry.DefaultConfig()
	tracerCfg.Enabled = cfg.SelfTelemetryEnabled
	tracerCfg.ExporterType = exporterType
	tracerCfg.OTLPEndpoint = cfg.SelfTelemetryEndpoint

	tracer, err := selftelemetry.NewTracer(ctx, tracerCfg)
	if err != nil {
		slog.Warn("self-telemetry tracer init failed, continuing without it", "error", err)
		tracer = selftelemetry.NoopTracer()
	}
	selftelemetry.SetGlobalTracer(tracer)

	metricsCfg := selftelemetry.DefaultMetricsConfig()
	metricsCfg.Enabled = cfg.SelfTelemetryEnabled
	metricsCfg.ExporterType = exporterType
	metricsCfg.OTLPEndpoint = cfg.SelfTelemetryEndpoint

	metrics, err := selftelemetry.NewMetrics(ctx, metricsCfg)
	if err != nil {
		slog.Warn("self-telemetry metrics init failed, continuing without it", "error", err)
		metrics = selftelemetry.NoopMetrics()
	}
	selftelemetry.SetGlobalMetrics(metrics)
}

func shutdownSelfTelemetry(ctx context.Context) {
	if tracer := selftelemetry.GetGlobalTracer(); tracer != nil {
		if err := tracer.Shutdown(ctx); err != nil {
			slog.Warn("self-telemetry tracer shutdown failed", "error", err)
		}
	}
	if metrics := selftelemetry.GetGlobalMetrics(); metrics != nil {
		if err := metrics.Shutdown(ctx); err != nil {
			slog.Warn("self-telemetry metrics shutdown failed", "error", err)
		}
	}
}
