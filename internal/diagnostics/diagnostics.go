// Package diagnostics periodically logs the relay's own RSS and CPU usage,
// so operators tuning LAMBDA_OTEL_RELAY_BUFFER_MAX_BYTES can see how close
// the sidecar runs to its memory ceiling.
//
// Grounded on cmd/agent/main.go's collectMetrics/collectAndSend ticker loop,
// trimmed to the single process this sidecar always monitors (itself) rather
// than a remote target discovered by PID or port.
package diagnostics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/otelrelay/lambda-sidecar/internal/logging"
)

// Sample is one self-resource-usage snapshot.
type Sample struct {
	RSSBytes   uint64
	VMSBytes   uint64
	CPUPercent float64
	NumThreads int
	NumFDs     int
}

// Run logs a Sample every interval until ctx is cancelled. Callers should
// skip calling Run entirely when interval is zero, matching
// LAMBDA_OTEL_RELAY_DIAGNOSTICS_INTERVAL_MS=0 disabling diagnostics.
func Run(ctx context.Context, interval time.Duration, log *logging.Logger) {
	if log == nil {
		log = logging.Noop()
	}
	if interval <= 0 {
		return
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Slog().Warn("diagnostics: failed to open self process handle", "error", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logSample(collect(proc), log)
		}
	}
}

func collect(proc *process.Process) Sample {
	var s Sample

	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		s.RSSBytes = mem.RSS
		s.VMSBytes = mem.VMS
	}
	if cpuPct, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpuPct
	}
	if threads, err := proc.NumThreads(); err == nil {
		s.NumThreads = int(threads)
	}
	if fds, err := proc.NumFDs(); err == nil {
		s.NumFDs = int(fds)
	}

	return s
}

func logSample(s Sample, log *logging.Logger) {
	log.Slog().Debug("self_resource_usage",
		"rss_bytes", s.RSSBytes,
		"vms_bytes", s.VMSBytes,
		"cpu_percent", s.CPUPercent,
		"num_threads", s.NumThreads,
		"num_fds", s.NumFDs,
	)
}
