package diagnostics

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/otelrelay/lambda-sidecar/internal/logging"
)

func TestRunReturnsImmediatelyWhenIntervalIsZero(t *testing.T) {
	done := make(chan struct{})
	go func() {
		Run(context.Background(), 0, logging.Noop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return immediately for a zero interval")
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, 10*time.Millisecond, logging.Noop())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestRunLogsAtLeastOneSample(t *testing.T) {
	var buf bytes.Buffer
	log := logging.NewWithWriter("", slog.LevelDebug, &buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, 5*time.Millisecond, log)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}

	if !strings.Contains(buf.String(), "self_resource_usage") {
		t.Fatalf("expected at least one self_resource_usage log line, got: %s", buf.String())
	}
}

func TestCollectReadsSelfProcess(t *testing.T) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		t.Fatalf("failed to open self process handle: %v", err)
	}

	s := collect(proc)

	if s.NumThreads <= 0 {
		t.Fatalf("expected at least one thread reported, got %d", s.NumThreads)
	}
}
