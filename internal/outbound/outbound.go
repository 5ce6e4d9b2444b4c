// Package outbound implements the shared outbound buffer: the single
// mutex-guarded point where OTLP payloads accumulate between flushes and
// where at most one background export runs at a time.
//
// Grounded on the buffers/mod.rs OutboundBuffer design: the lock is a plain
// sync.Mutex, never held across a blocking export call, and guards both the
// buffered data and the handle of any in-flight background flush so there is
// never a second lock to order against.
package outbound

import (
	"context"
	"fmt"
	"sync"

	"github.com/otelrelay/lambda-sidecar/internal/buffer"
	"github.com/otelrelay/lambda-sidecar/internal/logging"
	"github.com/otelrelay/lambda-sidecar/internal/signal"
)

// Exporter sends a buffered snapshot to the remote collector. It must clear
// any signal's queue within data that it delivered successfully and leave
// failed signals' queues intact, so the caller can prepend whatever remains
// back onto the live buffer.
type Exporter interface {
	Export(ctx context.Context, data *buffer.Data)
}

// flushHandle tracks one in-flight background export.
type flushHandle struct {
	done chan struct{}
	err  any // recovered panic value, if any
}

func (h *flushHandle) isFinished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// SharedBuffer is the shared outbound buffer. Safe for concurrent use.
type SharedBuffer struct {
	mu        sync.Mutex
	data      buffer.Data
	flushTask *flushHandle
	maxBytes  *int // nil means unbounded
	log       *logging.Logger
}

// New creates an empty SharedBuffer. maxBytes, if non-nil, is the combined
// size threshold across all three signal queues: a push that takes the buffer
// over it starts a background flush, and data restored after a failed export
// is evicted oldest-first, round-robin across signals, down to it. A plain
// push never evicts.
func New(maxBytes *int, log *logging.Logger) *SharedBuffer {
	if log == nil {
		log = logging.Noop()
	}
	return &SharedBuffer{maxBytes: maxBytes, log: log}
}

// Push appends payload to the signal's queue.
func (b *SharedBuffer) Push(s signal.Signal, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data.Push(s, payload)
}

// Take removes and returns all buffered data, leaving the buffer empty.
func (b *SharedBuffer) Take() buffer.Data {
	b.mu.Lock()
	defer b.mu.Unlock()
	taken := b.data
	b.data = buffer.Data{}
	return taken
}

// TotalSizeBytes reports the buffer's current combined size across signals.
func (b *SharedBuffer) TotalSizeBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data.TotalSizeBytes()
}

// prependFailed restores data that a flush failed to deliver, then evicts
// down to maxBytes if the buffer is now over capacity. No-op if data is empty.
func (b *SharedBuffer) prependFailed(data *buffer.Data) {
	if data.IsEmpty() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data.Prepend(data)
	if b.maxBytes != nil {
		for _, r := range b.data.EvictTo(*b.maxBytes) {
			b.log.LogEviction(r.Signal.String(), r.DroppedCount, r.DroppedBytes)
		}
	}
}

// PushAndMaybeFlush pushes payload and, if the buffer is now over its byte
// threshold, tries to spawn a background flush — all under one lock
// acquisition, matching the source's push_and_maybe_flush. Returns true if a
// flush was spawned.
func (b *SharedBuffer) PushAndMaybeFlush(ctx context.Context, s signal.Signal, payload []byte, exporter Exporter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data.Push(s, payload)
	if b.maxBytes == nil || b.data.TotalSizeBytes() <= *b.maxBytes {
		return false
	}
	return b.trySpawnFlush(ctx, exporter)
}

// SpawnFlush tries to start a background flush. Returns false if one is
// already in flight or the buffer is empty.
func (b *SharedBuffer) SpawnFlush(ctx context.Context, exporter Exporter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trySpawnFlush(ctx, exporter)
}

// trySpawnFlush must be called with b.mu held.
func (b *SharedBuffer) trySpawnFlush(ctx context.Context, exporter Exporter) bool {
	if b.flushTask != nil && !b.flushTask.isFinished() {
		return false
	}
	if b.flushTask != nil {
		if b.flushTask.err != nil {
			b.log.Slog().Error("background flush task panicked", "error", fmt.Sprint(b.flushTask.err))
		}
		b.flushTask = nil
	}

	snapshot := b.data
	b.data = buffer.Data{}
	if snapshot.IsEmpty() {
		return false
	}

	handle := &flushHandle{done: make(chan struct{})}
	b.flushTask = handle

	go func() {
		defer func() {
			if r := recover(); r != nil {
				handle.err = r
			}
			close(handle.done)
		}()
		exporter.Export(ctx, &snapshot)
		b.prependFailed(&snapshot)
	}()

	return true
}

// JoinFlushTask waits for any in-flight background flush to finish.
func (b *SharedBuffer) JoinFlushTask() {
	b.mu.Lock()
	handle := b.flushTask
	b.flushTask = nil
	b.mu.Unlock()

	if handle == nil {
		return
	}
	<-handle.done
	if handle.err != nil {
		b.log.Slog().Error("background flush task panicked", "error", fmt.Sprint(handle.err))
	}
}

// Flush synchronously joins any in-flight background flush, takes the
// buffer's current contents, exports them, and restores whatever the
// exporter failed to deliver. Returns true if there was data to export.
func (b *SharedBuffer) Flush(ctx context.Context, exporter Exporter) bool {
	b.JoinFlushTask()
	snapshot := b.Take()
	if snapshot.IsEmpty() {
		return false
	}
	exporter.Export(ctx, &snapshot)
	b.prependFailed(&snapshot)
	return true
}
