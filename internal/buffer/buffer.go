// Package buffer holds raw OTLP payload bytes per signal before they are
// merged and exported. It has no concurrency of its own — internal/outbound
// wraps it behind a mutex — so every method here operates on a value held
// exclusively by its caller.
package buffer

import (
	"github.com/otelrelay/lambda-sidecar/internal/signal"
)

// Queue is a FIFO of undecoded OTLP request bodies for a single signal,
// tracking their combined size so eviction can be O(1) per entry.
type Queue struct {
	entries   [][]byte
	sizeBytes int
}

// IsEmpty reports whether the queue holds no entries.
func (q *Queue) IsEmpty() bool {
	return len(q.entries) == 0
}

// SizeBytes returns the combined length of all queued entries.
func (q *Queue) SizeBytes() int {
	return q.sizeBytes
}

// Push appends a payload to the back of the queue.
func (q *Queue) Push(payload []byte) {
	q.entries = append(q.entries, payload)
	q.sizeBytes += len(payload)
}

// Entries returns the queued payloads in arrival order. Callers must not
// retain the slice across a subsequent mutating call.
func (q *Queue) Entries() [][]byte {
	return q.entries
}

// Clear drops every entry, resetting the queue to empty.
func (q *Queue) Clear() {
	q.entries = nil
	q.sizeBytes = 0
}

// EvictOldest removes the single oldest entry and returns the bytes freed,
// or 0 if the queue was already empty.
func (q *Queue) EvictOldest() int {
	if len(q.entries) == 0 {
		return 0
	}
	freed := len(q.entries[0])
	q.entries = q.entries[1:]
	q.sizeBytes -= freed
	return freed
}

// prepend places older's entries before q's own, leaving q holding
// [older..., q...]. older is left empty.
func (q *Queue) prepend(older *Queue) {
	if older.IsEmpty() {
		return
	}
	older.entries = append(older.entries, q.entries...)
	older.sizeBytes += q.sizeBytes
	*q = *older
}

// Data holds one Queue per signal. The zero value is an empty buffer.
type Data struct {
	Traces  Queue
	Metrics Queue
	Logs    Queue
}

// IsEmpty reports whether every signal's queue is empty.
func (d *Data) IsEmpty() bool {
	return d.Traces.IsEmpty() && d.Metrics.IsEmpty() && d.Logs.IsEmpty()
}

// queueFor returns the Queue for s. Panics on an invalid Signal, which can
// only happen from a programming error — signal.FromPath never yields one.
func (d *Data) queueFor(s signal.Signal) *Queue {
	switch s {
	case signal.Traces:
		return &d.Traces
	case signal.Metrics:
		return &d.Metrics
	case signal.Logs:
		return &d.Logs
	default:
		panic("buffer: invalid signal")
	}
}

// Push appends payload to the queue for s.
func (d *Data) Push(s signal.Signal, payload []byte) {
	d.queueFor(s).Push(payload)
}

// QueueFor returns the Queue for s, for callers outside the package that
// need direct access (exporters inspecting or clearing a single signal).
func (d *Data) QueueFor(s signal.Signal) *Queue {
	return d.queueFor(s)
}

// TotalSizeBytes returns the combined size of all three signal queues.
func (d *Data) TotalSizeBytes() int {
	return d.Traces.SizeBytes() + d.Metrics.SizeBytes() + d.Logs.SizeBytes()
}

// Prepend places older's entries before d's own entries, per signal.
func (d *Data) Prepend(older *Data) {
	d.Traces.prepend(&older.Traces)
	d.Metrics.prepend(&older.Metrics)
	d.Logs.prepend(&older.Logs)
}

// EvictionReport describes how much was dropped from one signal's queue
// during a single EvictTo call, for logging and metrics.
type EvictionReport struct {
	Signal       signal.Signal
	DroppedBytes int
	DroppedCount int
}

// EvictTo drops the oldest entries, round-robin across traces, metrics, then
// logs, until the combined size is at or below maxBytes or every queue is
// empty. It returns one report per signal that lost data, in signal.All order.
func (d *Data) EvictTo(maxBytes int) []EvictionReport {
	reports := make(map[signal.Signal]*EvictionReport)
	total := d.TotalSizeBytes()

	for total > maxBytes {
		anyEvicted := false
		for _, s := range signal.All {
			if total <= maxBytes {
				break
			}
			freed := d.queueFor(s).EvictOldest()
			if freed == 0 {
				continue
			}
			total -= freed
			anyEvicted = true
			r, ok := reports[s]
			if !ok {
				r = &EvictionReport{Signal: s}
				reports[s] = r
			}
			r.DroppedBytes += freed
			r.DroppedCount++
		}
		if !anyEvicted {
			break
		}
	}

	out := make([]EvictionReport, 0, len(reports))
	for _, s := range signal.All {
		if r, ok := reports[s]; ok {
			out = append(out, *r)
		}
	}
	return out
}
