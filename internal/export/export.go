// Package export implements outbound.Exporter against an OTLP/HTTP
// collector: each buffered signal is merged, optionally gzip-compressed, and
// POSTed independently so one signal's failure never blocks another's.
//
// Grounded on worker/retry_client.go for the *http.Client wiring and
// request-building shape, generalized to protobuf bodies and per-signal
// concurrency per the merge/export semantics in merge/mod.rs and
// exporter.rs.
package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/otelrelay/lambda-sidecar/internal/buffer"
	"github.com/otelrelay/lambda-sidecar/internal/logging"
	"github.com/otelrelay/lambda-sidecar/internal/otlpmerge"
	"github.com/otelrelay/lambda-sidecar/internal/relayconfig"
	"github.com/otelrelay/lambda-sidecar/internal/selftelemetry"
	"github.com/otelrelay/lambda-sidecar/internal/signal"
)

const maxResponseBodyBytes = 64 * 1024

// Client POSTs merged OTLP payloads to a collector endpoint. It implements
// outbound.Exporter.
type Client struct {
	httpClient  *http.Client
	endpoint    string // base URL, e.g. "https://collector.example.com"
	headers     []relayconfig.Header
	compression relayconfig.Compression
	log         *logging.Logger
}

// New builds a Client from the sidecar's configuration.
func New(cfg *relayconfig.Config, log *logging.Logger) *Client {
	if log == nil {
		log = logging.Noop()
	}
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.ExportTimeout},
		endpoint:    cfg.Endpoint.String(),
		headers:     cfg.ExportHeaders,
		compression: cfg.Compression,
		log:         log,
	}
}

// Export merges and POSTs every non-empty signal queue in data concurrently.
// A signal whose export succeeds (2xx response) has its queue cleared; a
// signal that fails is left untouched so the caller can restore it.
func (c *Client) Export(ctx context.Context, data *buffer.Data) {
	var wg sync.WaitGroup
	for _, s := range signal.All {
		q := data.QueueFor(s)
		if q.IsEmpty() {
			continue
		}
		wg.Add(1)
		go func(s signal.Signal, q *buffer.Queue) {
			defer wg.Done()
			c.exportSignal(ctx, s, q)
		}(s, q)
	}
	wg.Wait()
}

func (c *Client) exportSignal(ctx context.Context, s signal.Signal, q *buffer.Queue) {
	start := time.Now()
	tracer := selftelemetry.GetGlobalTracer()
	metrics := selftelemetry.GetGlobalMetrics()

	merged, mergedCount := c.mergeSignal(s, q.Entries())

	spanCtx, span := tracer.StartFlushSpan(ctx, selftelemetry.FlushSpanOptions{
		Signal:    s.String(),
		Trigger:   "export",
		Bytes:     len(merged),
		Compacted: mergedCount,
	})
	defer span.End()

	err := c.post(spanCtx, s, merged)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
	metrics.RecordExportLatency(spanCtx, s.String(), latencyMs)

	if err != nil {
		selftelemetry.RecordError(span, err, "export_failure", true)
		metrics.RecordExportError(spanCtx, s.String())
		metrics.RecordFlush(spanCtx, s.String(), false)
		c.log.LogExportFailure(s.String(), err, statusCodeOf(err))
		return
	}

	metrics.RecordFlush(spanCtx, s.String(), true)
	metrics.RecordMergedResources(spanCtx, s.String(), mergedCount)
	c.log.LogFlush(s.String(), len(merged), true)
	q.Clear()
}

// mergeSignal merges a signal's queued payloads and reports how many
// deduplicated resource entries resulted, for diagnostics.
func (c *Client) mergeSignal(s signal.Signal, payloads [][]byte) (body []byte, resourceCount int) {
	switch s {
	case signal.Traces:
		merged := otlpmerge.MergeTraces(payloads, c.log)
		b, err := proto.Marshal(merged)
		if err != nil {
			c.log.LogMalformedPayload("traces-remarshal", err)
			return nil, 0
		}
		return b, len(merged.ResourceSpans)
	case signal.Metrics:
		merged := otlpmerge.MergeMetrics(payloads, c.log)
		b, err := proto.Marshal(merged)
		if err != nil {
			c.log.LogMalformedPayload("metrics-remarshal", err)
			return nil, 0
		}
		return b, len(merged.ResourceMetrics)
	case signal.Logs:
		merged := otlpmerge.MergeLogs(payloads, c.log)
		b, err := proto.Marshal(merged)
		if err != nil {
			c.log.LogMalformedPayload("logs-remarshal", err)
			return nil, 0
		}
		return b, len(merged.ResourceLogs)
	default:
		return nil, 0
	}
}

// statusError carries an HTTP status code so callers can report it.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("collector returned status %d: %s", e.code, e.body)
}

func statusCodeOf(err error) int {
	if se, ok := err.(*statusError); ok {
		return se.code
	}
	return 0
}

func (c *Client) post(ctx context.Context, s signal.Signal, body []byte) error {
	encoded, contentEncoding, err := c.maybeCompress(body)
	if err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}

	url := c.endpoint + s.Path()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	for _, h := range c.headers {
		req.Header.Set(h.Key, h.Value)
	}
	selftelemetry.InjectHeaders(ctx, req.Header, selftelemetry.GetGlobalTracer())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := readLimited(resp.Body)
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) maybeCompress(body []byte) (out []byte, contentEncoding string, err error) {
	if c.compression != relayconfig.CompressionGzip {
		return body, "", nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "gzip", nil
}

func readLimited(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, maxResponseBodyBytes)
	return io.ReadAll(limited)
}
