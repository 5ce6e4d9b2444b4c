package export

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/otelrelay/lambda-sidecar/internal/buffer"
	"github.com/otelrelay/lambda-sidecar/internal/relayconfig"
	"github.com/otelrelay/lambda-sidecar/internal/signal"
)

func testClient(t *testing.T, serverURL string, compression relayconfig.Compression) *Client {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	cfg := &relayconfig.Config{
		Endpoint:      u,
		ExportTimeout: 5 * time.Second,
		Compression:   compression,
		ExportHeaders: []relayconfig.Header{{Key: "X-Api-Key", Value: "secret"}},
	}
	return New(cfg, nil)
}

func tracesRequest(serviceName string) *coltracepb.ExportTraceServiceRequest {
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
				Key:   "service.name",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: serviceName}},
			}}},
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{{Name: "span-a"}}}},
		}},
	}
}

func TestExportSendsGzipCompressedBody(t *testing.T) {
	var gotEncoding, gotPath, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("X-Api-Key")
		reader, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("expected gzip body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotBody, _ = io.ReadAll(reader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, relayconfig.CompressionGzip)

	payload, err := proto.Marshal(tracesRequest("checkout"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var data buffer.Data
	data.Push(signal.Traces, payload)

	c.Export(context.Background(), &data)

	if gotPath != "/v1/traces" {
		t.Fatalf("expected path /v1/traces, got %s", gotPath)
	}
	if gotEncoding != "gzip" {
		t.Fatalf("expected gzip content-encoding, got %q", gotEncoding)
	}
	if gotAuth != "secret" {
		t.Fatalf("expected export header to be forwarded, got %q", gotAuth)
	}
	if len(gotBody) == 0 {
		t.Fatal("expected non-empty decompressed body")
	}
	if !data.Traces.IsEmpty() {
		t.Fatal("expected traces queue cleared after a successful export")
	}
}

func TestExportLeavesQueueIntactOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, relayconfig.CompressionNone)

	payload, _ := proto.Marshal(tracesRequest("checkout"))
	var data buffer.Data
	data.Push(signal.Traces, payload)

	c.Export(context.Background(), &data)

	if data.Traces.IsEmpty() {
		t.Fatal("expected failed signal's queue to remain intact")
	}
}

func TestExportSignalsAreIndependent(t *testing.T) {
	var mu sync.Mutex
	paths := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path] = true
		mu.Unlock()
		if r.URL.Path == "/v1/metrics" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, relayconfig.CompressionNone)

	tracesPayload, _ := proto.Marshal(tracesRequest("checkout"))
	var data buffer.Data
	data.Push(signal.Traces, tracesPayload)
	data.Push(signal.Metrics, []byte{})
	data.Push(signal.Logs, []byte{})

	c.Export(context.Background(), &data)

	if !data.Traces.IsEmpty() {
		t.Fatal("expected traces to succeed and clear")
	}
	if data.Metrics.IsEmpty() {
		t.Fatal("expected metrics failure to leave its queue intact")
	}
	if !data.Logs.IsEmpty() {
		t.Fatal("expected logs to succeed and clear independently of metrics failing")
	}
}

func TestMaybeCompressNoneReturnsBodyUnchanged(t *testing.T) {
	c := &Client{compression: relayconfig.CompressionNone}
	body := []byte("hello")
	out, enc, err := c.maybeCompress(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enc != "" {
		t.Fatalf("expected no content-encoding, got %q", enc)
	}
	if string(out) != "hello" {
		t.Fatalf("expected body unchanged, got %q", out)
	}
}

func TestStatusCodeOfNonStatusErrorReturnsZero(t *testing.T) {
	if statusCodeOf(nil) != 0 {
		t.Fatal("expected 0 for nil error")
	}
}

func TestExportDoesNotBlockOnConcurrentSignals(t *testing.T) {
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, relayconfig.CompressionNone)

	tracesPayload, _ := proto.Marshal(tracesRequest("checkout"))
	var data buffer.Data
	data.Push(signal.Traces, tracesPayload)
	data.Push(signal.Metrics, []byte{})
	data.Push(signal.Logs, []byte{})

	done := make(chan struct{})
	go func() {
		c.Export(context.Background(), &data)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	<-done

	if maxInFlight.Load() < 2 {
		t.Fatalf("expected at least 2 concurrent signal exports, saw max %d", maxInFlight.Load())
	}
}
