package otlpmerge

import (
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
)

// malformedLogger receives a warning for every buffered payload that fails
// to decode. It is satisfied by *logging.Logger; declared as an interface
// here to avoid importing the logging package's full surface.
type malformedLogger interface {
	LogMalformedPayload(source string, err error)
}

// merge decodes every payload as Req, groups the resource-scoped entries it
// contains by resourceIdentity (first-seen order preserved), extends the
// scope slice of an existing entry when the same identity recurs, and
// re-assembles a single Req from the deduplicated entries. A payload that
// fails to decode is logged and skipped rather than aborting the whole merge.
func merge[Req proto.Message, Item any](
	payloads [][]byte,
	signalName string,
	log malformedLogger,
	newReq func() Req,
	items func(Req) []Item,
	fromItems func([]Item) Req,
	identity func(Item) resourceIdentity,
	extend func(existing *Item, incoming Item),
) Req {
	seen := make(map[resourceIdentity]int) // identity -> index into ordered
	ordered := make([]Item, 0, len(payloads))

	for _, payload := range payloads {
		req := newReq()
		if err := proto.Unmarshal(payload, req); err != nil {
			if log != nil {
				log.LogMalformedPayload(signalName, err)
			}
			continue
		}
		for _, item := range items(req) {
			id := identity(item)
			if idx, ok := seen[id]; ok {
				extend(&ordered[idx], item)
				continue
			}
			seen[id] = len(ordered)
			ordered = append(ordered, item)
		}
	}

	return fromItems(ordered)
}

// MergeTraces merges buffered ExportTraceServiceRequest payloads, extending
// ScopeSpans in place for resources that recur across payloads.
func MergeTraces(payloads [][]byte, log malformedLogger) *coltracepb.ExportTraceServiceRequest {
	return merge(
		payloads,
		"traces",
		log,
		func() *coltracepb.ExportTraceServiceRequest { return &coltracepb.ExportTraceServiceRequest{} },
		func(r *coltracepb.ExportTraceServiceRequest) []*tracepb.ResourceSpans { return r.ResourceSpans },
		func(items []*tracepb.ResourceSpans) *coltracepb.ExportTraceServiceRequest {
			return &coltracepb.ExportTraceServiceRequest{ResourceSpans: items}
		},
		func(rs *tracepb.ResourceSpans) resourceIdentity {
			return newResourceIdentity(rs.Resource, rs.SchemaUrl)
		},
		func(existing **tracepb.ResourceSpans, incoming *tracepb.ResourceSpans) {
			(*existing).ScopeSpans = append((*existing).ScopeSpans, incoming.ScopeSpans...)
		},
	)
}

// MergeMetrics merges buffered ExportMetricsServiceRequest payloads, extending
// ScopeMetrics in place for resources that recur across payloads.
func MergeMetrics(payloads [][]byte, log malformedLogger) *colmetricspb.ExportMetricsServiceRequest {
	return merge(
		payloads,
		"metrics",
		log,
		func() *colmetricspb.ExportMetricsServiceRequest { return &colmetricspb.ExportMetricsServiceRequest{} },
		func(r *colmetricspb.ExportMetricsServiceRequest) []*metricspb.ResourceMetrics { return r.ResourceMetrics },
		func(items []*metricspb.ResourceMetrics) *colmetricspb.ExportMetricsServiceRequest {
			return &colmetricspb.ExportMetricsServiceRequest{ResourceMetrics: items}
		},
		func(rm *metricspb.ResourceMetrics) resourceIdentity {
			return newResourceIdentity(rm.Resource, rm.SchemaUrl)
		},
		func(existing **metricspb.ResourceMetrics, incoming *metricspb.ResourceMetrics) {
			(*existing).ScopeMetrics = append((*existing).ScopeMetrics, incoming.ScopeMetrics...)
		},
	)
}

// MergeLogs merges buffered ExportLogsServiceRequest payloads, extending
// ScopeLogs in place for resources that recur across payloads.
func MergeLogs(payloads [][]byte, log malformedLogger) *collogspb.ExportLogsServiceRequest {
	return merge(
		payloads,
		"logs",
		log,
		func() *collogspb.ExportLogsServiceRequest { return &collogspb.ExportLogsServiceRequest{} },
		func(r *collogspb.ExportLogsServiceRequest) []*logspb.ResourceLogs { return r.ResourceLogs },
		func(items []*logspb.ResourceLogs) *collogspb.ExportLogsServiceRequest {
			return &collogspb.ExportLogsServiceRequest{ResourceLogs: items}
		},
		func(rl *logspb.ResourceLogs) resourceIdentity {
			return newResourceIdentity(rl.Resource, rl.SchemaUrl)
		},
		func(existing **logspb.ResourceLogs, incoming *logspb.ResourceLogs) {
			(*existing).ScopeLogs = append((*existing).ScopeLogs, incoming.ScopeLogs...)
		},
	)
}
