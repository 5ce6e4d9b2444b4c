// Package otlpmerge deduplicates buffered OTLP requests by resource
// identity before they're exported, so the same resource observed across
// many small payloads within one invocation is sent to the collector once
// with its scope-level data combined.
//
// Grounded on merge/mod.rs: a resource's identity is its sorted attribute
// set plus its schema URL; entries sharing an identity have their scope
// slices concatenated in first-seen order, and the resulting resource
// entries are emitted in the order their identity was first observed.
package otlpmerge

import (
	"sort"

	"google.golang.org/protobuf/proto"

	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

// resourceIdentity is the canonical key two ResourceSpans/ResourceMetrics/
// ResourceLogs entries share if they describe the same resource. Go structs
// with comparable fields are valid map keys, so no hashing is needed.
type resourceIdentity struct {
	attributes string // concatenation of each attribute's encoded KeyValue, sorted by key
	schemaURL  string
}

// newResourceIdentity mirrors ResourceIdentity::new: attribute keys are
// deduplicated (last write wins for non-conformant duplicates, matching
// BTreeMap's insert-overwrite semantics) and sorted before concatenation, so
// two resources with the same key-value set in a different wire order
// produce the same identity.
func newResourceIdentity(resource *resourcepb.Resource, schemaURL string) resourceIdentity {
	if resource == nil || len(resource.Attributes) == 0 {
		return resourceIdentity{schemaURL: schemaURL}
	}

	byKey := make(map[string][]byte, len(resource.Attributes))
	for _, kv := range resource.Attributes {
		encoded, err := proto.Marshal(kv)
		if err != nil {
			continue
		}
		byKey[kv.Key] = encoded
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var size int
	for _, k := range keys {
		size += len(byKey[k])
	}
	buf := make([]byte, 0, size)
	for _, k := range keys {
		buf = append(buf, byKey[k]...)
	}

	return resourceIdentity{attributes: string(buf), schemaURL: schemaURL}
}
