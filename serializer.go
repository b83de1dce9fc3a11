package ifhd

import "io"

// The core never interprets chunk payload bytes. These interfaces are the
// collaborator contract a higher-level sample/stream-type registry
// implements. Reader and Writer do not call them; chunk payloads are
// passed to and from callers as raw bytes.

// StreamTypeDeserializer turns the additional-stream-info blob of one
// stream into a domain-specific stream type description.
type StreamTypeDeserializer interface {
	DeserializeStreamType(r io.Reader) (interface{}, error)
}

// SampleDeserializer turns one chunk's payload bytes into a domain
// sample object, given the stream type previously produced by a
// StreamTypeDeserializer.
type SampleDeserializer interface {
	DeserializeSample(streamType interface{}, r io.Reader) (interface{}, error)
}

// SampleFactory constructs an empty domain sample object for a given
// stream type, for callers that want to reuse buffers across chunks.
type SampleFactory interface {
	CreateSample(streamType interface{}) (interface{}, error)
}

// StreamTypeFactory constructs an empty domain stream type object for a
// given type id.
type StreamTypeFactory interface {
	CreateStreamType(typeID string) (interface{}, error)
}

// StreamTypeSerializer is the write-side counterpart of
// StreamTypeDeserializer.
type StreamTypeSerializer interface {
	SerializeStreamType(streamType interface{}, w io.Writer) error
}

// SampleSerializer is the write-side counterpart of SampleDeserializer.
type SampleSerializer interface {
	SerializeSample(sample interface{}, w io.Writer) error
}

// Registry is an insertion-ordered, string-keyed collection of
// collaborator implementations. Re-registering an id overwrites the
// previous entry; iteration order follows first registration.
type Registry struct {
	order []string
	byID  map[string]interface{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]interface{})}
}

// Register associates id with impl, overwriting any previous
// registration under the same id without changing its position in
// iteration order.
func (r *Registry) Register(id string, impl interface{}) {
	if _, ok := r.byID[id]; !ok {
		r.order = append(r.order, id)
	}
	r.byID[id] = impl
}

// Lookup returns the implementation registered under id, if any.
func (r *Registry) Lookup(id string) (interface{}, bool) {
	v, ok := r.byID[id]
	return v, ok
}

// IDs returns every registered id in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
