// Package codec holds the serializers used for frame bodies and for the
// structured blobs exchanged between devices (handshake hellos, ciphertext
// envelopes). Every codec here must produce the same bytes for the same value
// on every device.
package codec

import (
    "errors"
    "fmt"
    "sync"
)

// Content types understood by the registry.
const (
    ContentJSON  = "application/json"
    ContentCBOR  = "application/cbor"
    ContentProto = "application/x-protobuf"
)

// ErrUnknownContentType is returned by Lookup for unregistered types.
var ErrUnknownContentType = errors.New("codec: unknown content type")

// Codec marshals typed values for one content type.
type Codec interface {
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct {
    mu     sync.RWMutex
    byType map[string]Codec
}

var (
    defaultOnce sync.Once
    defaultReg  *Registry
)

// Default returns the process-wide registry with the built-in codecs.
func Default() *Registry {
    defaultOnce.Do(func() { defaultReg = NewRegistry() })
    return defaultReg
}

// NewRegistry returns a registry holding JSON, protobuf and deterministic CBOR.
func NewRegistry() *Registry {
    r := &Registry{byType: make(map[string]Codec, 3)}
    for _, c := range []Codec{JSON(), Proto(), DefaultCBOR()} { r.Register(c) }
    return r
}

// Register adds c, replacing any codec with the same content type.
func (r *Registry) Register(c Codec) {
    r.mu.Lock()
    r.byType[c.ContentType()] = c
    r.mu.Unlock()
}

// Lookup returns the codec for contentType.
func (r *Registry) Lookup(contentType string) (Codec, error) {
    r.mu.RLock(); defer r.mu.RUnlock()
    c, ok := r.byType[contentType]
    if !ok { return nil, fmt.Errorf("%w: %q", ErrUnknownContentType, contentType) }
    return c, nil
}

// ContentTypes lists the registered content types in no particular order.
func (r *Registry) ContentTypes() []string {
    r.mu.RLock(); defer r.mu.RUnlock()
    out := make([]string, 0, len(r.byType))
    for ct := range r.byType { out = append(out, ct) }
    return out
}
