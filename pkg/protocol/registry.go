package protocol

import (
    "errors"
    "fmt"
    "sync"
)

// BodyType describes how one tag's body is encoded and decoded.
type BodyType struct {
    Name string
    // Ack marks frames of this tag as delivery acknowledgments.
    Ack    bool
    Encode func(v any) ([]byte, error)
    Decode func(b []byte) (any, error)
}

// Registry maps tags to body types. Register everything before the first
// Decode; lookups are safe for concurrent use.
type Registry struct {
    mu    sync.RWMutex
    types map[Tag]BodyType
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{types: make(map[Tag]BodyType)} }

// DefaultRegistry returns a registry preloaded with the built-in Ack, Send
// and Receive bodies.
func DefaultRegistry() *Registry {
    r := NewRegistry()
    for tag, bt := range builtins() {
        if err := r.Register(tag, bt); err != nil { panic(err) }
    }
    return r
}

// Register binds a body type to tag. A tag can be registered once.
func (r *Registry) Register(tag Tag, bt BodyType) error {
    if bt.Encode == nil || bt.Decode == nil {
        return fmt.Errorf("protocol: tag %d: encode and decode are required", tag)
    }
    r.mu.Lock(); defer r.mu.Unlock()
    if old, ok := r.types[tag]; ok {
        return fmt.Errorf("protocol: tag %d already registered as %q", tag, old.Name)
    }
    r.types[tag] = bt
    return nil
}

// Lookup returns the body type registered for tag.
func (r *Registry) Lookup(tag Tag) (BodyType, bool) {
    r.mu.RLock(); defer r.mu.RUnlock()
    bt, ok := r.types[tag]
    return bt, ok
}

// IsAck reports whether tag is registered as an acknowledgment.
func (r *Registry) IsAck(tag Tag) bool {
    bt, ok := r.Lookup(tag)
    return ok && bt.Ack
}

// Encode serializes f. A zero Version is written as Version1.
func (r *Registry) Encode(f *Frame) ([]byte, error) {
    v := f.Version
    if v == 0 { v = Version1 }
    if !supportedVersion(v) {
        return nil, &DecodeError{Kind: KindUnsupportedVersion, Detail: fmt.Sprintf("version %d", v)}
    }
    bt, ok := r.Lookup(f.Tag)
    if !ok {
        return nil, &DecodeError{Kind: KindUnknownBodyType, Detail: fmt.Sprintf("tag %d", f.Tag)}
    }
    body, err := bt.Encode(f.Body)
    if err != nil { return nil, fmt.Errorf("protocol: encode %s body: %w", bt.Name, err) }
    if len(body) > MaxBodyLen {
        return nil, malformed("body length %d exceeds %d", len(body), MaxBodyLen)
    }
    h := Header{Version: v, Tag: f.Tag, MessageID: f.MessageID, Sender: f.Sender, Recipient: f.Recipient}
    out := h.AppendBinary(make([]byte, 0, headerSize+4+len(body)), len(body))
    return append(out, body...), nil
}

// Decode parses one complete frame. Errors from the body decoder are
// returned unchanged.
func (r *Registry) Decode(b []byte) (*Frame, error) {
    if len(b) == 0 { return nil, malformed("empty input") }
    if !supportedVersion(b[0]) {
        return nil, &DecodeError{Kind: KindUnsupportedVersion, Detail: fmt.Sprintf("version %d", b[0])}
    }
    var h Header
    if err := h.UnmarshalBinary(b); err != nil { return nil, err }
    bt, ok := r.Lookup(h.Tag)
    if !ok {
        return nil, &DecodeError{Kind: KindUnknownBodyType, Detail: fmt.Sprintf("tag %d", h.Tag)}
    }
    n, sz, err := readBodyLen(b[headerSize:])
    if err != nil { return nil, err }
    rest := b[headerSize+sz:]
    switch {
    case len(rest) < n:
        return nil, malformed("body truncated: want %d have %d", n, len(rest))
    case len(rest) > n:
        return nil, malformed("%d trailing bytes", len(rest)-n)
    }
    body, err := bt.Decode(rest)
    if err != nil { return nil, err }
    return &Frame{
        Version:   h.Version,
        Tag:       h.Tag,
        MessageID: h.MessageID,
        Sender:    h.Sender,
        Recipient: h.Recipient,
        Body:      body,
    }, nil
}

// PeekHeader decodes only the fixed header, for logging and routing of
// frames whose body is not needed.
func PeekHeader(b []byte) (Header, error) {
    var h Header
    if len(b) == 0 { return h, malformed("empty input") }
    if !supportedVersion(b[0]) {
        return h, &DecodeError{Kind: KindUnsupportedVersion, Detail: fmt.Sprintf("version %d", b[0])}
    }
    err := h.UnmarshalBinary(b)
    return h, err
}

func supportedVersion(v uint8) bool { return v == Version1 }

// errBodyType is returned by adapters handed a value of the wrong Go type.
var errBodyType = errors.New("unexpected body value type")
