package protocol

import (
    "encoding/binary"
    "fmt"

    "github.com/google/uuid"
    "google.golang.org/protobuf/proto"

    "meshbase/pkg/protocol/codec"
)

// Ack confirms that a frame reached the immediate neighbor. It echoes the
// acknowledged frame's MessageID in the header; Note is free text.
type Ack struct {
    Note string
}

// Message is the body of Send and Receive frames.
//
// Layout: Command u32 | Broadcast u8 | Destination [16]byte | MsgLen u32 | Msg
type Message struct {
    Command     uint32
    Broadcast   bool
    Destination uuid.UUID
    Msg         string
}

const messageFixed = 4 + 1 + 16 + 4

func builtins() map[Tag]BodyType {
    return map[Tag]BodyType{
        TagAck:     {Name: "ack", Ack: true, Encode: encodeAck, Decode: decodeAck},
        TagSend:    {Name: "send", Encode: encodeMessage, Decode: decodeMessage},
        TagReceive: {Name: "receive", Encode: encodeMessage, Decode: decodeMessage},
    }
}

func encodeAck(v any) ([]byte, error) {
    switch a := v.(type) {
    case nil:
        return nil, nil
    case Ack:
        return []byte(a.Note), nil
    case *Ack:
        return []byte(a.Note), nil
    }
    return nil, fmt.Errorf("%w: ack body %T", errBodyType, v)
}

func decodeAck(b []byte) (any, error) { return Ack{Note: string(b)}, nil }

func encodeMessage(v any) ([]byte, error) {
    m, err := asType[Message](v)
    if err != nil { return nil, err }
    out := make([]byte, messageFixed, messageFixed+len(m.Msg))
    binary.BigEndian.PutUint32(out[0:4], m.Command)
    if m.Broadcast { out[4] = 1 }
    copy(out[5:21], m.Destination[:])
    binary.BigEndian.PutUint32(out[21:25], uint32(len(m.Msg)))
    return append(out, m.Msg...), nil
}

func decodeMessage(b []byte) (any, error) {
    if len(b) < messageFixed {
        return nil, malformed("message body: %d bytes", len(b))
    }
    var m Message
    m.Command = binary.BigEndian.Uint32(b[0:4])
    switch b[4] {
    case 0:
    case 1:
        m.Broadcast = true
    default:
        return nil, malformed("message body: broadcast flag %d", b[4])
    }
    copy(m.Destination[:], b[5:21])
    n := binary.BigEndian.Uint32(b[21:25])
    if uint64(n) != uint64(len(b)-messageFixed) {
        return nil, malformed("message body: length %d, have %d", n, len(b)-messageFixed)
    }
    m.Msg = string(b[messageFixed:])
    return m, nil
}

// RawBody passes bytes through untouched. Empty bodies decode to nil.
func RawBody(name string) BodyType {
    return BodyType{
        Name: name,
        Encode: func(v any) ([]byte, error) {
            switch b := v.(type) {
            case nil:
                return nil, nil
            case []byte:
                return b, nil
            }
            return nil, fmt.Errorf("%w: %s body %T", errBodyType, name, v)
        },
        Decode: func(b []byte) (any, error) {
            if len(b) == 0 { return nil, nil }
            return append([]byte(nil), b...), nil
        },
    }
}

// CodecBody serializes values of type T with c. Decode yields a T value;
// Encode accepts T or *T.
func CodecBody[T any](name string, c codec.Codec) BodyType {
    return BodyType{
        Name: name,
        Encode: func(v any) ([]byte, error) {
            t, err := asType[T](v)
            if err != nil { return nil, err }
            return c.Marshal(t)
        },
        Decode: func(b []byte) (any, error) {
            var t T
            if err := c.Unmarshal(b, &t); err != nil {
                return nil, wrapMalformed(err, name+" body")
            }
            return t, nil
        },
    }
}

// TypedBody is CodecBody with the codec registered for contentType in the
// default codec registry.
func TypedBody[T any](name, contentType string) (BodyType, error) {
    c, err := codec.Default().Lookup(contentType)
    if err != nil { return BodyType{}, err }
    return CodecBody[T](name, c), nil
}

// CBORBody is CodecBody with deterministic CBOR.
func CBORBody[T any](name string) BodyType { return mustTyped[T](name, codec.ContentCBOR) }

// JSONBody is CodecBody with JSON.
func JSONBody[T any](name string) BodyType { return mustTyped[T](name, codec.ContentJSON) }

func mustTyped[T any](name, contentType string) BodyType {
    bt, err := TypedBody[T](name, contentType)
    if err != nil { panic(err) }
    return bt
}

// ProtoBody carries a protobuf message; newMsg returns an empty message of
// the concrete type to decode into.
func ProtoBody(name string, newMsg func() proto.Message) BodyType {
    c := codec.Proto()
    return BodyType{
        Name: name,
        Encode: func(v any) ([]byte, error) { return c.Marshal(v) },
        Decode: func(b []byte) (any, error) {
            m := newMsg()
            if err := c.Unmarshal(b, m); err != nil {
                return nil, wrapMalformed(err, name+" body")
            }
            return m, nil
        },
    }
}

func asType[T any](v any) (T, error) {
    switch x := v.(type) {
    case T:
        return x, nil
    case *T:
        if x != nil { return *x, nil }
    }
    var zero T
    return zero, fmt.Errorf("%w: want %T, got %T", errBodyType, zero, v)
}
