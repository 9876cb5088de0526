package codec

import (
    "fmt"

    "google.golang.org/protobuf/proto"
)

type protoCodec struct{}

var (
    protoMarshal   = proto.MarshalOptions{Deterministic: true}
    protoUnmarshal = proto.UnmarshalOptions{RecursionLimit: 64}
)

// Proto returns a protobuf codec. Values must implement proto.Message.
func Proto() Codec { return protoCodec{} }

func (protoCodec) ContentType() string { return ContentProto }

func (protoCodec) Marshal(v any) ([]byte, error) {
    m, err := asMessage(v)
    if err != nil { return nil, err }
    return protoMarshal.Marshal(m)
}

func (protoCodec) Unmarshal(data []byte, v any) error {
    m, err := asMessage(v)
    if err != nil { return err }
    return protoUnmarshal.Unmarshal(data, m)
}

func asMessage(v any) (proto.Message, error) {
    m, ok := v.(proto.Message)
    if !ok { return nil, fmt.Errorf("protobuf: %T is not a proto.Message", v) }
    return m, nil
}
