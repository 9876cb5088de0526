package protocol

import (
    "bytes"
    "errors"
    "testing"

    "github.com/google/uuid"
    varint "github.com/multiformats/go-varint"
    "github.com/stretchr/testify/require"
    "google.golang.org/protobuf/proto"
    "google.golang.org/protobuf/types/known/structpb"
)

type telemetry struct {
    Seq    uint64            `cbor:"1,keyasint" json:"seq"`
    Labels map[string]string `cbor:"2,keyasint" json:"labels"`
}

const (
    tagRaw Tag = TagUser + iota
    tagCBOR
    tagJSON
    tagProto
)

func testRegistry(t *testing.T) *Registry {
    t.Helper()
    r := DefaultRegistry()
    require.NoError(t, r.Register(tagRaw, RawBody("raw")))
    require.NoError(t, r.Register(tagCBOR, CBORBody[telemetry]("telemetry-cbor")))
    require.NoError(t, r.Register(tagJSON, JSONBody[telemetry]("telemetry-json")))
    require.NoError(t, r.Register(tagProto, ProtoBody("struct", func() proto.Message { return &structpb.Struct{} })))
    return r
}

var maxUUID = uuid.UUID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func TestFrameRoundTrip(t *testing.T) {
    r := testRegistry(t)
    a, b := uuid.New(), uuid.New()
    frames := []Frame{
        {Tag: TagAck, MessageID: 7, Sender: a, Recipient: b, Body: Ack{}},
        {Tag: TagAck, MessageID: 0xffffffff, Sender: maxUUID, Recipient: maxUUID, Body: Ack{Note: "ok"}},
        {Tag: TagSend, MessageID: 7, Sender: a, Recipient: b, Body: Message{Command: 3, Destination: b, Msg: "hi"}},
        {Tag: TagSend, Sender: a, Recipient: Broadcast, Body: Message{Broadcast: true}},
        {Tag: TagReceive, MessageID: 1, Sender: maxUUID, Recipient: uuid.Nil, Body: Message{Msg: string(make([]byte, 300))}},
        {Tag: tagRaw, MessageID: 2, Sender: a, Recipient: b},
        {Tag: tagRaw, MessageID: 3, Sender: a, Recipient: b, Body: bytes.Repeat([]byte{0xab}, 70000)},
        {Tag: tagCBOR, MessageID: 4, Sender: a, Recipient: b, Body: telemetry{Seq: 9, Labels: map[string]string{"k": "v"}}},
        {Tag: tagJSON, MessageID: 5, Sender: a, Recipient: b, Body: telemetry{Seq: 10, Labels: map[string]string{}}},
    }
    for _, f := range frames {
        f.Version = Version1
        enc, err := r.Encode(&f)
        require.NoError(t, err, f.String())
        got, err := r.Decode(enc)
        require.NoError(t, err, f.String())
        require.Equal(t, f, *got)

        again, err := r.Encode(got)
        require.NoError(t, err)
        require.True(t, bytes.Equal(enc, again), "encoding not bit-exact for %s", f.String())
    }
}

func TestProtoBodyRoundTrip(t *testing.T) {
    r := testRegistry(t)
    st, err := structpb.NewStruct(map[string]any{"op": "ping", "n": 3})
    require.NoError(t, err)
    f := &Frame{Tag: tagProto, MessageID: 11, Sender: uuid.New(), Recipient: uuid.New(), Body: st}
    enc, err := r.Encode(f)
    require.NoError(t, err)
    got, err := r.Decode(enc)
    require.NoError(t, err)
    require.True(t, proto.Equal(st, got.Body.(proto.Message)))
    require.Equal(t, f.MessageID, got.MessageID)
}

func TestEncodeLayout(t *testing.T) {
    r := DefaultRegistry()
    s := uuid.UUID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
    f := &Frame{Tag: TagAck, MessageID: 0x01020304, Sender: s, Recipient: maxUUID, Body: Ack{Note: "x"}}
    enc, err := r.Encode(f)
    require.NoError(t, err)
    require.Equal(t, headerSize+1+1, len(enc))
    require.Equal(t, []byte{1, 0, 1, 2, 3, 4}, enc[:6])
    require.Equal(t, s[:], enc[6:22])
    require.Equal(t, maxUUID[:], enc[22:38])
    require.Equal(t, byte(1), enc[38])
    require.Equal(t, byte('x'), enc[39])

    h, err := PeekHeader(enc)
    require.NoError(t, err)
    require.Equal(t, uint32(0x01020304), h.MessageID)
}

func TestDecodeErrors(t *testing.T) {
    r := DefaultRegistry()
    good, err := r.Encode(&Frame{Tag: TagSend, MessageID: 1, Sender: uuid.New(), Recipient: uuid.New(), Body: Message{Msg: "abc"}})
    require.NoError(t, err)

    mutate := func(fn func(b []byte) []byte) []byte { return fn(append([]byte(nil), good...)) }

    cases := []struct {
        name string
        in   []byte
        want error
    }{
        {"empty", nil, ErrMalformed},
        {"version zero", mutate(func(b []byte) []byte { b[0] = 0; return b }), ErrUnsupportedVersion},
        {"version two", mutate(func(b []byte) []byte { b[0] = 2; return b }), ErrUnsupportedVersion},
        {"version only", []byte{9}, ErrUnsupportedVersion},
        {"unknown tag", mutate(func(b []byte) []byte { b[1] = 200; return b }), ErrUnknownBodyType},
        {"short header", good[:20], ErrMalformed},
        {"missing length", good[:headerSize], ErrMalformed},
        {"truncated body", good[:len(good)-1], ErrMalformed},
        {"trailing bytes", append(append([]byte(nil), good...), 0), ErrMalformed},
        {"body decoder", mutate(func(b []byte) []byte { b[headerSize+1+4] = 7; return b }), ErrMalformed},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            f, err := r.Decode(tc.in)
            require.Nil(t, f)
            require.ErrorIs(t, err, tc.want)
            var de *DecodeError
            require.True(t, errors.As(err, &de))
        })
    }
}

func TestDecodeRejectsNonMinimalLength(t *testing.T) {
    r := NewRegistry()
    require.NoError(t, r.Register(tagRaw, RawBody("raw")))
    h := Header{Version: Version1, Tag: tagRaw}
    b := h.AppendBinary(nil, 0)
    b = append(b[:headerSize], 0x80, 0x00) // zero encoded in two bytes
    _, err := r.Decode(b)
    require.ErrorIs(t, err, ErrMalformed)
    require.ErrorIs(t, err, varint.ErrNotMinimal)
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
    r := NewRegistry()
    require.NoError(t, r.Register(tagRaw, RawBody("raw")))
    h := Header{Version: Version1, Tag: tagRaw}
    b := h.AppendBinary(nil, MaxBodyLen+1)
    _, err := r.Decode(b)
    require.ErrorIs(t, err, ErrMalformed)
}

func TestBodyDecoderErrorPropagates(t *testing.T) {
    boom := errors.New("boom")
    r := NewRegistry()
    require.NoError(t, r.Register(tagRaw, BodyType{
        Name:   "failing",
        Encode: func(any) ([]byte, error) { return []byte{1}, nil },
        Decode: func([]byte) (any, error) { return nil, boom },
    }))
    enc, err := r.Encode(&Frame{Tag: tagRaw})
    require.NoError(t, err)
    _, err = r.Decode(enc)
    require.Same(t, boom, err)
}

func TestEncodeErrors(t *testing.T) {
    r := DefaultRegistry()
    _, err := r.Encode(&Frame{Tag: 99})
    require.ErrorIs(t, err, ErrUnknownBodyType)
    _, err = r.Encode(&Frame{Version: 3, Tag: TagAck})
    require.ErrorIs(t, err, ErrUnsupportedVersion)
    _, err = r.Encode(&Frame{Tag: TagSend, Body: "not a message"})
    require.ErrorIs(t, err, errBodyType)
}

func TestRegistry(t *testing.T) {
    r := NewRegistry()
    _, ok := r.Lookup(TagAck)
    require.False(t, ok)
    require.Error(t, r.Register(tagRaw, BodyType{Name: "incomplete"}))
    require.NoError(t, r.Register(tagRaw, RawBody("raw")))
    require.Error(t, r.Register(tagRaw, RawBody("again")))

    d := DefaultRegistry()
    require.True(t, d.IsAck(TagAck))
    require.False(t, d.IsAck(TagSend))
    require.False(t, d.IsAck(tagRaw))
}

func TestTypedBodyContentTypes(t *testing.T) {
    bt, err := TypedBody[telemetry]("telemetry", "application/cbor")
    require.NoError(t, err)
    r := NewRegistry()
    require.NoError(t, r.Register(tagCBOR, bt))
    enc, err := r.Encode(&Frame{Tag: tagCBOR, MessageID: 1, Body: &telemetry{Seq: 4}})
    require.NoError(t, err)
    got, err := r.Decode(enc)
    require.NoError(t, err)
    require.Equal(t, uint64(4), got.Body.(telemetry).Seq)

    _, err = TypedBody[telemetry]("telemetry", "text/plain")
    require.Error(t, err)
}

func TestEncodeLeavesFrameUntouched(t *testing.T) {
    r := DefaultRegistry()
    f := &Frame{Tag: TagSend, MessageID: 4, Sender: uuid.New(), Recipient: uuid.New(), Body: Message{Msg: "v"}}
    enc, err := r.Encode(f)
    require.NoError(t, err)
    require.Zero(t, f.Version)
    require.Equal(t, Version1, enc[0])

    got, err := r.Decode(enc)
    require.NoError(t, err)
    require.Equal(t, Version1, got.Version)
}
