package codec

import (
    cbor "github.com/fxamacker/cbor/v2"
)

// Decoding limits for bodies received from peers.
const (
    cborMaxNesting = 16
    cborMaxItems   = 1 << 16
)

type cborCodec struct {
    enc cbor.EncMode
    dec cbor.DecMode
}

var cborShared = func() Codec {
    c, err := CBOR()
    if err != nil { panic(err) }
    return c
}()

// CBOR builds a codec using RFC 8949 core deterministic encoding. Decoding
// rejects duplicate map keys and bounds nesting and container sizes.
func CBOR() (Codec, error) {
    em, err := cbor.CoreDetEncOptions().EncMode()
    if err != nil { return nil, err }
    dm, err := cbor.DecOptions{
        DupMapKey:        cbor.DupMapKeyEnforcedAPF,
        MaxNestedLevels:  cborMaxNesting,
        MaxArrayElements: cborMaxItems,
        MaxMapPairs:      cborMaxItems,
    }.DecMode()
    if err != nil { return nil, err }
    return cborCodec{enc: em, dec: dm}, nil
}

// DefaultCBOR returns the shared CBOR codec.
func DefaultCBOR() Codec { return cborShared }

func (cborCodec) ContentType() string { return ContentCBOR }

func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
