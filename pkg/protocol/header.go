package protocol

import (
    "encoding/binary"

    "github.com/google/uuid"
    varint "github.com/multiformats/go-varint"
)

// Fixed header layout (38 bytes), integers big-endian, followed by the body
// length as a minimal unsigned varint and then the body:
//
//  0        Version   u8
//  1        Tag       u8
//  2  ..5   MessageID u32
//  6  ..21  Sender    [16]byte
//  22 ..37  Recipient [16]byte
//  38 ..    BodyLen   uvarint
const headerSize = 38

// Header is the fixed part of a frame.
type Header struct {
    Version   uint8
    Tag       Tag
    MessageID uint32
    Sender    uuid.UUID
    Recipient uuid.UUID
}

// AppendBinary appends the fixed header and the body length prefix.
func (h *Header) AppendBinary(dst []byte, bodyLen int) []byte {
    var buf [headerSize]byte
    buf[0] = h.Version
    buf[1] = byte(h.Tag)
    binary.BigEndian.PutUint32(buf[2:6], h.MessageID)
    copy(buf[6:22], h.Sender[:])
    copy(buf[22:38], h.Recipient[:])
    dst = append(dst, buf[:]...)
    return append(dst, varint.ToUvarint(uint64(bodyLen))...)
}

// UnmarshalBinary decodes the fixed header. Callers check the version before
// trusting any other field.
func (h *Header) UnmarshalBinary(buf []byte) error {
    if len(buf) < headerSize {
        return malformed("short header: %d bytes", len(buf))
    }
    h.Version = buf[0]
    h.Tag = Tag(buf[1])
    h.MessageID = binary.BigEndian.Uint32(buf[2:6])
    copy(h.Sender[:], buf[6:22])
    copy(h.Recipient[:], buf[22:38])
    return nil
}

// readBodyLen parses the varint length prefix at buf and returns the length
// and the number of prefix bytes consumed.
func readBodyLen(buf []byte) (int, int, error) {
    n, sz, err := varint.FromUvarint(buf)
    if err != nil {
        return 0, 0, wrapMalformed(err, "body length")
    }
    if n > MaxBodyLen {
        return 0, 0, malformed("body length %d exceeds %d", n, MaxBodyLen)
    }
    return int(n), sz, nil
}
