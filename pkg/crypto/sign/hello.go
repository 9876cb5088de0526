package sign

import (
    "encoding/binary"

    varint "github.com/multiformats/go-varint"
)

const helloLabel = "meshbase/hello"

// HelloTranscript returns the bytes a device signs in its link hello. Each
// variable field is prefixed with its uvarint length so no two field
// assignments share a transcript:
//
//  label | u32 version | i64 ts_ms | len pub | pub | len nonce | nonce | len name | name
func HelloTranscript(version uint32, pub, nonce []byte, tsUnixMS int64, nodeName string) []byte {
    out := make([]byte, 0, len(helloLabel)+12+len(pub)+len(nonce)+len(nodeName)+9)
    out = append(out, helloLabel...)
    out = binary.BigEndian.AppendUint32(out, version)
    out = binary.BigEndian.AppendUint64(out, uint64(tsUnixMS))
    for _, f := range [][]byte{pub, nonce, []byte(nodeName)} {
        out = append(out, varint.ToUvarint(uint64(len(f)))...)
        out = append(out, f...)
    }
    return out
}
