package codec

import (
    "bytes"
    "encoding/json"
    "fmt"
)

type jsonCodec struct{}

// JSON returns a JSON codec. Unmarshal rejects trailing data after the first
// value.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string { return ContentJSON }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
    dec := json.NewDecoder(bytes.NewReader(data))
    if err := dec.Decode(v); err != nil { return err }
    if dec.More() { return fmt.Errorf("json: trailing data after value") }
    return nil
}
