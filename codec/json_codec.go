package codec

import (
	"bytes"
	"encoding/json"

	"duplex-rpc/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug with tcpdump.
// Cons: slower due to reflection + string parsing, larger payload (field names
// repeated, byte slices base64-encoded).
//
// Envelopes are decoded strictly: an unknown field in a *message.Message means
// the peer speaks another protocol revision and decoding fails.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if _, ok := v.(*message.Message); !ok {
		return json.Unmarshal(data, v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
