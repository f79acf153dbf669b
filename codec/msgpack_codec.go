package codec

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec is the default codec: compact, schemaless, and it keeps Go
// integer and byte-slice types intact across the wire.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
