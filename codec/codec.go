// Package codec serializes messages and parameter values for the wire.
//
// The frame carries no codec tag: both peers pick the same codec out of band.
// Every codec must round-trip *message.Message; values other than messages
// (call parameters and return values) are encoded with the same codec so the
// dispatcher can decode them into the method's declared types.
package codec

import (
	"strings"

	"github.com/pkg/errors"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeBinary  CodecType = 1
	CodecTypeMsgpack CodecType = 2
	CodecTypeProto   CodecType = 3
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeMsgpack:
		return "msgpack"
	case CodecTypeProto:
		return "proto"
	}
	return "unknown"
}

// Default is used when no codec is configured.
var Default Codec = &MsgpackCodec{}

// GetCodec returns the codec for codecType, falling back to msgpack.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeBinary:
		return &BinaryCodec{}
	case CodecTypeProto:
		return &ProtoCodec{}
	}
	return &MsgpackCodec{}
}

// ParseCodecType maps a configuration name onto a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(name) {
	case "", "msgpack":
		return CodecTypeMsgpack, nil
	case "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "proto", "protobuf":
		return CodecTypeProto, nil
	}
	return 0, errors.Errorf("codec: unknown codec %q", name)
}
