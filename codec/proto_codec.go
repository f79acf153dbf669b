package codec

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"duplex-rpc/message"
)

// ProtoCodec writes *message.Message in protobuf wire format, so a peer with
// a generated .proto binding can read it:
//
//	message Message      { int64 id = 1; uint32 kind = 2; Invoke invoke = 3; Reply reply = 4; bytes payload = 5; }
//	message Invoke       { string service = 1; string method = 2; repeated bytes params = 3; map<string,string> meta = 4; }
//	message Reply        { int64 replied = 1; optional bytes value = 2; Error error = 3; }
//	message Error        { uint32 code = 1; string message = 2; string cause = 3; string service = 4; string method = 5; string version = 6; }
//
// Parameter and return values are not protobuf messages and use msgpack.
type ProtoCodec struct {
	fallback MsgpackCodec
}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Message)
	if !ok {
		return c.fallback.Encode(v)
	}

	var b []byte
	b = appendVarintField(b, 1, uint64(msg.ID))
	b = appendVarintField(b, 2, uint64(msg.Kind))
	switch msg.Kind {
	case message.KindPlain:
		if len(msg.Payload) > 0 {
			b = protowire.AppendTag(b, 5, protowire.BytesType)
			b = protowire.AppendBytes(b, msg.Payload)
		}
	case message.KindInvoke:
		if msg.Invoke == nil {
			return nil, errors.New("ProtoCodec: invoke message without request")
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeInvoke(msg.Invoke))
	case message.KindInvokeReply:
		if msg.Reply == nil {
			return nil, errors.New("ProtoCodec: reply message without reply")
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeReply(msg.Reply))
	default:
		return nil, errors.Errorf("ProtoCodec: unknown message kind %d", msg.Kind)
	}
	return b, nil
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Message)
	if !ok {
		return c.fallback.Decode(data, v)
	}

	*msg = message.Message{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte, x uint64) error {
		switch num {
		case 1:
			msg.ID = int64(x)
		case 2:
			msg.Kind = message.Kind(x)
		case 3:
			inv, err := decodeInvoke(raw)
			if err != nil {
				return err
			}
			msg.Invoke = inv
		case 4:
			rep, err := decodeReply(raw)
			if err != nil {
				return err
			}
			msg.Reply = rep
		case 5:
			msg.Payload = clone(raw)
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch msg.Kind {
	case message.KindPlain:
	case message.KindInvoke:
		if msg.Invoke == nil {
			return errors.New("ProtoCodec: invoke message without request")
		}
	case message.KindInvokeReply:
		if msg.Reply == nil {
			return errors.New("ProtoCodec: reply message without reply")
		}
	default:
		return errors.Errorf("ProtoCodec: unknown message kind %d", msg.Kind)
	}
	return nil
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}

func encodeInvoke(inv *message.InvokeRequest) []byte {
	var b []byte
	b = appendStringField(b, 1, inv.Service)
	b = appendStringField(b, 2, inv.Method)
	for _, p := range inv.Params {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, p)
	}
	for k, v := range inv.Metadata {
		var entry []byte
		entry = appendStringField(entry, 1, k)
		entry = appendStringField(entry, 2, v)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func decodeInvoke(data []byte) (*message.InvokeRequest, error) {
	inv := &message.InvokeRequest{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte, x uint64) error {
		switch num {
		case 1:
			inv.Service = string(raw)
		case 2:
			inv.Method = string(raw)
		case 3:
			p := clone(raw)
			if p == nil {
				p = []byte{}
			}
			inv.Params = append(inv.Params, p)
		case 4:
			var k, v string
			err := walkFields(raw, func(num protowire.Number, _ protowire.Type, raw []byte, _ uint64) error {
				switch num {
				case 1:
					k = string(raw)
				case 2:
					v = string(raw)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if inv.Metadata == nil {
				inv.Metadata = make(map[string]string)
			}
			inv.Metadata[k] = v
		}
		return nil
	})
	return inv, err
}

func encodeReply(rep *message.InvokeReply) []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(rep.RepliedID))
	if rep.Value != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, rep.Value)
	}
	if e := rep.Error; e != nil {
		var eb []byte
		eb = appendVarintField(eb, 1, uint64(e.Code))
		eb = appendStringField(eb, 2, e.Message)
		eb = appendStringField(eb, 3, e.Cause)
		eb = appendStringField(eb, 4, e.Service)
		eb = appendStringField(eb, 5, e.Method)
		eb = appendStringField(eb, 6, e.Version)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

func decodeReply(data []byte) (*message.InvokeReply, error) {
	rep := &message.InvokeReply{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte, x uint64) error {
		switch num {
		case 1:
			rep.RepliedID = int64(x)
		case 2:
			rep.Value = clone(raw)
			if rep.Value == nil {
				rep.Value = []byte{}
			}
		case 3:
			e := &message.RemoteError{}
			err := walkFields(raw, func(num protowire.Number, _ protowire.Type, raw []byte, x uint64) error {
				switch num {
				case 1:
					e.Code = message.ErrorCode(x)
				case 2:
					e.Message = string(raw)
				case 3:
					e.Cause = string(raw)
				case 4:
					e.Service = string(raw)
				case 5:
					e.Method = string(raw)
				case 6:
					e.Version = string(raw)
				}
				return nil
			})
			if err != nil {
				return err
			}
			rep.Error = e
		}
		return nil
	})
	return rep, err
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// walkFields calls fn for every varint and length-delimited field in data.
// Fields of other wire types are skipped.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte, x uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "ProtoCodec")
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			x, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "ProtoCodec")
			}
			data = data[n:]
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "ProtoCodec")
			}
			data = data[n:]
			if err := fn(num, typ, raw, 0); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "ProtoCodec")
			}
			data = data[n:]
		}
	}
	return nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
