package codec

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"duplex-rpc/message"
)

var errShortBuffer = errors.New("BinaryCodec: short buffer")

// BinaryCodec lays *message.Message out by hand, big-endian:
//
//	id int64 | kind byte | variant...
//	  plain:  payload (u32 len + bytes)
//	  invoke: service (u16 str) | method (u16 str) | u16 nParams { u32 bytes } | u16 nMeta { u16 str, u16 str }
//	  reply:  replied int64 | flag byte { value u32 bytes } | flag byte { code byte, 4 × u16/u32 strs }
//
// Any other value (parameters, return values) falls back to msgpack.
type BinaryCodec struct {
	fallback MsgpackCodec
}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Message)
	if !ok {
		return c.fallback.Encode(v)
	}

	w := &binWriter{buf: make([]byte, 0, 64)}
	w.u64(uint64(msg.ID))
	w.byte(byte(msg.Kind))

	switch msg.Kind {
	case message.KindPlain:
		w.bytes32(msg.Payload)
	case message.KindInvoke:
		if msg.Invoke == nil {
			return nil, errors.New("BinaryCodec: invoke message without request")
		}
		inv := msg.Invoke
		w.str16(inv.Service)
		w.str16(inv.Method)
		w.count16(len(inv.Params), "parameters")
		for _, p := range inv.Params {
			w.bytes32(p)
		}
		w.count16(len(inv.Metadata), "metadata entries")
		for k, val := range inv.Metadata {
			w.str16(k)
			w.str16(val)
		}
	case message.KindInvokeReply:
		if msg.Reply == nil {
			return nil, errors.New("BinaryCodec: reply message without reply")
		}
		rep := msg.Reply
		w.u64(uint64(rep.RepliedID))
		if rep.Value != nil {
			w.byte(1)
			w.bytes32(rep.Value)
		} else {
			w.byte(0)
		}
		if rep.Error != nil {
			w.byte(1)
			w.byte(byte(rep.Error.Code))
			w.str32(rep.Error.Message)
			w.str32(rep.Error.Cause)
			w.str16(rep.Error.Service)
			w.str16(rep.Error.Method)
			w.str16(rep.Error.Version)
		} else {
			w.byte(0)
		}
	default:
		return nil, errors.Errorf("BinaryCodec: unknown message kind %d", msg.Kind)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Message)
	if !ok {
		return c.fallback.Decode(data, v)
	}

	r := &binReader{data: data}
	*msg = message.Message{}
	msg.ID = int64(r.u64())
	msg.Kind = message.Kind(r.byte())

	switch msg.Kind {
	case message.KindPlain:
		msg.Payload = r.bytes32()
	case message.KindInvoke:
		inv := &message.InvokeRequest{}
		inv.Service = r.str16()
		inv.Method = r.str16()
		if n := int(r.u16()); n > 0 {
			inv.Params = make([][]byte, n)
			for i := range inv.Params {
				inv.Params[i] = r.bytes32()
			}
		}
		if n := int(r.u16()); n > 0 {
			inv.Metadata = make(map[string]string, n)
			for i := 0; i < n; i++ {
				k := r.str16()
				inv.Metadata[k] = r.str16()
			}
		}
		msg.Invoke = inv
	case message.KindInvokeReply:
		rep := &message.InvokeReply{}
		rep.RepliedID = int64(r.u64())
		if r.byte() == 1 {
			rep.Value = r.bytes32()
			if rep.Value == nil {
				rep.Value = []byte{}
			}
		}
		if r.byte() == 1 {
			rerr := &message.RemoteError{Code: message.ErrorCode(r.byte())}
			rerr.Message = r.str32()
			rerr.Cause = r.str32()
			rerr.Service = r.str16()
			rerr.Method = r.str16()
			rerr.Version = r.str16()
			rep.Error = rerr
		}
		msg.Reply = rep
	default:
		if r.err == nil {
			return errors.Errorf("BinaryCodec: unknown message kind %d", msg.Kind)
		}
	}
	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return errors.Errorf("BinaryCodec: %d trailing bytes", len(data)-r.off)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type binWriter struct {
	buf []byte
	err error
}

func (w *binWriter) byte(b byte) { w.buf = append(w.buf, b) }

func (w *binWriter) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *binWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *binWriter) count16(n int, what string) {
	if n > math.MaxUint16 {
		w.err = errors.Errorf("BinaryCodec: %d %s exceed u16 count", n, what)
		return
	}
	w.u16(uint16(n))
}

func (w *binWriter) str16(s string) {
	if len(s) > math.MaxUint16 {
		w.err = errors.Errorf("BinaryCodec: string of %d bytes exceeds u16 length", len(s))
		return
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) str32(s string) { w.bytes32([]byte(s)) }

func (w *binWriter) bytes32(b []byte) {
	if len(b) > math.MaxUint32 {
		w.err = errors.Errorf("BinaryCodec: field of %d bytes exceeds u32 length", len(b))
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binReader records the first out-of-bounds read and returns zero values afterwards.
type binReader struct {
	data []byte
	off  int
	err  error
}

func (r *binReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binReader) byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *binReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *binReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *binReader) str16() string {
	return string(r.take(int(r.u16())))
}

func (r *binReader) str32() string {
	return string(r.bytes32())
}

func (r *binReader) bytes32() []byte {
	var n uint32
	if b := r.take(4); b != nil {
		n = binary.BigEndian.Uint32(b)
	}
	if r.err != nil {
		return nil
	}
	b := r.take(int(n))
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
