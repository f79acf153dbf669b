// Package protocol implements the length-prefixed frame envelope of duplex-rpc.
//
// Every serialized message travels inside one frame. The receiver reads the
// fixed 6-byte header first to learn the body length, then reads exactly that
// many bytes, which is how message boundaries survive TCP's byte stream.
//
// Frame format (little-endian):
//
//	0    1    2                   6
//	┌────┬────┬───────────────────┬──────────────────┐
//	│ FD │ FE │  int32 bodyLen    │  bodyLen bytes   │
//	└────┴────┴───────────────────┴──────────────────┘
package protocol

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Magic bytes leading every frame. They only help spot a desynchronized or
// foreign stream; a mismatch is reported immediately, never skipped over.
const (
	MagicByte1 byte = 0xFD
	MagicByte2 byte = 0xFE
	HeaderSize int  = 6 // 2 (magic) + 4 (bodyLen)
)

// DefaultMaxBodySize bounds the allocation Decode performs for one frame.
const DefaultMaxBodySize = 64 << 20

var (
	ErrInvalidMagic   = errors.New("protocol: invalid magic number")
	ErrInvalidLength  = errors.New("protocol: negative frame length")
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
)

// IsFramingError reports whether err was caused by a malformed or truncated frame.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrInvalidMagic) ||
		errors.Is(err, ErrInvalidLength) ||
		errors.Is(err, ErrTruncatedFrame) ||
		errors.Is(err, ErrFrameTooLarge)
}

// Pack returns body wrapped in a complete frame.
func Pack(body []byte) ([]byte, error) {
	if len(body) > math.MaxInt32 {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	binary.LittleEndian.PutUint32(buf[2:6], uint32(int32(len(body))))
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Encode writes one frame carrying body to w with a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different senders interleave and corrupt the stream.
func Encode(w io.Writer, body []byte) error {
	frame, err := Pack(body)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decode reads one frame from r using DefaultMaxBodySize as the length limit.
func Decode(r io.Reader) ([]byte, error) {
	return DecodeLimit(r, DefaultMaxBodySize)
}

// DecodeLimit reads one frame from r and returns its body. It blocks until the
// whole frame has arrived. io.EOF is returned only when the stream ends cleanly
// on a frame boundary; an end of stream inside a frame yields ErrTruncatedFrame.
func DecodeLimit(r io.Reader, maxBody int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(ErrTruncatedFrame, "short header")
		}
		return nil, err
	}

	if header[0] != MagicByte1 || header[1] != MagicByte2 {
		return nil, errors.Wrapf(ErrInvalidMagic, "%x", header[0:2])
	}

	n := int32(binary.LittleEndian.Uint32(header[2:6]))
	if n < 0 {
		return nil, errors.Wrapf(ErrInvalidLength, "%d", n)
	}
	if maxBody > 0 && int(n) > maxBody {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes exceeds limit %d", n, maxBody)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrapf(ErrTruncatedFrame, "want %d body bytes", n)
		}
		return nil, err
	}
	return body, nil
}
