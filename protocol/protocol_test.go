package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"
)

func TestEncodeDecode(t *testing.T) {
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	raw := buf.Bytes()
	if raw[0] != 0xFD || raw[1] != 0xFE {
		t.Fatalf("magic mismatch: got %x", raw[0:2])
	}
	if n := binary.LittleEndian.Uint32(raw[2:6]); n != uint32(len(body)) {
		t.Fatalf("length field mismatch: got %d, want %d", n, len(body))
	}
	if len(raw) != HeaderSize+len(body) {
		t.Fatalf("frame size mismatch: got %d, want %d", len(raw), HeaderSize+len(body))
	}

	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decoded, body) {
		t.Errorf("Body mismatch: got %s, want %s", decoded, body)
	}
}

func TestDecodeSequence(t *testing.T) {
	var buf bytes.Buffer
	bodies := [][]byte{[]byte("first"), {}, []byte("third")}
	for _, b := range bodies {
		if err := Encode(&buf, b); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range bodies {
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %q, want %q", i, got, want)
		}
	}

	if _, err := Decode(&buf); err != io.EOF {
		t.Fatalf("expect io.EOF at clean end of stream, got %v", err)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x0B, 0x00, 0x00, 0x00}
	frame = append(frame, []byte("hello world")...)

	_, err := Decode(bytes.NewReader(frame))
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expect ErrInvalidMagic, got %v", err)
	}
	if !IsFramingError(err) {
		t.Fatalf("invalid magic should be a framing error")
	}
}

func TestDecodeTruncated(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
	}{
		{"short header", []byte{MagicByte1, MagicByte2, 0x05}},
		{"short body", []byte{MagicByte1, MagicByte2, 0x05, 0x00, 0x00, 0x00, 'a', 'b'}},
		{"missing body", []byte{MagicByte1, MagicByte2, 0x01, 0x00, 0x00, 0x00}},
	}

	for _, tc := range cases {
		_, err := Decode(bytes.NewReader(tc.frame))
		if !errors.Is(err, ErrTruncatedFrame) {
			t.Errorf("%s: expect ErrTruncatedFrame, got %v", tc.name, err)
		}
	}
}

func TestDecodeNegativeLength(t *testing.T) {
	frame := []byte{MagicByte1, MagicByte2, 0xFF, 0xFF, 0xFF, 0xFF}
	_, err := Decode(bytes.NewReader(frame))
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expect ErrInvalidLength, got %v", err)
	}
}

func TestDecodeLimit(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, make([]byte, 128)); err != nil {
		t.Fatal(err)
	}
	_, err := DecodeLimit(&buf, 64)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expect ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	body, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("Expected empty body, got length %d", len(body))
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	if err := Encode(&buf, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}
