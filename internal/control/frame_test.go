// Tests for [EncodeFrame] and [DecodeFrame] covering round-trip encoding,
// partial reads, sequential frames, and error cases.
package control

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"testing"
)

func mustEncodeFrame(t *testing.T, opcode Opcode, payload []byte) []byte {
	t.Helper()
	frame, err := EncodeFrame(opcode, payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	return frame
}

// ///////////////////////////////////////////////
// EncodeFrame
// ///////////////////////////////////////////////

func TestEncodeFrame(t *testing.T) {
	payload := []byte(`{"cmd":"start"}`)
	frame := mustEncodeFrame(t, OpRequest, payload)

	if len(frame) != frameHeaderSize+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), frameHeaderSize+len(payload))
	}
	if op := Opcode(binary.LittleEndian.Uint32(frame[0:4])); op != OpRequest {
		t.Fatalf("opcode = %d, want %d", op, OpRequest)
	}
	if n := binary.LittleEndian.Uint32(frame[4:8]); n != uint32(len(payload)) {
		t.Fatalf("length = %d, want %d", n, len(payload))
	}
	if !bytes.Equal(frame[8:], payload) {
		t.Fatalf("payload = %q, want %q", frame[8:], payload)
	}
}

func TestEncodeFrame_SizeGuard(t *testing.T) {
	if _, err := EncodeFrame(OpResponse, make([]byte, MaxPayloadSize)); err != nil {
		t.Fatalf("exactly MaxPayloadSize: %v", err)
	}
	_, err := EncodeFrame(OpResponse, make([]byte, MaxPayloadSize+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized: err = %v, want ErrPayloadTooLarge", err)
	}
}

// ///////////////////////////////////////////////
// DecodeFrame
// ///////////////////////////////////////////////

// slowReader returns data one byte at a time, simulating partial reads.
type slowReader struct {
	data []byte
	pos  int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

func TestDecodeFrame_Partial(t *testing.T) {
	original := []byte(`{"cmd":"comment","text":"reviewing PRs"}`)
	op, payload, err := DecodeFrame(&slowReader{data: mustEncodeFrame(t, OpRequest, original)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if op != OpRequest || !bytes.Equal(payload, original) {
		t.Fatalf("got (%d, %q)", op, payload)
	}
}

func TestDecodeFrame_Multiple(t *testing.T) {
	frames := []struct {
		opcode  Opcode
		payload []byte
	}{
		{OpRequest, []byte(`{"cmd":"status"}`)},
		{OpResponse, []byte(`{"ok":true}`)},
		{OpClose, nil},
	}
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(mustEncodeFrame(t, f.opcode, f.payload))
	}
	for i, want := range frames {
		t.Run(fmt.Sprintf("frame_%d", i), func(t *testing.T) {
			op, payload, err := DecodeFrame(&buf)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if op != want.opcode || !bytes.Equal(payload, want.payload) {
				t.Fatalf("got (%d, %q), want (%d, %q)", op, payload, want.opcode, want.payload)
			}
		})
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	header := func(length uint32) []byte {
		h := make([]byte, frameHeaderSize)
		binary.LittleEndian.PutUint32(h[0:4], uint32(OpRequest))
		binary.LittleEndian.PutUint32(h[4:8], length)
		return h
	}

	tests := []struct {
		name string
		data []byte
		is   error
	}{
		{"oversized", header(MaxPayloadSize + 1), ErrPayloadTooLarge},
		{"truncated header", []byte{1, 0, 0, 0}, io.ErrUnexpectedEOF},
		{"truncated payload", append(header(100), "short"...), io.ErrUnexpectedEOF},
		{"empty", nil, io.EOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeFrame(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.is) {
				t.Fatalf("err = %v, want %v", err, tt.is)
			}
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		opcode  Opcode
		payload []byte
	}{
		{"request", OpRequest, []byte(`{"cmd":"ping"}`)},
		{"response", OpResponse, []byte(`{"ok":false,"error":"persistence failure"}`)},
		{"close", OpClose, []byte{}},
		{"binary", OpRequest, []byte{0x00, 0xFF, 0xFE, 0x01, 0x80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, payload, err := DecodeFrame(bytes.NewReader(mustEncodeFrame(t, tt.opcode, tt.payload)))
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if op != tt.opcode {
				t.Errorf("opcode = %d, want %d", op, tt.opcode)
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Errorf("payload = %v, want %v", payload, tt.payload)
			}
		})
	}
}
