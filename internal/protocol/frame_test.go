package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	req := &Request{Type: TypeRequest, ID: "abc123", Command: "ping", Params: map[string]any{"n": float64(1)}}

	raw, err := EncodeFrame(req)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	r := bufio.NewReader(bytes.NewReader(raw))
	payload, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	var decoded Request
	if err := DecodeFrame(payload, &decoded); err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if decoded.ID != req.ID || decoded.Command != req.Command {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, req)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 0)
	r := bufio.NewReader(bytes.NewReader(header[:]))

	if _, err := ReadFrame(r); err != ErrEmptyFrame {
		t.Errorf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], MaxPayloadBytes+1)
	r := bufio.NewReader(bytes.NewReader(header[:]))

	if _, err := ReadFrame(r); err != ErrOversizeFrame {
		t.Errorf("expected ErrOversizeFrame, got %v", err)
	}
}

func TestReadFrameShortHeaderIsError(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x00, 0x01}))
	if _, err := ReadFrame(r); err == nil {
		t.Error("expected error on truncated header")
	}
}

func TestPeekType(t *testing.T) {
	raw := []byte(`{"type":"REQUEST","id":"xyz"}`)
	msgType, id, err := PeekType(raw)
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if msgType != TypeRequest || id != "xyz" {
		t.Errorf("got type=%q id=%q", msgType, id)
	}
}

func TestPeekTypeMissingType(t *testing.T) {
	if _, _, err := PeekType([]byte(`{"id":"xyz"}`)); err == nil {
		t.Error("expected error for missing type field")
	}
}

func TestPeekID(t *testing.T) {
	id, ok := PeekID([]byte(`{"type":"REQUEST","id":"xyz"}`))
	if !ok || id != "xyz" {
		t.Errorf("got id=%q ok=%v", id, ok)
	}
	if _, ok := PeekID([]byte(`{"type":"REQUEST"}`)); ok {
		t.Error("expected ok=false when id is absent")
	}
}
