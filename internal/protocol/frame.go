package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// HeaderSize is the fixed width of a frame's length prefix: a big-endian
// uint32 byte count for the JSON payload that follows.
const HeaderSize = 4

// MaxPayloadBytes is the largest payload a frame may declare. Declared
// lengths outside (0, MaxPayloadBytes] are rejected.
const MaxPayloadBytes = 16 * 1024 * 1024

// ErrOversizeFrame is returned by ReadFrame when the declared length exceeds
// MaxPayloadBytes.
var ErrOversizeFrame = fmt.Errorf("protocol: frame exceeds max payload size (%d bytes)", MaxPayloadBytes)

// ErrEmptyFrame is returned by ReadFrame when the declared length is zero.
var ErrEmptyFrame = fmt.Errorf("protocol: frame has zero length")

// ReadFrame reads exactly one frame from r: a 4-byte big-endian length header
// followed by that many bytes of payload. It returns the raw payload bytes
// for the caller to peek/decode as JSON.
//
// Any short read, an oversize or zero declared length is a transport-fatal
// condition. The caller must close the connection after handling whatever is
// salvageable (e.g. a recoverable "id" for a scoped MALFORMED_JSON reply).
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("protocol: read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > MaxPayloadBytes {
		return nil, ErrOversizeFrame
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}
	return payload, nil
}

// EncodeFrame marshals v to JSON and wraps it in the 4-byte length header.
// The returned buffer is a single contiguous write, keeping header and body
// atomic from the writer's perspective even before the send mutex is taken.
func EncodeFrame(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal frame: %w", err)
	}
	if len(body) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(body) > MaxPayloadBytes {
		return nil, ErrOversizeFrame
	}

	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// DecodeFrame unmarshals a raw frame payload into v. A JSON object is
// required; any other top-level JSON value is rejected.
func DecodeFrame(raw []byte, v any) error {
	if trimmed := bytes.TrimLeft(raw, " \t\r\n"); len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("protocol: decode frame: payload is not a JSON object")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("protocol: decode frame: %w", err)
	}
	return nil
}
