// Package wire implements the length-prefixed JSON framing carrying the
// simulator protocol (§6): messages are JSON arrays [kind, id, payload]
// where kind is 0=REQUEST, 1=SUCCESS, 2=FAILURE.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Kind is the message discriminant (§6).
type Kind int

const (
	Request Kind = 0
	Success Kind = 1
	Failure Kind = 2
)

// RequestPayload is the payload shape carried by a Request message:
// [method, positional_args, named_args] (§6).
type RequestPayload struct {
	Method         string
	PositionalArgs []any
	NamedArgs      map[string]any
}

// Message is one decoded [kind, id, payload] frame.
type Message struct {
	Kind    Kind
	ID      string
	Payload json.RawMessage
}

// maxFrameBytes bounds a single frame to guard against a misbehaving peer
// sending an unbounded length header.
const maxFrameBytes = 256 << 20

// Codec reads and writes length-prefixed JSON frames over an
// io.ReadWriter (a net.Conn for a TCP proxy, an io.Pipe for in-process
// loopback tests). This is deliberately hand-rolled rather than built on
// a third-party framing library: the wire shape is dictated verbatim by
// §6, and no example in the pack reaches for an RPC/codec library for a
// protocol this narrow — see DESIGN.md.
type Codec struct {
	rw io.ReadWriter
}

// NewCodec wraps rw.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// WriteMessage frames and writes one message: a 4-byte big-endian length
// header followed by the JSON-encoded [kind, id, payload] array.
func (c *Codec) WriteMessage(kind Kind, id string, payload any) error {
	body, err := json.Marshal([3]any{int(kind), id, payload})
	if err != nil {
		return fmt.Errorf("wire: encode message: %w", err)
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("wire: outgoing frame of %d bytes exceeds limit %d", len(body), maxFrameBytes)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := c.rw.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := c.rw.Write(body); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadMessage blocks until one full frame is available and decodes it. It
// returns io.EOF (unwrapped, so callers can use errors.Is) when the peer
// closes the stream cleanly between frames.
func (c *Codec) ReadMessage() (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Message{}, fmt.Errorf("wire: connection closed mid-frame: %w", io.EOF)
		}
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return Message{}, fmt.Errorf("wire: incoming frame of %d bytes exceeds limit %d", n, maxFrameBytes)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.rw, body); err != nil {
		return Message{}, fmt.Errorf("wire: read frame body: %w", err)
	}

	var raw [3]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Message{}, fmt.Errorf("wire: decode frame: %w", err)
	}

	var kind int
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return Message{}, fmt.Errorf("wire: decode kind: %w", err)
	}
	var id string
	if err := json.Unmarshal(raw[1], &id); err != nil {
		return Message{}, fmt.Errorf("wire: decode id: %w", err)
	}

	return Message{Kind: Kind(kind), ID: id, Payload: raw[2]}, nil
}

// DecodeRequestPayload parses a Request message's payload into its
// [method, positional_args, named_args] shape.
func DecodeRequestPayload(payload json.RawMessage) (RequestPayload, error) {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return RequestPayload{}, fmt.Errorf("wire: decode request payload: %w", err)
	}
	var rp RequestPayload
	if err := json.Unmarshal(raw[0], &rp.Method); err != nil {
		return RequestPayload{}, fmt.Errorf("wire: decode method: %w", err)
	}
	if err := json.Unmarshal(raw[1], &rp.PositionalArgs); err != nil {
		return RequestPayload{}, fmt.Errorf("wire: decode positional args: %w", err)
	}
	if err := json.Unmarshal(raw[2], &rp.NamedArgs); err != nil {
		return RequestPayload{}, fmt.Errorf("wire: decode named args: %w", err)
	}
	return rp, nil
}

// FailurePayload decodes a Failure message's payload, a human-readable
// string (§6).
func FailurePayload(payload json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return "", fmt.Errorf("wire: decode failure payload: %w", err)
	}
	return s, nil
}
