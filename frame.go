package cursorproxy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// The backend's streaming RPC framing: every logical message on a stream is
// a 1-byte flags field, a 4-byte big-endian unsigned length, and exactly
// that many bytes of protobuf payload.
const envelopeSize = 5

var errHeadTooLarge = errors.New("declared head length exceeds limit")

type envelope struct {
	flags  byte
	length uint32
}

func parseEnvelope(b []byte) envelope {
	return envelope{flags: b[0], length: binary.BigEndian.Uint32(b[1:5])}
}

func (e envelope) appendTo(b []byte) []byte {
	b = append(b, e.flags)
	return binary.BigEndian.AppendUint32(b, e.length)
}

// headCapture is the result of isolating the first framed message on a
// stream. When ok is false the stream ended (or errored) before a complete
// head arrived and raw holds whatever bytes were actually read; those must
// be forwarded verbatim.
type headCapture struct {
	ok      bool
	flags   byte
	payload []byte
	raw     []byte
}

// captureHead reads exactly one wire frame from r: the 5-byte envelope, then
// the declared payload, and not a byte more. A declared length above max is
// a protocol violation (or a hostile length field) and fails the stream
// rather than buffering unbounded memory. Short reads are not errors: the
// capture is returned with ok=false so the caller can fall straight through
// to relay mode instead of stalling on bytes that will never arrive.
func captureHead(r io.Reader, max uint32) (headCapture, error) {
	header := make([]byte, envelopeSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		return headCapture{raw: header[:n]}, nil
	}

	env := parseEnvelope(header)
	if env.length > max {
		return headCapture{}, fmt.Errorf("%w: %d > %d", errHeadTooLarge, env.length, max)
	}

	payload := make([]byte, env.length)
	m, err := io.ReadFull(r, payload)
	if err != nil {
		return headCapture{raw: append(header, payload[:m]...)}, nil
	}
	return headCapture{ok: true, flags: env.flags, payload: payload}, nil
}

// frame re-encodes a payload under the capture's original flags with the
// length recomputed from the payload's actual size.
func (h headCapture) frame(payload []byte) []byte {
	out := make([]byte, 0, envelopeSize+len(payload))
	out = envelope{flags: h.flags, length: uint32(len(payload))}.appendTo(out)
	return append(out, payload...)
}
