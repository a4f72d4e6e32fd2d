// File: internal/bus/framing/codec.go
package framing

import (
	"encoding/binary"
	"fmt"
)

const (
	// headerSize is the fixed length prefix: 4 bytes, little endian, unsigned.
	headerSize = 4
	// maxFrameSize guards against a desynchronized or hostile stream. A
	// length prefix above this cannot be a real message.
	maxFrameSize = 64 << 20
)

// EncodeFrame wraps a serialized payload in the length-prefixed wire format.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > maxFrameSize {
		return nil, fmt.Errorf("framing: payload of %d bytes exceeds frame limit", len(payload))
	}
	frame := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(frame[:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// Decoder reassembles discrete payloads from an arbitrarily chunked byte
// stream. It holds partial input indefinitely until the rest arrives.
type Decoder struct {
	buf []byte
}

// Feed appends stream bytes and returns every payload completed by them, in
// order. A length prefix beyond the frame limit means the stream is
// desynchronized beyond recovery and is reported as an error.
func (d *Decoder) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)

	var payloads [][]byte
	for {
		if len(d.buf) < headerSize {
			return payloads, nil
		}
		length := binary.LittleEndian.Uint32(d.buf[:headerSize])
		if length > maxFrameSize {
			return payloads, fmt.Errorf("framing: declared frame length %d exceeds limit", length)
		}
		total := headerSize + int(length)
		if len(d.buf) < total {
			return payloads, nil
		}

		payload := make([]byte, length)
		copy(payload, d.buf[headerSize:total])
		payloads = append(payloads, payload)

		// Advance past the consumed frame, compacting the buffer.
		remaining := len(d.buf) - total
		copy(d.buf, d.buf[total:])
		d.buf = d.buf[:remaining]
	}
}

// Pending reports how many buffered bytes await completion of a frame.
func (d *Decoder) Pending() int {
	return len(d.buf)
}
