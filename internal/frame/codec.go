// Package frame implements the length-prefixed JSON wire format shared by
// every byte-stream transport: a big-endian uint32 length followed by the
// JSON payload, capped at MaxFrameSize.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/yollayah/conductor/internal/cerr"
)

// MaxFrameSize bounds a single frame's payload to prevent memory exhaustion
// from a malicious or corrupted length prefix.
const MaxFrameSize = 10 * 1024 * 1024

// minBufferCapacity is the floor below which the decoder never compacts,
// avoiding churn for small, bursty connections.
const minBufferCapacity = 4096

// Encode serializes msg and prefixes it with its big-endian length. Returns
// a *cerr.Error (KindFraming) if serialization fails or the result would
// exceed MaxFrameSize.
func Encode(msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, cerr.New(cerr.KindFraming, "frame.Encode", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, cerr.New(cerr.KindFraming, "frame.Encode",
			fmt.Errorf("frame too large: %d bytes (max %d)", len(payload), MaxFrameSize))
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

// Decoder is a streaming state machine over an internal byte buffer. Push
// arbitrary chunks of bytes (one byte at a time, or the whole stream at
// once) and call Decode after each push to drain whatever complete frames
// are now available.
type Decoder struct {
	buf     []byte
	readPos int
}

func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, minBufferCapacity)}
}

// Push appends newly-read bytes to the decoder's buffer.
func (d *Decoder) Push(data []byte) {
	// Compact once the consumed prefix exceeds half the buffer, so a
	// long-lived connection doesn't grow its buffer without bound.
	if d.readPos > len(d.buf)/2 && d.readPos > minBufferCapacity {
		d.buf = append(d.buf[:0], d.buf[d.readPos:]...)
		d.readPos = 0
	}
	d.buf = append(d.buf, data...)
}

// Available returns the number of unconsumed bytes currently buffered.
func (d *Decoder) Available() int {
	return len(d.buf) - d.readPos
}

// Decode attempts to pull the next complete frame out of the buffer into
// target. Returns (true, nil) on success, (false, nil) if more bytes are
// needed, or (false, err) on a fatal framing error (oversize length or
// invalid JSON) — the owning connection must be closed in that case.
func Decode(d *Decoder, target any) (bool, error) {
	available := d.Available()
	if available < 4 {
		return false, nil
	}

	length := binary.BigEndian.Uint32(d.buf[d.readPos : d.readPos+4])
	if length > MaxFrameSize {
		return false, cerr.New(cerr.KindFraming, "frame.Decode",
			fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize))
	}

	if available < 4+int(length) {
		return false, nil
	}

	payloadStart := d.readPos + 4
	payloadEnd := payloadStart + int(length)
	payload := d.buf[payloadStart:payloadEnd]

	if err := json.Unmarshal(payload, target); err != nil {
		return false, cerr.New(cerr.KindFraming, "frame.Decode", err)
	}

	d.readPos = payloadEnd
	return true, nil
}

// Clear discards all buffered bytes, used when a connection is torn down.
func (d *Decoder) Clear() {
	d.buf = d.buf[:0]
	d.readPos = 0
}
