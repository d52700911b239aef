package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Framing constants. Every frame is a 4-byte big-endian payload length
// followed by that many bytes of UTF-8 JSON.
const (
	HeaderSize = 4
	MaxPayload = 1 << 20 // 1 MiB

	readChunk = 4096
)

// Codec errors.
var (
	// ErrPayloadTooLarge is returned by Encode when the serialized payload
	// exceeds MaxPayload.
	ErrPayloadTooLarge = errors.New("payload_too_large")

	// ErrFrameTooLarge is returned by the decoder when a frame header
	// declares a payload larger than MaxPayload. It is fatal for the stream.
	ErrFrameTooLarge = errors.New("frame_too_large")

	// ErrTruncatedFrame is returned when the stream ends mid-frame.
	ErrTruncatedFrame = errors.New("truncated frame")
)

// Encode serializes v to JSON and prepends the length header. Returns
// ErrPayloadTooLarge if the encoded payload exceeds MaxPayload.
func Encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decoder extracts complete frames from a byte stream, reassembling them
// across arbitrary read boundaries. It is not safe for concurrent use.
type Decoder struct {
	r   io.Reader
	buf []byte
}

// NewDecoder returns a Decoder reading frames from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the payload of the next complete frame. It returns io.EOF
// when the stream ends cleanly on a frame boundary, ErrTruncatedFrame when
// it ends mid-frame, and ErrFrameTooLarge when a header declares a payload
// over MaxPayload. The size check runs as soon as the header is available,
// before any payload bytes are read.
func (d *Decoder) Next() ([]byte, error) {
	for {
		if len(d.buf) >= HeaderSize {
			n := binary.BigEndian.Uint32(d.buf[:HeaderSize])
			if n > MaxPayload {
				return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
			}
			total := HeaderSize + int(n)
			if len(d.buf) >= total {
				payload := make([]byte, n)
				copy(payload, d.buf[HeaderSize:total])
				d.buf = d.buf[total:]
				return payload, nil
			}
		}

		chunk := make([]byte, readChunk)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
			continue
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(d.buf) == 0 {
				return nil, io.EOF
			}
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}
}

// NextMessage decodes the next frame payload into a Message envelope.
func (d *Decoder) NextMessage() (Message, error) {
	payload, err := d.Next()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame payload: %w", err)
	}
	return msg, nil
}
