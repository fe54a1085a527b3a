// Package network carries length-prefixed frames over TCP. It is the
// transport under the TCP worker peer.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameType defines the type of a frame
type FrameType uint16

const (
	// FrameData carries an application payload
	FrameData FrameType = 1

	// FrameHeartbeat keeps idle connections alive
	FrameHeartbeat FrameType = 2

	// FrameClose announces an orderly shutdown
	FrameClose FrameType = 3
)

// String returns the string representation of FrameType
func (ft FrameType) String() string {
	switch ft {
	case FrameData:
		return "data"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", ft)
	}
}

// FrameFlag defines frame flags
type FrameFlag uint16

const (
	FrameFlagNone FrameFlag = 0

	// FrameFlagJSON marks a payload holding a JSON document
	FrameFlagJSON FrameFlag = 1 << 0
)

// Frame is one unit on the wire.
type Frame struct {
	Type     FrameType
	Flags    FrameFlag
	Sequence uint32
	Payload  []byte
}

// NewDataFrame creates a data frame for payload.
func NewDataFrame(payload []byte) *Frame {
	return &Frame{Type: FrameData, Payload: payload}
}

// HasFlag checks if a frame flag is set
func (f *Frame) HasFlag(flag FrameFlag) bool {
	return f.Flags&flag != 0
}

// Size returns the encoded size of the frame in bytes
func (f *Frame) Size() int {
	return FrameHeaderSize + len(f.Payload)
}

const (
	// FrameHeaderSize is the fixed size of the frame header in bytes
	FrameHeaderSize = 12

	// DefaultMaxFrameSize bounds the payload of a single frame
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

// Codec errors
var (
	ErrNilFrame      = errors.New("frame is nil")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrShortFrame    = errors.New("frame truncated")
)

// BinaryCodec encodes frames as a big-endian header followed by the payload:
// type (2), flags (2), sequence (4), payload length (4).
type BinaryCodec struct {
	MaxFrameSize int
}

// NewBinaryCodec creates a codec with the default frame size limit.
func NewBinaryCodec() *BinaryCodec {
	return &BinaryCodec{MaxFrameSize: DefaultMaxFrameSize}
}

func (c *BinaryCodec) limit() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Encode encodes a frame to bytes
func (c *BinaryCodec) Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, ErrNilFrame
	}
	if len(f.Payload) > c.limit() {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(f.Payload), c.limit())
	}

	buf := make([]byte, f.Size())
	c.putHeader(buf, f)
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf, nil
}

// Decode decodes one complete frame from data
func (c *BinaryCodec) Decode(data []byte) (*Frame, error) {
	f, n, err := c.decodeHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) < FrameHeaderSize+n {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrShortFrame, FrameHeaderSize+n, len(data))
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		copy(f.Payload, data[FrameHeaderSize:FrameHeaderSize+n])
	}
	return f, nil
}

// WriteFrame encodes f and writes it to w in one call.
func (c *BinaryCodec) WriteFrame(w io.Writer, f *Frame) (int, error) {
	buf, err := c.Encode(f)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// ReadFrame reads exactly one frame from r.
func (c *BinaryCodec) ReadFrame(r io.Reader) (*Frame, int, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, err
	}

	f, n, err := c.decodeHeader(header)
	if err != nil {
		return nil, FrameHeaderSize, err
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, FrameHeaderSize, fmt.Errorf("failed to read frame payload: %w", err)
		}
	}
	return f, FrameHeaderSize + n, nil
}

func (c *BinaryCodec) putHeader(buf []byte, f *Frame) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(f.Type))
	binary.BigEndian.PutUint16(buf[2:4], uint16(f.Flags))
	binary.BigEndian.PutUint32(buf[4:8], f.Sequence)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(f.Payload)))
}

func (c *BinaryCodec) decodeHeader(data []byte) (*Frame, int, error) {
	if len(data) < FrameHeaderSize {
		return nil, 0, fmt.Errorf("%w: %d header bytes", ErrShortFrame, len(data))
	}

	f := &Frame{
		Type:     FrameType(binary.BigEndian.Uint16(data[0:2])),
		Flags:    FrameFlag(binary.BigEndian.Uint16(data[2:4])),
		Sequence: binary.BigEndian.Uint32(data[4:8]),
	}

	n := int(binary.BigEndian.Uint32(data[8:12]))
	if n > c.limit() {
		return nil, 0, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, n, c.limit())
	}
	return f, n, nil
}
