package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	ProtocolVersion byte = 1

	// FrameTypeOutput carries raw PTY output.
	FrameTypeOutput byte = 1

	frameHeaderLen = 6
)

var (
	ErrInvalidFrame       = errors.New("transport: invalid frame")
	ErrUnsupportedVersion = errors.New("transport: unsupported protocol version")
)

// Frame is a decoded binary message. The payload is the remainder of the
// message; the transport preserves message boundaries so there is no length
// prefix.
type Frame struct {
	Version  byte
	Type     byte
	StreamID uint32
	Payload  []byte
}

// EncodeFrame builds an output frame for streamID.
func EncodeFrame(streamID uint32, payload []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = ProtocolVersion
	buf[1] = FrameTypeOutput
	binary.BigEndian.PutUint32(buf[2:6], streamID)
	copy(buf[frameHeaderLen:], payload)
	return buf
}

// DecodeFrame parses b. The returned payload aliases b.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < frameHeaderLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(b))
	}
	if b[0] != ProtocolVersion {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[0])
	}
	return Frame{
		Version:  b[0],
		Type:     b[1],
		StreamID: binary.BigEndian.Uint32(b[2:6]),
		Payload:  b[frameHeaderLen:],
	}, nil
}
