package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame types for the client ↔ relay wire protocol.
const (
	FrameHello     byte = 0x01
	FrameChallenge byte = 0x02
	FrameSolution  byte = 0x03
	FrameAccept    byte = 0x04
	FrameReject    byte = 0x05
	FrameData      byte = 0x10
	FramePing      byte = 0x20
	FramePong      byte = 0x21
)

// ProtocolVersion is sent in the HELLO payload.
const ProtocolVersion uint16 = 1

// FrameHeaderSize is the fixed frame header: Type(1) + Length(4, big-endian).
const FrameHeaderSize = 5

// Frame is one length-prefixed message on the relay stream:
// [1-byte type][4-byte big-endian length][payload]. Frames are ephemeral —
// built, written or read once, then discarded.
type Frame struct {
	Type    byte
	Payload []byte
}

// EncodeFrame serializes a frame into a single byte slice.
func EncodeFrame(frameType byte, payload []byte) []byte {
	buf := make([]byte, FrameHeaderSize+len(payload))
	buf[0] = frameType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// ReadFrame reads exactly one frame from r. A payload length above
// maxPayload is refused before any payload bytes are read, bounding the
// memory a hostile peer can force us to allocate. A stream that closes
// mid-header or mid-payload yields an io error (io.ErrUnexpectedEOF for
// partial reads, per io.ReadFull).
func ReadFrame(r io.Reader, maxPayload int) (*Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	frameType := header[0]
	length := binary.BigEndian.Uint32(header[1:5])

	if int64(length) > int64(maxPayload) {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxPayload)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}

	return &Frame{Type: frameType, Payload: payload}, nil
}

// WriteFrame writes a complete frame as a single Write call, so a frame
// never interleaves with another writer's bytes at the io layer.
func WriteFrame(w io.Writer, frameType byte, payload []byte) error {
	if _, err := w.Write(EncodeFrame(frameType, payload)); err != nil {
		return fmt.Errorf("write frame 0x%02x: %w", frameType, err)
	}
	return nil
}
