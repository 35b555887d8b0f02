package protocol

import (
	"encoding/binary"
	"errors"
	"time"
)

// MinPacketSize is the smallest decodable packet: the 13-byte v1 header
// through the length field, the 8-byte sender ID, and one payload byte.
const MinPacketSize = 22

// ErrPacketTooShort is returned by DecodePacket for inputs under
// MinPacketSize. It is the only way a decode can fail.
var ErrPacketTooShort = errors.New("packet too short")

const (
	headerLenV1 = 13 // through the u16 payload-length field
	headerLenV2 = 15 // through the u32 payload-length field
	flagsOffset = 11 // fixed absolute offset in both observed versions
)

// EncodePacket builds a chat packet around a UTF-8 text payload. The
// sender ID is NUL-padded or truncated to exactly 8 bytes, the timestamp
// is the current wall clock in milliseconds, and flags are zero. Version 1
// uses a 2-byte payload length; version 2 and above use 4 bytes.
//
// The sender ID starts at the header length, so its first byte occupies
// the same slot as the length field's last byte. The declared length is
// therefore the smallest value whose low byte equals that sender byte and
// that still covers the payload; decoders clamp the excess to the bytes
// actually present.
func EncodePacket(senderID []byte, text string, ttl, packetType, version byte) []byte {
	payload := []byte(text)
	ts := uint64(time.Now().UnixMilli())

	headerLen := headerLenV1
	if version >= 2 {
		headerLen = headerLenV2
	}

	buf := make([]byte, headerLen+SenderIDSize+len(payload))
	buf[0] = version
	buf[1] = packetType
	buf[2] = ttl
	binary.BigEndian.PutUint64(buf[3:11], ts)
	buf[11] = 0 // flags
	sid := buf[headerLen : headerLen+SenderIDSize]
	copy(sid, senderID) // zero-padded by make
	declared := coveringLen(len(payload), sid[0])
	// Writing the length lands the same sid[0] value back onto the byte
	// the two fields share.
	if version >= 2 {
		binary.BigEndian.PutUint32(buf[12:16], declared)
	} else {
		if declared > 0xFFFF {
			declared = 0xFF00 | uint32(sid[0])
		}
		binary.BigEndian.PutUint16(buf[12:14], uint16(declared))
	}
	copy(buf[headerLen+SenderIDSize:], payload)
	return buf
}

// coveringLen returns the smallest value whose low byte is low and that
// is at least n.
func coveringLen(n int, low byte) uint32 {
	d := uint32(low)
	if n > int(low) {
		d |= uint32((n-int(low)+255)/256) << 8
	}
	return d
}

// DecodePacket parses a chat packet out of a DATA frame payload.
//
// The layout is version-dependent: version 1 carries a u16 payload length
// at offset 12 (13-byte header), version 2+ a u32 (15-byte header). The
// sender ID starts at the header length, so the length field's last byte
// and the first sender byte are read from the same slot. The flags byte
// sits at absolute offset 11 in both versions. When FlagHasRecipient is
// set, an extra 8-byte field follows the sender ID and is skipped without
// interpretation.
//
// A payload shorter than its declared length is accepted with whatever
// bytes remain — known peers ship this truncation and rejecting it would
// drop their traffic. Past the minimum-size check, decoding never fails.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < MinPacketSize {
		return nil, ErrPacketTooShort
	}

	pkt := &Packet{
		Version:   data[0],
		Type:      data[1],
		TTL:       data[2],
		Timestamp: binary.BigEndian.Uint64(data[3:11]),
		Flags:     data[flagsOffset],
	}

	headerLen := headerLenV1
	var payloadLen int
	if pkt.Version >= 2 {
		headerLen = headerLenV2
		payloadLen = int(binary.BigEndian.Uint32(data[12:16]))
	} else {
		payloadLen = int(binary.BigEndian.Uint16(data[12:14]))
	}

	senderEnd := headerLen + SenderIDSize
	if senderEnd > len(data) {
		senderEnd = len(data)
	}
	copy(pkt.SenderID[:], data[headerLen:senderEnd])

	payloadStart := headerLen + SenderIDSize
	if pkt.Flags&FlagHasRecipient != 0 {
		payloadStart += 8
	}
	if payloadStart > len(data) {
		payloadStart = len(data)
	}

	payloadEnd := payloadStart + payloadLen
	if payloadEnd > len(data) {
		payloadEnd = len(data)
	}

	pkt.Payload = make([]byte, payloadEnd-payloadStart)
	copy(pkt.Payload, data[payloadStart:payloadEnd])
	return pkt, nil
}
