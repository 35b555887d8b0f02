// Package protocol defines the two wire formats of the mesh relay link:
// the outer length-prefixed frame envelope and the chat packet carried
// inside DATA frames.
package protocol

import (
	"encoding/hex"
	"fmt"
	"unicode/utf8"
)

// Packet types carried in the second header byte.
const (
	PacketAnnounce byte = 0x01
	PacketMessage  byte = 0x02
	PacketLeave    byte = 0x03
	PacketNoiseHS  byte = 0x10 // opaque — never interpreted here
	PacketNoiseEnc byte = 0x11 // opaque — never interpreted here
)

// SenderIDSize is the fixed width of the sender identifier field.
const SenderIDSize = 8

// FlagHasRecipient marks the presence of an extra 8-byte field (recipient
// ID) between the sender ID and the payload. Other flag bits are reserved.
const FlagHasRecipient byte = 0x01

// Packet is one decoded chat packet. Immutable once decoded; a fresh one
// is built for every send.
type Packet struct {
	Version   byte
	Type      byte
	TTL       byte
	Timestamp uint64 // milliseconds since epoch
	Flags     byte
	SenderID  [SenderIDSize]byte
	Payload   []byte
}

// Sender returns the hex rendering of the sender ID, the form peers are
// identified by in logs and console output.
func (p *Packet) Sender() string {
	return hex.EncodeToString(p.SenderID[:])
}

// Text returns the payload as UTF-8 text when it is valid, and as its
// lowercase hex rendering otherwise. Malformed text is never an error —
// it degrades losslessly.
func (p *Packet) Text() string {
	if utf8.Valid(p.Payload) {
		return string(p.Payload)
	}
	return hex.EncodeToString(p.Payload)
}

// TypeName resolves a packet type tag to its protocol name. Unknown tags
// render as hex and are never rejected.
func TypeName(t byte) string {
	switch t {
	case PacketAnnounce:
		return "ANNOUNCE"
	case PacketMessage:
		return "MESSAGE"
	case PacketLeave:
		return "LEAVE"
	case PacketNoiseHS:
		return "NOISE_HS"
	case PacketNoiseEnc:
		return "NOISE_ENC"
	default:
		return fmt.Sprintf("0x%02x", t)
	}
}
