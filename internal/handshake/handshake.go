// Package handshake implements the client side of the relay admission
// exchange: HELLO → CHALLENGE → SOLUTION → ACCEPT/REJECT. It owns the
// connection only for the duration of the exchange; on acceptance the
// caller hands the stream to the session driver.
package handshake

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/bitmesh-tools/meshtap/internal/config"
	"github.com/bitmesh-tools/meshtap/internal/pow"
	"github.com/bitmesh-tools/meshtap/internal/protocol"
	"github.com/bitmesh-tools/meshtap/internal/util"
)

var (
	// ErrUnexpectedFrame means the relay sent a frame type outside the
	// expected handshake step. Fatal to the handshake.
	ErrUnexpectedFrame = errors.New("unexpected frame during handshake")

	// ErrIncomplete means the stream ended or errored before the relay
	// delivered a verdict. The connection must not be used further.
	ErrIncomplete = errors.New("handshake incomplete")

	// ErrDifficultyTooHigh means the relay demanded more proof-of-work
	// than the local ceiling allows. Refused before solving.
	ErrDifficultyTooHigh = errors.New("challenge difficulty above local ceiling")
)

// Outcome is the terminal result of a completed handshake. Rejection is a
// relay decision, not a transport fault, so it is a value rather than an
// error — callers branch on it.
type Outcome struct {
	Accepted bool
	Reason   string // relay-supplied rejection reason, possibly empty
}

// challengeSize is the CHALLENGE payload: 32-byte nonce + 1 difficulty byte.
const challengeSize = pow.NonceSize + 1

// deadliner is the subset of net.Conn used to bound the whole exchange.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Run executes the handshake on conn. The certHash, when non-nil, is a
// 32-byte SHA-256 of the client certificate appended to the HELLO payload
// for relay-side attestation. On return the connection is either admitted
// (Outcome.Accepted), declined (Outcome with reason), or dead (error).
func Run(ctx context.Context, conn io.ReadWriter, cfg *config.Config, certHash []byte) (*Outcome, error) {
	if d, ok := conn.(deadliner); ok && cfg.HandshakeTimeout > 0 {
		if err := d.SetDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
			return nil, fmt.Errorf("%w: arm deadline: %w", ErrIncomplete, err)
		}
		defer func() {
			if err := d.SetDeadline(time.Time{}); err != nil {
				util.LogDebug("clear handshake deadline: %v", err)
			}
		}()
	}

	// HELLO: protocol version, peer-ID length, fixed-width peer ID,
	// optional cert hash.
	peerID := NormalizePeerID(cfg.PeerID)
	hello := make([]byte, 0, 3+len(peerID)+len(certHash))
	hello = binary.BigEndian.AppendUint16(hello, protocol.ProtocolVersion)
	hello = append(hello, byte(len(peerID)))
	hello = append(hello, peerID...)
	hello = append(hello, certHash...)

	if err := protocol.WriteFrame(conn, protocol.FrameHello, hello); err != nil {
		return nil, fmt.Errorf("%w: send HELLO: %w", ErrIncomplete, err)
	}

	// CHALLENGE: exactly one frame of type 0x02 with nonce + difficulty.
	frame, err := protocol.ReadFrame(conn, cfg.MaxFramePayload)
	if err != nil {
		return nil, fmt.Errorf("%w: read CHALLENGE: %w", ErrIncomplete, err)
	}
	if frame.Type != protocol.FrameChallenge {
		return nil, fmt.Errorf("%w: expected CHALLENGE (0x%02x), got 0x%02x",
			ErrUnexpectedFrame, protocol.FrameChallenge, frame.Type)
	}
	if len(frame.Payload) != challengeSize {
		return nil, fmt.Errorf("%w: CHALLENGE payload %d bytes (expected %d)",
			ErrUnexpectedFrame, len(frame.Payload), challengeSize)
	}

	var nonce [pow.NonceSize]byte
	copy(nonce[:], frame.Payload[:pow.NonceSize])
	difficulty := frame.Payload[pow.NonceSize]

	if cfg.MaxPoWDifficulty > 0 && difficulty > cfg.MaxPoWDifficulty {
		return nil, fmt.Errorf("%w: %d > %d", ErrDifficultyTooHigh, difficulty, cfg.MaxPoWDifficulty)
	}

	solution, err := pow.Solve(ctx, nonce, difficulty)
	if err != nil {
		return nil, fmt.Errorf("solve challenge: %w", err)
	}

	sol := make([]byte, 8)
	binary.BigEndian.PutUint64(sol, solution)
	if err := protocol.WriteFrame(conn, protocol.FrameSolution, sol); err != nil {
		return nil, fmt.Errorf("%w: send SOLUTION: %w", ErrIncomplete, err)
	}

	// Verdict: ACCEPT admits the session; any other type is a rejection
	// whose payload is the reason text.
	verdict, err := protocol.ReadFrame(conn, cfg.MaxFramePayload)
	if err != nil {
		return nil, fmt.Errorf("%w: read verdict: %w", ErrIncomplete, err)
	}
	if verdict.Type == protocol.FrameAccept {
		return &Outcome{Accepted: true}, nil
	}

	reason := ""
	if utf8.Valid(verdict.Payload) {
		reason = string(verdict.Payload)
	}
	return &Outcome{Accepted: false, Reason: reason}, nil
}

// NormalizePeerID pads or truncates an identifier to the fixed 8-byte
// width the packet format uses for sender IDs.
func NormalizePeerID(id string) []byte {
	out := make([]byte, protocol.SenderIDSize)
	copy(out, id)
	return out
}
