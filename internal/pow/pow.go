// Package pow implements the proof-of-work puzzle that gates relay
// admission: find the smallest uint64 whose SHA-256 together with the
// challenge nonce starts with a given number of zero bits.
package pow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// NonceSize is the challenge nonce width in bytes.
const NonceSize = 32

// ErrExhausted is returned when the whole uint64 space holds no solution.
// Practically unreachable for any sane difficulty; it exists so the loop
// has a defined end.
var ErrExhausted = errors.New("pow: exhausted uint64 space without solution")

// ctxCheckInterval controls how often Solve polls its context. One check
// per 64k hashes keeps cancellation latency in the low milliseconds.
const ctxCheckInterval = 1 << 16

// Solve searches ascending from zero for the smallest solution such that
// sha256(nonce || be64(solution)) has at least `difficulty` leading zero
// bits. The ascending order makes the result canonical and deterministic.
// Difficulty 0 trivially returns 0. The search is cancellable through ctx.
func Solve(ctx context.Context, nonce [NonceSize]byte, difficulty uint8) (uint64, error) {
	var buf [NonceSize + 8]byte
	copy(buf[:NonceSize], nonce[:])

	for sol := uint64(0); ; sol++ {
		if sol%ctxCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			default:
			}
		}

		binary.BigEndian.PutUint64(buf[NonceSize:], sol)
		hash := sha256.Sum256(buf[:])
		if hasLeadingZeros(hash[:], difficulty) {
			return sol, nil
		}
		if sol == ^uint64(0) {
			return 0, ErrExhausted
		}
	}
}

// Verify reports whether a solution satisfies the challenge.
func Verify(nonce [NonceSize]byte, solution uint64, difficulty uint8) bool {
	var buf [NonceSize + 8]byte
	copy(buf[:NonceSize], nonce[:])
	binary.BigEndian.PutUint64(buf[NonceSize:], solution)
	hash := sha256.Sum256(buf[:])
	return hasLeadingZeros(hash[:], difficulty)
}

// hasLeadingZeros checks the first n bits of hash: full zero bytes for
// each complete 8 bits, then a masked check on the top bits of the next
// byte for the remainder.
func hasLeadingZeros(hash []byte, n uint8) bool {
	full := n / 8
	rem := n % 8
	for i := uint8(0); i < full; i++ {
		if hash[i] != 0 {
			return false
		}
	}
	if rem > 0 {
		mask := byte(0xFF << (8 - rem))
		if hash[full]&mask != 0 {
			return false
		}
	}
	return true
}
