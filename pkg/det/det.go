// Package det provides the deterministic hashing primitives the persona
// pipeline is built on: seeded unit-interval scores and index picks via
// BLAKE2b, plus SHA-256 hex digests for content-derived ids. Identical
// seeds produce identical results on every worker instance, which is what
// makes persona decisions reproducible across restarts and replicas.
package det

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const twoPow64 = float64(1<<63) * 2

func sum64(seed string) uint64 {
	h, err := blake2b.New(8, nil)
	if err != nil {
		panic(err) // unreachable: keyless blake2b never fails
	}
	h.Write([]byte(seed))
	return binary.BigEndian.Uint64(h.Sum(nil))
}

// Unit maps a seed onto [0, 1) by interpreting an 8-byte BLAKE2b digest as
// a big-endian integer divided by 2^64.
func Unit(seed string) float64 {
	return float64(sum64(seed)) / twoPow64
}

// Index maps a seed onto [0, n). n must be positive.
func Index(seed string, n int) int {
	return int(sum64(seed) % uint64(n))
}

// SHA256Hex returns the lowercase hex SHA-256 of the input.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
