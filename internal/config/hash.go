package config

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// hashBytes returns a stable 64-bit digest of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	sum := blake3.Sum256(b)
	return binary.LittleEndian.Uint64(sum[:8])
}
