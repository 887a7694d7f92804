package packetcomp

import "math/bits"

const (
	// DefaultMaxRawSize is the largest raw packet, in bytes, the transform
	// accepts. It is a safety ceiling independent of any transport MTU.
	DefaultMaxRawSize = 16384

	// MinRawSizeLimit and MaxRawSizeLimit bound Config.MaxRawSize.
	MinRawSizeLimit = 64
	MaxRawSizeLimit = 1 << 20

	// flagBits is the width of the compressed flag.
	flagBits = 1
)

// LengthPrefixBits returns K, the number of bits needed to carry
// (rawByteCount - 1) for any raw byte count in [1, maxRawSize].
func LengthPrefixBits(maxRawSize int) int {
	if maxRawSize <= 1 {
		return 0
	}
	return bits.Len(uint(maxRawSize - 1))
}

// ReservedBits returns the pessimistic per-packet overhead of the
// transform: the flag bit plus the length prefix. Transports subtract it
// from their payload budget before negotiating packet sizes.
func ReservedBits(maxRawSize int) int {
	return flagBits + LengthPrefixBits(maxRawSize)
}

// ReservedBytes is ReservedBits rounded up to whole bytes.
func ReservedBytes(maxRawSize int) int {
	return (ReservedBits(maxRawSize) + 7) / 8
}
