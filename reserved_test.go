package packetcomp

import "testing"

func TestLengthPrefixBits(t *testing.T) {
	tests := []struct {
		maxRaw   int
		prefix   int
		reserved int
		bytes    int
	}{
		{16384, 14, 15, 2},
		{16385, 15, 16, 2},
		{1024, 10, 11, 2},
		{1000, 10, 11, 2},
		{64, 6, 7, 1},
		{2, 1, 2, 1},
		{1, 0, 1, 1},
		{MaxRawSizeLimit, 20, 21, 3},
	}

	for _, tt := range tests {
		if got := LengthPrefixBits(tt.maxRaw); got != tt.prefix {
			t.Errorf("LengthPrefixBits(%d) = %d, want %d", tt.maxRaw, got, tt.prefix)
		}
		if got := ReservedBits(tt.maxRaw); got != tt.reserved {
			t.Errorf("ReservedBits(%d) = %d, want %d", tt.maxRaw, got, tt.reserved)
		}
		if got := ReservedBytes(tt.maxRaw); got != tt.bytes {
			t.Errorf("ReservedBytes(%d) = %d, want %d", tt.maxRaw, got, tt.bytes)
		}
	}
}

func TestLengthPrefixCoversEveryLength(t *testing.T) {
	for _, maxRaw := range []int{64, 100, 1024, 16384} {
		k := LengthPrefixBits(maxRaw)
		if maxRaw-1 >= 1<<k {
			t.Errorf("maxRaw %d: %d bits cannot hold %d", maxRaw, k, maxRaw-1)
		}
		if k > 0 && maxRaw-1 < 1<<(k-1) {
			t.Errorf("maxRaw %d: %d bits is wider than needed", maxRaw, k)
		}
	}
}
