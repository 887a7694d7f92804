package packetcomp

import (
	"bytes"
	"path/filepath"
	"strings"
)

// captureExt is the base extension of every capture file. A stream
// compression extension may follow it.
const captureExt = ".pccap"

// Extension mapping
var extensionMap = map[Algorithm]string{
	AlgorithmNone:   "",
	AlgorithmGzip:   ".gz",
	AlgorithmZstd:   ".zst",
	AlgorithmLZ4:    ".lz4",
	AlgorithmBrotli: ".br",
	AlgorithmSnappy: ".sz",
}

// Reverse extension mapping (extension -> algorithm)
var reverseExtensionMap = map[string]Algorithm{
	".gz":     AlgorithmGzip,
	".gzip":   AlgorithmGzip,
	".zst":    AlgorithmZstd,
	".zstd":   AlgorithmZstd,
	".lz4":    AlgorithmLZ4,
	".br":     AlgorithmBrotli,
	".sz":     AlgorithmSnappy,
	".snappy": AlgorithmSnappy,
}

// Magic bytes for stream format detection. Brotli has none.
var magicBytes = map[Algorithm][]byte{
	AlgorithmGzip:   {0x1f, 0x8b},
	AlgorithmZstd:   {0x28, 0xb5, 0x2f, 0xfd},
	AlgorithmLZ4:    {0x04, 0x22, 0x4d, 0x18},
	AlgorithmSnappy: {0xff, 0x06, 0x00, 0x00, 0x73, 0x4e, 0x61, 0x50},
}

// zstdFrameMagic prefixes every zstd frame. The packet codec strips it on
// the wire and restores it before decoding.
var zstdFrameMagic = magicBytes[AlgorithmZstd]

// GetExtension returns the file extension for an algorithm
func GetExtension(algo Algorithm) string {
	return extensionMap[algo]
}

// DetectAlgorithmFromExtension detects the algorithm from file extension.
// A bare capture extension reports AlgorithmNone.
func DetectAlgorithmFromExtension(name string) (Algorithm, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == captureExt {
		return AlgorithmNone, true
	}
	if algo, ok := reverseExtensionMap[ext]; ok {
		return algo, true
	}
	return "", false
}

// AddExtension appends the stream extension for algo to name.
func AddExtension(name string, algo Algorithm) string {
	return name + GetExtension(algo)
}

// StripExtension removes a stream compression extension from name.
func StripExtension(name string) (string, Algorithm, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	if algo, ok := reverseExtensionMap[ext]; ok {
		return name[:len(name)-len(ext)], algo, true
	}
	return name, "", false
}

// IsCompressed checks if data appears to be compressed based on magic bytes
func IsCompressed(data []byte) (Algorithm, bool) {
	for algo, magic := range magicBytes {
		if len(data) >= len(magic) && bytes.Equal(data[:len(magic)], magic) {
			return algo, true
		}
	}
	return "", false
}
