package packetcomp

import (
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names a stream compression format for capture files.
type Algorithm string

const (
	AlgorithmNone   Algorithm = "none"
	AlgorithmGzip   Algorithm = "gzip"
	AlgorithmZstd   Algorithm = "zstd"
	AlgorithmLZ4    Algorithm = "lz4"
	AlgorithmBrotli Algorithm = "brotli"
	AlgorithmSnappy Algorithm = "snappy"
)

// Algorithms lists every supported capture stream format.
var Algorithms = []Algorithm{AlgorithmNone, AlgorithmGzip, AlgorithmZstd, AlgorithmLZ4, AlgorithmBrotli, AlgorithmSnappy}

var lz4Levels = []lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// validateLevel checks level against the range each algorithm accepts.
// Zero always selects the algorithm default.
func validateLevel(algo Algorithm, level int) error {
	var lo, hi int
	switch algo {
	case AlgorithmNone, AlgorithmSnappy:
		lo, hi = 0, 0
	case AlgorithmGzip:
		lo, hi = 0, 9
	case AlgorithmZstd:
		lo, hi = 0, 22
	case AlgorithmLZ4:
		lo, hi = 0, len(lz4Levels)-1
	case AlgorithmBrotli:
		lo, hi = 0, 11
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algo)
	}
	if level < lo || level > hi {
		return fmt.Errorf("%w: %s level %d not in [%d, %d]", ErrInvalidLevel, algo, level, lo, hi)
	}
	return nil
}

// createCompressor creates a compressor for the specified algorithm.
// Closing the compressor flushes it but never closes w.
func createCompressor(algo Algorithm, w io.Writer, level int) (io.WriteCloser, error) {
	if err := validateLevel(algo, level); err != nil {
		return nil, err
	}
	switch algo {
	case AlgorithmNone:
		return nopWriteCloser{w}, nil
	case AlgorithmGzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(w, level)
	case AlgorithmZstd:
		opts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
		if level != 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		}
		return zstd.NewWriter(w, opts...)
	case AlgorithmLZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4Levels[level])); err != nil {
			return nil, err
		}
		return zw, nil
	case AlgorithmBrotli:
		if level == 0 {
			level = brotli.DefaultCompression
		}
		return brotli.NewWriterLevel(w, level), nil
	case AlgorithmSnappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

// createDecompressor creates a decompressor for the specified algorithm.
func createDecompressor(algo Algorithm, r io.Reader) (io.ReadCloser, error) {
	switch algo {
	case AlgorithmNone:
		return io.NopCloser(r), nil
	case AlgorithmGzip:
		return gzip.NewReader(r)
	case AlgorithmZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case AlgorithmLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case AlgorithmBrotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case AlgorithmSnappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
