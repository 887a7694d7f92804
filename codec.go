package packetcomp

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// packetCodec is the dictionary-primed entropy coder shared by every
// transform holding the same dictionary. Each call codes one packet as an
// independent zstd frame, so packets stay individually decodable.
// EncodeAll and DecodeAll are safe for concurrent use.
type packetCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder

	closed atomic.Bool
}

func newPacketCodec(content []byte, id uint32, level zstd.EncoderLevel) (*packetCodec, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderDictRaw(id, content),
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderCRC(false),
		zstd.WithLowerEncoderMem(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: encoder: %v", ErrMalformedDictionary, err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderDictRaw(id, content),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(MaxRawSizeLimit),
		zstd.WithDecodeAllCapLimit(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: decoder: %v", ErrMalformedDictionary, err)
	}
	return &packetCodec{enc: enc, dec: dec}, nil
}

// close releases the coders. Only the store calls it, once the last
// holder is gone.
func (c *packetCodec) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.enc.Close()
	c.dec.Close()
}

// encode compresses raw into dst and returns the frame with its magic
// number removed. The magic is constant and restored by decode.
func (c *packetCodec) encode(dst, raw []byte) (frame, payload []byte, ok bool) {
	frame = c.enc.EncodeAll(raw, dst[:0])
	if !bytes.HasPrefix(frame, zstdFrameMagic) {
		return frame, nil, false
	}
	return frame, frame[len(zstdFrameMagic):], true
}

// frameBuffer returns buf resized to hold a frame whose payload is n bytes, with
// the magic number already in place. The payload goes in frame[4:].
func frameBuffer(buf []byte, n int) []byte {
	size := len(zstdFrameMagic) + n
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	copy(buf, zstdFrameMagic)
	return buf
}

// decode decodes one complete frame into dst without growing it past
// cap(dst).
func (c *packetCodec) decode(frame, dst []byte) ([]byte, error) {
	return c.dec.DecodeAll(frame, dst[:0])
}

// dictionaryID derives a stable non-zero frame dictionary id from content.
func dictionaryID(content []byte) uint32 {
	id := uint32(xxhash.Sum64(content))
	if id == 0 {
		id = 1
	}
	return id
}

// levelForHashBits maps the match finder table size to the zstd level
// whose tables are that large.
func levelForHashBits(hashBits int) zstd.EncoderLevel {
	switch {
	case hashBits <= 14:
		return zstd.SpeedFastest
	case hashBits <= 16:
		return zstd.SpeedDefault
	case hashBits <= 18:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}
