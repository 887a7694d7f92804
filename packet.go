package packetcomp

import (
	"bytes"
	"fmt"
	"io"
	"math/bits"

	"github.com/icza/bitio"
)

// Packet is a bit-exact datagram moving through a handler chain. Bits are
// ordered most significant first within each byte. Handlers record fatal
// conditions on the packet with SetError; the transport checks Err after
// each pass and drops the connection when it is set.
type Packet struct {
	data []byte
	bits int
	err  error
}

// NewPacket returns a byte-aligned packet holding a copy of b.
func NewPacket(b []byte) *Packet {
	return &Packet{data: bytes.Clone(b), bits: len(b) * 8}
}

// NewBitPacket returns a packet of exactly n bits taken from the front of
// b. Bits past n in the last byte are cleared.
func NewBitPacket(b []byte, n int) (*Packet, error) {
	if n < 0 || n > len(b)*8 {
		return nil, fmt.Errorf("packetcomp: %d bits do not fit in %d bytes", n, len(b))
	}
	data := make([]byte, (n+7)/8)
	copy(data, b)
	if rem := n % 8; rem != 0 {
		data[len(data)-1] &= byte(0xff << (8 - rem))
	}
	return &Packet{data: data, bits: n}, nil
}

// Bits returns the packet length in bits.
func (p *Packet) Bits() int { return p.bits }

// Len returns the packet length in bytes, rounding a partial byte up.
func (p *Packet) Len() int { return len(p.data) }

// Bytes returns the packet content. A trailing partial byte is padded
// with zero bits.
func (p *Packet) Bytes() []byte { return p.data }

// ByteAligned reports whether the packet is a whole number of bytes.
func (p *Packet) ByteAligned() bool { return p.bits%8 == 0 }

// Err returns the first error recorded on the packet.
func (p *Packet) Err() error { return p.err }

// SetError records err on the packet. The first error wins.
func (p *Packet) SetError(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *Packet) reset(data []byte, n int) {
	p.data = data
	p.bits = n
}

// MarshalDatagram returns the packet as wire bytes with a terminating one
// bit after the last payload bit, so the exact bit length survives a byte
// oriented transport.
func MarshalDatagram(p *Packet) []byte {
	out := make([]byte, p.bits/8+1)
	copy(out, p.data)
	out[p.bits/8] |= 0x80 >> uint(p.bits%8)
	return out
}

// ParseDatagram reverses MarshalDatagram.
func ParseDatagram(b []byte) (*Packet, error) {
	if len(b) == 0 || b[len(b)-1] == 0 {
		return nil, fmt.Errorf("%w: missing terminator bit", ErrInvalidDatagram)
	}
	last := b[len(b)-1]
	n := (len(b)-1)*8 + 7 - bits.TrailingZeros8(last)
	return NewBitPacket(b, n)
}

// wireWriter packs the transform's framing ahead of a payload.
type wireWriter struct {
	buf bytes.Buffer
	w   *bitio.Writer
	n   int
}

func newWireWriter(capacity int) *wireWriter {
	ww := &wireWriter{}
	ww.buf.Grow(capacity)
	ww.w = bitio.NewWriter(&ww.buf)
	return ww
}

func (ww *wireWriter) writeFlag(compressed bool) error {
	ww.n++
	return ww.w.WriteBool(compressed)
}

func (ww *wireWriter) writeUint(v uint64, width int) error {
	if width == 0 {
		return nil
	}
	ww.n += width
	return ww.w.WriteBits(v, uint8(width))
}

// writePayload appends the first n bits of payload.
func (ww *wireWriter) writePayload(payload []byte, n int) error {
	whole := n / 8
	if whole > 0 {
		if _, err := ww.w.Write(payload[:whole]); err != nil {
			return err
		}
	}
	if rem := n % 8; rem != 0 {
		if err := ww.w.WriteBits(uint64(payload[whole]>>(8-rem)), uint8(rem)); err != nil {
			return err
		}
	}
	ww.n += n
	return nil
}

// finish pads the final byte and returns the packed bits.
func (ww *wireWriter) finish() ([]byte, int, error) {
	if err := ww.w.Close(); err != nil {
		return nil, 0, err
	}
	return ww.buf.Bytes(), ww.n, nil
}

// wireReader walks a packet bit by bit, never past its bit length.
type wireReader struct {
	r      *bitio.Reader
	remain int
}

func newWireReader(p *Packet) *wireReader {
	return &wireReader{r: bitio.NewReader(bytes.NewReader(p.data)), remain: p.bits}
}

func (wr *wireReader) readFlag() (bool, error) {
	if wr.remain < 1 {
		return false, ErrTruncatedPacket
	}
	wr.remain--
	return wr.r.ReadBool()
}

func (wr *wireReader) readUint(width int) (uint64, error) {
	if width == 0 {
		return 0, nil
	}
	if wr.remain < width {
		return 0, ErrTruncatedPacket
	}
	wr.remain -= width
	return wr.r.ReadBits(uint8(width))
}

// readRest returns every remaining bit, left aligned in a fresh slice.
func (wr *wireReader) readRest() ([]byte, int, error) {
	n := wr.remain
	out := make([]byte, (n+7)/8)
	whole := n / 8
	if _, err := io.ReadFull(wr.r, out[:whole]); err != nil {
		return nil, 0, err
	}
	if rem := n % 8; rem != 0 {
		v, err := wr.r.ReadBits(uint8(rem))
		if err != nil {
			return nil, 0, err
		}
		out[whole] = byte(v << (8 - rem))
	}
	wr.remain = 0
	return out, n, nil
}

// readBytes reads n whole bytes into dst.
func (wr *wireReader) readBytes(dst []byte) error {
	if wr.remain < len(dst)*8 {
		return ErrTruncatedPacket
	}
	wr.remain -= len(dst) * 8
	_, err := io.ReadFull(wr.r, dst)
	return err
}
