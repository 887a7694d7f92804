package packetcomp

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// packetGen draws packets that are sometimes compressible: runs copied
// from training traffic mixed with arbitrary bytes.
func packetGen(maxLen int) *rapid.Generator[[]byte] {
	corpus := append(serverTraffic(2048), clientTraffic(2048)...)
	return rapid.Custom(func(t *rapid.T) []byte {
		n := rapid.IntRange(0, maxLen).Draw(t, "len")
		out := make([]byte, 0, n)
		for len(out) < n {
			if rapid.Bool().Draw(t, "fromCorpus") {
				off := rapid.IntRange(0, len(corpus)-1).Draw(t, "off")
				run := rapid.IntRange(1, 256).Draw(t, "run")
				end := min(off+run, len(corpus), off+n-len(out))
				out = append(out, corpus[off:end]...)
			} else {
				out = append(out, rapid.SliceOfN(rapid.Byte(), 1, n-len(out)).Draw(t, "noise")...)
			}
		}
		return out
	})
}

// TestProperty_RoundTrip verifies that every packet a ready transform
// sends is delivered unchanged by its peer.
func TestProperty_RoundTrip(t *testing.T) {
	cfg := StrictConfig(serverDictPath, clientDictPath)
	cfg.MaxRawSize = 4096
	client, server := newTransformPair(t, cfg)
	gen := packetGen(cfg.MaxRawSize)

	rapid.Check(t, func(rt *rapid.T) {
		raw := gen.Draw(rt, "packet")
		bits := len(raw) * 8
		if len(raw) > 0 && rapid.Bool().Draw(rt, "unaligned") {
			bits -= rapid.IntRange(1, 7).Draw(rt, "trim")
		}
		p, err := NewBitPacket(raw, bits)
		if err != nil {
			rt.Fatalf("NewBitPacket: %v", err)
		}
		want := bytes.Clone(p.Bytes())

		from, to := client, server
		if rapid.Bool().Draw(rt, "fromServer") {
			from, to = server, client
		}
		if err := from.Outgoing(p); err != nil {
			rt.Fatalf("Outgoing: %v", err)
		}
		if err := to.Incoming(p); err != nil {
			rt.Fatalf("Incoming: %v", err)
		}
		if p.Bits() != bits {
			rt.Fatalf("delivered %d bits, sent %d", p.Bits(), bits)
		}
		if !bytes.Equal(p.Bytes(), want) {
			rt.Fatalf("delivered %x, sent %x", p.Bytes(), want)
		}
	})
}

// TestProperty_NeverExpandsPastReservedBits verifies that the wire form
// of a packet is never longer than the packet plus the reserved bits.
func TestProperty_NeverExpandsPastReservedBits(t *testing.T) {
	cfg := StrictConfig(serverDictPath, clientDictPath)
	cfg.MaxRawSize = 2048
	client, _ := newTransformPair(t, cfg)
	reserved := client.ReservedBits()
	gen := packetGen(cfg.MaxRawSize)

	rapid.Check(t, func(rt *rapid.T) {
		raw := gen.Draw(rt, "packet")
		p := NewPacket(raw)
		if err := client.Outgoing(p); err != nil {
			rt.Fatalf("Outgoing: %v", err)
		}
		if p.Bits() > len(raw)*8+reserved {
			rt.Fatalf("%d raw bits became %d wire bits, reserved %d", len(raw)*8, p.Bits(), reserved)
		}
		if firstBit(p) && p.Bits() >= len(raw)*8+reserved {
			rt.Fatalf("compressed packet of %d bits did not shrink from %d", p.Bits(), len(raw)*8)
		}
		if p.Len() != (p.Bits()+7)/8 {
			rt.Fatalf("wire holds %d bytes for %d bits", p.Len(), p.Bits())
		}
	})
}

// TestProperty_DatagramRoundTrip verifies the terminator bit encoding
// preserves the exact bit length.
func TestProperty_DatagramRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(rt, "data")
		bits := rapid.IntRange(0, len(data)*8).Draw(rt, "bits")
		p, err := NewBitPacket(data, bits)
		if err != nil {
			rt.Fatalf("NewBitPacket: %v", err)
		}
		got, err := ParseDatagram(MarshalDatagram(p))
		if err != nil {
			rt.Fatalf("ParseDatagram: %v", err)
		}
		if got.Bits() != p.Bits() || !bytes.Equal(got.Bytes(), p.Bytes()) {
			rt.Fatalf("got %d bits %x, want %d bits %x", got.Bits(), got.Bytes(), p.Bits(), p.Bytes())
		}
	})
}
