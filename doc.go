// Package packetcomp provides a bidirectional packet compression transform
// for wire-level packet handler chains.
//
// Outgoing datagrams are compressed and incoming ones decompressed with a
// pre-shared, static, per-direction dictionary. Each packet is coded as an
// independent zstd frame primed with the dictionary, so packets stay
// individually decodable and loss tolerant.
//
// # Features
//
//   - Bit-level framing: one flag bit, then a length prefix and the
//     compressed payload, or the untouched packet
//   - Never enlarges a packet by more than ReservedBits
//   - Directional dictionaries by role (initiator and responder)
//   - Shared, reference counted dictionary cache with coalesced loads
//   - Strict or permissive handling of missing dictionaries
//   - Sampled capture of raw traffic for dictionary training
//   - Interval and lifetime statistics with a Prometheus collector
//
// # Quick Start
//
//	fsys, _ := packetcomp.NewDirFS("/etc/game/dict")
//
//	cfg := packetcomp.StrictConfig("server.pcdf", "client.pcdf")
//	mgr, _ := packetcomp.NewManager(cfg, fsys)
//	defer mgr.Close()
//
//	t, _ := mgr.NewTransform(packetcomp.RoleResponder)
//
//	// Send path
//	p := packetcomp.NewPacket(payload)
//	if err := t.Outgoing(p); err != nil {
//	    // the packet was larger than the raw size ceiling
//	}
//	conn.Write(packetcomp.MarshalDatagram(p))
//
//	// Receive path
//	p, _ = packetcomp.ParseDatagram(datagram)
//	if err := t.Incoming(p); packetcomp.IsFatal(err) {
//	    // drop the connection
//	}
//
// # Wire Format
//
// Every packet starts with a flag bit. A zero flag is followed by the raw
// packet bits. A one flag is followed by K bits holding the raw length
// minus one, where K = LengthPrefixBits(MaxRawSize), and then the
// compressed bytes. For the default MaxRawSize of 16384, K is 14 and the
// reserved overhead is 15 bits.
//
// # Failure Handling
//
// Compression that does not shrink a packet, or does not fit the packet
// budget, silently falls back to sending it raw. Every receive side
// failure is fatal for the connection; IsFatal identifies them.
//
// # Capture
//
// With capture enabled, a sampled share of sessions write every raw packet
// to two files, one per direction, named
// <prefix>_<build>_<yyyymmdd-hhmmss>_<session>_<in|out>.pccap plus the
// extension of the stream compression (.zst, .gz, .lz4, .br, .sz).
package packetcomp
