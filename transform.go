package packetcomp

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Transform compresses outgoing packets and decompresses incoming ones
// with a pair of directional dictionaries. Its readiness is fixed at
// construction.
//
// A Transform belongs to one connection. Outgoing and Incoming each own
// their scratch buffers, so the send path and the receive path may run on
// different goroutines, but each path must be driven by one goroutine at a
// time.
type Transform struct {
	role       Role
	state      State
	maxRaw     int
	prefixBits int
	budget     int

	log     *zap.Logger
	stats   *StatsAggregator
	capture *CaptureRecorder
	gate    func() bool

	// degradedLog is the level of the permissive fallback message.
	degradedLog zapcore.Level

	enc *SharedDictionary
	dec *SharedDictionary

	reservedOnce sync.Once
	reserved     int

	// Outgoing scratch.
	encodeBuf []byte
	// Incoming scratch.
	frameBuf  []byte
	decodeBuf []byte

	closed atomic.Bool
}

// TransformOption configures a Transform.
type TransformOption func(*Transform)

// WithLogger sets the transform logger.
func WithLogger(l *zap.Logger) TransformOption {
	return func(t *Transform) {
		if l != nil {
			t.log = l
		}
	}
}

// WithStats feeds traffic totals to s.
func WithStats(s *StatsAggregator) TransformOption {
	return func(t *Transform) { t.stats = s }
}

// WithCapture mirrors raw packets to r. The transform owns r from here on
// and closes it on Close.
func WithCapture(r *CaptureRecorder) TransformOption {
	return func(t *Transform) { t.capture = r }
}

// WithPacketBudget sets the transport payload budget in bits. A
// compressed packet is only sent if its payload fits in the budget minus
// the reserved bits. Zero means no budget beyond the maximum raw size.
func WithPacketBudget(bits int) TransformOption {
	return func(t *Transform) { t.budget = bits }
}

// WithOutgoingGate makes outgoing compression conditional on gate. When
// it returns false packets are sent raw; incoming packets are unaffected.
func WithOutgoingGate(gate func() bool) TransformOption {
	return func(t *Transform) { t.gate = gate }
}

// withDegradedLogLevel sets the level of the message logged when a
// permissive transform falls back to raw packets.
func withDegradedLogLevel(l zapcore.Level) TransformOption {
	return func(t *Transform) { t.degradedLog = l }
}

// DictionaryLoader hands out shared dictionary handles by path.
// *DictionaryStore is the usual implementation.
type DictionaryLoader interface {
	Load(name string) (*SharedDictionary, error)
}

// NewTransform builds a transform for role from cfg, loading the
// directional dictionaries through dicts.
//
// The initiator encodes with the client dictionary and decodes with the
// server dictionary; the responder does the opposite. Under the strict
// policy a dictionary that cannot be loaded is returned as an error. Under
// the permissive policy the transform starts in StateNoDictionary and
// keeps whichever decode dictionary did load, so a peer that compresses
// can still be understood.
//
// A recorder passed with WithCapture is closed if NewTransform fails.
func NewTransform(dicts DictionaryLoader, cfg *Config, role Role, opts ...TransformOption) (*Transform, error) {
	t := &Transform{
		role:        role,
		state:       StateDisabled,
		log:         zap.NewNop(),
		degradedLog: zapcore.WarnLevel,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(zap.Stringer("role", role))

	if err := t.init(dicts, cfg); err != nil {
		t.capture.Close()
		return nil, err
	}
	t.log.Debug("packet transform ready",
		zap.Stringer("state", t.state),
		zap.Int("max_raw_size", t.maxRaw),
		zap.Int("reserved_bits", t.ReservedBits()),
	)
	return t, nil
}

func (t *Transform) init(dicts DictionaryLoader, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if err := c.Validate(); err != nil {
		return err
	}
	if t.role != RoleInitiator && t.role != RoleResponder {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, t.role)
	}
	t.maxRaw = c.MaxRawSize
	t.prefixBits = LengthPrefixBits(c.MaxRawSize)

	if c.Enabled {
		if dicts == nil || dicts == (*DictionaryStore)(nil) {
			return fmt.Errorf("%w: compression enabled without a dictionary store", ErrInvalidConfig)
		}
		if err := t.loadDictionaries(dicts, &c); err != nil {
			return err
		}
	}

	t.encodeBuf = make([]byte, 0, t.maxRaw)
	if t.dec != nil {
		t.frameBuf = make([]byte, 0, t.maxRaw)
		t.decodeBuf = make([]byte, t.maxRaw)
	}
	return nil
}

func (t *Transform) loadDictionaries(dicts DictionaryLoader, c *Config) error {
	encPath, decPath := c.ClientDictionary, c.ServerDictionary
	if t.role == RoleResponder {
		encPath, decPath = decPath, encPath
	}

	enc, encErr := dicts.Load(encPath)
	dec, decErr := dicts.Load(decPath)
	if encErr == nil && decErr == nil {
		t.enc, t.dec = enc, dec
		t.state = StateReady
		return nil
	}

	err := errors.Join(encErr, decErr)
	if c.DictionaryPolicy == PolicyStrict {
		enc.Release()
		dec.Release()
		return err
	}

	// Without an encode dictionary nothing can be sent compressed.
	enc.Release()
	t.dec = dec
	t.state = StateNoDictionary
	if ce := t.log.Check(t.degradedLog, "packet compression unavailable, sending raw"); ce != nil {
		ce.Write(zap.Bool("can_decode", dec != nil), zap.Error(err))
	}
	return nil
}

// Role returns the role the transform was built for.
func (t *Transform) Role() Role { return t.role }

// State returns the readiness state fixed at construction.
func (t *Transform) State() State { return t.state }

// MaxRawSize returns the raw size ceiling in bytes.
func (t *Transform) MaxRawSize() int { return t.maxRaw }

// ReservedBits returns the worst case bits the transform adds to a
// packet: the flag plus the length prefix.
func (t *Transform) ReservedBits() int {
	t.reservedOnce.Do(func() {
		t.reserved = ReservedBits(t.maxRaw)
	})
	return t.reserved
}

// CanDecode reports whether compressed packets from the peer can be
// decoded.
func (t *Transform) CanDecode() bool { return t.dec != nil }

func (t *Transform) outgoingOpen() bool {
	return t.state == StateReady && (t.gate == nil || t.gate())
}

// Outgoing replaces the content of p with its wire form. The packet must
// start byte aligned. A packet is compressed only when compression is
// ready, it is a whole number of bytes, and the result is smaller than
// the input and fits the packet budget; otherwise it is sent raw behind a
// zero flag.
func (t *Transform) Outgoing(p *Packet) error {
	if err := p.Err(); err != nil {
		return err
	}
	raw := p.Bytes()

	var payload []byte
	compressed := false
	if t.outgoingOpen() && p.Bits() > 0 {
		if len(raw) > t.maxRaw {
			err := fmt.Errorf("%w: %d bytes, limit %d", ErrPacketTooLarge, len(raw), t.maxRaw)
			p.SetError(err)
			return err
		}
		// A packet of exactly maxRaw bytes would declare a length the
		// receiver rejects, so it always goes raw.
		if p.ByteAligned() && len(raw) < t.maxRaw {
			payload, compressed = t.compress(raw)
		}
	}

	ww := newWireWriter(len(raw) + ReservedBytes(t.maxRaw))
	var err error
	if compressed {
		err = errors.Join(
			ww.writeFlag(true),
			ww.writeUint(uint64(len(raw)-1), t.prefixBits),
			ww.writePayload(payload, len(payload)*8),
		)
	} else {
		err = errors.Join(
			ww.writeFlag(false),
			ww.writePayload(raw, p.Bits()),
		)
	}
	out, n, ferr := ww.finish()
	if err = errors.Join(err, ferr); err != nil {
		p.SetError(err)
		return err
	}

	if t.stats != nil {
		t.stats.RecordOutgoing(len(raw), len(out), compressed)
	}
	t.capture.RecordOutgoing(raw)
	p.reset(out, n)
	return nil
}

// compress returns the frame payload for raw, or false when the packet
// should go out uncompressed.
func (t *Transform) compress(raw []byte) ([]byte, bool) {
	frame, payload, ok := t.enc.codec.encode(t.encodeBuf, raw)
	t.encodeBuf = frame[:0]
	if ok && len(payload) < len(raw) && t.fitsBudget(len(payload)*8) {
		return payload, true
	}
	if t.stats != nil {
		t.stats.RecordEncodeOverflow()
	}
	return nil, false
}

func (t *Transform) fitsBudget(payloadBits int) bool {
	return t.budget <= 0 || payloadBits <= t.budget-t.ReservedBits()
}

// Incoming replaces the content of p with the raw packet it carries. Any
// failure is fatal for the connection: it is recorded on p and returned.
func (t *Transform) Incoming(p *Packet) error {
	if err := p.Err(); err != nil {
		return err
	}
	wireBytes := p.Len()
	wr := newWireReader(p)

	flag, err := wr.readFlag()
	if err != nil {
		return t.fail(p, err)
	}
	if !flag {
		// The peer sent this packet raw; that is valid in every state.
		rest, n, err := wr.readRest()
		if err != nil {
			return t.fail(p, fmt.Errorf("%w: %v", ErrTruncatedPacket, err))
		}
		if t.stats != nil {
			t.stats.RecordIncoming(wireBytes, len(rest), false)
		}
		t.capture.RecordIncoming(rest)
		p.reset(rest, n)
		return nil
	}

	if t.dec == nil {
		return t.fail(p, ErrProtocolMismatch)
	}
	v, err := wr.readUint(t.prefixBits)
	if err != nil {
		return t.fail(p, err)
	}
	rawLen := int(v) + 1
	if rawLen >= t.maxRaw {
		return t.fail(p, fmt.Errorf("%w: declared %d bytes, limit %d", ErrRawSizeOverflow, rawLen, t.maxRaw))
	}
	if wr.remain == 0 || wr.remain%8 != 0 {
		return t.fail(p, fmt.Errorf("%w: compressed payload of %d bits", ErrDecodeFailure, wr.remain))
	}

	frame := frameBuffer(t.frameBuf, wr.remain/8)
	t.frameBuf = frame[:0]
	if err := wr.readBytes(frame[len(zstdFrameMagic):]); err != nil {
		return t.fail(p, err)
	}
	decoded, err := t.dec.codec.decode(frame, t.decodeBuf[:0:rawLen])
	if err != nil {
		return t.fail(p, fmt.Errorf("%w: %v", ErrDecodeFailure, err))
	}
	if len(decoded) != rawLen {
		return t.fail(p, fmt.Errorf("%w: decoded %d bytes, declared %d", ErrDecodeFailure, len(decoded), rawLen))
	}

	out := bytes.Clone(decoded)
	if t.stats != nil {
		t.stats.RecordIncoming(wireBytes, rawLen, true)
	}
	t.capture.RecordIncoming(out)
	p.reset(out, rawLen*8)
	return nil
}

func (t *Transform) fail(p *Packet, err error) error {
	p.SetError(err)
	t.log.Debug("incoming packet rejected", zap.Int("bits", p.Bits()), zap.Error(err))
	return err
}

// Close releases the dictionary handles and closes the capture recorder.
// The transform must not be used afterwards.
func (t *Transform) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.enc.Release()
	t.dec.Release()
	return t.capture.Close()
}

var _ Handler = (*Transform)(nil)
