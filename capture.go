package packetcomp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Capture file layout, little endian, inside the stream compression:
//
//	magic      [4]byte "PCCF"
//	version    uint32
//	direction  uint8 ('i' or 'o')
//	buildLen   uint16, build [buildLen]byte
//	startNanos int64 (unix)
//	records    { len uint32, data [len]byte } ...
const (
	captureMagic   = "PCCF"
	captureVersion = 1
)

// Direction is the side of the transform a capture stream records.
type Direction byte

const (
	DirectionIncoming Direction = 'i'
	DirectionOutgoing Direction = 'o'
)

func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "in"
	case DirectionOutgoing:
		return "out"
	default:
		return fmt.Sprintf("direction(%d)", byte(d))
	}
}

// captureStream is one append-only capture file.
type captureStream struct {
	name       string
	base       absfs.File
	compressor io.WriteCloser
	algo       Algorithm

	records      int64
	bytesWritten int64
	closed       bool
	mu           sync.Mutex
}

func newCaptureStream(fsys absfs.Filer, name string, algo Algorithm, level int, header []byte) (*captureStream, error) {
	base, err := fsys.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	compressor, err := createCompressor(algo, base, level)
	if err != nil {
		base.Close()
		return nil, err
	}
	cs := &captureStream{name: name, base: base, compressor: compressor, algo: algo}
	if _, err := compressor.Write(header); err != nil {
		cs.Close()
		return nil, err
	}
	return cs, nil
}

// writeRecord appends one length prefixed record.
func (cs *captureStream) writeRecord(b []byte) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.closed {
		return fs.ErrClosed
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(b)))
	if _, err := cs.compressor.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := cs.compressor.Write(b); err != nil {
		return err
	}
	cs.records++
	cs.bytesWritten += int64(len(b))
	return nil
}

// Close flushes the compressor and closes the file.
func (cs *captureStream) Close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.closed {
		return nil
	}
	cs.closed = true

	err := cs.compressor.Close()
	if cerr := cs.base.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (cs *captureStream) count() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.records
}

// CaptureRecorder mirrors raw packet bytes into capture files for offline
// dictionary training. One recorder serves one session and writes one
// file per direction. Every failure disables the recorder; the transform
// it observes is never affected.
type CaptureRecorder struct {
	log     *zap.Logger
	session string
	build   string
	start   time.Time
	gate    func() bool

	active atomic.Bool
	in     *captureStream
	out    *captureStream
}

type captureOptions struct {
	log     *zap.Logger
	session string
	now     func() time.Time
	sample  func() float64
	gate    func() bool
}

// CaptureOption configures a CaptureRecorder.
type CaptureOption func(*captureOptions)

// WithCaptureLogger sets the recorder logger.
func WithCaptureLogger(l *zap.Logger) CaptureOption {
	return func(o *captureOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithCaptureSession sets the session id used in file names. The default
// is a random UUID.
func WithCaptureSession(id string) CaptureOption {
	return func(o *captureOptions) { o.session = id }
}

// WithCaptureClock replaces time.Now for the capture start time.
func WithCaptureClock(now func() time.Time) CaptureOption {
	return func(o *captureOptions) { o.now = now }
}

// WithCaptureSampler replaces the random draw in [0, 100) that is
// compared against the sampling percentage.
func WithCaptureSampler(sample func() float64) CaptureOption {
	return func(o *captureOptions) { o.sample = sample }
}

// WithCaptureGate makes recording conditional on gate at each packet.
func WithCaptureGate(gate func() bool) CaptureOption {
	return func(o *captureOptions) { o.gate = gate }
}

// NewCaptureRecorder opens the capture files for one session if capture is
// enabled and this session is sampled. It always returns a usable
// recorder; an inactive one ignores every record.
func NewCaptureRecorder(fsys absfs.Filer, s CaptureSettings, opts ...CaptureOption) *CaptureRecorder {
	o := captureOptions{
		log:    zap.NewNop(),
		now:    time.Now,
		sample: func() float64 { return rand.Float64() * 100 },
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.session == "" {
		o.session = uuid.NewString()
	}

	r := &CaptureRecorder{
		log:     o.log,
		session: o.session,
		build:   captureBuildVersion(s.BuildVersion),
		start:   o.now(),
		gate:    o.gate,
	}
	if !s.Enabled || fsys == nil || o.sample() >= s.SamplePercent {
		return r
	}

	algo := s.Algorithm
	if algo == "" {
		algo = AlgorithmZstd
	}
	dir := s.Dir
	if dir == "" {
		dir = "/"
	}
	if err := absfs.ExtendFiler(fsys).MkdirAll(dir, 0o755); err != nil {
		r.log.Warn("capture disabled", zap.String("dir", dir), zap.Error(err))
		return r
	}

	prefix := s.Prefix
	if prefix == "" {
		prefix = "packets"
	}
	stamp := r.start.UTC().Format("20060102-150405")
	var err error
	for _, d := range []Direction{DirectionIncoming, DirectionOutgoing} {
		name := path.Join(dir, AddExtension(
			fmt.Sprintf("%s_%s_%s_%s_%s%s", prefix, r.build, stamp, r.session, d, captureExt), algo))
		var cs *captureStream
		cs, err = newCaptureStream(fsys, name, algo, s.Level, r.header(d))
		if err != nil {
			err = fmt.Errorf("open %s: %w", name, err)
			break
		}
		if d == DirectionIncoming {
			r.in = cs
		} else {
			r.out = cs
		}
	}
	if err != nil {
		r.log.Warn("capture disabled", zap.Error(err))
		r.closeStreams()
		return r
	}

	r.active.Store(true)
	r.log.Info("capture started",
		zap.String("session", r.session),
		zap.String("in", r.in.name),
		zap.String("out", r.out.name),
		zap.String("algorithm", string(algo)),
	)
	return r
}

func (r *CaptureRecorder) header(d Direction) []byte {
	h := make([]byte, 0, 4+4+1+2+len(r.build)+8)
	h = append(h, captureMagic...)
	h = binary.LittleEndian.AppendUint32(h, captureVersion)
	h = append(h, byte(d))
	h = binary.LittleEndian.AppendUint16(h, uint16(len(r.build)))
	h = append(h, r.build...)
	h = binary.LittleEndian.AppendUint64(h, uint64(r.start.UnixNano()))
	return h
}

// Enabled reports whether packets are currently being recorded.
func (r *CaptureRecorder) Enabled() bool {
	if r == nil || !r.active.Load() {
		return false
	}
	return r.gate == nil || r.gate()
}

// Session returns the session id used in file names.
func (r *CaptureRecorder) Session() string { return r.session }

// RecordIncoming appends the raw bytes of a received packet.
func (r *CaptureRecorder) RecordIncoming(raw []byte) { r.record(DirectionIncoming, raw) }

// RecordOutgoing appends the raw bytes of a sent packet.
func (r *CaptureRecorder) RecordOutgoing(raw []byte) { r.record(DirectionOutgoing, raw) }

func (r *CaptureRecorder) record(d Direction, raw []byte) {
	if !r.Enabled() {
		return
	}
	cs := r.in
	if d == DirectionOutgoing {
		cs = r.out
	}
	if err := cs.writeRecord(raw); err != nil {
		if r.active.CompareAndSwap(true, false) {
			r.log.Warn("capture write failed, capture disabled",
				zap.String("file", cs.name), zap.Error(err))
			r.closeStreams()
		}
	}
}

// Records returns how many packets were recorded per direction.
func (r *CaptureRecorder) Records() (in, out int64) {
	if r == nil {
		return 0, 0
	}
	if r.in != nil {
		in = r.in.count()
	}
	if r.out != nil {
		out = r.out.count()
	}
	return in, out
}

// Close stops recording and flushes both files. It is safe to call more
// than once.
func (r *CaptureRecorder) Close() error {
	if r == nil {
		return nil
	}
	r.active.Store(false)
	return r.closeStreams()
}

func (r *CaptureRecorder) closeStreams() error {
	var errs []error
	for _, cs := range []*captureStream{r.in, r.out} {
		if cs != nil {
			errs = append(errs, cs.Close())
		}
	}
	return errors.Join(errs...)
}

// captureBuildVersion returns a file name safe build identifier.
func captureBuildVersion(v string) string {
	if v == "" {
		v = "dev"
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, v)
}

// CaptureFile is a decoded capture file.
type CaptureFile struct {
	Version   uint32
	Direction Direction
	Build     string
	Start     time.Time
	Algorithm Algorithm
	Records   [][]byte
}

// ReadCaptureFile reads a whole capture file back, detecting the stream
// compression from the file extension.
func ReadCaptureFile(fsys absfs.Filer, name string) (*CaptureFile, error) {
	algo, ok := DetectAlgorithmFromExtension(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unknown extension", ErrInvalidCapture, name)
	}
	f, err := fsys.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Verify the magic bytes for formats that have them. Brotli has none,
	// so the extension is trusted.
	if magic, ok := magicBytes[algo]; ok {
		head := make([]byte, len(magic))
		if _, err := io.ReadFull(f, head); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCapture, name, err)
		}
		if detected, ok := IsCompressed(head); !ok || detected != algo {
			return nil, fmt.Errorf("%w: %s: content is not %s", ErrInvalidCapture, name, algo)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}

	dec, err := createDecompressor(algo, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCapture, name, err)
	}
	defer dec.Close()
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCapture, name, err)
	}
	cf, err := parseCapture(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCapture, name, err)
	}
	cf.Algorithm = algo
	return cf, nil
}

func parseCapture(b []byte) (*CaptureFile, error) {
	c := cursor{b: b}
	magic, ok := c.next(4)
	if !ok || string(magic) != captureMagic {
		return nil, errors.New("bad magic")
	}
	version, ok := c.uint32()
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	if version != captureVersion {
		return nil, fmt.Errorf("version %d", version)
	}
	dir, ok := c.next(1)
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	buildLen, ok := c.uint16()
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	build, ok := c.next(int(buildLen))
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	start, ok := c.next(8)
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	cf := &CaptureFile{
		Version:   version,
		Direction: Direction(dir[0]),
		Build:     string(build),
		Start:     time.Unix(0, int64(binary.LittleEndian.Uint64(start))),
	}
	for c.left() > 0 {
		n, ok := c.uint32()
		if !ok {
			return nil, fmt.Errorf("record %d: %w", len(cf.Records), io.ErrUnexpectedEOF)
		}
		if n > MaxRawSizeLimit {
			return nil, fmt.Errorf("record %d: length %d", len(cf.Records), n)
		}
		rec, ok := c.next(int(n))
		if !ok {
			return nil, fmt.Errorf("record %d: %w", len(cf.Records), io.ErrUnexpectedEOF)
		}
		cf.Records = append(cf.Records, rec)
	}
	return cf, nil
}
