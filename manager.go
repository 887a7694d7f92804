package packetcomp

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/absfs/absfs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Manager is the control plane for every transform in a process. It owns
// the dictionary store and the stats aggregator and exposes the runtime
// switches an admin layer needs.
type Manager struct {
	cfg       Config
	captureFS absfs.Filer
	log       *zap.Logger
	store     *DictionaryStore
	dicts     *managerDictionaries
	stats     *StatsAggregator

	outgoing atomic.Bool
	capture  atomic.Bool

	mu         sync.Mutex
	transforms map[*Transform]struct{}
	closed     bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger shared with the store, transforms
// and capture recorders.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithCaptureFS writes capture files to fsys instead of the dictionary
// filesystem.
func WithCaptureFS(fsys absfs.Filer) ManagerOption {
	return func(m *Manager) { m.captureFS = fsys }
}

// NewManager validates cfg and returns a manager reading dictionaries from
// fsys.
//
// When compression is enabled both directional dictionaries are loaded
// here and held until Close. Under the strict policy a dictionary that
// cannot be loaded fails NewManager with a *DictionaryLoadError. Under the
// permissive policy the failure is logged once and remembered, so
// transforms built later degrade without touching storage again.
func NewManager(cfg *Config, fsys absfs.Filer, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if err := c.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:        c,
		log:        zap.NewNop(),
		stats:      NewStatsAggregator(),
		transforms: make(map[*Transform]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.captureFS == nil {
		m.captureFS = fsys
	}
	m.store = NewDictionaryStore(fsys, WithStoreLogger(m.log.Named("dictionary")))
	m.dicts = &managerDictionaries{store: m.store, failed: make(map[string]error)}
	if c.Enabled {
		if err := m.dicts.preload(&c, m.log); err != nil {
			return nil, err
		}
	}
	m.outgoing.Store(true)
	m.capture.Store(c.Capture.Enabled)
	return m, nil
}

// NewTransform builds a transform for one connection. Transforms created
// while capture is enabled get their own sampled capture session.
func (m *Manager) NewTransform(role Role, opts ...TransformOption) (*Transform, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, errManagerClosed
	}

	log := m.log.Named("transform")
	base := []TransformOption{
		WithLogger(log),
		WithStats(m.stats),
		WithOutgoingGate(m.outgoing.Load),
		// The manager already reported a missing dictionary at startup.
		withDegradedLogLevel(zapcore.DebugLevel),
	}
	if m.capture.Load() {
		cs := m.cfg.Capture
		cs.Enabled = true
		rec := NewCaptureRecorder(m.captureFS, cs,
			WithCaptureLogger(m.log.Named("capture")),
			WithCaptureGate(m.capture.Load),
		)
		base = append(base, WithCapture(rec))
	}

	t, err := NewTransform(m.dicts, &m.cfg, role, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		t.Close()
		return nil, errManagerClosed
	}
	m.transforms[t] = struct{}{}
	return t, nil
}

// Release closes t and forgets it.
func (m *Manager) Release(t *Transform) error {
	m.mu.Lock()
	delete(m.transforms, t)
	m.mu.Unlock()
	return t.Close()
}

// SetOutgoingCompression turns outgoing compression on or off for every
// transform. Incoming decoding is unaffected so peers keep working.
func (m *Manager) SetOutgoingCompression(on bool) {
	if m.outgoing.Swap(on) != on {
		m.log.Info("outgoing compression toggled", zap.Bool("enabled", on))
	}
}

// OutgoingCompression reports the outgoing compression switch.
func (m *Manager) OutgoingCompression() bool { return m.outgoing.Load() }

// SetCaptureEnabled turns capture on or off. Turning it off pauses every
// open recorder; turning it on affects open recorders and new transforms.
func (m *Manager) SetCaptureEnabled(on bool) {
	if m.capture.Swap(on) != on {
		m.log.Info("capture toggled", zap.Bool("enabled", on))
	}
}

// CaptureEnabled reports the capture switch.
func (m *Manager) CaptureEnabled() bool { return m.capture.Load() }

// ResetLifetimeStats zeroes the lifetime totals.
func (m *Manager) ResetLifetimeStats() {
	m.stats.ResetLifetime()
	m.log.Info("lifetime stats reset")
}

// Stats returns the aggregator shared by every transform.
func (m *Manager) Stats() *StatsAggregator { return m.stats }

// Store returns the dictionary store.
func (m *Manager) Store() *DictionaryStore { return m.store }

// Config returns a copy of the validated configuration.
func (m *Manager) Config() Config { return m.cfg }

// Transforms returns the number of open transforms.
func (m *Manager) Transforms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transforms)
}

// Close closes every open transform. After Close, NewTransform fails.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := m.transforms
	m.transforms = nil
	m.mu.Unlock()

	var errs []error
	for t := range open {
		errs = append(errs, t.Close())
	}
	m.dicts.release()
	return errors.Join(errs...)
}

// managerDictionaries serves transforms from the handles a manager loaded
// at startup. Paths that failed to load keep failing with the same error
// instead of going back to storage.
type managerDictionaries struct {
	store  *DictionaryStore
	held   []*SharedDictionary
	failed map[string]error
}

func (d *managerDictionaries) preload(c *Config, log *zap.Logger) error {
	var errs []error
	for _, name := range []string{c.ServerDictionary, c.ClientDictionary} {
		key := CanonicalPath(name)
		if _, ok := d.failed[key]; ok {
			continue
		}
		h, err := d.store.Load(name)
		if err != nil {
			d.failed[key] = err
			errs = append(errs, err)
			continue
		}
		d.held = append(d.held, h)
	}
	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	if c.DictionaryPolicy == PolicyStrict {
		d.release()
		return err
	}
	log.Warn("packet compression degraded, transforms will send raw", zap.Error(err))
	return nil
}

// Load returns a new handle for name, or the error recorded at startup.
// Failed paths are looked up before the store, so nothing is re-read.
func (d *managerDictionaries) Load(name string) (*SharedDictionary, error) {
	if err, ok := d.failed[CanonicalPath(name)]; ok {
		return nil, err
	}
	return d.store.Load(name)
}

func (d *managerDictionaries) release() {
	for _, h := range d.held {
		h.Release()
	}
	d.held = nil
}

var errManagerClosed = errors.New("packetcomp: manager closed")
