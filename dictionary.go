package packetcomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/absfs/absfs"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Dictionary is an immutable, fully constructed compression dictionary:
// the raw content, the match finder table size, the codec state it was
// stored with and the coders primed from them. It is only ever built by a
// successful load.
type Dictionary struct {
	path     string
	content  []byte
	hashBits int
	state    CodecState
	id       uint32
	level    zstd.EncoderLevel
	codec    *packetCodec

	// evicted is guarded by the owning store's mutex.
	evicted bool
}

// NewDictionary builds a dictionary from a decoded container. name is used
// only for reporting.
func NewDictionary(name string, f DictionaryFile) (*Dictionary, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	content := bytes.Clone(f.Content)
	id := f.State.DictID
	if id == 0 {
		id = dictionaryID(content)
	}
	level := levelForHashBits(f.HashTableBits)
	if f.State.Level != 0 {
		level = zstd.EncoderLevel(f.State.Level)
	}
	codec, err := newPacketCodec(content, id, level)
	if err != nil {
		return nil, err
	}
	return &Dictionary{
		path:     name,
		content:  content,
		hashBits: f.HashTableBits,
		state:    f.State,
		id:       id,
		level:    level,
		codec:    codec,
	}, nil
}

// Path returns the canonical path the dictionary was loaded from.
func (d *Dictionary) Path() string { return d.path }

// Size returns the dictionary content size in bytes.
func (d *Dictionary) Size() int { return len(d.content) }

// ID returns the frame dictionary id.
func (d *Dictionary) ID() uint32 { return d.id }

// HashTableBits returns the log2 size of the match finder table.
func (d *Dictionary) HashTableBits() int { return d.hashBits }

// Level returns the encoder level.
func (d *Dictionary) Level() zstd.EncoderLevel { return d.level }

// State returns the stored codec state.
func (d *Dictionary) State() CodecState { return d.state }

// SharedDictionary is one holder's reference to a cached dictionary.
type SharedDictionary struct {
	*Dictionary
	store    *DictionaryStore
	key      string
	released atomic.Bool
}

// Release drops the reference. The store evicts the dictionary when the
// last reference is released. Release is idempotent.
func (h *SharedDictionary) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.store.release(h.key, h.Dictionary)
}

type storeEntry struct {
	dict *Dictionary
	refs int
}

// DictionaryStore loads dictionaries from an archive and shares them by
// canonical path. Construct one per process and pass it to every
// transform.
type DictionaryStore struct {
	fs     absfs.Filer
	log    *zap.Logger
	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]*storeEntry

	reads atomic.Int64
}

// StoreOption configures a DictionaryStore.
type StoreOption func(*DictionaryStore)

// WithStoreLogger sets the store logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *DictionaryStore) {
		if l != nil {
			s.log = l
		}
	}
}

// NewDictionaryStore returns an empty store reading from fsys.
func NewDictionaryStore(fsys absfs.Filer, opts ...StoreOption) *DictionaryStore {
	s := &DictionaryStore{
		fs:      fsys,
		log:     zap.NewNop(),
		entries: make(map[string]*storeEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CanonicalPath normalizes name into the absolute slash separated key the
// store caches under.
func CanonicalPath(name string) string {
	return path.Clean("/" + filepath.ToSlash(strings.TrimSpace(name)))
}

// Load returns a shared handle to the dictionary at name, reading it from
// storage only if no holder has it cached. Concurrent loads of the same
// path share a single read. Every failure is a *DictionaryLoadError.
func (s *DictionaryStore) Load(name string) (*SharedDictionary, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &DictionaryLoadError{Path: name, Err: errors.New("no dictionary path configured")}
	}
	key := CanonicalPath(name)
	for {
		if h := s.acquire(key, nil); h != nil {
			return h, nil
		}
		d, err := s.loadShared(key)
		if err != nil {
			s.log.Warn("dictionary load failed", zap.String("path", key), zap.Error(err))
			return nil, err
		}
		// A dictionary evicted between the flight and this acquire has
		// closed coders; go around and read it again.
		if h := s.acquire(key, d); h != nil {
			return h, nil
		}
	}
}

func (s *DictionaryStore) loadShared(key string) (*Dictionary, error) {
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		s.mu.Lock()
		if e, ok := s.entries[key]; ok {
			s.mu.Unlock()
			return e.dict, nil
		}
		s.mu.Unlock()

		d, err := s.read(key)
		if err != nil {
			return nil, err
		}
		// Publish before the flight ends so callers arriving after it see
		// the entry instead of reading again.
		s.mu.Lock()
		if _, ok := s.entries[key]; !ok {
			s.entries[key] = &storeEntry{dict: d}
		}
		s.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Dictionary), nil
}

// acquire takes a reference on the cached entry for key. When nothing is
// cached it inserts d, or returns nil if d is nil or already evicted.
func (s *DictionaryStore) acquire(key string, d *Dictionary) *SharedDictionary {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		if d == nil || d.evicted {
			return nil
		}
		e = &storeEntry{dict: d}
		s.entries[key] = e
	}
	e.refs++
	return &SharedDictionary{Dictionary: e.dict, store: s, key: key}
}

// release drops one reference on key. The last release evicts the entry
// and closes its coders.
func (s *DictionaryStore) release(key string, d *Dictionary) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.dict != d {
		s.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	d.evicted = true
	s.mu.Unlock()

	d.codec.close()
	s.log.Debug("dictionary evicted", zap.String("path", key))
}

func (s *DictionaryStore) read(key string) (*Dictionary, error) {
	s.reads.Add(1)
	f, err := s.fs.OpenFile(key, os.O_RDONLY, 0)
	if err != nil {
		return nil, &DictionaryLoadError{Path: key, Err: err}
	}
	raw, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, &DictionaryLoadError{Path: key, Err: err}
	}
	df, err := ParseDictionaryFile(raw)
	if err != nil {
		return nil, &DictionaryLoadError{Path: key, Err: err}
	}
	d, err := NewDictionary(key, df)
	if err != nil {
		return nil, &DictionaryLoadError{Path: key, Err: err}
	}
	s.log.Info("dictionary loaded",
		zap.String("path", key),
		zap.Int("size", d.Size()),
		zap.Uint32("id", d.ID()),
		zap.Int("hash_bits", d.HashTableBits()),
	)
	return d, nil
}

// Len returns the number of cached dictionaries.
func (s *DictionaryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Refs returns the number of outstanding handles for name.
func (s *DictionaryStore) Refs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[CanonicalPath(name)]; ok {
		return e.refs
	}
	return 0
}

// Reads returns how many times the store went to storage.
func (s *DictionaryStore) Reads() int64 { return s.reads.Load() }

// String describes the store for logs.
func (s *DictionaryStore) String() string {
	return fmt.Sprintf("DictionaryStore(%d cached)", s.Len())
}
