package packetcomp

import (
	"errors"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDictionaryDerivesIDAndLevel(t *testing.T) {
	content := serverTraffic(1024)

	tests := []struct {
		hashBits int
		level    zstd.EncoderLevel
	}{
		{10, zstd.SpeedFastest},
		{14, zstd.SpeedFastest},
		{16, zstd.SpeedDefault},
		{18, zstd.SpeedBetterCompression},
		{22, zstd.SpeedBestCompression},
	}
	for _, tt := range tests {
		d, err := NewDictionary("d", DictionaryFile{HashTableBits: tt.hashBits, Content: content})
		require.NoError(t, err)
		assert.Equal(t, tt.level, d.Level(), "hash bits %d", tt.hashBits)
		assert.Equal(t, dictionaryID(content), d.ID())
		assert.NotZero(t, d.ID())
		assert.Equal(t, len(content), d.Size())
		assert.Equal(t, tt.hashBits, d.HashTableBits())
	}
}

func TestNewDictionaryHonorsState(t *testing.T) {
	d, err := NewDictionary("d", DictionaryFile{
		HashTableBits: 10,
		Content:       serverTraffic(256),
		State:         CodecState{Level: uint8(zstd.SpeedBetterCompression), DictID: 42},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(42), d.ID())
	assert.Equal(t, zstd.SpeedBetterCompression, d.Level())
	assert.Equal(t, uint32(42), d.State().DictID)
}

func TestDictionaryIDIsStable(t *testing.T) {
	a := dictionaryID(serverTraffic(300))
	b := dictionaryID(serverTraffic(300))
	c := dictionaryID(clientTraffic(300))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCanonicalPath(t *testing.T) {
	tests := map[string]string{
		"dict/server.pcdf":       "/dict/server.pcdf",
		"/dict/./server.pcdf":    "/dict/server.pcdf",
		"  /dict//server.pcdf  ": "/dict/server.pcdf",
		"../dict/server.pcdf":    "/dict/server.pcdf",
	}
	for in, want := range tests {
		assert.Equal(t, want, CanonicalPath(in), "CanonicalPath(%q)", in)
	}
}

func TestStoreSharesByCanonicalPath(t *testing.T) {
	store := NewDictionaryStore(newDictionaryFS(t))

	a, err := store.Load(serverDictPath)
	require.NoError(t, err)
	b, err := store.Load("dict/./server.pcdf")
	require.NoError(t, err)

	assert.Same(t, a.Dictionary, b.Dictionary)
	assert.Equal(t, int64(1), store.Reads())
	assert.Equal(t, 2, store.Refs(serverDictPath))
	assert.Equal(t, 1, store.Len())

	a.Release()
	assert.Equal(t, 1, store.Refs(serverDictPath))
	b.Release()
	assert.Equal(t, 0, store.Refs(serverDictPath))
	assert.Equal(t, 0, store.Len(), "last release evicts")

	c, err := store.Load(serverDictPath)
	require.NoError(t, err)
	defer c.Release()
	assert.Equal(t, int64(2), store.Reads(), "a load after eviction reads again")
}

func TestStoreReleaseIsIdempotent(t *testing.T) {
	store := NewDictionaryStore(newDictionaryFS(t))

	a, err := store.Load(serverDictPath)
	require.NoError(t, err)
	b, err := store.Load(serverDictPath)
	require.NoError(t, err)

	a.Release()
	a.Release()
	assert.Equal(t, 1, store.Refs(serverDictPath))
	b.Release()
	assert.Equal(t, 0, store.Len())

	var nilHandle *SharedDictionary
	nilHandle.Release()
}

func TestStoreEvictionClosesCoders(t *testing.T) {
	store := NewDictionaryStore(newDictionaryFS(t))

	a, err := store.Load(serverDictPath)
	require.NoError(t, err)
	b, err := store.Load(serverDictPath)
	require.NoError(t, err)
	first := a.Dictionary

	a.Release()
	assert.False(t, first.codec.closed.Load(), "still held")
	b.Release()
	assert.True(t, first.codec.closed.Load(), "last release closes the coders")

	// The evicted dictionary is never handed out again.
	assert.Nil(t, store.acquire(CanonicalPath(serverDictPath), first))
	assert.Zero(t, store.Len())

	c, err := store.Load(serverDictPath)
	require.NoError(t, err)
	defer c.Release()
	assert.NotSame(t, first, c.Dictionary)
	assert.False(t, c.codec.closed.Load())

	frame, payload, ok := c.codec.encode(nil, serverTraffic(600))
	require.True(t, ok)
	assert.NotEmpty(t, payload)
	got, err := c.codec.decode(frame, make([]byte, 0, 600))
	require.NoError(t, err)
	assert.Equal(t, serverTraffic(600), got)
}

func TestStoreCoalescesConcurrentLoads(t *testing.T) {
	store := NewDictionaryStore(newDictionaryFS(t))

	const n = 32
	handles := make([]*SharedDictionary, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			handles[i], errs[i] = store.Load(clientDictPath)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range handles {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0].Dictionary, handles[i].Dictionary)
	}
	assert.Equal(t, int64(1), store.Reads())
	assert.Equal(t, n, store.Refs(clientDictPath))

	for _, h := range handles {
		h.Release()
	}
	assert.Equal(t, 0, store.Len())
}

func TestStoreLoadErrors(t *testing.T) {
	fsys := NewMemFS()
	f, err := fsys.Create("/dict/empty.pcdf")
	require.NoError(t, err)
	_, err = f.Write(emptyDictionaryContainer())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = fsys.Create("/dict/garbage.pcdf")
	require.NoError(t, err)
	_, err = f.Write([]byte("not a dictionary"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	store := NewDictionaryStore(fsys)

	tests := []struct {
		name string
		path string
		is   error
	}{
		{"missing", "/dict/missing.pcdf", nil},
		{"empty blob", "/dict/empty.pcdf", ErrTruncatedDictionary},
		{"garbage", "/dict/garbage.pcdf", ErrMalformedDictionary},
		{"no path", "  ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := store.Load(tt.path)
			assert.Nil(t, h)
			assert.ErrorIs(t, err, ErrDictionaryLoad)
			var le *DictionaryLoadError
			assert.True(t, errors.As(err, &le))
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
	assert.Equal(t, 0, store.Len(), "failed loads are not cached")
}
