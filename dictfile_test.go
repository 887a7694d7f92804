package packetcomp

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDictionaryFileRoundTrip(t *testing.T) {
	f := DictionaryFile{
		HashTableBits: 17,
		Content:       serverTraffic(512),
		State:         CodecState{Level: 3, DictID: 0xcafe},
	}
	b, err := MarshalDictionaryFile(f)
	require.NoError(t, err)
	assert.Equal(t, dictFileMagic, string(b[:4]))

	got, err := ParseDictionaryFile(b)
	require.NoError(t, err)
	assert.Equal(t, 17, got.HashTableBits)
	assert.Equal(t, f.Content, got.Content)
	assert.Equal(t, uint8(codecStateVersion), got.State.Version)
	assert.Equal(t, uint8(3), got.State.Level)
	assert.Equal(t, uint32(0xcafe), got.State.DictID)
}

func TestParseDictionaryFileTruncated(t *testing.T) {
	b, err := MarshalDictionaryFile(DictionaryFile{HashTableBits: 16, Content: clientTraffic(64)})
	require.NoError(t, err)

	for i := 0; i < len(b); i++ {
		_, err := ParseDictionaryFile(b[:i])
		if !errors.Is(err, ErrTruncatedDictionary) && !errors.Is(err, ErrMalformedDictionary) {
			t.Fatalf("prefix of %d bytes: got %v, want a truncation error", i, err)
		}
	}
}

func TestParseDictionaryFileMalformed(t *testing.T) {
	good, err := MarshalDictionaryFile(DictionaryFile{HashTableBits: 16, Content: clientTraffic(64)})
	require.NoError(t, err)

	mutate := func(fn func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return fn(b)
	}
	stateOff := len(good) - codecStateSize

	tests := []struct {
		name string
		data []byte
	}{
		{"bad magic", mutate(func(b []byte) []byte { b[0] = 'X'; return b })},
		{"bad version", mutate(func(b []byte) []byte { binary.LittleEndian.PutUint16(b[4:], 9); return b })},
		{"hash bits too small", mutate(func(b []byte) []byte { binary.LittleEndian.PutUint32(b[8:], 9); return b })},
		{"hash bits too large", mutate(func(b []byte) []byte { binary.LittleEndian.PutUint32(b[8:], 28); return b })},
		{"trailing data", mutate(func(b []byte) []byte { return append(b, 0) })},
		{"state version", mutate(func(b []byte) []byte { b[stateOff] = 7; return b })},
		{"state level", mutate(func(b []byte) []byte { b[stateOff+1] = 5; return b })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDictionaryFile(tt.data)
			assert.ErrorIs(t, err, ErrMalformedDictionary)
		})
	}
}

// emptyDictionaryContainer is a well formed container whose dictionary
// blob has zero bytes.
func emptyDictionaryContainer() []byte {
	b := []byte(dictFileMagic)
	b = binary.LittleEndian.AppendUint16(b, dictFileVersion)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint32(b, 16)
	b = binary.LittleEndian.AppendUint32(b, 0)
	state, _ := CodecState{}.MarshalBinary()
	b = binary.LittleEndian.AppendUint32(b, uint32(len(state)))
	return append(b, state...)
}

func TestParseDictionaryFileEmptyBlob(t *testing.T) {
	_, err := ParseDictionaryFile(emptyDictionaryContainer())
	assert.ErrorIs(t, err, ErrTruncatedDictionary)
}

func TestMarshalDictionaryFileValidates(t *testing.T) {
	_, err := MarshalDictionaryFile(DictionaryFile{HashTableBits: 16, Content: []byte("short")})
	assert.ErrorIs(t, err, ErrTruncatedDictionary)

	_, err = MarshalDictionaryFile(DictionaryFile{HashTableBits: 40, Content: clientTraffic(64)})
	assert.ErrorIs(t, err, ErrMalformedDictionary)
}

func TestCodecStateUnmarshalLength(t *testing.T) {
	var s CodecState
	assert.ErrorIs(t, s.UnmarshalBinary(make([]byte, 3)), ErrMalformedDictionary)
}

func TestWriteDictionaryFile(t *testing.T) {
	fsys := NewMemFS()
	f := DictionaryFile{HashTableBits: 12, Content: serverTraffic(128)}
	require.NoError(t, WriteDictionaryFile(fsys, "/a/b/dict.pcdf", f))

	raw, err := fsys.ReadFile("/a/b/dict.pcdf")
	require.NoError(t, err)
	got, err := ParseDictionaryFile(raw)
	require.NoError(t, err)
	assert.Equal(t, f.Content, got.Content)

	// Rewriting truncates the previous content.
	f.Content = serverTraffic(64)
	require.NoError(t, WriteDictionaryFile(fsys, "/a/b/dict.pcdf", f))
	raw, err = fsys.ReadFile("/a/b/dict.pcdf")
	require.NoError(t, err)
	_, err = ParseDictionaryFile(raw)
	require.NoError(t, err)
}
