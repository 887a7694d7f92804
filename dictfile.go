package packetcomp

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/absfs/absfs"
)

// Dictionary container layout, little endian:
//
//	magic          [4]byte "PCDF"
//	version        uint16
//	flags          uint16
//	hashTableBits  uint32
//	dictLen        uint32
//	dict           [dictLen]byte
//	stateLen       uint32
//	state          [stateLen]byte
const (
	dictFileMagic   = "PCDF"
	dictFileVersion = 1
	dictHeaderSize  = 4 + 2 + 2 + 4

	// MinDictionarySize is the smallest usable dictionary content.
	MinDictionarySize = 8

	// MinHashTableBits and MaxHashTableBits bound the match finder table.
	MinHashTableBits = 10
	MaxHashTableBits = 27

	codecStateVersion = 1
	codecStateSize    = 8
)

// CodecState is the serialized initial state of the packet codec. It is
// stored with the dictionary so both peers prime their coders the same way.
type CodecState struct {
	// Version of the state record. MarshalBinary always writes the
	// current version.
	Version uint8
	// Level is the zstd encoder level (1 fastest .. 4 best). Zero derives
	// the level from the dictionary hash table size.
	Level uint8
	// DictID identifies the dictionary inside each compressed frame. Zero
	// derives it from the dictionary content.
	DictID uint32
}

// MarshalBinary encodes the state record.
func (s CodecState) MarshalBinary() ([]byte, error) {
	b := make([]byte, codecStateSize)
	b[0] = codecStateVersion
	b[1] = s.Level
	binary.LittleEndian.PutUint32(b[4:], s.DictID)
	return b, nil
}

// UnmarshalBinary decodes a state record produced by MarshalBinary.
func (s *CodecState) UnmarshalBinary(b []byte) error {
	if len(b) != codecStateSize {
		return fmt.Errorf("%w: codec state is %d bytes, want %d", ErrMalformedDictionary, len(b), codecStateSize)
	}
	if b[0] != codecStateVersion {
		return fmt.Errorf("%w: codec state version %d", ErrMalformedDictionary, b[0])
	}
	if b[1] > 4 {
		return fmt.Errorf("%w: codec level %d", ErrMalformedDictionary, b[1])
	}
	s.Version = b[0]
	s.Level = b[1]
	s.DictID = binary.LittleEndian.Uint32(b[4:])
	return nil
}

// DictionaryFile is the decoded content of a dictionary container.
type DictionaryFile struct {
	HashTableBits int
	Content       []byte
	State         CodecState
}

// MarshalDictionaryFile encodes f into the container format.
func MarshalDictionaryFile(f DictionaryFile) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	state, err := f.State.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, dictHeaderSize+8+len(f.Content)+len(state))
	out = append(out, dictFileMagic...)
	out = binary.LittleEndian.AppendUint16(out, dictFileVersion)
	out = binary.LittleEndian.AppendUint16(out, 0)
	out = binary.LittleEndian.AppendUint32(out, uint32(f.HashTableBits))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(f.Content)))
	out = append(out, f.Content...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(state)))
	out = append(out, state...)
	return out, nil
}

// ParseDictionaryFile decodes a whole container. Any truncation, bad
// header or trailing data is an error; a partial result is never returned.
func ParseDictionaryFile(b []byte) (DictionaryFile, error) {
	var f DictionaryFile
	c := cursor{b: b}

	magic, ok := c.next(4)
	if !ok {
		return f, fmt.Errorf("%w: header", ErrTruncatedDictionary)
	}
	if string(magic) != dictFileMagic {
		return f, fmt.Errorf("%w: bad magic %q", ErrMalformedDictionary, magic)
	}
	version, ok := c.uint16()
	if !ok {
		return f, fmt.Errorf("%w: header", ErrTruncatedDictionary)
	}
	if version != dictFileVersion {
		return f, fmt.Errorf("%w: version %d", ErrMalformedDictionary, version)
	}
	if _, ok = c.uint16(); !ok {
		return f, fmt.Errorf("%w: header", ErrTruncatedDictionary)
	}
	hashBits, ok := c.uint32()
	if !ok {
		return f, fmt.Errorf("%w: hash table size", ErrTruncatedDictionary)
	}
	dictLen, ok := c.uint32()
	if !ok {
		return f, fmt.Errorf("%w: dictionary length", ErrTruncatedDictionary)
	}
	content, ok := c.next(int(dictLen))
	if !ok {
		return f, fmt.Errorf("%w: dictionary blob wants %d bytes, %d left", ErrTruncatedDictionary, dictLen, c.left())
	}
	stateLen, ok := c.uint32()
	if !ok {
		return f, fmt.Errorf("%w: codec state length", ErrTruncatedDictionary)
	}
	state, ok := c.next(int(stateLen))
	if !ok {
		return f, fmt.Errorf("%w: codec state wants %d bytes, %d left", ErrTruncatedDictionary, stateLen, c.left())
	}
	if c.left() != 0 {
		return f, fmt.Errorf("%w: %d trailing bytes", ErrMalformedDictionary, c.left())
	}
	if err := f.State.UnmarshalBinary(state); err != nil {
		return DictionaryFile{}, err
	}
	f.HashTableBits = int(hashBits)
	f.Content = content
	if err := f.validate(); err != nil {
		return DictionaryFile{}, err
	}
	return f, nil
}

func (f DictionaryFile) validate() error {
	if f.HashTableBits < MinHashTableBits || f.HashTableBits > MaxHashTableBits {
		return fmt.Errorf("%w: hash table bits %d not in [%d, %d]",
			ErrMalformedDictionary, f.HashTableBits, MinHashTableBits, MaxHashTableBits)
	}
	if len(f.Content) < MinDictionarySize {
		return fmt.Errorf("%w: dictionary blob is %d bytes, need at least %d",
			ErrTruncatedDictionary, len(f.Content), MinDictionarySize)
	}
	return nil
}

// WriteDictionaryFile encodes f and writes it to name on fsys.
func WriteDictionaryFile(fsys absfs.Filer, name string, f DictionaryFile) error {
	b, err := MarshalDictionaryFile(f)
	if err != nil {
		return err
	}
	file, err := fsys.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(b); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

type cursor struct {
	b   []byte
	off int
}

func (c *cursor) left() int { return len(c.b) - c.off }

func (c *cursor) next(n int) ([]byte, bool) {
	if n < 0 || c.left() < n {
		return nil, false
	}
	out := c.b[c.off : c.off+n]
	c.off += n
	return out, true
}

func (c *cursor) uint16() (uint16, bool) {
	b, ok := c.next(2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func (c *cursor) uint32() (uint32, bool) {
	b, ok := c.next(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}
