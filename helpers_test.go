package packetcomp

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/absfs/absfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	serverDictPath = "/dict/server.pcdf"
	clientDictPath = "/dict/client.pcdf"
)

// serverTraffic generates n bytes of repetitive entity updates, the kind
// of content a server sends.
func serverTraffic(n int) []byte {
	var b bytes.Buffer
	for i := 0; b.Len() < n; i++ {
		fmt.Fprintf(&b, "entity=%04d pos=(%d,%d,%d) vel=(0,0,0) hp=100 state=idle;", i%64, i%7, i%11, i%13)
	}
	return b.Bytes()[:n]
}

// clientTraffic generates n bytes of repetitive input commands.
func clientTraffic(n int) []byte {
	var b bytes.Buffer
	for i := 0; b.Len() < n; i++ {
		fmt.Fprintf(&b, "cmd seq=%d move fwd=1 strafe=0 yaw=%d pitch=0 buttons=0x00|", i, i%360)
	}
	return b.Bytes()[:n]
}

// randomBytes returns n pseudo-random, incompressible bytes.
func randomBytes(seed uint64, n int) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

func writeTestDictionary(t testing.TB, fsys absfs.Filer, name string, content []byte) {
	t.Helper()
	require.NoError(t, WriteDictionaryFile(fsys, name, DictionaryFile{
		HashTableBits: 16,
		Content:       content,
	}))
}

// newDictionaryFS returns a filesystem holding a server and a client
// dictionary trained on their own traffic.
func newDictionaryFS(t testing.TB) *MemFS {
	t.Helper()
	fsys := NewMemFS()
	writeTestDictionary(t, fsys, serverDictPath, serverTraffic(4096))
	writeTestDictionary(t, fsys, clientDictPath, clientTraffic(4096))
	return fsys
}

// newTransformPair builds both ends of a connection sharing one store.
func newTransformPair(t testing.TB, cfg *Config, opts ...TransformOption) (initiator, responder *Transform) {
	t.Helper()
	store := NewDictionaryStore(newDictionaryFS(t))
	initiator, err := NewTransform(store, cfg, RoleInitiator, opts...)
	require.NoError(t, err)
	responder, err = NewTransform(store, cfg, RoleResponder, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		initiator.Close()
		responder.Close()
	})
	return initiator, responder
}

func TestPresetConfigs(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		enabled bool
		policy  DictionaryPolicy
		capture bool
	}{
		{"Strict", StrictConfig("s.pcdf", "c.pcdf"), true, PolicyStrict, false},
		{"Permissive", PermissiveConfig("s.pcdf", "c.pcdf"), true, PolicyPermissive, false},
		{"Capture", CaptureConfig("/captures", 5), false, PolicyPermissive, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); err != nil {
				t.Fatalf("preset does not validate: %v", err)
			}
			if tt.config.Enabled != tt.enabled {
				t.Errorf("Enabled = %v, want %v", tt.config.Enabled, tt.enabled)
			}
			if tt.config.DictionaryPolicy != tt.policy {
				t.Errorf("DictionaryPolicy = %q, want %q", tt.config.DictionaryPolicy, tt.policy)
			}
			if tt.config.Capture.Enabled != tt.capture {
				t.Errorf("Capture.Enabled = %v, want %v", tt.config.Capture.Enabled, tt.capture)
			}
			if tt.config.MaxRawSize != DefaultMaxRawSize {
				t.Errorf("MaxRawSize = %d, want %d", tt.config.MaxRawSize, DefaultMaxRawSize)
			}
		})
	}
}

func TestCaptureConfigSampling(t *testing.T) {
	c := CaptureConfig("/var/captures", 12.5)
	assert.Equal(t, "/var/captures", c.Capture.Dir)
	assert.Equal(t, 12.5, c.Capture.SamplePercent)
	assert.False(t, c.HasDictionaries())
}

func TestGetCompressionRatio(t *testing.T) {
	tests := []struct {
		original   int64
		compressed int64
		want       float64
	}{
		{1000, 500, 0.5},
		{1000, 250, 0.25},
		{1000, 1000, 1.0},
		{0, 0, 0},
	}

	for _, tt := range tests {
		got := GetCompressionRatio(tt.original, tt.compressed)
		if got != tt.want {
			t.Errorf("GetCompressionRatio(%d, %d) = %f, want %f",
				tt.original, tt.compressed, got, tt.want)
		}
	}
}

func TestGetCompressionPercentage(t *testing.T) {
	tests := []struct {
		original   int64
		compressed int64
		want       float64
	}{
		{1000, 500, 50.0},
		{1000, 250, 75.0},
		{1000, 1000, 0},
		{1000, 1100, -10.0},
		{0, 0, 0},
	}

	for _, tt := range tests {
		got := GetCompressionPercentage(tt.original, tt.compressed)
		assert.InDelta(t, tt.want, got, 1e-9, "GetCompressionPercentage(%d, %d)", tt.original, tt.compressed)
	}
}
