package packetcomp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerJSONFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "logs", "packetcomp.log")
	log, err := NewLogger(LogConfig{Level: "warn", Format: "json", Outputs: []string{out}})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("dictionary load failed", zap.String("path", "/dict/server.pcdf"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "dictionary load failed", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "/dict/server.pcdf", entry["path"])
}

func TestNewLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "rotated.log")
	log, err := NewLogger(LogConfig{
		Level:   "debug",
		Format:  "console",
		Outputs: []string{"file"},
		Rotation: RotationConfig{
			Enable:   true,
			Filename: name,
		},
	})
	require.NoError(t, err)
	log.Debug("capture started")
	_ = log.Sync()

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(data), "capture started")
}

func TestNewLoggerSharesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "rotated.log")
	log, err := NewLogger(LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: []string{filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log"), "stderr"},
		Rotation: RotationConfig{
			Enable:   true,
			Filename: name,
		},
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		log.Info("transform ready", zap.Int("n", i))
	}
	_ = log.Sync()

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3, "each entry is written once")

	for _, other := range []string{"a.log", "b.log"} {
		_, err := os.Stat(filepath.Join(dir, other))
		assert.True(t, os.IsNotExist(err), other)
	}
}

func TestNewLoggerDuplicateOutputs(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "packetcomp.log")
	log, err := NewLogger(LogConfig{
		Format:  "json",
		Outputs: []string{out, filepath.Join(dir, ".", "packetcomp.log")},
	})
	require.NoError(t, err)
	log.Info("dictionary loaded")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "dictionary loaded"))
}

func TestNewLoggerStandardStreams(t *testing.T) {
	for _, out := range []string{"stdout", "stderr", "STDERR"} {
		_, err := NewLogger(LogConfig{Outputs: []string{out}, Development: true})
		assert.NoError(t, err, out)
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "trace"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
