package packetcomp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultLogConfig logs info and above to stderr.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:   "info",
		Format:  "console",
		Outputs: []string{"stderr"},
		Rotation: RotationConfig{
			Filename:   "logs/packetcomp.log",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

func (c *LogConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Level)
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if len(c.Outputs) == 0 {
		c.Outputs = []string{"stderr"}
	}
	return nil
}

// NewLogger builds a zap.Logger from c. Unlike an application setup it
// leaves the zap globals alone. The caller should defer logger.Sync().
func NewLogger(c LogConfig) (*zap.Logger, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.Level) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	if c.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	var encoder zapcore.Encoder
	if strings.ToLower(c.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	// Outputs that resolve to the same file share one sink.
	var cores []zapcore.Core
	seen := make(map[string]bool)
	for _, out := range c.Outputs {
		target := logTarget(out, c.Rotation)
		if seen[target] {
			continue
		}
		seen[target] = true
		ws, err := logSink(target, c.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if c.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

// logTarget resolves an output to the stream or file it writes to. With
// rotation enabled and a rotation filename set, every file output goes to
// that one file.
func logTarget(out string, r RotationConfig) string {
	switch lower := strings.ToLower(out); lower {
	case "stdout", "stderr":
		return lower
	}
	name := out
	if r.Enable && strings.TrimSpace(r.Filename) != "" {
		name = r.Filename
	}
	if abs, err := filepath.Abs(name); err == nil {
		return abs
	}
	return filepath.Clean(name)
}

func logSink(out string, r RotationConfig) (zapcore.WriteSyncer, error) {
	switch out {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	if r.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(r.MaxSizeMB, 10),
			MaxBackups: max(r.MaxBackups, 1),
			MaxAge:     max(r.MaxAgeDays, 7),
			Compress:   r.Compress,
		}), nil
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log output %q: %w", out, err)
		}
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log output %q: %w", out, err)
	}
	return zapcore.AddSync(f), nil
}
