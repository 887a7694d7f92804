package packetcomp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DictionaryPolicy decides what happens when a configured dictionary
// cannot be loaded.
type DictionaryPolicy string

const (
	// PolicyStrict makes transform construction fail.
	PolicyStrict DictionaryPolicy = "strict"
	// PolicyPermissive logs the failure and degrades to passthrough.
	PolicyPermissive DictionaryPolicy = "permissive"
)

// Config holds packet compression configuration
type Config struct {
	// Enabled turns compression on. A disabled transform still consumes
	// the flag bit of incoming packets.
	Enabled bool `mapstructure:"enabled"`

	// ServerDictionary and ClientDictionary are the directional
	// dictionary paths. Both or neither must be set.
	ServerDictionary string `mapstructure:"server_dictionary"`
	ClientDictionary string `mapstructure:"client_dictionary"`

	// DictionaryPolicy is strict or permissive (default: strict)
	DictionaryPolicy DictionaryPolicy `mapstructure:"dictionary_policy"`

	// MaxRawSize is the largest raw packet in bytes (default: 16384)
	MaxRawSize int `mapstructure:"max_raw_size"`

	// Capture configures raw traffic capture for dictionary training
	Capture CaptureSettings `mapstructure:"capture"`

	// Log configures the logger built by cmd/pcdict and NewLogger
	Log LogConfig `mapstructure:"log"`
}

// CaptureSettings controls the capture recorder.
type CaptureSettings struct {
	Enabled bool `mapstructure:"enabled"`

	// SamplePercent is the chance, 0-100, that a session is captured
	SamplePercent float64 `mapstructure:"sample_percent"`

	// Dir is the directory capture files are written to
	Dir string `mapstructure:"dir"`

	// Prefix starts every capture file name (default: "packets")
	Prefix string `mapstructure:"prefix"`

	// Algorithm compresses the capture stream (default: zstd)
	Algorithm Algorithm `mapstructure:"algorithm"`

	// Level is algorithm specific; 0 selects the default
	Level int `mapstructure:"level"`

	// BuildVersion names the build in file names and headers. Empty
	// uses the module version from the binary's build info.
	BuildVersion string `mapstructure:"build_version"`
}

// DefaultConfig returns a config with sensible defaults. Compression is
// off until dictionaries are configured.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          false,
		DictionaryPolicy: PolicyStrict,
		MaxRawSize:       DefaultMaxRawSize,
		Capture: CaptureSettings{
			Enabled:       false,
			SamplePercent: 100,
			Dir:           "/captures",
			Prefix:        "packets",
			Algorithm:     AlgorithmZstd,
		},
		Log: DefaultLogConfig(),
	}
}

// HasDictionaries reports whether both dictionary paths are set.
func (c *Config) HasDictionaries() bool {
	return strings.TrimSpace(c.ServerDictionary) != "" && strings.TrimSpace(c.ClientDictionary) != ""
}

// Validate checks the configuration and fills empty optional fields with
// their defaults.
func (c *Config) Validate() error {
	server := strings.TrimSpace(c.ServerDictionary) != ""
	client := strings.TrimSpace(c.ClientDictionary) != ""
	if server != client {
		return fmt.Errorf("%w: server_dictionary and client_dictionary must be set together", ErrInvalidConfig)
	}

	if c.DictionaryPolicy == "" {
		c.DictionaryPolicy = PolicyStrict
	}
	c.DictionaryPolicy = DictionaryPolicy(strings.ToLower(string(c.DictionaryPolicy)))
	switch c.DictionaryPolicy {
	case PolicyStrict, PolicyPermissive:
	default:
		return fmt.Errorf("%w: dictionary_policy %q", ErrInvalidConfig, c.DictionaryPolicy)
	}

	if c.MaxRawSize == 0 {
		c.MaxRawSize = DefaultMaxRawSize
	}
	if c.MaxRawSize < MinRawSizeLimit || c.MaxRawSize > MaxRawSizeLimit {
		return fmt.Errorf("%w: max_raw_size %d not in [%d, %d]",
			ErrInvalidConfig, c.MaxRawSize, MinRawSizeLimit, MaxRawSizeLimit)
	}

	cs := &c.Capture
	if cs.SamplePercent < 0 || cs.SamplePercent > 100 {
		return fmt.Errorf("%w: capture.sample_percent %v not in [0, 100]", ErrInvalidConfig, cs.SamplePercent)
	}
	if cs.Algorithm == "" {
		cs.Algorithm = AlgorithmZstd
	}
	cs.Algorithm = Algorithm(strings.ToLower(string(cs.Algorithm)))
	if err := validateLevel(cs.Algorithm, cs.Level); err != nil {
		return fmt.Errorf("%w: capture: %w", ErrInvalidConfig, err)
	}
	if cs.Prefix == "" {
		cs.Prefix = "packets"
	}
	if strings.ContainsAny(cs.Prefix, `/\`) {
		return fmt.Errorf("%w: capture.prefix %q contains a path separator", ErrInvalidConfig, cs.Prefix)
	}
	if cs.Dir == "" {
		cs.Dir = "/"
	}

	return c.Log.validate()
}

// LoadConfig reads configuration from path (if non-empty), otherwise it
// searches ./packetcomp.yaml and ./configs. Environment variables use the
// prefix PACKETCOMP and `.`/`-` are replaced with `_`.
// Example: PACKETCOMP_CAPTURE_SAMPLE_PERCENT=5
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PACKETCOMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("enabled", cfg.Enabled)
	v.SetDefault("server_dictionary", cfg.ServerDictionary)
	v.SetDefault("client_dictionary", cfg.ClientDictionary)
	v.SetDefault("dictionary_policy", string(cfg.DictionaryPolicy))
	v.SetDefault("max_raw_size", cfg.MaxRawSize)
	v.SetDefault("capture.enabled", cfg.Capture.Enabled)
	v.SetDefault("capture.sample_percent", cfg.Capture.SamplePercent)
	v.SetDefault("capture.dir", cfg.Capture.Dir)
	v.SetDefault("capture.prefix", cfg.Capture.Prefix)
	v.SetDefault("capture.algorithm", string(cfg.Capture.Algorithm))
	v.SetDefault("capture.level", cfg.Capture.Level)
	v.SetDefault("capture.build_version", cfg.Capture.BuildVersion)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("PACKETCOMP_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("packetcomp")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".packetcomp"))
		}
	}

	// A missing config file is fine; defaults and env still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
