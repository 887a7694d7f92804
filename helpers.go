package packetcomp

// Preset configurations for common deployments

// StrictConfig returns a configuration for deployments where dictionaries
// are mandatory. A dictionary that fails to load aborts transform setup.
func StrictConfig(serverDict, clientDict string) *Config {
	c := DefaultConfig()
	c.Enabled = true
	c.ServerDictionary = serverDict
	c.ClientDictionary = clientDict
	c.DictionaryPolicy = PolicyStrict
	return c
}

// PermissiveConfig returns a configuration that compresses when the
// dictionaries load and silently passes packets through when they don't.
func PermissiveConfig(serverDict, clientDict string) *Config {
	c := StrictConfig(serverDict, clientDict)
	c.DictionaryPolicy = PolicyPermissive
	return c
}

// CaptureConfig returns a capture-only configuration for collecting
// training traffic before any dictionary exists. samplePercent of
// sessions are recorded into dir.
func CaptureConfig(dir string, samplePercent float64) *Config {
	c := DefaultConfig()
	c.DictionaryPolicy = PolicyPermissive
	c.Capture.Enabled = true
	c.Capture.Dir = dir
	c.Capture.SamplePercent = samplePercent
	return c
}

// GetCompressionRatio calculates the compression ratio for given original and compressed sizes
// Returns a value between 0 and 1, where lower is better
// E.g., 0.5 means the compressed size is 50% of the original
func GetCompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 0
	}
	return float64(compressedSize) / float64(originalSize)
}

// GetCompressionPercentage calculates the compression percentage
// Returns the percentage of space saved (0-100)
// E.g., 50 means 50% space savings
func GetCompressionPercentage(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 0
	}
	return (1 - float64(compressedSize)/float64(originalSize)) * 100
}
