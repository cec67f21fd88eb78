package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/knifeayumu/aphrodite-engine/internal/cache"
	"github.com/knifeayumu/aphrodite-engine/internal/tensor"
)

// Config describes one cache engine instance. Loadable from a yaml file
// for the bench CLI; validated before any pool allocation.
type Config struct {
	NumLayers  int `yaml:"num_layers"`
	NumHeads   int `yaml:"num_heads"`    // Query heads.
	NumKVHeads int `yaml:"num_kv_heads"` // Key/value heads (GQA when < NumHeads).
	HeadDim    int `yaml:"head_dim"`
	BlockSize  int `yaml:"block_size"`

	NumGPUBlocks int `yaml:"num_gpu_blocks"`
	NumCPUBlocks int `yaml:"num_cpu_blocks"` // Swap tier; 0 disables swapping.

	// CacheDType selects the stored element type: "float32", "float16"
	// or "int8". KScale/VScale are the static quantization scales for
	// int8 caches.
	CacheDType string  `yaml:"cache_dtype"`
	KScale     float32 `yaml:"k_scale"`
	VScale     float32 `yaml:"v_scale"`

	// Watermark is the fraction of GPU blocks held back from admission
	// so running sequences can keep growing.
	Watermark float64 `yaml:"watermark"`

	// MaxSeqLen bounds any sequence's context length.
	MaxSeqLen int `yaml:"max_seq_len"`
}

// DefaultConfig returns a small but fully functional configuration.
func DefaultConfig() Config {
	return Config{
		NumLayers:    2,
		NumHeads:     8,
		NumKVHeads:   8,
		HeadDim:      64,
		BlockSize:    16,
		NumGPUBlocks: 256,
		NumCPUBlocks: 256,
		CacheDType:   "float32",
		Watermark:    0.01,
		MaxSeqLen:    2048,
	}
}

// LoadConfig reads a yaml config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Geometry returns the block layout shared by both tier pools.
func (c Config) Geometry() cache.Geometry {
	return cache.Geometry{
		NumLayers:  c.NumLayers,
		NumKVHeads: c.NumKVHeads,
		HeadDim:    c.HeadDim,
		BlockSize:  c.BlockSize,
	}
}

// DType resolves the configured cache element type.
func (c Config) DType() (tensor.DType, error) {
	switch c.CacheDType {
	case "", "float32":
		return tensor.Float32, nil
	case "float16":
		return tensor.Float16, nil
	case "int8":
		return tensor.Int8, nil
	default:
		return 0, fmt.Errorf("%w: unknown cache_dtype %q", cache.ErrConfiguration, c.CacheDType)
	}
}

// Validate checks the configuration before any allocation happens.
func (c Config) Validate() error {
	if err := c.Geometry().Validate(); err != nil {
		return err
	}
	if c.NumHeads <= 0 || c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("%w: num_heads %d must be a positive multiple of num_kv_heads %d",
			cache.ErrConfiguration, c.NumHeads, c.NumKVHeads)
	}
	if c.NumGPUBlocks <= 0 {
		return fmt.Errorf("%w: num_gpu_blocks must be positive, got %d", cache.ErrConfiguration, c.NumGPUBlocks)
	}
	if c.NumCPUBlocks < 0 {
		return fmt.Errorf("%w: num_cpu_blocks must be non-negative, got %d", cache.ErrConfiguration, c.NumCPUBlocks)
	}
	if c.Watermark < 0 || c.Watermark >= 1 {
		return fmt.Errorf("%w: watermark %v outside [0, 1)", cache.ErrConfiguration, c.Watermark)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("%w: max_seq_len must be positive, got %d", cache.ErrConfiguration, c.MaxSeqLen)
	}
	dt, err := c.DType()
	if err != nil {
		return err
	}
	if dt == tensor.Int8 && (c.KScale <= 0 || c.VScale <= 0) {
		return fmt.Errorf("%w: int8 cache requires positive k_scale and v_scale", cache.ErrConfiguration)
	}
	return nil
}
