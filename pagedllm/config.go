package pagedllm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PreemptionMode selects how the scheduler reclaims blocks from a
// running sequence under memory pressure.
type PreemptionMode string

const (
	// PreemptRecompute drops all of the victim's blocks and re-runs
	// prefill from scratch on resumption. Always correct.
	PreemptRecompute PreemptionMode = "recompute"
	// PreemptSwap moves the victim's block contents to the swap pool and
	// restores them verbatim on resumption. Requires a BlockSwapper
	// backend; falls back to recompute otherwise.
	PreemptSwap PreemptionMode = "swap"
)

// Config holds the configuration for the inference engine.
type Config struct {
	MaxNumBatchedTokens int            `yaml:"max_num_batched_tokens"`
	MaxNumSeqs          int            `yaml:"max_num_seqs"`
	MaxModelLen         int            `yaml:"max_model_len"`
	EOS                 int            `yaml:"eos"`
	BlockSize           int            `yaml:"block_size"`
	NumBlocks           int            `yaml:"num_blocks"`
	NumSwapBlocks       int            `yaml:"num_swap_blocks"`
	Preemption          PreemptionMode `yaml:"preemption"`
	SubmitQueueSize     int            `yaml:"submit_queue_size"`
	PrefillChunkSize    int            `yaml:"prefill_chunk_size"` // 0 disables chunking
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		MaxNumBatchedTokens: 16384,
		MaxNumSeqs:          512,
		MaxModelLen:         4096,
		EOS:                 -1,
		BlockSize:           16,
		NumBlocks:           1024,
		NumSwapBlocks:       0,
		Preemption:          PreemptRecompute,
		SubmitQueueSize:     256,
		PrefillChunkSize:    512,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		panic(err)
	}

	return c
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
func LoadConfig(path string) (*Config, error) {
	c := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks if the configuration is valid. A pool that cannot hold
// a single maximal sequence is rejected here rather than failing at
// request time.
func (c *Config) Validate() error {
	if c.BlockSize < 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("block_size must be positive, got %d", c.BlockSize)}
	}
	if c.NumBlocks < 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("num_blocks must be positive, got %d", c.NumBlocks)}
	}
	if c.MaxNumSeqs < 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("max_num_seqs must be positive, got %d", c.MaxNumSeqs)}
	}
	if c.MaxModelLen < 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("max_model_len must be positive, got %d", c.MaxModelLen)}
	}
	minFootprint := (c.MaxModelLen + c.BlockSize - 1) / c.BlockSize
	if c.NumBlocks < minFootprint {
		return &ConfigurationError{Reason: fmt.Sprintf(
			"pool of %d blocks cannot hold one sequence of max_model_len %d (needs %d blocks of %d tokens)",
			c.NumBlocks, c.MaxModelLen, minFootprint, c.BlockSize)}
	}
	if c.MaxNumBatchedTokens < c.MaxModelLen {
		return &ConfigurationError{Reason: "max_num_batched_tokens must be >= max_model_len"}
	}
	switch c.Preemption {
	case PreemptRecompute, PreemptSwap:
	default:
		return &ConfigurationError{Reason: fmt.Sprintf("unknown preemption mode %q", c.Preemption)}
	}
	if c.Preemption == PreemptSwap && c.NumSwapBlocks < 1 {
		return &ConfigurationError{Reason: "swap preemption requires num_swap_blocks > 0"}
	}
	if c.SubmitQueueSize < 1 {
		return &ConfigurationError{Reason: "submit_queue_size must be positive"}
	}
	if c.PrefillChunkSize < 0 {
		return &ConfigurationError{Reason: "prefill_chunk_size must not be negative"}
	}
	return nil
}

// WithMaxNumBatchedTokens sets the per-tick token budget
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the maximum number of concurrently running sequences
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxModelLen sets the maximum sequence length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithBlockSize sets the KV cache block size in tokens
func WithBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.BlockSize = n
	}
}

// WithNumBlocks sets the number of KV cache blocks in the device pool
func WithNumBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumBlocks = n
	}
}

// WithNumSwapBlocks sets the size of the secondary swap pool
func WithNumSwapBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumSwapBlocks = n
	}
}

// WithPreemption sets the preemption strategy
func WithPreemption(m PreemptionMode) ConfigOption {
	return func(c *Config) {
		c.Preemption = m
	}
}

// WithSubmitQueueSize sets the capacity of the bounded request channel
func WithSubmitQueueSize(n int) ConfigOption {
	return func(c *Config) {
		c.SubmitQueueSize = n
	}
}

// WithPrefillChunkSize caps how many prompt tokens of one sequence are
// processed per tick. Zero disables chunking.
func WithPrefillChunkSize(n int) ConfigOption {
	return func(c *Config) {
		c.PrefillChunkSize = n
	}
}
