package config

import (
	"fmt"
)

// Config carries the build-time parameters for the compute core: pool
// capacities, model dimensions and the quantization scheme. Everything here
// is fixed before the first inference pass; Validate is the single place
// where configuration errors are reported.
type Config struct {
	// Device memory pools, in bytes.
	DevicePoolBytes  int64
	ScratchPoolBytes int64

	// Maximum tokens per inference pass. The scratch layout is resolved
	// once for this count and replayed every pass.
	MaxTokens int

	Dim          int // model hidden size (dim_in of the head)
	HiddenDim    int // FFN intermediate size
	VocabSize    int
	DimModelBase int // head rescale numerator; 0 means no rescale

	// Quantization scheme for packed weights.
	QuantBits int // 4 or 8
	GroupSize int // scale group length along K; -1 = one group per column

	// Upper bound on split-K parallelism the dispatcher may select.
	MaxSplitK int

	MetricsAddr string

	DebugLayout   bool
	DebugDispatch bool
}

func (c *Config) Validate() error {
	if c.DevicePoolBytes <= 0 {
		return fmt.Errorf("invalid device_pool_bytes: %d (must be positive)", c.DevicePoolBytes)
	}
	if c.ScratchPoolBytes <= 0 {
		return fmt.Errorf("invalid scratch_pool_bytes: %d (must be positive)", c.ScratchPoolBytes)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("invalid max_tokens: %d (must be positive)", c.MaxTokens)
	}
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.DimModelBase < 0 {
		return fmt.Errorf("invalid dim_model_base: %d (must be non-negative)", c.DimModelBase)
	}
	if c.QuantBits != 4 && c.QuantBits != 8 {
		return fmt.Errorf("invalid quant_bits: %d (must be 4 or 8)", c.QuantBits)
	}
	if c.GroupSize != -1 {
		if c.GroupSize <= 0 {
			return fmt.Errorf("invalid group_size: %d (must be positive or -1)", c.GroupSize)
		}
		if c.Dim%c.GroupSize != 0 {
			return fmt.Errorf("group_size %d does not divide dim %d", c.GroupSize, c.Dim)
		}
	}
	if c.MaxSplitK < 1 || c.MaxSplitK > 4 {
		return fmt.Errorf("invalid max_split_k: %d (must be in [1,4])", c.MaxSplitK)
	}
	return nil
}

// HeadScale returns the fixed rescale applied to the output-projection input.
// Models without a dim_model_base use 1.0 (no rescale).
func (c *Config) HeadScale() float32 {
	if c.DimModelBase == 0 {
		return 1.0
	}
	return float32(c.DimModelBase) / float32(c.Dim)
}

func Default() Config {
	return Config{
		DevicePoolBytes:  1 << 30,
		ScratchPoolBytes: 256 << 20,
		MaxTokens:        1024,
		QuantBits:        4,
		GroupSize:        128,
		MaxSplitK:        4,
	}
}
