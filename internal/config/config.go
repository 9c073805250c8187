package config

import (
	"fmt"
	"strings"
)

// NormKind selects the normalization function used inside decoder blocks.
type NormKind int

const (
	NormRMS NormKind = iota
	NormLayer
	NormNone
)

// NormPlacement selects where normalization is applied relative to each
// sublayer (pre-norm for llama-family, post-norm for the original
// transformer convention).
type NormPlacement int

const (
	PrePlacement NormPlacement = iota
	PostPlacement
)

// PosKind selects the positional encoding scheme.
type PosKind int

const (
	PosRotary PosKind = iota
	PosLearned
	PosNone
)

// Activation selects the feed-forward nonlinearity.
type Activation int

const (
	ActSiLU Activation = iota
	ActGELU
)

// ModelConfig fully specifies one decoder architecture. It is treated as
// immutable once registered.
type ModelConfig struct {
	Architecture string

	BlockCount int
	EmbedDim   int
	Heads      int
	KVHeads    int
	HeadDim    int
	HiddenDim  int
	VocabSize  int
	SeqLen     int

	NormKind      NormKind
	NormPlacement NormPlacement
	Eps           float32

	PosKind         PosKind
	RopeTheta       float32
	RopeInterleaved bool // upstream even/odd pair layout instead of contiguous halves

	Activation Activation
	GatedFFN   bool
	Bias       bool

	// TiedEmbedding reuses the token embedding as the output projection
	// (GPT-2 style weight tying). When set, no separate output weight is
	// required in the checkpoint.
	TiedEmbedding bool
}

func (c *ModelConfig) Validate() error {
	if c.BlockCount <= 0 {
		return fmt.Errorf("invalid block_count: %d (must be positive)", c.BlockCount)
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("invalid embed_dim: %d (must be positive)", c.EmbedDim)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("invalid kv_heads: %d (heads %d must be divisible by kv_heads)", c.KVHeads, c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.EmbedDim != c.Heads*c.HeadDim {
		return fmt.Errorf("embed_dim mismatch: %d != heads(%d) * head_dim(%d)", c.EmbedDim, c.Heads, c.HeadDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.NormKind != NormNone && c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %e (must be positive)", c.Eps)
	}
	if c.PosKind == PosRotary {
		if c.RopeTheta <= 0 {
			return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
		}
		if c.HeadDim%2 != 0 {
			return fmt.Errorf("invalid head_dim: %d (must be even for rotary encoding)", c.HeadDim)
		}
	}
	return nil
}

// GroupSize is the number of query heads sharing each key/value head.
func (c *ModelConfig) GroupSize() int {
	return c.Heads / c.KVHeads
}

// KVDim is the width of one position's key (or value) row in the cache.
func (c *ModelConfig) KVDim() int {
	return c.KVHeads * c.HeadDim
}

func (c *ModelConfig) Name() string {
	return strings.ToLower(c.Architecture)
}

// Default returns a config pre-seeded with the common llama-family values.
func Default() ModelConfig {
	return ModelConfig{
		SeqLen:        2048,
		Eps:           1e-5,
		RopeTheta:     10000.0,
		NormKind:      NormRMS,
		NormPlacement: PrePlacement,
		PosKind:       PosRotary,
		Activation:    ActSiLU,
		GatedFFN:      true,
	}
}
