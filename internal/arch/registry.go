// Package arch maps model-family identifiers to fully-specified decoder
// configurations. The registry is an explicit object so tests and callers
// control its lifecycle; there is no ambient global catalog.
package arch

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/longbow-anvil/internal/config"
)

var ErrUnknownArchitecture = errors.New("unknown architecture")

type Registry struct {
	configs map[string]config.ModelConfig
}

// New returns a registry pre-seeded with the built-in model families.
func New() *Registry {
	r := &Registry{configs: make(map[string]config.ModelConfig)}
	for _, cfg := range builtins() {
		if err := r.Register(cfg); err != nil {
			// Built-in configs are validated by tests; a failure here is a
			// programming error, not a runtime condition.
			panic(fmt.Sprintf("arch: invalid builtin %q: %v", cfg.Architecture, err))
		}
	}
	return r
}

// Register validates and adds a configuration. Duplicate names are rejected.
func (r *Registry) Register(cfg config.ModelConfig) error {
	if cfg.Architecture == "" {
		return fmt.Errorf("invalid config: empty architecture name")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %q: %w", cfg.Architecture, err)
	}
	name := cfg.Name()
	if _, ok := r.configs[name]; ok {
		return fmt.Errorf("invalid config: architecture %q already registered", name)
	}
	r.configs[name] = cfg
	return nil
}

// Lookup returns the configuration for a model-family identifier.
func (r *Registry) Lookup(name string) (config.ModelConfig, error) {
	cfg, ok := r.configs[strings.ToLower(name)]
	if !ok {
		return config.ModelConfig{}, fmt.Errorf("%w: %q", ErrUnknownArchitecture, name)
	}
	return cfg, nil
}

// Names lists registered architectures in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func builtins() []config.ModelConfig {
	llama2 := config.Default()
	llama2.Architecture = "llama2-7b"
	llama2.BlockCount = 32
	llama2.EmbedDim = 4096
	llama2.Heads = 32
	llama2.KVHeads = 32
	llama2.HeadDim = 128
	llama2.HiddenDim = 11008
	llama2.VocabSize = 32000
	llama2.SeqLen = 4096

	tiny := config.Default()
	tiny.Architecture = "tinyllama-1.1b"
	tiny.BlockCount = 22
	tiny.EmbedDim = 2048
	tiny.Heads = 32
	tiny.KVHeads = 4
	tiny.HeadDim = 64
	tiny.HiddenDim = 5632
	tiny.VocabSize = 32000
	tiny.SeqLen = 2048

	mistral := config.Default()
	mistral.Architecture = "mistral-7b"
	mistral.BlockCount = 32
	mistral.EmbedDim = 4096
	mistral.Heads = 32
	mistral.KVHeads = 8
	mistral.HeadDim = 128
	mistral.HiddenDim = 14336
	mistral.VocabSize = 32000
	mistral.SeqLen = 8192

	qwen2 := config.Default()
	qwen2.Architecture = "qwen2-0.5b"
	qwen2.BlockCount = 24
	qwen2.EmbedDim = 896
	qwen2.Heads = 14
	qwen2.KVHeads = 2
	qwen2.HeadDim = 64
	qwen2.HiddenDim = 4864
	qwen2.VocabSize = 151936
	qwen2.SeqLen = 32768
	qwen2.RopeTheta = 1000000.0
	qwen2.Bias = true
	qwen2.TiedEmbedding = true

	gpt2 := config.ModelConfig{
		Architecture:  "gpt2-small",
		BlockCount:    12,
		EmbedDim:      768,
		Heads:         12,
		KVHeads:       12,
		HeadDim:       64,
		HiddenDim:     3072,
		VocabSize:     50257,
		SeqLen:        1024,
		NormKind:      config.NormLayer,
		NormPlacement: config.PrePlacement,
		Eps:           1e-5,
		PosKind:       config.PosLearned,
		Activation:    config.ActGELU,
		Bias:          true,
		TiedEmbedding: true,
	}

	// Miniature config sized for unit tests and smoke runs.
	micro := config.Default()
	micro.Architecture = "micro-test"
	micro.BlockCount = 2
	micro.EmbedDim = 32
	micro.Heads = 4
	micro.KVHeads = 2
	micro.HeadDim = 8
	micro.HiddenDim = 64
	micro.VocabSize = 64
	micro.SeqLen = 64

	return []config.ModelConfig{llama2, tiny, mistral, qwen2, gpt2, micro}
}
