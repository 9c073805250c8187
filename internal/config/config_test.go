package config

import (
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.SeqLen != 2048 {
		t.Errorf("expected SeqLen 2048, got %d", cfg.SeqLen)
	}
	if cfg.Eps != 1e-5 {
		t.Errorf("expected Eps 1e-5, got %v", cfg.Eps)
	}
	if cfg.RopeTheta != 10000.0 {
		t.Errorf("expected RopeTheta 10000.0, got %v", cfg.RopeTheta)
	}
	if cfg.NormKind != NormRMS {
		t.Errorf("expected NormKind NormRMS, got %v", cfg.NormKind)
	}
	if cfg.PosKind != PosRotary {
		t.Errorf("expected PosKind PosRotary, got %v", cfg.PosKind)
	}
	if !cfg.GatedFFN {
		t.Error("expected GatedFFN to be true")
	}
}

func validConfig() ModelConfig {
	cfg := Default()
	cfg.Architecture = "llama-test"
	cfg.BlockCount = 2
	cfg.EmbedDim = 32
	cfg.Heads = 4
	cfg.KVHeads = 2
	cfg.HeadDim = 8
	cfg.HiddenDim = 64
	cfg.VocabSize = 128
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *ModelConfig)
		wantErr bool
	}{
		{"valid config", func(c *ModelConfig) {}, false},
		{"zero blocks", func(c *ModelConfig) { c.BlockCount = 0 }, true},
		{"negative embed dim", func(c *ModelConfig) { c.EmbedDim = -1 }, true},
		{"zero heads", func(c *ModelConfig) { c.Heads = 0 }, true},
		{"zero kv heads", func(c *ModelConfig) { c.KVHeads = 0 }, true},
		{"kv heads exceed heads", func(c *ModelConfig) { c.KVHeads = 8 }, true},
		{"heads not divisible by kv heads", func(c *ModelConfig) { c.KVHeads = 3 }, true},
		{"embed dim mismatch", func(c *ModelConfig) { c.EmbedDim = 48 }, true},
		{"zero hidden dim", func(c *ModelConfig) { c.HiddenDim = 0 }, true},
		{"zero vocab", func(c *ModelConfig) { c.VocabSize = 0 }, true},
		{"zero seq len", func(c *ModelConfig) { c.SeqLen = 0 }, true},
		{"zero eps", func(c *ModelConfig) { c.Eps = 0 }, true},
		{"zero rope theta", func(c *ModelConfig) { c.RopeTheta = 0 }, true},
		{
			"odd head dim with rotary",
			func(c *ModelConfig) {
				c.HeadDim = 9
				c.EmbedDim = 36
				c.Heads = 4
				c.KVHeads = 4
			},
			true,
		},
		{
			"no norm skips eps check",
			func(c *ModelConfig) {
				c.NormKind = NormNone
				c.Eps = 0
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDerivedDims(t *testing.T) {
	cfg := validConfig()
	cfg.Heads = 8
	cfg.KVHeads = 2
	cfg.EmbedDim = 64

	if got := cfg.GroupSize(); got != 4 {
		t.Errorf("GroupSize: expected 4, got %d", got)
	}
	if got := cfg.KVDim(); got != 16 {
		t.Errorf("KVDim: expected 16, got %d", got)
	}
}

func TestName(t *testing.T) {
	cfg := validConfig()
	cfg.Architecture = "GPT2-Small"
	if cfg.Name() != "gpt2-small" {
		t.Errorf("expected lowercase name, got %s", cfg.Name())
	}
}
