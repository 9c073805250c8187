package engine

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/23skdu/longbow-anvil/internal/config"
	"github.com/23skdu/longbow-anvil/internal/tensor"
)

// testConfig is a llama-style micro model small enough to run full
// forward passes in unit tests.
func testConfig() config.ModelConfig {
	cfg := config.Default()
	cfg.Architecture = "micro-test"
	cfg.BlockCount = 2
	cfg.EmbedDim = 32
	cfg.Heads = 4
	cfg.KVHeads = 2
	cfg.HeadDim = 8
	cfg.HiddenDim = 64
	cfg.VocabSize = 64
	cfg.SeqLen = 64
	return cfg
}

// gpt2TestConfig exercises the other half of the architecture space:
// layer norm, post-norm placement, learned positions, plain GELU FFN,
// biases and tied embeddings.
func gpt2TestConfig() config.ModelConfig {
	cfg := testConfig()
	cfg.Architecture = "micro-gpt2"
	cfg.NormKind = config.NormLayer
	cfg.NormPlacement = config.PostPlacement
	cfg.PosKind = config.PosLearned
	cfg.Activation = config.ActGELU
	cfg.GatedFFN = false
	cfg.Bias = true
	cfg.TiedEmbedding = true
	return cfg
}

// testWeights fills every required parameter with small seeded values.
// Norm weights are set to one and biases near zero so activations stay
// well-behaved through repeated blocks.
func testWeights(t *testing.T, cfg config.ModelConfig) *WeightSet {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	ws := NewWeightSet()

	for _, spec := range RequiredParams(cfg) {
		switch spec.Kind {
		case ParamMatrix:
			scale := float32(0.5 / math.Sqrt(float64(spec.Cols)))
			vals := make([]float32, spec.Rows*spec.Cols)
			for i := range vals {
				vals[i] = (rng.Float32()*2 - 1) * scale
			}
			d, err := tensor.NewDense(spec.Rows, spec.Cols, vals)
			if err != nil {
				t.Fatalf("building %s: %v", spec.Name, err)
			}
			ws.SetMatrix(spec.Name, d)
		case ParamVector:
			vals := make([]float32, spec.Rows)
			if strings.HasSuffix(spec.Name, "norm.weight") {
				for i := range vals {
					vals[i] = 1
				}
			} else {
				for i := range vals {
					vals[i] = (rng.Float32()*2 - 1) * 0.01
				}
			}
			ws.SetVector(spec.Name, vals)
		}
	}
	return ws
}

// newTestModel builds a model over a fresh cache with the given slot
// count and per-slot capacity.
func newTestModel(t *testing.T, cfg config.ModelConfig, slots, capacity int) *Model {
	t.Helper()
	cache, err := NewCache(slots, cfg.BlockCount, capacity, cfg.KVHeads, cfg.HeadDim)
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewModel(cfg, testWeights(t, cfg), cache)
	if err != nil {
		t.Fatal(err)
	}
	return m
}
