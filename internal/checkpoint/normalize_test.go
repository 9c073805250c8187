package checkpoint

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-anvil/internal/config"
	"github.com/23skdu/longbow-anvil/internal/tensor"
)

func llamaTestConfig() config.ModelConfig {
	cfg := config.Default()
	cfg.Architecture = "micro-llama"
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

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%97) * 0.25
	}
	return out
}

// llamaSnapshot builds a complete hf-llama snapshot for llamaTestConfig.
func llamaSnapshot(cfg config.ModelConfig) *Snapshot {
	dim := cfg.EmbedDim
	qDim := cfg.Heads * cfg.HeadDim
	kvDim := cfg.KVDim()

	snap := NewSnapshot(cfg.Architecture)
	snap.AddF32("model.embed_tokens.weight", []int{cfg.VocabSize, dim}, seq(cfg.VocabSize*dim))
	for n := 0; n < cfg.BlockCount; n++ {
		p := fmt.Sprintf("model.layers.%d.", n)
		snap.AddF32(p+"input_layernorm.weight", []int{dim}, seq(dim))
		snap.AddF32(p+"self_attn.q_proj.weight", []int{qDim, dim}, seq(qDim*dim))
		snap.AddF32(p+"self_attn.k_proj.weight", []int{kvDim, dim}, seq(kvDim*dim))
		snap.AddF32(p+"self_attn.v_proj.weight", []int{kvDim, dim}, seq(kvDim*dim))
		snap.AddF32(p+"self_attn.o_proj.weight", []int{dim, qDim}, seq(dim*qDim))
		snap.AddF32(p+"post_attention_layernorm.weight", []int{dim}, seq(dim))
		snap.AddF32(p+"mlp.gate_proj.weight", []int{cfg.HiddenDim, dim}, seq(cfg.HiddenDim*dim))
		snap.AddF32(p+"mlp.up_proj.weight", []int{cfg.HiddenDim, dim}, seq(cfg.HiddenDim*dim))
		snap.AddF32(p+"mlp.down_proj.weight", []int{dim, cfg.HiddenDim}, seq(dim*cfg.HiddenDim))
	}
	snap.AddF32("model.norm.weight", []int{dim}, seq(dim))
	snap.AddF32("lm_head.weight", []int{cfg.VocabSize, dim}, seq(cfg.VocabSize*dim))
	return snap
}

func mustRules(t *testing.T, convention string) RuleSet {
	t.Helper()
	rs, err := RulesFor(convention)
	if err != nil {
		t.Fatal(err)
	}
	return rs
}

func TestNormalizeLlamaComplete(t *testing.T) {
	cfg := llamaTestConfig()
	ws, err := Normalize(llamaSnapshot(cfg), cfg, mustRules(t, "hf-llama"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.Validate(cfg); err != nil {
		t.Fatalf("normalized weights invalid: %v", err)
	}
}

func TestNormalizeRotaryPermutation(t *testing.T) {
	cfg := llamaTestConfig()
	snap := llamaSnapshot(cfg)
	ws, err := Normalize(snap, cfg, mustRules(t, "hf-llama"))
	if err != nil {
		t.Fatal(err)
	}

	upstream, err := decode("q", snap.Tensors["model.layers.0.self_attn.q_proj.weight"])
	if err != nil {
		t.Fatal(err)
	}
	q, err := ws.Matrix("blk.0.attn_q.weight")
	if err != nil {
		t.Fatal(err)
	}

	// Canonical row i of the first head comes from interleaved row 2i;
	// row half+i comes from row 2i+1.
	dim := cfg.EmbedDim
	half := cfg.HeadDim / 2
	for i := 0; i < half; i++ {
		if diff := cmp.Diff(upstream[2*i*dim:(2*i+1)*dim], q.Row(i)); diff != "" {
			t.Errorf("canonical row %d (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff(upstream[(2*i+1)*dim:(2*i+2)*dim], q.Row(half+i)); diff != "" {
			t.Errorf("canonical row %d (-want +got):\n%s", half+i, diff)
		}
	}

	// v_proj is not rotary and must come through untouched.
	upstreamV, err := decode("v", snap.Tensors["model.layers.0.self_attn.v_proj.weight"])
	if err != nil {
		t.Fatal(err)
	}
	v, err := ws.Matrix("blk.0.attn_v.weight")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(upstreamV[:dim], v.Row(0)); diff != "" {
		t.Errorf("v row 0 (-want +got):\n%s", diff)
	}
}

func TestNormalizeInterleavedConfigSkipsPermutation(t *testing.T) {
	cfg := llamaTestConfig()
	cfg.RopeInterleaved = true
	snap := llamaSnapshot(cfg)

	ws, err := Normalize(snap, cfg, mustRules(t, "hf-llama"))
	if err != nil {
		t.Fatal(err)
	}
	upstream, err := decode("q", snap.Tensors["model.layers.0.self_attn.q_proj.weight"])
	if err != nil {
		t.Fatal(err)
	}
	q, err := ws.Matrix("blk.0.attn_q.weight")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(upstream[:cfg.EmbedDim], q.Row(0)); diff != "" {
		t.Errorf("row 0 should be untouched when the engine keeps the interleaved layout:\n%s", diff)
	}
}

func TestNormalizeSkipsUnmappedTensors(t *testing.T) {
	cfg := llamaTestConfig()
	snap := llamaSnapshot(cfg)
	snap.AddF32("model.layers.0.self_attn.rotary_emb.inv_freq", []int{4}, seq(4))

	if _, err := Normalize(snap, cfg, mustRules(t, "hf-llama")); err != nil {
		t.Fatalf("unmapped tensor broke the load: %v", err)
	}
}

func TestNormalizeSkipsOverlappingShortName(t *testing.T) {
	// "h.ln_1.weight" begins with the gpt2 pattern's prefix and ends with
	// its suffix but holds no layer index; it must be skipped as
	// unmapped, not blow up the load.
	cfg := gpt2CheckpointConfig()
	snap := gpt2Snapshot(cfg)
	snap.AddF32("h.ln_1.weight", []int{cfg.EmbedDim}, seq(cfg.EmbedDim))

	ws, err := Normalize(snap, cfg, mustRules(t, "hf-gpt2"))
	if err != nil {
		t.Fatalf("overlapping short name broke the load: %v", err)
	}
	if err := ws.Validate(cfg); err != nil {
		t.Fatal(err)
	}
}

func TestNormalizeIncompleteCollectsAllMissing(t *testing.T) {
	cfg := llamaTestConfig()
	snap := llamaSnapshot(cfg)
	delete(snap.Tensors, "lm_head.weight")
	delete(snap.Tensors, "model.layers.1.mlp.down_proj.weight")

	_, err := Normalize(snap, cfg, mustRules(t, "hf-llama"))
	var inc *IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("err = %v, want IncompleteError", err)
	}
	want := []string{"blk.1.ffn_down.weight", "output.weight"}
	if diff := cmp.Diff(want, inc.Missing); diff != "" {
		t.Errorf("missing list (-want +got):\n%s", diff)
	}
}

func TestNormalizeShapeError(t *testing.T) {
	cfg := llamaTestConfig()
	snap := llamaSnapshot(cfg)
	snap.AddF32("model.norm.weight", []int{cfg.EmbedDim + 1}, seq(cfg.EmbedDim+1))

	_, err := Normalize(snap, cfg, mustRules(t, "hf-llama"))
	var se *ShapeError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want ShapeError", err)
	}
	if se.Name != "output_norm.weight" {
		t.Errorf("shape error names %q, want the canonical output_norm.weight", se.Name)
	}
}

func TestNormalizeQuantizedTensor(t *testing.T) {
	cfg := llamaTestConfig()
	snap := llamaSnapshot(cfg)

	vals := seq(cfg.HiddenDim * cfg.EmbedDim)
	d, err := tensor.NewDense(cfg.HiddenDim, cfg.EmbedDim, vals)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := tensor.QuantizeQ8(d)
	if err != nil {
		t.Fatal(err)
	}
	snap.Tensors["model.layers.0.mlp.up_proj.weight"] = RawTensor{
		DType: DTypeQ8,
		Shape: []int{cfg.HiddenDim, cfg.EmbedDim},
		Data:  packed.Data(),
	}

	ws, err := Normalize(snap, cfg, mustRules(t, "hf-llama"))
	if err != nil {
		t.Fatal(err)
	}
	m, err := ws.Matrix("blk.0.ffn_up.weight")
	if err != nil {
		t.Fatal(err)
	}
	q, ok := m.(*tensor.Quantized)
	if !ok {
		t.Fatalf("ffn_up is %T, want quantized", m)
	}
	for _, j := range []int{0, 31, 32, 63} {
		got := q.At(0, j)
		if math.Abs(float64(got-vals[j])) > 0.15 {
			t.Errorf("At(0, %d) = %f, want ~%f", j, got, vals[j])
		}
	}
}

func gpt2CheckpointConfig() config.ModelConfig {
	cfg := llamaTestConfig()
	cfg.Architecture = "micro-gpt2"
	cfg.KVHeads = 4 // multi-head, no grouping
	cfg.NormKind = config.NormLayer
	cfg.NormPlacement = config.PostPlacement
	cfg.PosKind = config.PosLearned
	cfg.Activation = config.ActGELU
	cfg.GatedFFN = false
	cfg.Bias = true
	cfg.TiedEmbedding = true
	return cfg
}

func gpt2Snapshot(cfg config.ModelConfig) *Snapshot {
	dim := cfg.EmbedDim
	qDim := cfg.Heads * cfg.HeadDim
	fused := qDim + 2*cfg.KVDim()

	snap := NewSnapshot(cfg.Architecture)
	snap.AddF32("wte.weight", []int{cfg.VocabSize, dim}, seq(cfg.VocabSize*dim))
	snap.AddF32("wpe.weight", []int{cfg.SeqLen, dim}, seq(cfg.SeqLen*dim))
	for n := 0; n < cfg.BlockCount; n++ {
		p := fmt.Sprintf("h.%d.", n)
		snap.AddF32(p+"ln_1.weight", []int{dim}, seq(dim))
		snap.AddF32(p+"ln_1.bias", []int{dim}, seq(dim))
		snap.AddF32(p+"attn.c_attn.weight", []int{fused, dim}, seq(fused*dim))
		snap.AddF32(p+"attn.c_attn.bias", []int{fused}, seq(fused))
		snap.AddF32(p+"attn.c_proj.weight", []int{dim, qDim}, seq(dim*qDim))
		snap.AddF32(p+"attn.c_proj.bias", []int{dim}, seq(dim))
		snap.AddF32(p+"ln_2.weight", []int{dim}, seq(dim))
		snap.AddF32(p+"ln_2.bias", []int{dim}, seq(dim))
		snap.AddF32(p+"mlp.c_fc.weight", []int{cfg.HiddenDim, dim}, seq(cfg.HiddenDim*dim))
		snap.AddF32(p+"mlp.c_fc.bias", []int{cfg.HiddenDim}, seq(cfg.HiddenDim))
		snap.AddF32(p+"mlp.c_proj.weight", []int{dim, cfg.HiddenDim}, seq(dim*cfg.HiddenDim))
		snap.AddF32(p+"mlp.c_proj.bias", []int{dim}, seq(dim))
	}
	snap.AddF32("ln_f.weight", []int{dim}, seq(dim))
	snap.AddF32("ln_f.bias", []int{dim}, seq(dim))
	return snap
}

func TestNormalizeGPT2FusedQKV(t *testing.T) {
	cfg := gpt2CheckpointConfig()
	snap := gpt2Snapshot(cfg)

	ws, err := Normalize(snap, cfg, mustRules(t, "hf-gpt2"))
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.Validate(cfg); err != nil {
		t.Fatalf("normalized weights invalid: %v", err)
	}

	fused, err := decode("c_attn", snap.Tensors["h.0.attn.c_attn.weight"])
	if err != nil {
		t.Fatal(err)
	}
	dim := cfg.EmbedDim
	qDim := cfg.Heads * cfg.HeadDim
	kvDim := cfg.KVDim()

	k, err := ws.Matrix("blk.0.attn_k.weight")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(fused[qDim*dim:(qDim+1)*dim], k.Row(0)); diff != "" {
		t.Errorf("k row 0 should be fused row %d (-want +got):\n%s", qDim, diff)
	}

	fusedBias, err := decode("c_attn.bias", snap.Tensors["h.0.attn.c_attn.bias"])
	if err != nil {
		t.Fatal(err)
	}
	vBias, err := ws.Vector("blk.0.attn_v.bias")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(fusedBias[qDim+kvDim:], vBias); diff != "" {
		t.Errorf("v bias should be the fused tail (-want +got):\n%s", diff)
	}
}
