package engine

import (
	"strings"
	"testing"
)

func TestRequiredParamsLlamaStyle(t *testing.T) {
	cfg := testConfig()
	idx := ParamIndex(cfg)

	for _, name := range []string{
		"token_embd.weight",
		"blk.0.attn_q.weight",
		"blk.1.ffn_gate.weight",
		"output_norm.weight",
		"output.weight",
	} {
		if _, ok := idx[name]; !ok {
			t.Errorf("missing expected parameter %q", name)
		}
	}
	for _, name := range []string{
		"pos_embd.weight",      // rotary config has no learned positions
		"blk.0.attn_norm.bias", // rms norm carries no bias
		"blk.0.attn_q.bias",    // bias disabled
		"blk.2.attn_q.weight",  // only 2 blocks
	} {
		if _, ok := idx[name]; ok {
			t.Errorf("unexpected parameter %q", name)
		}
	}

	q := idx["blk.0.attn_q.weight"]
	if q.Rows != cfg.Heads*cfg.HeadDim || q.Cols != cfg.EmbedDim {
		t.Errorf("attn_q shape [%d, %d], want [%d, %d]", q.Rows, q.Cols, cfg.Heads*cfg.HeadDim, cfg.EmbedDim)
	}
	k := idx["blk.0.attn_k.weight"]
	if k.Rows != cfg.KVDim() {
		t.Errorf("attn_k rows = %d, want kv dim %d", k.Rows, cfg.KVDim())
	}
}

func TestRequiredParamsGPT2Style(t *testing.T) {
	cfg := gpt2TestConfig()
	idx := ParamIndex(cfg)

	for _, name := range []string{
		"pos_embd.weight",
		"blk.0.attn_norm.bias",
		"blk.0.attn_q.bias",
		"blk.1.ffn_up.bias",
		"output_norm.bias",
	} {
		if _, ok := idx[name]; !ok {
			t.Errorf("missing expected parameter %q", name)
		}
	}
	if _, ok := idx["output.weight"]; ok {
		t.Error("tied embedding config must not require a separate output projection")
	}
	for name := range idx {
		if strings.Contains(name, "ffn_gate") {
			t.Errorf("ungated FFN config requires %q", name)
		}
	}

	pos := idx["pos_embd.weight"]
	if pos.Rows != cfg.SeqLen || pos.Cols != cfg.EmbedDim {
		t.Errorf("pos_embd shape [%d, %d], want [%d, %d]", pos.Rows, pos.Cols, cfg.SeqLen, cfg.EmbedDim)
	}
}

func TestWeightSetValidateCollectsAllMissing(t *testing.T) {
	cfg := testConfig()
	ws := NewWeightSet()

	err := ws.Validate(cfg)
	if err == nil {
		t.Fatal("empty weight set validated")
	}
	// Every required name should be reported at once, not one per call.
	for _, name := range []string{"token_embd.weight", "blk.0.attn_q.weight", "blk.1.ffn_down.weight"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error does not mention %q: %v", name, err)
		}
	}
}

func TestWeightSetValidateShapeMismatch(t *testing.T) {
	cfg := testConfig()
	ws := testWeights(t, cfg)
	ws.SetVector("blk.0.attn_norm.weight", make([]float32, cfg.EmbedDim+1))

	if err := ws.Validate(cfg); err == nil || !strings.Contains(err.Error(), "attn_norm") {
		t.Fatalf("shape mismatch not reported: %v", err)
	}
}

func TestWeightSetMissingAccessors(t *testing.T) {
	ws := NewWeightSet()
	if _, err := ws.Matrix("nope"); err == nil {
		t.Error("missing matrix returned without error")
	}
	if _, err := ws.Vector("nope"); err == nil {
		t.Error("missing vector returned without error")
	}
	if ws.Has("nope") {
		t.Error("Has reported a missing parameter")
	}
}
