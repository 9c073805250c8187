package checkpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Transform identifies a layout change applied while translating an
// upstream tensor into canonical form.
type Transform int

const (
	// TransformNone copies the tensor as-is.
	TransformNone Transform = iota
	// TransformSplitQKV splits a fused [Q; K; V] projection into the three
	// canonical attention parameters.
	TransformSplitQKV
	// TransformRotaryPermute reorders interleaved rotary rows into the
	// contiguous-halves canonical layout.
	TransformRotaryPermute
)

// Rule maps one upstream naming pattern to a canonical parameter.
// Patterns and canonical names may contain the {n} placeholder for the
// layer index. For TransformSplitQKV the canonical field is the layer
// prefix (e.g. "blk.{n}"); the q/k/v names are derived from it.
type Rule struct {
	Pattern   string
	Canonical string
	Transform Transform
}

// RuleSet is a per-architecture declarative translation table. New
// upstream conventions register a rule set instead of adding code paths.
type RuleSet struct {
	Convention string
	Rules      []Rule
}

// match finds the first rule matching an upstream name and returns the
// expanded canonical name (or prefix for split rules).
func (rs RuleSet) match(name string) (Rule, string, bool) {
	for _, r := range rs.Rules {
		layer, ok := matchPattern(r.Pattern, name)
		if !ok {
			continue
		}
		return r, expandLayer(r.Canonical, layer), true
	}
	return Rule{}, "", false
}

// matchPattern matches a name against a pattern with an optional {n}
// placeholder. It returns the captured layer index (-1 when the pattern
// has no placeholder).
func matchPattern(pattern, name string) (int, bool) {
	prefix, suffix, found := strings.Cut(pattern, "{n}")
	if !found {
		return -1, pattern == name
	}
	// A short name can satisfy both affix checks with overlapping bytes
	// (e.g. "h.ln_1.weight" against "h.{n}.ln_1.weight"); there is no
	// layer index in between.
	if len(name) < len(prefix)+len(suffix) {
		return 0, false
	}
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	mid := name[len(prefix) : len(name)-len(suffix)]
	layer, err := strconv.Atoi(mid)
	if err != nil || layer < 0 {
		return 0, false
	}
	return layer, true
}

func expandLayer(canonical string, layer int) string {
	if layer < 0 {
		return canonical
	}
	return strings.Replace(canonical, "{n}", strconv.Itoa(layer), 1)
}

// RulesFor returns the built-in rule set for an upstream checkpoint
// convention.
func RulesFor(convention string) (RuleSet, error) {
	switch strings.ToLower(convention) {
	case "hf-llama":
		return hfLlamaRules(), nil
	case "hf-gpt2":
		return hfGPT2Rules(), nil
	default:
		return RuleSet{}, fmt.Errorf("no rule set for checkpoint convention %q", convention)
	}
}

// hfLlamaRules covers the HF llama/mistral/qwen2 naming convention.
// Upstream q/k projections store rotary pairs interleaved, so they are
// permuted into contiguous halves on the way in.
func hfLlamaRules() RuleSet {
	return RuleSet{
		Convention: "hf-llama",
		Rules: []Rule{
			{"model.embed_tokens.weight", "token_embd.weight", TransformNone},
			{"model.layers.{n}.input_layernorm.weight", "blk.{n}.attn_norm.weight", TransformNone},
			{"model.layers.{n}.self_attn.q_proj.weight", "blk.{n}.attn_q.weight", TransformRotaryPermute},
			{"model.layers.{n}.self_attn.k_proj.weight", "blk.{n}.attn_k.weight", TransformRotaryPermute},
			{"model.layers.{n}.self_attn.v_proj.weight", "blk.{n}.attn_v.weight", TransformNone},
			{"model.layers.{n}.self_attn.q_proj.bias", "blk.{n}.attn_q.bias", TransformRotaryPermute},
			{"model.layers.{n}.self_attn.k_proj.bias", "blk.{n}.attn_k.bias", TransformRotaryPermute},
			{"model.layers.{n}.self_attn.v_proj.bias", "blk.{n}.attn_v.bias", TransformNone},
			{"model.layers.{n}.self_attn.o_proj.weight", "blk.{n}.attn_output.weight", TransformNone},
			{"model.layers.{n}.self_attn.o_proj.bias", "blk.{n}.attn_output.bias", TransformNone},
			{"model.layers.{n}.post_attention_layernorm.weight", "blk.{n}.ffn_norm.weight", TransformNone},
			{"model.layers.{n}.mlp.gate_proj.weight", "blk.{n}.ffn_gate.weight", TransformNone},
			{"model.layers.{n}.mlp.up_proj.weight", "blk.{n}.ffn_up.weight", TransformNone},
			{"model.layers.{n}.mlp.down_proj.weight", "blk.{n}.ffn_down.weight", TransformNone},
			{"model.norm.weight", "output_norm.weight", TransformNone},
			{"lm_head.weight", "output.weight", TransformNone},
		},
	}
}

// hfGPT2Rules covers the HF GPT-2 convention: learned positions, fused
// QKV projection, LayerNorm with biases.
func hfGPT2Rules() RuleSet {
	return RuleSet{
		Convention: "hf-gpt2",
		Rules: []Rule{
			{"wte.weight", "token_embd.weight", TransformNone},
			{"wpe.weight", "pos_embd.weight", TransformNone},
			{"h.{n}.ln_1.weight", "blk.{n}.attn_norm.weight", TransformNone},
			{"h.{n}.ln_1.bias", "blk.{n}.attn_norm.bias", TransformNone},
			{"h.{n}.attn.c_attn.weight", "blk.{n}", TransformSplitQKV},
			{"h.{n}.attn.c_attn.bias", "blk.{n}", TransformSplitQKV},
			{"h.{n}.attn.c_proj.weight", "blk.{n}.attn_output.weight", TransformNone},
			{"h.{n}.attn.c_proj.bias", "blk.{n}.attn_output.bias", TransformNone},
			{"h.{n}.ln_2.weight", "blk.{n}.ffn_norm.weight", TransformNone},
			{"h.{n}.ln_2.bias", "blk.{n}.ffn_norm.bias", TransformNone},
			{"h.{n}.mlp.c_fc.weight", "blk.{n}.ffn_up.weight", TransformNone},
			{"h.{n}.mlp.c_fc.bias", "blk.{n}.ffn_up.bias", TransformNone},
			{"h.{n}.mlp.c_proj.weight", "blk.{n}.ffn_down.weight", TransformNone},
			{"h.{n}.mlp.c_proj.bias", "blk.{n}.ffn_down.bias", TransformNone},
			{"ln_f.weight", "output_norm.weight", TransformNone},
			{"ln_f.bias", "output_norm.bias", TransformNone},
		},
	}
}
