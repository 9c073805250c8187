package engine

import (
	"fmt"

	"github.com/23skdu/longbow-anvil/internal/config"
)

type ParamKind int

const (
	ParamMatrix ParamKind = iota
	ParamVector
)

// ParamSpec names one canonical parameter and its expected shape.
// Matrices are row-major [Rows, Cols]; vectors use Rows as length.
type ParamSpec struct {
	Name string
	Kind ParamKind
	Rows int
	Cols int
}

func matrixSpec(name string, rows, cols int) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamMatrix, Rows: rows, Cols: cols}
}

func vectorSpec(name string, length int) ParamSpec {
	return ParamSpec{Name: name, Kind: ParamVector, Rows: length}
}

// RequiredParams enumerates every canonical parameter a configuration
// needs before execution. Canonical names follow the GGUF convention
// (token_embd, blk.N.attn_q, ffn_gate, output_norm, ...).
func RequiredParams(cfg config.ModelConfig) []ParamSpec {
	dim := cfg.EmbedDim
	qDim := cfg.Heads * cfg.HeadDim
	kvDim := cfg.KVDim()

	specs := []ParamSpec{
		matrixSpec("token_embd.weight", cfg.VocabSize, dim),
	}
	if cfg.PosKind == config.PosLearned {
		specs = append(specs, matrixSpec("pos_embd.weight", cfg.SeqLen, dim))
	}

	layerNorm := cfg.NormKind == config.NormLayer

	for i := 0; i < cfg.BlockCount; i++ {
		prefix := fmt.Sprintf("blk.%d.", i)

		if cfg.NormKind != config.NormNone {
			specs = append(specs, vectorSpec(prefix+"attn_norm.weight", dim))
			if layerNorm {
				specs = append(specs, vectorSpec(prefix+"attn_norm.bias", dim))
			}
		}

		specs = append(specs,
			matrixSpec(prefix+"attn_q.weight", qDim, dim),
			matrixSpec(prefix+"attn_k.weight", kvDim, dim),
			matrixSpec(prefix+"attn_v.weight", kvDim, dim),
			matrixSpec(prefix+"attn_output.weight", dim, qDim),
		)
		if cfg.Bias {
			specs = append(specs,
				vectorSpec(prefix+"attn_q.bias", qDim),
				vectorSpec(prefix+"attn_k.bias", kvDim),
				vectorSpec(prefix+"attn_v.bias", kvDim),
				vectorSpec(prefix+"attn_output.bias", dim),
			)
		}

		if cfg.NormKind != config.NormNone {
			specs = append(specs, vectorSpec(prefix+"ffn_norm.weight", dim))
			if layerNorm {
				specs = append(specs, vectorSpec(prefix+"ffn_norm.bias", dim))
			}
		}

		if cfg.GatedFFN {
			specs = append(specs, matrixSpec(prefix+"ffn_gate.weight", cfg.HiddenDim, dim))
		}
		specs = append(specs,
			matrixSpec(prefix+"ffn_up.weight", cfg.HiddenDim, dim),
			matrixSpec(prefix+"ffn_down.weight", dim, cfg.HiddenDim),
		)
		if cfg.Bias {
			if cfg.GatedFFN {
				specs = append(specs, vectorSpec(prefix+"ffn_gate.bias", cfg.HiddenDim))
			}
			specs = append(specs,
				vectorSpec(prefix+"ffn_up.bias", cfg.HiddenDim),
				vectorSpec(prefix+"ffn_down.bias", dim),
			)
		}
	}

	if cfg.NormKind != config.NormNone {
		specs = append(specs, vectorSpec("output_norm.weight", dim))
		if layerNorm {
			specs = append(specs, vectorSpec("output_norm.bias", dim))
		}
	}
	if !cfg.TiedEmbedding {
		specs = append(specs, matrixSpec("output.weight", cfg.VocabSize, dim))
	}

	return specs
}

// ParamIndex returns RequiredParams keyed by canonical name.
func ParamIndex(cfg config.ModelConfig) map[string]ParamSpec {
	specs := RequiredParams(cfg)
	idx := make(map[string]ParamSpec, len(specs))
	for _, s := range specs {
		idx[s.Name] = s
	}
	return idx
}
