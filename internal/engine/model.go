package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-anvil/internal/config"
	"github.com/23skdu/longbow-anvil/internal/metrics"
	"github.com/23skdu/longbow-anvil/internal/tensor"
)

var ErrNumericInstability = errors.New("non-finite logits")

// blockWeights resolves one decoder block's parameters once at
// construction so the forward pass never touches the name-keyed maps.
type blockWeights struct {
	attnNormW []float32
	attnNormB []float32

	q, k, v, o     tensor.Matrix
	qB, kB, vB, oB []float32

	ffnNormW []float32
	ffnNormB []float32

	gate, up, down    tensor.Matrix
	gateB, upB, downB []float32
}

// Model executes single-token forward passes for one loaded checkpoint.
// Weights are read-only after construction; per-sequence state lives in
// the cache, addressed by slot.
type Model struct {
	cfg   config.ModelConfig
	cache *Cache

	tokenEmb tensor.Matrix
	posEmb   tensor.Matrix

	blocks []blockWeights

	outNormW []float32
	outNormB []float32
	output   tensor.Matrix
}

// NewModel validates the weight set against the configuration and
// resolves every parameter. The cache's geometry must match the
// configuration.
func NewModel(cfg config.ModelConfig, ws *WeightSet, cache *Cache) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	if err := ws.Validate(cfg); err != nil {
		return nil, err
	}
	if cache.Layers() != cfg.BlockCount {
		return nil, fmt.Errorf("cache layers %d != block_count %d", cache.Layers(), cfg.BlockCount)
	}
	if cache.kvHeads != cfg.KVHeads || cache.headDim != cfg.HeadDim {
		return nil, fmt.Errorf("cache geometry [%d, %d] != config [%d, %d]",
			cache.kvHeads, cache.headDim, cfg.KVHeads, cfg.HeadDim)
	}

	m := &Model{cfg: cfg, cache: cache}

	var err error
	if m.tokenEmb, err = ws.Matrix("token_embd.weight"); err != nil {
		return nil, err
	}
	if cfg.PosKind == config.PosLearned {
		if m.posEmb, err = ws.Matrix("pos_embd.weight"); err != nil {
			return nil, err
		}
	}

	layerNorm := cfg.NormKind == config.NormLayer
	for i := 0; i < cfg.BlockCount; i++ {
		prefix := fmt.Sprintf("blk.%d.", i)
		var bw blockWeights

		if cfg.NormKind != config.NormNone {
			if bw.attnNormW, err = ws.Vector(prefix + "attn_norm.weight"); err != nil {
				return nil, err
			}
			if bw.ffnNormW, err = ws.Vector(prefix + "ffn_norm.weight"); err != nil {
				return nil, err
			}
			if layerNorm {
				if bw.attnNormB, err = ws.Vector(prefix + "attn_norm.bias"); err != nil {
					return nil, err
				}
				if bw.ffnNormB, err = ws.Vector(prefix + "ffn_norm.bias"); err != nil {
					return nil, err
				}
			}
		}

		if bw.q, err = ws.Matrix(prefix + "attn_q.weight"); err != nil {
			return nil, err
		}
		if bw.k, err = ws.Matrix(prefix + "attn_k.weight"); err != nil {
			return nil, err
		}
		if bw.v, err = ws.Matrix(prefix + "attn_v.weight"); err != nil {
			return nil, err
		}
		if bw.o, err = ws.Matrix(prefix + "attn_output.weight"); err != nil {
			return nil, err
		}
		if cfg.GatedFFN {
			if bw.gate, err = ws.Matrix(prefix + "ffn_gate.weight"); err != nil {
				return nil, err
			}
		}
		if bw.up, err = ws.Matrix(prefix + "ffn_up.weight"); err != nil {
			return nil, err
		}
		if bw.down, err = ws.Matrix(prefix + "ffn_down.weight"); err != nil {
			return nil, err
		}

		if cfg.Bias {
			if bw.qB, err = ws.Vector(prefix + "attn_q.bias"); err != nil {
				return nil, err
			}
			if bw.kB, err = ws.Vector(prefix + "attn_k.bias"); err != nil {
				return nil, err
			}
			if bw.vB, err = ws.Vector(prefix + "attn_v.bias"); err != nil {
				return nil, err
			}
			if bw.oB, err = ws.Vector(prefix + "attn_output.bias"); err != nil {
				return nil, err
			}
			if cfg.GatedFFN {
				if bw.gateB, err = ws.Vector(prefix + "ffn_gate.bias"); err != nil {
					return nil, err
				}
			}
			if bw.upB, err = ws.Vector(prefix + "ffn_up.bias"); err != nil {
				return nil, err
			}
			if bw.downB, err = ws.Vector(prefix + "ffn_down.bias"); err != nil {
				return nil, err
			}
		}

		m.blocks = append(m.blocks, bw)
	}

	if cfg.NormKind != config.NormNone {
		if m.outNormW, err = ws.Vector("output_norm.weight"); err != nil {
			return nil, err
		}
		if layerNorm {
			if m.outNormB, err = ws.Vector("output_norm.bias"); err != nil {
				return nil, err
			}
		}
	}
	if cfg.TiedEmbedding {
		m.output = m.tokenEmb
	} else {
		if m.output, err = ws.Matrix("output.weight"); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Model) Config() config.ModelConfig { return m.cfg }
func (m *Model) Cache() *Cache              { return m.cache }

// Forward runs one token through every decoder block using the slot's
// cached history and returns logits over the vocabulary. The token's
// position is the slot's current cursor; the key/value rows for this
// position are appended before attention reads, so the token attends to
// itself and everything before it.
func (m *Model) Forward(slot, token int) ([]float32, error) {
	cfg := &m.cfg
	if token < 0 || token >= cfg.VocabSize {
		return nil, fmt.Errorf("token id %d out of range [0, %d)", token, cfg.VocabSize)
	}

	pos, err := m.cache.Cursor(slot, 0)
	if err != nil {
		return nil, err
	}
	if cfg.PosKind == config.PosLearned && pos >= cfg.SeqLen {
		return nil, fmt.Errorf("%w: position %d exceeds seq_len %d", ErrCacheOverflow, pos, cfg.SeqLen)
	}

	x := make([]float32, cfg.EmbedDim)
	copy(x, m.tokenEmb.Row(token))
	if m.posEmb != nil {
		addInto(x, m.posEmb.Row(pos))
	}

	for i := range m.blocks {
		if err := m.forwardBlock(i, slot, pos, x); err != nil {
			return nil, err
		}
	}

	if cfg.NormKind != config.NormNone {
		m.norm(x, x, m.outNormW, m.outNormB)
	}

	logits := make([]float32, cfg.VocabSize)
	m.output.MatVec(logits, x)

	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			metrics.NonFiniteLogits.Inc()
			return nil, fmt.Errorf("%w at position %d", ErrNumericInstability, pos)
		}
	}
	return logits, nil
}

// forwardBlock applies one decoder block to x in place.
func (m *Model) forwardBlock(i, slot, pos int, x []float32) error {
	cfg := &m.cfg
	bw := &m.blocks[i]
	pre := cfg.NormPlacement == config.PrePlacement

	h := make([]float32, cfg.EmbedDim)
	copy(h, x)
	if pre && cfg.NormKind != config.NormNone {
		m.norm(h, h, bw.attnNormW, bw.attnNormB)
	}

	attnOut, err := m.attention(bw, slot, i, pos, h)
	if err != nil {
		return err
	}
	addInto(x, attnOut)
	if !pre && cfg.NormKind != config.NormNone {
		m.norm(x, x, bw.attnNormW, bw.attnNormB)
	}

	copy(h, x)
	if pre && cfg.NormKind != config.NormNone {
		m.norm(h, h, bw.ffnNormW, bw.ffnNormB)
	}

	addInto(x, m.feedForward(bw, h))
	if !pre && cfg.NormKind != config.NormNone {
		m.norm(x, x, bw.ffnNormW, bw.ffnNormB)
	}
	return nil
}

func (m *Model) norm(dst, x, weight, bias []float32) {
	if m.cfg.NormKind == config.NormLayer {
		layerNorm(dst, x, weight, bias, m.cfg.Eps)
	} else {
		rmsNorm(dst, x, weight, m.cfg.Eps)
	}
}

func (m *Model) attention(bw *blockWeights, slot, layer, pos int, h []float32) ([]float32, error) {
	cfg := &m.cfg
	qDim := cfg.Heads * cfg.HeadDim
	kvDim := cfg.KVDim()

	q := make([]float32, qDim)
	k := make([]float32, kvDim)
	v := make([]float32, kvDim)
	bw.q.MatVec(q, h)
	bw.k.MatVec(k, h)
	bw.v.MatVec(v, h)
	addBias(q, bw.qB)
	addBias(k, bw.kB)
	addBias(v, bw.vB)

	if cfg.PosKind == config.PosRotary {
		applyRotary(q, cfg.Heads, cfg.HeadDim, pos, cfg.RopeTheta, cfg.RopeInterleaved)
		applyRotary(k, cfg.KVHeads, cfg.HeadDim, pos, cfg.RopeTheta, cfg.RopeInterleaved)
	}

	if err := m.cache.Append(slot, layer, k, v); err != nil {
		return nil, err
	}
	keys, count, err := m.cache.Keys(slot, layer)
	if err != nil {
		return nil, err
	}
	values, _, err := m.cache.Values(slot, layer)
	if err != nil {
		return nil, err
	}

	attnOut := make([]float32, qDim)
	attend(attnOut, q, keys, values, count, cfg.Heads, cfg.KVHeads, cfg.HeadDim)

	proj := make([]float32, cfg.EmbedDim)
	bw.o.MatVec(proj, attnOut)
	addBias(proj, bw.oB)
	return proj, nil
}

func (m *Model) feedForward(bw *blockWeights, h []float32) []float32 {
	cfg := &m.cfg

	up := make([]float32, cfg.HiddenDim)
	bw.up.MatVec(up, h)
	addBias(up, bw.upB)

	if cfg.GatedFFN {
		gate := make([]float32, cfg.HiddenDim)
		bw.gate.MatVec(gate, h)
		addBias(gate, bw.gateB)
		tensor.SiLU(gate)
		for i := range gate {
			gate[i] *= up[i]
		}
		up = gate
	} else if cfg.Activation == config.ActGELU {
		tensor.GELU(up)
	} else {
		tensor.SiLU(up)
	}

	down := make([]float32, cfg.EmbedDim)
	bw.down.MatVec(down, up)
	addBias(down, bw.downB)
	return down
}
