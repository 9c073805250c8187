package checkpoint

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-anvil/internal/config"
	"github.com/23skdu/longbow-anvil/internal/engine"
	"github.com/23skdu/longbow-anvil/internal/logger"
	"github.com/23skdu/longbow-anvil/internal/metrics"
	"github.com/23skdu/longbow-anvil/internal/tensor"
)

// Normalize translates an upstream snapshot into the engine's canonical
// WeightSet: rule-table name translation, layout transforms, dtype decode
// and exact shape validation. Any checkpoint error aborts the whole load.
func Normalize(snap *Snapshot, cfg config.ModelConfig, rules RuleSet) (*engine.WeightSet, error) {
	idx := engine.ParamIndex(cfg)
	ws := engine.NewWeightSet()

	for name, raw := range snap.Tensors {
		rule, canonical, ok := rules.match(name)
		if !ok {
			// Upstream checkpoints carry buffers the engine never uses
			// (attention mask caches and the like).
			logger.Log.Debug("skipping unmapped tensor", "name", name)
			continue
		}

		var err error
		switch rule.Transform {
		case TransformSplitQKV:
			err = normalizeFusedQKV(ws, idx, cfg, name, canonical, raw)
		case TransformRotaryPermute:
			err = normalizeRotary(ws, idx, cfg, name, canonical, raw)
		default:
			err = normalizePlain(ws, idx, name, canonical, raw)
		}
		if err != nil {
			metrics.CheckpointLoadErrors.WithLabelValues(errorKind(err)).Inc()
			return nil, err
		}
		metrics.CheckpointTensorsNormalized.Inc()
	}

	var missing []string
	for canonical := range idx {
		if !ws.Has(canonical) {
			missing = append(missing, canonical)
		}
	}
	if len(missing) > 0 {
		metrics.CheckpointLoadErrors.WithLabelValues("incomplete").Inc()
		return nil, newIncompleteError(missing)
	}

	logger.Log.Info("checkpoint normalized",
		"convention", rules.Convention, "tensors", len(snap.Tensors), "parameters", len(idx))
	return ws, nil
}

func errorKind(err error) string {
	switch err.(type) {
	case *ShapeError:
		return "shape"
	default:
		return "decode"
	}
}

func isQuantized(dtype string) bool {
	return dtype == DTypeQ8 || dtype == DTypeQ4
}

// normalizePlain handles tensors that map 1:1 onto a canonical parameter.
func normalizePlain(ws *engine.WeightSet, idx map[string]engine.ParamSpec, upstream, canonical string, raw RawTensor) error {
	spec, ok := idx[canonical]
	if !ok {
		logger.Log.Debug("skipping tensor not required by config", "name", upstream, "canonical", canonical)
		return nil
	}

	if isQuantized(raw.DType) {
		if spec.Kind != engine.ParamMatrix {
			return fmt.Errorf("tensor %q: quantized dtype %q not supported for vector parameter %q", upstream, raw.DType, canonical)
		}
		if len(raw.Shape) != 2 || raw.Shape[0] != spec.Rows || raw.Shape[1] != spec.Cols {
			return &ShapeError{Name: canonical, Want: []int{spec.Rows, spec.Cols}, Got: raw.Shape}
		}
		q, err := tensor.NewQuantized(quantScheme(raw.DType), spec.Rows, spec.Cols, raw.Data)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", canonical, err)
		}
		ws.SetMatrix(canonical, q)
		return nil
	}

	vals, err := decode(upstream, raw)
	if err != nil {
		return err
	}
	return setDecoded(ws, spec, canonical, raw.Shape, vals)
}

// normalizeRotary decodes and reorders an interleaved q/k projection.
// When the target config keeps the interleaved convention, the rows are
// left untouched.
func normalizeRotary(ws *engine.WeightSet, idx map[string]engine.ParamSpec, cfg config.ModelConfig, upstream, canonical string, raw RawTensor) error {
	spec, ok := idx[canonical]
	if !ok {
		logger.Log.Debug("skipping tensor not required by config", "name", upstream, "canonical", canonical)
		return nil
	}
	if isQuantized(raw.DType) {
		return fmt.Errorf("tensor %q: quantized dtype %q cannot be layout-transformed", upstream, raw.DType)
	}

	vals, err := decode(upstream, raw)
	if err != nil {
		return err
	}

	if cfg.PosKind == config.PosRotary && !cfg.RopeInterleaved {
		cols := 1
		if spec.Kind == engine.ParamMatrix {
			cols = spec.Cols
		}
		vals, err = DeinterleaveRotary(vals, spec.Rows, cols, cfg.HeadDim)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", canonical, err)
		}
	}
	return setDecoded(ws, spec, canonical, raw.Shape, vals)
}

// normalizeFusedQKV splits a fused [Q; K; V] projection (or bias) into
// the three canonical attention parameters.
func normalizeFusedQKV(ws *engine.WeightSet, idx map[string]engine.ParamSpec, cfg config.ModelConfig, upstream, prefix string, raw RawTensor) error {
	if isQuantized(raw.DType) {
		return fmt.Errorf("tensor %q: quantized dtype %q cannot be layout-transformed", upstream, raw.DType)
	}
	suffix := ".weight"
	if strings.HasSuffix(upstream, ".bias") {
		suffix = ".bias"
	}

	qDim := cfg.Heads * cfg.HeadDim
	kvDim := cfg.KVDim()
	rows := qDim + 2*kvDim
	cols := 1
	if suffix == ".weight" {
		cols = cfg.EmbedDim
	}

	vals, err := decode(upstream, raw)
	if err != nil {
		return err
	}
	if len(vals) != rows*cols {
		qName := prefix + ".attn_q" + suffix
		return &ShapeError{Name: qName, Want: []int{rows, cols}, Got: raw.Shape}
	}

	q, k, v, err := SplitQKV(vals, rows, cols, qDim, kvDim)
	if err != nil {
		return fmt.Errorf("tensor %q: %w", upstream, err)
	}

	for _, part := range []struct {
		name string
		vals []float32
		rows int
	}{
		{prefix + ".attn_q" + suffix, q, qDim},
		{prefix + ".attn_k" + suffix, k, kvDim},
		{prefix + ".attn_v" + suffix, v, kvDim},
	} {
		spec, ok := idx[part.name]
		if !ok {
			continue
		}
		shape := []int{part.rows, cols}
		if spec.Kind == engine.ParamVector {
			shape = []int{part.rows}
		}
		if err := setDecoded(ws, spec, part.name, shape, part.vals); err != nil {
			return err
		}
	}
	return nil
}

// setDecoded validates the decoded shape against the parameter spec and
// stores the tensor.
func setDecoded(ws *engine.WeightSet, spec engine.ParamSpec, canonical string, shape []int, vals []float32) error {
	switch spec.Kind {
	case engine.ParamMatrix:
		if len(shape) != 2 || shape[0] != spec.Rows || shape[1] != spec.Cols || len(vals) != spec.Rows*spec.Cols {
			return &ShapeError{Name: canonical, Want: []int{spec.Rows, spec.Cols}, Got: shape}
		}
		d, err := tensor.NewDense(spec.Rows, spec.Cols, vals)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", canonical, err)
		}
		ws.SetMatrix(canonical, d)
	case engine.ParamVector:
		if len(shape) != 1 || shape[0] != spec.Rows || len(vals) != spec.Rows {
			return &ShapeError{Name: canonical, Want: []int{spec.Rows}, Got: shape}
		}
		ws.SetVector(canonical, vals)
	}
	return nil
}

func quantScheme(dtype string) string {
	switch dtype {
	case DTypeQ8:
		return tensor.SchemeQ8
	default:
		return tensor.SchemeQ4
	}
}
