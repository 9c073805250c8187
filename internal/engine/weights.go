package engine

import (
	"fmt"

	"github.com/23skdu/longbow-anvil/internal/config"
	"github.com/23skdu/longbow-anvil/internal/tensor"
)

// WeightSet holds the canonical parameters of one model instance.
// It is owned by that instance, read-only after load, and therefore safe
// to share across concurrently decoding sequences.
type WeightSet struct {
	matrices map[string]tensor.Matrix
	vectors  map[string][]float32
}

func NewWeightSet() *WeightSet {
	return &WeightSet{
		matrices: make(map[string]tensor.Matrix),
		vectors:  make(map[string][]float32),
	}
}

func (w *WeightSet) SetMatrix(name string, m tensor.Matrix) {
	w.matrices[name] = m
}

func (w *WeightSet) SetVector(name string, v []float32) {
	w.vectors[name] = v
}

func (w *WeightSet) Matrix(name string) (tensor.Matrix, error) {
	m, ok := w.matrices[name]
	if !ok {
		return nil, fmt.Errorf("missing parameter %q", name)
	}
	return m, nil
}

func (w *WeightSet) Vector(name string) ([]float32, error) {
	v, ok := w.vectors[name]
	if !ok {
		return nil, fmt.Errorf("missing parameter %q", name)
	}
	return v, nil
}

func (w *WeightSet) Has(name string) bool {
	if _, ok := w.matrices[name]; ok {
		return true
	}
	_, ok := w.vectors[name]
	return ok
}

// Validate checks that every parameter the configuration requires is
// present with the exact expected shape. Missing names are collected, not
// reported one at a time.
func (w *WeightSet) Validate(cfg config.ModelConfig) error {
	var missing []string
	for _, spec := range RequiredParams(cfg) {
		switch spec.Kind {
		case ParamMatrix:
			m, ok := w.matrices[spec.Name]
			if !ok {
				missing = append(missing, spec.Name)
				continue
			}
			if m.Rows() != spec.Rows || m.Cols() != spec.Cols {
				return fmt.Errorf("shape mismatch for %q: expected [%d, %d], got [%d, %d]",
					spec.Name, spec.Rows, spec.Cols, m.Rows(), m.Cols())
			}
		case ParamVector:
			v, ok := w.vectors[spec.Name]
			if !ok {
				missing = append(missing, spec.Name)
				continue
			}
			if len(v) != spec.Rows {
				return fmt.Errorf("shape mismatch for %q: expected [%d], got [%d]", spec.Name, spec.Rows, len(v))
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("weight set missing %d parameters: %v", len(missing), missing)
	}
	return nil
}
