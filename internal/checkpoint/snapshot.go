// Package checkpoint translates upstream weight snapshots (arbitrary
// naming conventions, layouts and dtypes) into the engine's canonical
// parameter set. Translation is driven by per-architecture rule tables
// rather than per-architecture code.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Supported tensor dtypes. Quantized dtypes carry packed block data and
// are wrapped rather than decoded.
const (
	DTypeF32  = "f32"
	DTypeF16  = "f16"
	DTypeBF16 = "bf16"
	DTypeQ8   = "q8"
	DTypeQ4   = "q4"
)

// RawTensor is one upstream parameter exactly as stored.
type RawTensor struct {
	DType string
	Shape []int
	Data  []byte
}

// Elements returns the logical element count of the tensor.
func (t *RawTensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Snapshot is a checkpoint as handed to the normalizer: an architecture
// identifier plus a name->tensor mapping in the upstream convention.
type Snapshot struct {
	Arch    string
	Tensors map[string]RawTensor
}

func NewSnapshot(arch string) *Snapshot {
	return &Snapshot{Arch: arch, Tensors: make(map[string]RawTensor)}
}

// ShapeError reports a parameter whose decoded shape does not match the
// model configuration.
type ShapeError struct {
	Name string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape mismatch for %q: expected %v, got %v", e.Name, e.Want, e.Got)
}

// IncompleteError lists every canonical parameter missing from a
// checkpoint, so the caller sees the complete gap at once.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete checkpoint: missing %d parameters: %s", len(e.Missing), strings.Join(e.Missing, ", "))
}

func newIncompleteError(missing []string) *IncompleteError {
	sort.Strings(missing)
	return &IncompleteError{Missing: missing}
}

// decode expands a raw tensor into float32 values. Quantized dtypes are
// not decoded here; they stay packed for the quantized weight adapter.
func decode(name string, t RawTensor) ([]float32, error) {
	n := t.Elements()
	switch t.DType {
	case DTypeF32:
		if len(t.Data) != n*4 {
			return nil, fmt.Errorf("tensor %q: f32 data length %d, want %d", name, len(t.Data), n*4)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return out, nil
	case DTypeF16:
		if len(t.Data) != n*2 {
			return nil, fmt.Errorf("tensor %q: f16 data length %d, want %d", name, len(t.Data), n*2)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
		return out, nil
	case DTypeBF16:
		if len(t.Data) != n*2 {
			return nil, fmt.Errorf("tensor %q: bf16 data length %d, want %d", name, len(t.Data), n*2)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = bfloat16.ToFloat32(bfloat16.BF16(binary.LittleEndian.Uint16(t.Data[i*2:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor %q: cannot decode dtype %q", name, t.DType)
	}
}

// encodeF32 packs float32 values into raw little-endian bytes.
func encodeF32(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// AddF32 stores a float32 tensor in the snapshot under an upstream name.
func (s *Snapshot) AddF32(name string, shape []int, vals []float32) {
	s.Tensors[name] = RawTensor{DType: DTypeF32, Shape: shape, Data: encodeF32(vals)}
}
