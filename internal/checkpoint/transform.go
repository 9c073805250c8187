package checkpoint

import "fmt"

// SplitQKV splits a fused attention projection stored as stacked rows
// [Q; K; V] into its three views. The split is a pure copy of contiguous
// row ranges and is bit-exact.
func SplitQKV(data []float32, rows, cols, qRows, kvRows int) (q, k, v []float32, err error) {
	if rows != qRows+2*kvRows {
		return nil, nil, nil, fmt.Errorf("fused qkv rows %d != q(%d) + 2*kv(%d)", rows, qRows, kvRows)
	}
	if len(data) != rows*cols {
		return nil, nil, nil, fmt.Errorf("fused qkv data length %d != %d*%d", len(data), rows, cols)
	}
	q = make([]float32, qRows*cols)
	k = make([]float32, kvRows*cols)
	v = make([]float32, kvRows*cols)
	copy(q, data[:qRows*cols])
	copy(k, data[qRows*cols:(qRows+kvRows)*cols])
	copy(v, data[(qRows+kvRows)*cols:])
	return q, k, v, nil
}

// FuseQKV is the inverse of SplitQKV.
func FuseQKV(q, k, v []float32, cols int) ([]float32, error) {
	if cols <= 0 || len(q)%cols != 0 || len(k)%cols != 0 || len(v)%cols != 0 {
		return nil, fmt.Errorf("fuse qkv: lengths %d/%d/%d not divisible by cols %d", len(q), len(k), len(v), cols)
	}
	out := make([]float32, 0, len(q)+len(k)+len(v))
	out = append(out, q...)
	out = append(out, k...)
	out = append(out, v...)
	return out, nil
}

// DeinterleaveRotary reorders the rows of a query/key projection from the
// interleaved rotary convention (pair i occupies rows 2i, 2i+1 of its
// head) into the contiguous-halves convention (pair i occupies rows i and
// i+headDim/2). The permutation is exact; no values are changed.
func DeinterleaveRotary(data []float32, rows, cols, headDim int) ([]float32, error) {
	if err := checkRotaryShape(len(data), rows, cols, headDim); err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	half := headDim / 2
	for head := 0; head < rows/headDim; head++ {
		base := head * headDim
		for i := 0; i < half; i++ {
			copyRow(out, data, base+i, base+2*i, cols)
			copyRow(out, data, base+half+i, base+2*i+1, cols)
		}
	}
	return out, nil
}

// InterleaveRotary is the inverse of DeinterleaveRotary.
func InterleaveRotary(data []float32, rows, cols, headDim int) ([]float32, error) {
	if err := checkRotaryShape(len(data), rows, cols, headDim); err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	half := headDim / 2
	for head := 0; head < rows/headDim; head++ {
		base := head * headDim
		for i := 0; i < half; i++ {
			copyRow(out, data, base+2*i, base+i, cols)
			copyRow(out, data, base+2*i+1, base+half+i, cols)
		}
	}
	return out, nil
}

func checkRotaryShape(n, rows, cols, headDim int) error {
	if headDim <= 0 || headDim%2 != 0 {
		return fmt.Errorf("rotary reorder: head_dim %d must be positive and even", headDim)
	}
	if rows%headDim != 0 {
		return fmt.Errorf("rotary reorder: rows %d not divisible by head_dim %d", rows, headDim)
	}
	if n != rows*cols {
		return fmt.Errorf("rotary reorder: data length %d != %d*%d", n, rows, cols)
	}
	return nil
}

func copyRow(dst, src []float32, dstRow, srcRow, cols int) {
	copy(dst[dstRow*cols:(dstRow+1)*cols], src[srcRow*cols:(srcRow+1)*cols])
}
