// Package tensor provides the weight storage used by the decoder engine:
// dense row-major float32 matrices and block-quantized matrices that
// dequantize on access behind the same interface.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matrix is the read/multiply interface shared by dense and quantized
// weights. Implementations are read-only after construction and safe for
// concurrent use.
type Matrix interface {
	Rows() int
	Cols() int
	// MatVec computes dst = M·x. len(x) must equal Cols and len(dst) Rows.
	MatVec(dst, x []float32)
	// Row returns row i as a float32 slice. Dense implementations return a
	// view; quantized implementations return a freshly dequantized copy.
	Row(i int) []float32
	At(i, j int) float32
}

// Dense is a row-major float32 matrix.
type Dense struct {
	rows, cols int
	data       []float32
}

func NewDense(rows, cols int, data []float32) (*Dense, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid dense shape: [%d, %d]", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("dense data length %d does not match shape [%d, %d]", len(data), rows, cols)
	}
	return &Dense{rows: rows, cols: cols, data: data}, nil
}

func (d *Dense) Rows() int { return d.rows }
func (d *Dense) Cols() int { return d.cols }

func (d *Dense) MatVec(dst, x []float32) {
	if len(x) != d.cols || len(dst) != d.rows {
		panic(fmt.Sprintf("dense matvec shape: got x=%d dst=%d, want x=%d dst=%d", len(x), len(dst), d.cols, d.rows))
	}
	a := blas32.General{Rows: d.rows, Cols: d.cols, Stride: d.cols, Data: d.data}
	xv := blas32.Vector{N: d.cols, Inc: 1, Data: x}
	yv := blas32.Vector{N: d.rows, Inc: 1, Data: dst}
	blas32.Gemv(blas.NoTrans, 1, a, xv, 0, yv)
}

func (d *Dense) Row(i int) []float32 {
	return d.data[i*d.cols : (i+1)*d.cols]
}

func (d *Dense) At(i, j int) float32 {
	return d.data[i*d.cols+j]
}

// Data exposes the backing slice for serialization.
func (d *Dense) Data() []float32 { return d.data }
