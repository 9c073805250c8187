package tensor

import (
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-anvil/internal/metrics"
)

var ErrUnsupportedQuantization = errors.New("unsupported quantization scheme")

// Quantization schemes. Both pack weights in independent 32-element blocks
// so dequantization of one block never depends on its neighbors or on
// access order.
const (
	SchemeQ8 = "q8" // per block: f16 scale, 32 x int8        (34 bytes)
	SchemeQ4 = "q4" // per block: f16 scale, f16 min, 16 x u4 (20 bytes)
)

const QuantBlockSize = 32

const (
	q8BlockBytes = 2 + QuantBlockSize
	q4BlockBytes = 2 + 2 + QuantBlockSize/2
)

// Quantized wraps packed weight blocks behind the Matrix interface.
// Each access dequantizes the touched blocks on the fly; no unpacked copy
// of the tensor is ever retained.
type Quantized struct {
	rows, cols int
	scheme     string
	blockBytes int
	data       []byte
}

func NewQuantized(scheme string, rows, cols int, data []byte) (*Quantized, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid quantized shape: [%d, %d]", rows, cols)
	}
	if cols%QuantBlockSize != 0 {
		return nil, fmt.Errorf("quantized cols %d not divisible by block size %d", cols, QuantBlockSize)
	}

	var blockBytes int
	switch scheme {
	case SchemeQ8:
		blockBytes = q8BlockBytes
	case SchemeQ4:
		blockBytes = q4BlockBytes
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedQuantization, scheme)
	}

	want := rows * (cols / QuantBlockSize) * blockBytes
	if len(data) != want {
		return nil, fmt.Errorf("quantized data length %d does not match shape [%d, %d] (%s needs %d)", len(data), rows, cols, scheme, want)
	}

	return &Quantized{rows: rows, cols: cols, scheme: scheme, blockBytes: blockBytes, data: data}, nil
}

func (q *Quantized) Rows() int      { return q.rows }
func (q *Quantized) Cols() int      { return q.cols }
func (q *Quantized) Scheme() string { return q.scheme }

// Data exposes the packed block bytes, for serialization.
func (q *Quantized) Data() []byte { return q.data }

func (q *Quantized) blocksPerRow() int { return q.cols / QuantBlockSize }

// block returns the packed bytes of block b in row i.
func (q *Quantized) block(i, b int) []byte {
	off := (i*q.blocksPerRow() + b) * q.blockBytes
	return q.data[off : off+q.blockBytes]
}

// dequantBlock expands one block into out. out must hold QuantBlockSize
// values. The result depends only on the block's own bytes.
func (q *Quantized) dequantBlock(i, b int, out []float32) {
	raw := q.block(i, b)
	switch q.scheme {
	case SchemeQ8:
		d := float16.Frombits(uint16(raw[0]) | uint16(raw[1])<<8).Float32()
		for k := 0; k < QuantBlockSize; k++ {
			out[k] = d * float32(int8(raw[2+k]))
		}
	case SchemeQ4:
		d := float16.Frombits(uint16(raw[0]) | uint16(raw[1])<<8).Float32()
		m := float16.Frombits(uint16(raw[2]) | uint16(raw[3])<<8).Float32()
		for k := 0; k < QuantBlockSize/2; k++ {
			v := raw[4+k]
			out[2*k] = d*float32(v&0xF) - m
			out[2*k+1] = d*float32(v>>4) - m
		}
	}
}

func (q *Quantized) MatVec(dst, x []float32) {
	if len(x) != q.cols || len(dst) != q.rows {
		panic(fmt.Sprintf("quantized matvec shape: got x=%d dst=%d, want x=%d dst=%d", len(x), len(dst), q.cols, q.rows))
	}
	metrics.DequantBlockAccesses.WithLabelValues(q.scheme).Add(float64(q.rows * q.blocksPerRow()))

	var buf [QuantBlockSize]float32
	for i := 0; i < q.rows; i++ {
		var acc float32
		for b := 0; b < q.blocksPerRow(); b++ {
			q.dequantBlock(i, b, buf[:])
			base := b * QuantBlockSize
			for k := 0; k < QuantBlockSize; k++ {
				acc += buf[k] * x[base+k]
			}
		}
		dst[i] = acc
	}
}

func (q *Quantized) Row(i int) []float32 {
	metrics.DequantBlockAccesses.WithLabelValues(q.scheme).Add(float64(q.blocksPerRow()))
	out := make([]float32, q.cols)
	for b := 0; b < q.blocksPerRow(); b++ {
		q.dequantBlock(i, b, out[b*QuantBlockSize:(b+1)*QuantBlockSize])
	}
	return out
}

func (q *Quantized) At(i, j int) float32 {
	var buf [QuantBlockSize]float32
	q.dequantBlock(i, j/QuantBlockSize, buf[:])
	return buf[j%QuantBlockSize]
}

// QuantizeQ8 packs a dense matrix into the q8 block layout.
func QuantizeQ8(d *Dense) (*Quantized, error) {
	if d.cols%QuantBlockSize != 0 {
		return nil, fmt.Errorf("q8: cols %d not divisible by block size %d", d.cols, QuantBlockSize)
	}
	blocks := d.cols / QuantBlockSize
	data := make([]byte, d.rows*blocks*q8BlockBytes)

	for i := 0; i < d.rows; i++ {
		row := d.Row(i)
		for b := 0; b < blocks; b++ {
			vals := row[b*QuantBlockSize : (b+1)*QuantBlockSize]
			var amax float32
			for _, v := range vals {
				if a := float32(math.Abs(float64(v))); a > amax {
					amax = a
				}
			}
			scale := amax / 127
			// Round-trip the scale through f16 so encode and decode agree.
			sbits := float16.Fromfloat32(scale)
			scale = sbits.Float32()

			off := (i*blocks + b) * q8BlockBytes
			data[off] = byte(sbits.Bits())
			data[off+1] = byte(sbits.Bits() >> 8)
			for k, v := range vals {
				var qv int8
				if scale != 0 {
					qv = int8(math.Round(float64(v / scale)))
				}
				data[off+2+k] = byte(qv)
			}
		}
	}
	return NewQuantized(SchemeQ8, d.rows, d.cols, data)
}

// QuantizeQ4 packs a dense matrix into the q4 block layout
// (value = scale*q - min, q in [0, 15]).
func QuantizeQ4(d *Dense) (*Quantized, error) {
	if d.cols%QuantBlockSize != 0 {
		return nil, fmt.Errorf("q4: cols %d not divisible by block size %d", d.cols, QuantBlockSize)
	}
	blocks := d.cols / QuantBlockSize
	data := make([]byte, d.rows*blocks*q4BlockBytes)

	for i := 0; i < d.rows; i++ {
		row := d.Row(i)
		for b := 0; b < blocks; b++ {
			vals := row[b*QuantBlockSize : (b+1)*QuantBlockSize]
			minVal, maxVal := vals[0], vals[0]
			for _, v := range vals[1:] {
				if v < minVal {
					minVal = v
				}
				if v > maxVal {
					maxVal = v
				}
			}
			m := -minVal
			scale := (maxVal + m) / 15
			sbits := float16.Fromfloat32(scale)
			mbits := float16.Fromfloat32(m)
			scale = sbits.Float32()
			m = mbits.Float32()

			off := (i*blocks + b) * q4BlockBytes
			data[off] = byte(sbits.Bits())
			data[off+1] = byte(sbits.Bits() >> 8)
			data[off+2] = byte(mbits.Bits())
			data[off+3] = byte(mbits.Bits() >> 8)

			for k := 0; k < QuantBlockSize/2; k++ {
				q0 := quantizeNibble(vals[2*k], scale, m)
				q1 := quantizeNibble(vals[2*k+1], scale, m)
				data[off+4+k] = q0 | q1<<4
			}
		}
	}
	return NewQuantized(SchemeQ4, d.rows, d.cols, data)
}

func quantizeNibble(v, scale, m float32) byte {
	if scale == 0 {
		return 0
	}
	q := math.Round(float64((v + m) / scale))
	if q < 0 {
		q = 0
	}
	if q > 15 {
		q = 15
	}
	return byte(q)
}
