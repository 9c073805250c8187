package engine

import (
	"math"

	"github.com/23skdu/longbow-anvil/internal/tensor"
)

// rmsNorm writes weight[i] * x[i] / sqrt(mean(x^2) + eps) into dst.
func rmsNorm(dst, x, weight []float32, eps float32) {
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	inv := 1.0 / float32(math.Sqrt(float64(ss/float32(len(x))+eps)))
	for i, v := range x {
		dst[i] = weight[i] * v * inv
	}
}

// layerNorm writes weight[i]*(x[i]-mean)/sqrt(var+eps) + bias[i] into
// dst. bias may be nil.
func layerNorm(dst, x, weight, bias []float32, eps float32) {
	var mean float32
	for _, v := range x {
		mean += v
	}
	mean /= float32(len(x))

	var variance float32
	for _, v := range x {
		d := v - mean
		variance += d * d
	}
	variance /= float32(len(x))

	inv := 1.0 / float32(math.Sqrt(float64(variance+eps)))
	for i, v := range x {
		dst[i] = weight[i] * (v - mean) * inv
		if bias != nil {
			dst[i] += bias[i]
		}
	}
}

// applyRotary rotates each head of vec in place for the given absolute
// position. The contiguous layout pairs element i with i+headDim/2; the
// interleaved layout pairs 2i with 2i+1. Both conventions use the same
// per-pair frequency theta^(-2i/headDim).
func applyRotary(vec []float32, heads, headDim, pos int, theta float32, interleaved bool) {
	half := headDim / 2
	for h := 0; h < heads; h++ {
		base := h * headDim
		for i := 0; i < half; i++ {
			freq := math.Pow(float64(theta), -2.0*float64(i)/float64(headDim))
			angle := float64(pos) * freq
			cos := float32(math.Cos(angle))
			sin := float32(math.Sin(angle))

			a, b := base+i, base+half+i
			if interleaved {
				a, b = base+2*i, base+2*i+1
			}
			x, y := vec[a], vec[b]
			vec[a] = x*cos - y*sin
			vec[b] = x*sin + y*cos
		}
	}
}

// attend computes causal attention for one query position against the
// cached keys and values of a single layer. q is [heads*headDim]; keys
// and values are flat [count, kvHeads*headDim] views. The query position
// is the last cached position, so attending over the full valid range is
// exactly the causal mask.
func attend(out, q, keys, values []float32, count, heads, kvHeads, headDim int) {
	kvDim := kvHeads * headDim
	group := heads / kvHeads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	scores := make([]float32, count)
	for h := 0; h < heads; h++ {
		qh := q[h*headDim : (h+1)*headDim]
		kvOff := (h / group) * headDim

		for p := 0; p < count; p++ {
			kp := keys[p*kvDim+kvOff : p*kvDim+kvOff+headDim]
			var dot float32
			for d := range qh {
				dot += qh[d] * kp[d]
			}
			scores[p] = dot * scale
		}
		tensor.Softmax(scores)

		oh := out[h*headDim : (h+1)*headDim]
		for d := range oh {
			oh[d] = 0
		}
		for p := 0; p < count; p++ {
			w := scores[p]
			vp := values[p*kvDim+kvOff : p*kvDim+kvOff+headDim]
			for d := range oh {
				oh[d] += w * vp[d]
			}
		}
	}
}

func addBias(x, bias []float32) {
	if bias == nil {
		return
	}
	for i := range x {
		x[i] += bias[i]
	}
}

func addInto(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}
