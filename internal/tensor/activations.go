package tensor

import "math"

// SiLU applies x * sigmoid(x) in place.
func SiLU(x []float32) {
	for i, v := range x {
		x[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
}

// GELU applies the tanh approximation of the Gaussian Error Linear Unit
// in place (the GPT-2 formulation).
func GELU(x []float32) {
	const (
		sqrt2OverPi = 0.7978845608 // sqrt(2/pi)
		coeff       = 0.044715
	)
	for i, v := range x {
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		x[i] = 0.5 * v * (1 + float32(math.Tanh(float64(inner))))
	}
}

// Softmax normalizes x into a probability distribution in place,
// subtracting the max first for numeric stability.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxVal := x[0]
	for _, v := range x[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxVal)))
		x[i] = e
		sum += e
	}
	for i := range x {
		x[i] /= sum
	}
}
