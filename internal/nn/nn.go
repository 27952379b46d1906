// Package nn is the minimal neural-network kernel behind the scoring model:
// dense layers with hand-written backprop, ReLU/sigmoid activations,
// inverted dropout, mean-absolute-error loss and AdamW. Everything is plain
// float32 slices; parameter updates are strictly sequential and forward
// passes allocate no shared state, so a trained layer is safe for
// concurrent read-only use.
package nn

import (
	"math"
	"math/rand"
)

// #region dense
// Dense is a fully connected layer y = Wx + b. Weights are stored row-major
// by output unit: W[o*In+i].
type Dense struct {
	In, Out int
	W       []float32
	B       []float32
	GradW   []float32
	GradB   []float32
}

// NewDense creates a dense layer with Xavier-style initialization. A nil
// rng leaves the weights at zero, for layers about to be overwritten by a
// checkpoint load.
func NewDense(in, out int, rng *rand.Rand) *Dense {
	d := &Dense{
		In:    in,
		Out:   out,
		W:     make([]float32, in*out),
		B:     make([]float32, out),
		GradW: make([]float32, in*out),
		GradB: make([]float32, out),
	}
	if rng != nil {
		scale := math.Sqrt(2.0 / float64(in+out))
		for i := range d.W {
			d.W[i] = float32(rng.NormFloat64() * scale)
		}
	}
	return d
}

// Forward computes the layer output for a single input vector.
func (d *Dense) Forward(x []float32) []float32 {
	y := make([]float32, d.Out)
	for o := 0; o < d.Out; o++ {
		sum := d.B[o]
		row := d.W[o*d.In : (o+1)*d.In]
		for i, v := range x {
			sum += row[i] * v
		}
		y[o] = sum
	}
	return y
}

// Backward accumulates parameter gradients for the input x used in Forward
// and the upstream gradient dy, and returns dL/dx.
func (d *Dense) Backward(x, dy []float32) []float32 {
	dx := make([]float32, d.In)
	for o := 0; o < d.Out; o++ {
		g := dy[o]
		if g == 0 {
			continue
		}
		d.GradB[o] += g
		row := d.W[o*d.In : (o+1)*d.In]
		grow := d.GradW[o*d.In : (o+1)*d.In]
		for i, v := range x {
			grow[i] += g * v
			dx[i] += g * row[i]
		}
	}
	return dx
}

// ZeroGrad clears the accumulated gradients.
func (d *Dense) ZeroGrad() {
	clear(d.GradW)
	clear(d.GradB)
}

// #endregion dense

// #region activations
// ReLU returns max(0, x) elementwise.
func ReLU(x []float32) []float32 {
	y := make([]float32, len(x))
	for i, v := range x {
		if v > 0 {
			y[i] = v
		}
	}
	return y
}

// ReLUBackward masks the upstream gradient by the activation output.
func ReLUBackward(y, dy []float32) []float32 {
	dx := make([]float32, len(dy))
	for i := range dy {
		if y[i] > 0 {
			dx[i] = dy[i]
		}
	}
	return dx
}

// sigmoidClamp keeps outputs strictly inside (0, 1) even where float32
// saturates, so denormalization never sees an exact 0 or 1.
const sigmoidClamp = 1e-6

// Sigmoid returns 1/(1+e^-x) elementwise, clamped to the open interval.
func Sigmoid(x []float32) []float32 {
	y := make([]float32, len(x))
	for i, v := range x {
		s := float32(1.0 / (1.0 + math.Exp(-float64(v))))
		if s < sigmoidClamp {
			s = sigmoidClamp
		}
		if s > 1-sigmoidClamp {
			s = 1 - sigmoidClamp
		}
		y[i] = s
	}
	return y
}

// SigmoidBackward computes dL/dx from the activation output y and upstream
// gradient dy.
func SigmoidBackward(y, dy []float32) []float32 {
	dx := make([]float32, len(dy))
	for i := range dy {
		dx[i] = dy[i] * y[i] * (1 - y[i])
	}
	return dx
}

// #endregion activations

// #region dropout
// Dropout implements inverted dropout: kept units are scaled by 1/(1-P) at
// training time so inference needs no rescaling.
type Dropout struct {
	P float32
}

// Forward returns the dropped output and the mask needed for Backward.
func (dr Dropout) Forward(x []float32, rng *rand.Rand) (y, mask []float32) {
	y = make([]float32, len(x))
	mask = make([]float32, len(x))
	if dr.P <= 0 {
		copy(y, x)
		for i := range mask {
			mask[i] = 1
		}
		return y, mask
	}
	keep := 1 / (1 - dr.P)
	for i, v := range x {
		if rng.Float32() >= dr.P {
			mask[i] = keep
			y[i] = v * keep
		}
	}
	return y, mask
}

// Backward applies the stored mask to the upstream gradient.
func (dr Dropout) Backward(mask, dy []float32) []float32 {
	dx := make([]float32, len(dy))
	for i := range dy {
		dx[i] = dy[i] * mask[i]
	}
	return dx
}

// #endregion dropout
