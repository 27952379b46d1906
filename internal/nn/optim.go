package nn

import "math"

// #region adamw
// AdamW is the Adam optimizer with decoupled weight decay. Decay applies to
// weights only, never biases.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	step   int
	states map[*Dense]*adamState
}

type adamState struct {
	mW, vW []float32
	mB, vB []float32
}

// NewAdamW creates an optimizer with the standard Adam moment defaults.
func NewAdamW(lr, weightDecay float64) *AdamW {
	return &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		states:      make(map[*Dense]*adamState),
	}
}

// Step applies one update to every layer from its accumulated gradients.
// Callers zero gradients afterwards; updates are strictly sequential.
func (o *AdamW) Step(layers []*Dense) {
	o.step++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.step))

	for _, l := range layers {
		st, ok := o.states[l]
		if !ok {
			st = &adamState{
				mW: make([]float32, len(l.W)),
				vW: make([]float32, len(l.W)),
				mB: make([]float32, len(l.B)),
				vB: make([]float32, len(l.B)),
			}
			o.states[l] = st
		}
		o.update(l.W, l.GradW, st.mW, st.vW, bc1, bc2, o.WeightDecay)
		o.update(l.B, l.GradB, st.mB, st.vB, bc1, bc2, 0)
	}
}

func (o *AdamW) update(w, g, m, v []float32, bc1, bc2, decay float64) {
	for i := range w {
		gi := float64(g[i])
		mi := o.Beta1*float64(m[i]) + (1-o.Beta1)*gi
		vi := o.Beta2*float64(v[i]) + (1-o.Beta2)*gi*gi
		m[i] = float32(mi)
		v[i] = float32(vi)

		mhat := mi / bc1
		vhat := vi / bc2
		w[i] -= float32(o.LR * (mhat/(math.Sqrt(vhat)+o.Eps) + decay*float64(w[i])))
	}
}

// #endregion adamw
