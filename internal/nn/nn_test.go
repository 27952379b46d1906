package nn

import (
	"math"
	"math/rand"
	"testing"
)

// numericGrad estimates dL/dp by central difference for a scalar loss.
func numericGrad(p *float32, loss func() float32) float32 {
	const eps = 1e-3
	orig := *p
	*p = orig + eps
	up := loss()
	*p = orig - eps
	down := loss()
	*p = orig
	return (up - down) / (2 * eps)
}

func TestDenseBackwardMatchesNumericGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := NewDense(3, 2, rng)
	x := []float32{0.5, -0.3, 0.8}
	target := []float32{0.2, 0.9}

	// L = sum((y - target)^2)
	loss := func() float32 {
		y := d.Forward(x)
		var l float32
		for i := range y {
			diff := y[i] - target[i]
			l += diff * diff
		}
		return l
	}

	y := d.Forward(x)
	dy := make([]float32, len(y))
	for i := range y {
		dy[i] = 2 * (y[i] - target[i])
	}
	d.ZeroGrad()
	dx := d.Backward(x, dy)

	for i := range d.W {
		want := numericGrad(&d.W[i], loss)
		if math.Abs(float64(d.GradW[i]-want)) > 1e-2 {
			t.Fatalf("GradW[%d] = %f, numeric %f", i, d.GradW[i], want)
		}
	}
	for i := range d.B {
		want := numericGrad(&d.B[i], loss)
		if math.Abs(float64(d.GradB[i]-want)) > 1e-2 {
			t.Fatalf("GradB[%d] = %f, numeric %f", i, d.GradB[i], want)
		}
	}
	for i := range x {
		want := numericGrad(&x[i], loss)
		if math.Abs(float64(dx[i]-want)) > 1e-2 {
			t.Fatalf("dx[%d] = %f, numeric %f", i, dx[i], want)
		}
	}
}

func TestSigmoidStaysInOpenInterval(t *testing.T) {
	y := Sigmoid([]float32{-1000, -10, 0, 10, 1000})
	for i, v := range y {
		if !(v > 0 && v < 1) {
			t.Fatalf("sigmoid[%d] = %f, want strictly inside (0, 1)", i, v)
		}
	}
	if y[2] != 0.5 {
		t.Fatalf("sigmoid(0) = %f, want 0.5", y[2])
	}
}

func TestReLUBackwardMasks(t *testing.T) {
	y := ReLU([]float32{-1, 0, 2})
	dx := ReLUBackward(y, []float32{5, 5, 5})
	if dx[0] != 0 || dx[1] != 0 || dx[2] != 5 {
		t.Fatalf("relu backward: got %v", dx)
	}
}

func TestDropoutInvertedScaling(t *testing.T) {
	dr := Dropout{P: 0.5}
	rng := rand.New(rand.NewSource(3))
	x := make([]float32, 10000)
	for i := range x {
		x[i] = 1
	}
	y, mask := dr.Forward(x, rng)

	var sum float64
	zeros := 0
	for i := range y {
		sum += float64(y[i])
		if mask[i] == 0 {
			zeros++
		}
	}
	// Inverted dropout keeps the expectation: mean ≈ 1.
	mean := sum / float64(len(y))
	if mean < 0.9 || mean > 1.1 {
		t.Fatalf("dropped mean %f, want ≈ 1", mean)
	}
	if zeros == 0 || zeros == len(y) {
		t.Fatalf("unreasonable drop count %d", zeros)
	}

	// Zero probability is the identity.
	y2, _ := Dropout{P: 0}.Forward([]float32{1, 2, 3}, rng)
	if y2[0] != 1 || y2[1] != 2 || y2[2] != 3 {
		t.Fatal("p=0 dropout should be identity")
	}
}

func TestMAELossAndGrad(t *testing.T) {
	pred := []float32{0.5, 0.2}
	target := []float32{0.3, 0.2}
	if got := MAELoss(pred, target); math.Abs(float64(got-0.1)) > 1e-6 {
		t.Fatalf("loss = %f, want 0.1", got)
	}

	g := MAEGrad(pred, target, 1)
	if g[0] != 0.5 {
		t.Fatalf("grad[0] = %f, want 0.5", g[0])
	}
	if g[1] != 0 {
		t.Fatalf("grad at equality should be 0, got %f", g[1])
	}
}

func TestAdamWReducesQuadraticLoss(t *testing.T) {
	// Minimize (w·x - 1)^2 for a single-unit layer.
	d := NewDense(1, 1, rand.New(rand.NewSource(5)))
	opt := NewAdamW(0.05, 0)
	x := []float32{1}

	lossAt := func() float32 {
		y := d.Forward(x)
		diff := y[0] - 1
		return diff * diff
	}

	before := lossAt()
	for i := 0; i < 200; i++ {
		y := d.Forward(x)
		d.ZeroGrad()
		d.Backward(x, []float32{2 * (y[0] - 1)})
		opt.Step([]*Dense{d})
	}
	after := lossAt()

	if after >= before {
		t.Fatalf("loss did not decrease: %f -> %f", before, after)
	}
	if after > 1e-3 {
		t.Fatalf("loss %f did not converge", after)
	}
}

func TestAdamWWeightDecayShrinksWeights(t *testing.T) {
	d := NewDense(1, 1, nil)
	d.W[0] = 1.0
	opt := NewAdamW(0.01, 0.5)
	// No gradient signal: only decay acts on the weight.
	opt.Step([]*Dense{d})
	if d.W[0] >= 1.0 {
		t.Fatalf("weight decay should shrink weight, got %f", d.W[0])
	}
	if d.B[0] != 0 {
		t.Fatalf("decay must not touch biases, got %f", d.B[0])
	}
}
