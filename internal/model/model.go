// Package model assembles the scoring network: a learned patch-embedding
// backbone producing a fixed-size image embedding, and a regression head
// mapping the embedding to seven bounded outputs in canonical metric order.
package model

import (
	"fmt"
	"math/rand"

	"github.com/danielpatrickdp/face-scorer/internal/nn"
	"github.com/danielpatrickdp/face-scorer/internal/preprocess"
	"github.com/danielpatrickdp/face-scorer/internal/score"
)

// #region config
// Config fixes the network shape. It is stored in every checkpoint; a
// checkpoint saved with one Config cannot be loaded into another.
type Config struct {
	ImageSize int `json:"imageSize"`
	PatchSize int `json:"patchSize"`
	EmbedDim  int `json:"embedDim"`
	HiddenDim int `json:"hiddenDim"`

	DropEmbed  float32 `json:"dropEmbed"`
	DropHidden float32 `json:"dropHidden"`
}

// DefaultConfig returns the canonical shape: 224px input, 16px patches,
// 256-dim embedding and head, dropout 0.3/0.2.
func DefaultConfig() Config {
	return Config{
		ImageSize:  preprocess.DefaultImageSize,
		PatchSize:  16,
		EmbedDim:   256,
		HiddenDim:  256,
		DropEmbed:  0.3,
		DropHidden: 0.2,
	}
}

// Validate checks the shape invariants.
func (c Config) Validate() error {
	if c.ImageSize <= 0 || c.PatchSize <= 0 {
		return fmt.Errorf("image size %d and patch size %d must be positive", c.ImageSize, c.PatchSize)
	}
	if c.ImageSize%c.PatchSize != 0 {
		return fmt.Errorf("image size %d not divisible by patch size %d", c.ImageSize, c.PatchSize)
	}
	if c.EmbedDim <= 0 || c.HiddenDim <= 0 {
		return fmt.Errorf("embed dim %d and hidden dim %d must be positive", c.EmbedDim, c.HiddenDim)
	}
	if c.DropEmbed < 0 || c.DropEmbed >= 1 || c.DropHidden < 0 || c.DropHidden >= 1 {
		return fmt.Errorf("dropout rates must be in [0, 1)")
	}
	return nil
}

func (c Config) patchDim() int {
	return 3 * c.PatchSize * c.PatchSize
}

func (c Config) numPatches() int {
	side := c.ImageSize / c.PatchSize
	return side * side
}

// #endregion config

// #region model
// Model is the two-stage scoring network. The backbone projects every
// non-overlapping patch through a shared dense layer with ReLU and
// mean-pools the results into one embedding; the head is
// dropout → dense → ReLU → dropout → dense → sigmoid, giving seven outputs
// strictly inside (0, 1).
type Model struct {
	cfg Config

	patch  *nn.Dense // patchDim → EmbedDim, shared across patches
	hidden *nn.Dense // EmbedDim → HiddenDim
	out    *nn.Dense // HiddenDim → NumMetrics

	dropEmbed  nn.Dropout
	dropHidden nn.Dropout
}

// New builds a model with the given shape. A nil rng produces zero-valued
// parameters, for models about to be populated from a checkpoint.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	return &Model{
		cfg:        cfg,
		patch:      nn.NewDense(cfg.patchDim(), cfg.EmbedDim, rng),
		hidden:     nn.NewDense(cfg.EmbedDim, cfg.HiddenDim, rng),
		out:        nn.NewDense(cfg.HiddenDim, score.NumMetrics, rng),
		dropEmbed:  nn.Dropout{P: cfg.DropEmbed},
		dropHidden: nn.Dropout{P: cfg.DropHidden},
	}, nil
}

// Config returns the shape the model was built with.
func (m *Model) Config() Config {
	return m.cfg
}

// Layers returns the trainable layers in a stable order, for the optimizer.
func (m *Model) Layers() []*nn.Dense {
	return []*nn.Dense{m.patch, m.hidden, m.out}
}

// ZeroGrad clears accumulated gradients on every layer.
func (m *Model) ZeroGrad() {
	for _, l := range m.Layers() {
		l.ZeroGrad()
	}
}

// #endregion model

// #region patches
// extractPatches flattens each non-overlapping PatchSize×PatchSize region
// into a channel-first vector. Patch order is row-major; the layout is part
// of the checkpoint contract.
func (m *Model) extractPatches(t *preprocess.Tensor) ([][]float32, error) {
	if t.C != 3 || t.H != m.cfg.ImageSize || t.W != m.cfg.ImageSize {
		return nil, fmt.Errorf("tensor %dx%dx%d does not match model input 3x%dx%d",
			t.C, t.H, t.W, m.cfg.ImageSize, m.cfg.ImageSize)
	}
	p := m.cfg.PatchSize
	side := m.cfg.ImageSize / p
	patches := make([][]float32, 0, side*side)
	for py := 0; py < side; py++ {
		for px := 0; px < side; px++ {
			vec := make([]float32, 0, m.cfg.patchDim())
			for c := 0; c < 3; c++ {
				for y := py * p; y < (py+1)*p; y++ {
					for x := px * p; x < (px+1)*p; x++ {
						vec = append(vec, t.At(c, y, x))
					}
				}
			}
			patches = append(patches, vec)
		}
	}
	return patches, nil
}

// #endregion patches

// #region predict
// Predict runs the deterministic forward pass (no dropout). It is a pure
// function of the tensor and safe for concurrent use on a loaded model.
func (m *Model) Predict(t *preprocess.Tensor) ([score.NumMetrics]float32, error) {
	var out [score.NumMetrics]float32

	patches, err := m.extractPatches(t)
	if err != nil {
		return out, err
	}

	emb := make([]float32, m.cfg.EmbedDim)
	for _, p := range patches {
		h := nn.ReLU(m.patch.Forward(p))
		for j, v := range h {
			emb[j] += v
		}
	}
	inv := 1 / float32(len(patches))
	for j := range emb {
		emb[j] *= inv
	}

	a := nn.ReLU(m.hidden.Forward(emb))
	y := nn.Sigmoid(m.out.Forward(a))
	copy(out[:], y)
	return out, nil
}

// #endregion predict

// #region train-forward
// Activations caches one sample's intermediate values for Backward.
type Activations struct {
	patches    [][]float32 // backbone inputs
	patchOut   [][]float32 // post-ReLU patch features
	embDropped []float32
	embMask    []float32
	hiddenIn   []float32
	hiddenOut  []float32 // post-ReLU
	headDrop   []float32
	headMask   []float32
	output     []float32 // post-sigmoid
}

// ForwardTrain runs the stochastic training pass (dropout active) and
// returns the output plus the activations Backward needs.
func (m *Model) ForwardTrain(t *preprocess.Tensor, rng *rand.Rand) ([score.NumMetrics]float32, *Activations, error) {
	var out [score.NumMetrics]float32

	patches, err := m.extractPatches(t)
	if err != nil {
		return out, nil, err
	}

	act := &Activations{patches: patches, patchOut: make([][]float32, len(patches))}

	emb := make([]float32, m.cfg.EmbedDim)
	for i, p := range patches {
		h := nn.ReLU(m.patch.Forward(p))
		act.patchOut[i] = h
		for j, v := range h {
			emb[j] += v
		}
	}
	inv := 1 / float32(len(patches))
	for j := range emb {
		emb[j] *= inv
	}

	act.embDropped, act.embMask = m.dropEmbed.Forward(emb, rng)
	act.hiddenIn = act.embDropped
	act.hiddenOut = nn.ReLU(m.hidden.Forward(act.hiddenIn))
	act.headDrop, act.headMask = m.dropHidden.Forward(act.hiddenOut, rng)
	act.output = nn.Sigmoid(m.out.Forward(act.headDrop))

	copy(out[:], act.output)
	return out, act, nil
}

// Backward accumulates gradients for one sample given the upstream loss
// gradient with respect to the sigmoid output.
func (m *Model) Backward(act *Activations, dOut [score.NumMetrics]float32) {
	dz := nn.SigmoidBackward(act.output, dOut[:])
	dHeadDrop := m.out.Backward(act.headDrop, dz)
	dHiddenOut := m.dropHidden.Backward(act.headMask, dHeadDrop)
	dHiddenIn := nn.ReLUBackward(act.hiddenOut, dHiddenOut)
	dEmbDropped := m.hidden.Backward(act.hiddenIn, dHiddenIn)
	dEmb := m.dropEmbed.Backward(act.embMask, dEmbDropped)

	// Mean pooling spreads the embedding gradient evenly across patches.
	inv := 1 / float32(len(act.patches))
	dPooled := make([]float32, len(dEmb))
	for j, v := range dEmb {
		dPooled[j] = v * inv
	}
	for i, p := range act.patches {
		dPatch := nn.ReLUBackward(act.patchOut[i], dPooled)
		m.patch.Backward(p, dPatch)
	}
}

// #endregion train-forward
