package model

import (
	"fmt"

	"github.com/danielpatrickdp/face-scorer/internal/nn"
)

// #region param
// Param is a named parameter tensor, the unit of checkpoint serialization.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
}

func (p Param) count() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// #endregion param

// #region parameters
// Parameters returns the model's parameter tensors in a stable order. The
// returned slices alias the live weights; checkpoint code copies them.
func (m *Model) Parameters() []Param {
	name := func(layer string, d *nn.Dense) []Param {
		return []Param{
			{Name: layer + ".weight", Shape: []int{d.Out, d.In}, Data: d.W},
			{Name: layer + ".bias", Shape: []int{d.Out}, Data: d.B},
		}
	}
	var params []Param
	params = append(params, name("patch_embed", m.patch)...)
	params = append(params, name("head.hidden", m.hidden)...)
	params = append(params, name("head.out", m.out)...)
	return params
}

// LoadParameters copies checkpoint tensors into the model, verifying names
// and shapes. A mismatch means the checkpoint was trained with a different
// architecture and must be rejected, not coerced.
func (m *Model) LoadParameters(params []Param) error {
	want := m.Parameters()
	if len(params) != len(want) {
		return fmt.Errorf("parameter count mismatch: checkpoint has %d tensors, model wants %d", len(params), len(want))
	}
	for i, p := range params {
		w := want[i]
		if p.Name != w.Name {
			return fmt.Errorf("parameter %d: checkpoint has %q, model wants %q", i, p.Name, w.Name)
		}
		if len(p.Data) != len(w.Data) || p.count() != w.count() {
			return fmt.Errorf("parameter %s: checkpoint shape %v does not fit model shape %v", p.Name, p.Shape, w.Shape)
		}
		copy(w.Data, p.Data)
	}
	return nil
}

// #endregion parameters
