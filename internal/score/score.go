// Package score defines the canonical facial metric set and the fixed-shape
// score record exchanged between the dataset adapter, trainer, evaluator and
// serving path.
//
// A missing ground-truth metric defaults to 50, the scale midpoint. This
// conflates "unknown" with "average" — the default is inherited from the
// label pipeline and changing it would change loss semantics, so it stays.
package score

import (
	"fmt"
	"math"
)

// #region canon
// NumMetrics is the number of scored facial metrics.
const NumMetrics = 7

// Names lists the metric identifiers in canonical order. The order fixes the
// model's output vector layout and must be identical across training,
// checkpoints and inference.
var Names = [NumMetrics]string{
	"jawline",
	"cheekbones",
	"eyes_symmetry",
	"nose_harmony",
	"facial_symmetry",
	"skin_quality",
	"sexual_dimorphism",
}

const (
	// MinScore and MaxScore bound every metric value.
	MinScore = 0
	MaxScore = 100

	// DefaultScore substitutes for a missing metric.
	DefaultScore = 50
)

var nameIndex = buildNameIndex()

func buildNameIndex() map[string]int {
	m := make(map[string]int, NumMetrics)
	for i, n := range Names {
		m[n] = i
	}
	return m
}

// Index returns the canonical position of a metric name, or -1 if the name
// is not a canonical metric.
func Index(name string) int {
	if i, ok := nameIndex[name]; ok {
		return i
	}
	return -1
}

// #endregion canon

// #region record
// Record is a dense score record: one integer in [MinScore, MaxScore] per
// canonical metric. Field order matches Names.
type Record struct {
	Jawline          int `json:"jawline"`
	Cheekbones       int `json:"cheekbones"`
	EyesSymmetry     int `json:"eyes_symmetry"`
	NoseHarmony      int `json:"nose_harmony"`
	FacialSymmetry   int `json:"facial_symmetry"`
	SkinQuality      int `json:"skin_quality"`
	SexualDimorphism int `json:"sexual_dimorphism"`
}

// FromValues builds a Record from a canonical-order value vector.
func FromValues(v [NumMetrics]int) Record {
	return Record{
		Jawline:          v[0],
		Cheekbones:       v[1],
		EyesSymmetry:     v[2],
		NoseHarmony:      v[3],
		FacialSymmetry:   v[4],
		SkinQuality:      v[5],
		SexualDimorphism: v[6],
	}
}

// Values returns the record as a canonical-order vector.
func (r Record) Values() [NumMetrics]int {
	return [NumMetrics]int{
		r.Jawline,
		r.Cheekbones,
		r.EyesSymmetry,
		r.NoseHarmony,
		r.FacialSymmetry,
		r.SkinQuality,
		r.SexualDimorphism,
	}
}

// #endregion record

// #region partial
// Partial is a score record parsed from a label store entry; any subset of
// the canonical metrics may be present.
type Partial struct {
	Values  [NumMetrics]int
	Present [NumMetrics]bool
}

// ParsePartial validates a raw label store object. Unknown keys are ignored
// for forward compatibility; out-of-range values reject the whole entry so
// bad labels never reach the loss.
func ParsePartial(raw map[string]int) (Partial, error) {
	var p Partial
	for name, v := range raw {
		i := Index(name)
		if i < 0 {
			continue
		}
		if v < MinScore || v > MaxScore {
			return Partial{}, fmt.Errorf("metric %s: value %d outside [%d, %d]", name, v, MinScore, MaxScore)
		}
		p.Values[i] = v
		p.Present[i] = true
	}
	return p, nil
}

// ValueOrDefault returns the metric value at canonical index i, substituting
// DefaultScore when the metric is absent.
func (p Partial) ValueOrDefault(i int) int {
	if p.Present[i] {
		return p.Values[i]
	}
	return DefaultScore
}

// Filled returns the record with every missing metric set to DefaultScore.
func (p Partial) Filled() Record {
	var v [NumMetrics]int
	for i := range v {
		v[i] = p.ValueOrDefault(i)
	}
	return FromValues(v)
}

// Dense returns the training target vector: each metric scaled to [0, 1],
// missing metrics at exactly 0.5.
func (p Partial) Dense() [NumMetrics]float32 {
	var d [NumMetrics]float32
	for i := range d {
		d[i] = float32(p.ValueOrDefault(i)) / float32(MaxScore)
	}
	return d
}

// #endregion partial

// #region denormalize
// Denormalize maps a model output vector in (0, 1) back to integer scores.
// The rule is ×100 then round half away from zero — half-up on this
// all-positive range, so 0.495 → 50 and 0.505 → 51. The evaluator and the
// serving path both go through this function; they must never diverge.
func Denormalize(out [NumMetrics]float32) Record {
	var v [NumMetrics]int
	for i, f := range out {
		s := int(math.Round(float64(f) * MaxScore))
		if s < MinScore {
			s = MinScore
		}
		if s > MaxScore {
			s = MaxScore
		}
		v[i] = s
	}
	return FromValues(v)
}

// #endregion denormalize
