// Package eval grades a trained model against labeled images: per-metric
// mean and max absolute error in score units, plus a verdict ladder so CI
// and operators get a single pass/fail signal.
package eval

import (
	"fmt"
	"math/rand"

	"github.com/danielpatrickdp/face-scorer/internal/dataset"
	"github.com/danielpatrickdp/face-scorer/internal/model"
	"github.com/danielpatrickdp/face-scorer/internal/preprocess"
	"github.com/danielpatrickdp/face-scorer/internal/score"
)

// #region harness
// Harness evaluates a model over a dataset with fixed thresholds.
type Harness struct {
	config Config
}

// NewHarness creates an evaluation harness with the given configuration.
func NewHarness(config Config) *Harness {
	return &Harness{config: config}
}

// Run scores every sampled entry with the deterministic inference path —
// decode, resize, normalize, predict, round to integers — and compares the
// rounded scores against the ground truth. A metric the entry never labeled
// is compared against the neutral default, the same substitution the
// training targets use, so every sample contributes all seven metrics.
func (h *Harness) Run(m *model.Model, src *dataset.Source) (Report, error) {
	entries := h.sample(src)
	if len(entries) == 0 {
		return Report{}, fmt.Errorf("no entries to evaluate")
	}

	size := m.Config().ImageSize
	var report Report
	var sumAE [score.NumMetrics]float64
	var maxAE [score.NumMetrics]float64
	var totalAE float64

	it := dataset.FromEntries(entries).Iter()
	for {
		res, ok := it.Next()
		if !ok {
			break
		}
		if res.Err != nil {
			report.Skipped++
			continue
		}

		out, err := m.Predict(preprocess.Inference(res.Item.Image, size))
		if err != nil {
			return Report{}, fmt.Errorf("evaluate %s: %w", res.ID, err)
		}
		pred := score.Denormalize(out)
		predVals := pred.Values()

		var sampleAE float64
		var labeled int
		for j := range score.Names {
			if res.Item.Truth.Present[j] {
				labeled++
			}
			ae := float64(abs(predVals[j] - res.Item.Truth.ValueOrDefault(j)))
			sumAE[j] += ae
			if ae > maxAE[j] {
				maxAE[j] = ae
			}
			totalAE += ae
			sampleAE += ae
		}
		report.PerSample = append(report.PerSample, SampleReport{
			ID:      res.ID,
			Labeled: labeled,
			MeanAE:  sampleAE / score.NumMetrics,
		})
		report.Samples++
	}

	if report.Samples == 0 {
		return report, fmt.Errorf("every sampled entry failed to decode")
	}

	for j, name := range score.Names {
		mean := sumAE[j] / float64(report.Samples)
		report.Metrics = append(report.Metrics, MetricReport{
			Name:    name,
			Count:   report.Samples,
			MeanAE:  mean,
			MaxAE:   maxAE[j],
			Verdict: h.grade(mean),
		})
	}
	report.OverallMAE = totalAE / float64(report.Samples*score.NumMetrics)
	report.Verdict = h.grade(report.OverallMAE)
	return report, nil
}

// sample picks up to Samples entries with a seeded shuffle, so repeated
// evaluations of a large set look at the same subset.
func (h *Harness) sample(src *dataset.Source) []dataset.Entry {
	entries := src.Entries()
	if h.config.Samples <= 0 || h.config.Samples >= len(entries) {
		return entries
	}
	rng := rand.New(rand.NewSource(h.config.Seed))
	rng.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})
	return entries[:h.config.Samples]
}

// grade maps a mean error to its band. Bounds are exclusive on the low
// side: an error of exactly ExcellentMAE grades pass, not excellent.
func (h *Harness) grade(mae float64) Verdict {
	switch {
	case mae < h.config.ExcellentMAE:
		return VerdictExcellent
	case mae < h.config.PassMAE:
		return VerdictPass
	case mae < h.config.WarnMAE:
		return VerdictWarn
	default:
		return VerdictFail
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// #endregion harness
