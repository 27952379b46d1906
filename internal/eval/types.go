package eval

// #region config
// Config holds the evaluation thresholds. Thresholds are in score units
// (0–100 scale) and apply to per-metric mean absolute error.
type Config struct {
	Samples int   // evaluate at most this many entries; 0 means all
	Seed    int64 // sampling seed

	ExcellentMAE float64 // below: excellent
	PassMAE      float64 // below: pass
	WarnMAE      float64 // below: warn; at or above: fail
}

// DefaultConfig returns the standard verdict ladder.
func DefaultConfig() Config {
	return Config{
		Seed:         42,
		ExcellentMAE: 8,
		PassMAE:      10,
		WarnMAE:      12,
	}
}

// #endregion config

// #region verdict
// Verdict grades one metric or the whole model.
type Verdict string

const (
	VerdictExcellent Verdict = "excellent"
	VerdictPass      Verdict = "pass"
	VerdictWarn      Verdict = "warn"
	VerdictFail      Verdict = "fail"
)

// #endregion verdict

// #region report
// MetricReport is one metric's error summary over the evaluated sample.
type MetricReport struct {
	Name    string  `json:"name"`
	Count   int     `json:"count"` // samples compared; equals Report.Samples
	MeanAE  float64 `json:"meanAe"`
	MaxAE   float64 `json:"maxAe"`
	Verdict Verdict `json:"verdict"`
}

// SampleReport is one image's mean error over all seven metrics, with
// missing ground truth substituted by the neutral default. Labeled records
// how many metrics the entry actually carried.
type SampleReport struct {
	ID      string  `json:"id"`
	Labeled int     `json:"labeled"`
	MeanAE  float64 `json:"meanAe"`
}

// Report is the full evaluation output.
type Report struct {
	Samples    int            `json:"samples"` // entries scored
	Skipped    int            `json:"skipped"` // entries that failed to decode
	OverallMAE float64        `json:"overallMae"`
	Verdict    Verdict        `json:"verdict"`
	Metrics    []MetricReport `json:"metrics"`
	PerSample  []SampleReport `json:"perSample"`
}

// #endregion report
