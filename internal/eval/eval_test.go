package eval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/face-scorer/internal/dataset"
	"github.com/danielpatrickdp/face-scorer/internal/model"
	"github.com/danielpatrickdp/face-scorer/internal/preprocess"
	"github.com/danielpatrickdp/face-scorer/internal/score"
)

func TestVerdictLadder(t *testing.T) {
	h := NewHarness(DefaultConfig())
	cases := []struct {
		mae  float64
		want Verdict
	}{
		{0, VerdictExcellent},
		{7.99, VerdictExcellent},
		{8, VerdictPass}, // bands are exclusive on the low side
		{9.99, VerdictPass},
		{10, VerdictWarn},
		{11.99, VerdictWarn},
		{12, VerdictFail},
		{40, VerdictFail},
	}
	for _, c := range cases {
		if got := h.grade(c.mae); got != c.want {
			t.Fatalf("mae %g: got %s, want %s", c.mae, got, c.want)
		}
	}
}

func TestSampleIsSeededAndBounded(t *testing.T) {
	var entries []dataset.Entry
	for i := 0; i < 30; i++ {
		entries = append(entries, dataset.Entry{ID: fmt.Sprintf("e%02d", i)})
	}
	src := dataset.FromEntries(entries)

	h := NewHarness(Config{Samples: 10, Seed: 7})
	a := h.sample(src)
	b := h.sample(src)
	if len(a) != 10 {
		t.Fatalf("sample size %d, want 10", len(a))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatal("same seed must pick the same subset")
		}
	}

	all := NewHarness(Config{Samples: 0}).sample(src)
	if len(all) != 30 {
		t.Fatalf("samples=0 should evaluate everything, got %d", len(all))
	}
}

func evalFixture(t *testing.T, n, size int) *dataset.Source {
	t.Helper()
	dir := t.TempDir()
	imagesDir := filepath.Join(dir, "images")
	os.MkdirAll(imagesDir, 0o755)

	scores := map[string]map[string]int{}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("f%02d.png", i)
		img := image.NewNRGBA(image.Rect(0, 0, size, size))
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: byte(i * 30), G: byte(x * 10), B: byte(y * 10), A: 255})
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			t.Fatal(err)
		}
		os.WriteFile(filepath.Join(imagesDir, name), buf.Bytes(), 0o644)

		// Leave one metric unlabeled on every entry.
		rec := map[string]int{}
		for j, m := range score.Names {
			if j == i%score.NumMetrics {
				continue
			}
			rec[m] = (i*19 + j*5) % 101
		}
		scores[name] = rec
	}
	raw, _ := json.Marshal(map[string]any{"scores": scores})
	scoresPath := filepath.Join(dir, "scores.json")
	os.WriteFile(scoresPath, raw, 0o644)

	src, _, err := dataset.Load(scoresPath, imagesDir)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func TestRunReportsPerMetricErrors(t *testing.T) {
	cfg := model.Config{ImageSize: 16, PatchSize: 8, EmbedDim: 8, HiddenDim: 8}
	m, err := model.New(cfg, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}

	src := evalFixture(t, 8, 16)
	report, err := NewHarness(DefaultConfig()).Run(m, src)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.Samples != 8 || report.Skipped != 0 {
		t.Fatalf("samples %d skipped %d", report.Samples, report.Skipped)
	}
	if len(report.Metrics) != score.NumMetrics {
		t.Fatalf("expected %d metric reports, got %d", score.NumMetrics, len(report.Metrics))
	}
	for i, mr := range report.Metrics {
		if mr.Name != score.Names[i] {
			t.Fatalf("metric %d out of canonical order: %s", i, mr.Name)
		}
		// Missing labels substitute the default, so every metric covers
		// every sample.
		if mr.Count != 8 {
			t.Fatalf("metric %s: count %d, want 8", mr.Name, mr.Count)
		}
		if mr.MeanAE < 0 || mr.MaxAE < mr.MeanAE {
			t.Fatalf("metric %s: mean %g max %g inconsistent", mr.Name, mr.MeanAE, mr.MaxAE)
		}
		if mr.Verdict == "" {
			t.Fatalf("metric %s missing a verdict", mr.Name)
		}
	}
	if report.OverallMAE < 0 || report.OverallMAE > 100 {
		t.Fatalf("overall MAE out of range: %g", report.OverallMAE)
	}
	if len(report.PerSample) != 8 {
		t.Fatalf("expected 8 per-sample rows, got %d", len(report.PerSample))
	}
	for _, s := range report.PerSample {
		if s.Labeled != score.NumMetrics-1 {
			t.Fatalf("sample %s: %d labeled metrics, want %d", s.ID, s.Labeled, score.NumMetrics-1)
		}
	}
	if report.Verdict == "" {
		t.Fatal("overall verdict missing")
	}
}

// singleEntryFixture builds a one-image dataset carrying exactly the given
// label record.
func singleEntryFixture(t *testing.T, labels map[string]int) *dataset.Source {
	t.Helper()
	dir := t.TempDir()
	imagesDir := filepath.Join(dir, "images")
	os.MkdirAll(imagesDir, 0o755)

	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: byte(x * 14), G: byte(y * 14), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(imagesDir, "only.png"), buf.Bytes(), 0o644)

	raw, _ := json.Marshal(map[string]any{"scores": map[string]any{"only.png": labels}})
	scoresPath := filepath.Join(dir, "scores.json")
	os.WriteFile(scoresPath, raw, 0o644)

	src, _, err := dataset.Load(scoresPath, imagesDir)
	if err != nil {
		t.Fatal(err)
	}
	if src.Len() != 1 {
		t.Fatalf("fixture produced %d entries", src.Len())
	}
	return src
}

func TestRunSubstitutesDefaultForMissingMetrics(t *testing.T) {
	cfg := model.Config{ImageSize: 16, PatchSize: 8, EmbedDim: 8, HiddenDim: 8}
	m, err := model.New(cfg, rand.New(rand.NewSource(9)))
	if err != nil {
		t.Fatal(err)
	}

	src := singleEntryFixture(t, map[string]int{"jawline": 90})

	// Compute the expected comparison by hand through the same path.
	raw, err := os.ReadFile(src.Entries()[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	img, err := preprocess.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	out, err := m.Predict(preprocess.Inference(img, cfg.ImageSize))
	if err != nil {
		t.Fatal(err)
	}
	pred := score.Denormalize(out).Values()

	report, err := NewHarness(DefaultConfig()).Run(m, src)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for j, mr := range report.Metrics {
		truth := score.DefaultScore
		if score.Names[j] == "jawline" {
			truth = 90
		}
		want := float64(abs(pred[j] - truth))
		if mr.MeanAE != want || mr.MaxAE != want || mr.Count != 1 {
			t.Fatalf("metric %s: got mean %g max %g count %d, want %g against truth %d",
				mr.Name, mr.MeanAE, mr.MaxAE, mr.Count, want, truth)
		}
	}
	if report.PerSample[0].Labeled != 1 {
		t.Fatalf("labeled count %d, want 1", report.PerSample[0].Labeled)
	}
}

func TestRunEvaluatesFullyUnlabeledEntry(t *testing.T) {
	cfg := model.Config{ImageSize: 16, PatchSize: 8, EmbedDim: 4, HiddenDim: 4}
	m, err := model.New(cfg, rand.New(rand.NewSource(10)))
	if err != nil {
		t.Fatal(err)
	}

	src := singleEntryFixture(t, map[string]int{})
	report, err := NewHarness(DefaultConfig()).Run(m, src)
	if err != nil {
		t.Fatalf("an unlabeled entry must still evaluate against defaults: %v", err)
	}
	if report.Samples != 1 || report.PerSample[0].Labeled != 0 {
		t.Fatalf("samples %d labeled %d", report.Samples, report.PerSample[0].Labeled)
	}
	for _, mr := range report.Metrics {
		if mr.Count != 1 {
			t.Fatalf("metric %s: count %d, want 1", mr.Name, mr.Count)
		}
	}
}

func TestRunSkipsUndecodableEntries(t *testing.T) {
	cfg := model.Config{ImageSize: 16, PatchSize: 8, EmbedDim: 4, HiddenDim: 4}
	m, err := model.New(cfg, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}

	src := evalFixture(t, 4, 16)
	victim := src.Entries()[2]
	os.WriteFile(victim.Path, []byte("broken"), 0o644)

	report, err := NewHarness(DefaultConfig()).Run(m, src)
	if err != nil {
		t.Fatal(err)
	}
	if report.Samples != 3 || report.Skipped != 1 {
		t.Fatalf("samples %d skipped %d, want 3/1", report.Samples, report.Skipped)
	}
}

func TestRunRejectsEmptySource(t *testing.T) {
	cfg := model.Config{ImageSize: 16, PatchSize: 8, EmbedDim: 4, HiddenDim: 4}
	m, _ := model.New(cfg, rand.New(rand.NewSource(3)))
	if _, err := NewHarness(DefaultConfig()).Run(m, dataset.FromEntries(nil)); err == nil {
		t.Fatal("expected error for empty source")
	}
}
